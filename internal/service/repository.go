package service

import (
	"context"
	"sync"
	"time"

	"veilbox/internal/constants"
	apperrors "veilbox/internal/errors"
	"veilbox/internal/models"

	"github.com/sirupsen/logrus"
)

// MessageStore is the persistence contract the repository builds on.
// Implemented by internal/database.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *models.Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	ListMessages(ctx context.Context) ([]*models.Message, error)
	ListVisibleMessages(ctx context.Context, nowMillis int64) ([]*models.Message, error)
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Message, error)
	ListDueRetries(ctx context.Context, nowMillis int64) ([]*models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ClearAll(ctx context.Context) error
}

// ChangeEvent is one emission on the repository's change stream.
type ChangeEvent struct {
	MessageID int64         `json:"messageId"`
	Status    models.Status `json:"status"`
}

const lockStripes = 64

// MessageRepository is the only door for reading and writing messages.
// Every mutation is a read-modify-write under a per-id lock stripe, so
// a processing-success write racing a user's manual edit can never
// clobber fields it did not mean to touch. Every mutation also fires
// the change stream.
type MessageRepository struct {
	store  MessageStore
	logger *logrus.Logger

	locks [lockStripes]sync.Mutex

	subMu sync.RWMutex
	subs  map[chan ChangeEvent]struct{}
}

// NewMessageRepository creates a repository over the given store.
func NewMessageRepository(store MessageStore, logger *logrus.Logger) *MessageRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &MessageRepository{
		store:  store,
		logger: logger,
		subs:   make(map[chan ChangeEvent]struct{}),
	}
}

func (r *MessageRepository) lockFor(id int64) *sync.Mutex {
	return &r.locks[id%lockStripes]
}

// Ingest creates a new message in status RECEIVED and returns it with
// its assigned id. Safe to call concurrently from multiple adapters.
func (r *MessageRepository) Ingest(ctx context.Context, source, sender, content, threadKey string) (*models.Message, error) {
	if source == "" {
		return nil, apperrors.NewValidationError("source", "source is required")
	}
	if content == "" {
		return nil, apperrors.NewValidationError("originalContent", "content is required")
	}

	now := time.Now().UTC()
	msg := &models.Message{
		Source:             source,
		SenderDisplayName:  sender,
		OriginalContent:    content,
		ThreadKey:          threadKey,
		Status:             models.StatusReceived,
		GeneratedResponses: []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	id, err := r.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, apperrors.NewDatabaseError("insert", err)
	}
	msg.ID = id

	r.logger.WithFields(logrus.Fields{
		"message_id": id,
		"source":     source,
		"content":    SanitizeContent(content),
	}).Info("Message ingested")

	r.publish(ChangeEvent{MessageID: id, Status: models.StatusReceived})
	return msg, nil
}

// GetMessage returns the message or nil when the id is unknown.
func (r *MessageRepository) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	return r.store.GetMessage(ctx, id)
}

// ListMessages returns every message in display order, including
// snoozed ones.
func (r *MessageRepository) ListMessages(ctx context.Context) ([]*models.Message, error) {
	return r.store.ListMessages(ctx)
}

// ListVisible returns display-ordered messages excluding those snoozed
// into the future.
func (r *MessageRepository) ListVisible(ctx context.Context) ([]*models.Message, error) {
	return r.store.ListVisibleMessages(ctx, time.Now().UnixMilli())
}

// ListEligible returns messages the processing engine may attempt now:
// everything in RECEIVED plus RETRY messages whose snooze has expired.
func (r *MessageRepository) ListEligible(ctx context.Context) ([]*models.Message, error) {
	received, err := r.store.ListByStatus(ctx, models.StatusReceived)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list received", err)
	}
	due, err := r.store.ListDueRetries(ctx, time.Now().UnixMilli())
	if err != nil {
		return nil, apperrors.NewDatabaseError("list due retries", err)
	}
	return append(received, due...), nil
}

// ApplyProcessingResult writes the outcome of a successful processing
// pass. Bucket, veil and responses are replaced together; readers never
// observe a half-updated record.
func (r *MessageRepository) ApplyProcessingResult(ctx context.Context, id int64, bucket models.Bucket, veil string, responses []string) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return apperrors.NewDatabaseError("get", err)
	}
	if msg == nil {
		return apperrors.NewNotFoundError(id)
	}
	if !msg.Status.CanTransitionTo(models.StatusProcessed) {
		return apperrors.NewTransitionError(string(msg.Status), string(models.StatusProcessed))
	}

	msg.Bucket = bucket
	msg.VeiledContent = veil
	msg.GeneratedResponses = responses
	msg.Status = models.StatusProcessed

	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return apperrors.NewDatabaseError("update", err)
	}

	r.publish(ChangeEvent{MessageID: id, Status: models.StatusProcessed})
	return nil
}

// RecordFailure applies one failed processing attempt: increments the
// retry count and either schedules a retry with the given backoff delay
// or, once the ceiling is reached, moves the message to FAILED. Returns
// the updated message so callers can act on the resulting status.
func (r *MessageRepository) RecordFailure(ctx context.Context, id int64, maxAttempts int, delayFor func(attempt int) time.Duration) (*models.Message, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", err)
	}
	if msg == nil {
		return nil, apperrors.NewNotFoundError(id)
	}
	if msg.Status != models.StatusReceived && msg.Status != models.StatusRetry {
		return nil, apperrors.NewTransitionError(string(msg.Status), string(models.StatusRetry))
	}

	msg.RetryCount++
	if msg.RetryCount >= maxAttempts {
		msg.Status = models.StatusFailed
	} else {
		msg.Status = models.StatusRetry
		msg.SnoozedUntil = time.Now().Add(delayFor(msg.RetryCount)).UnixMilli()
	}

	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return nil, apperrors.NewDatabaseError("update", err)
	}

	r.publish(ChangeEvent{MessageID: id, Status: msg.Status})
	return msg, nil
}

// UpdateState performs a user-driven status transition, optionally
// recording the reply the user picked. All other fields are preserved.
func (r *MessageRepository) UpdateState(ctx context.Context, id int64, status models.Status, selectedResponse string) (*models.Message, error) {
	if !status.Valid() {
		return nil, apperrors.NewValidationError("status", "unknown status value")
	}

	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", err)
	}
	if msg == nil {
		return nil, apperrors.NewNotFoundError(id)
	}
	if !msg.Status.CanTransitionTo(status) {
		return nil, apperrors.NewTransitionError(string(msg.Status), string(status))
	}

	msg.Status = status
	if selectedResponse != "" {
		msg.SelectedResponse = selectedResponse
	}

	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return nil, apperrors.NewDatabaseError("update", err)
	}

	r.publish(ChangeEvent{MessageID: id, Status: status})
	return msg, nil
}

// Snooze sets the user-facing snooze timestamp. Zero clears the
// snooze. Status and retry bookkeeping are left untouched: the user
// snooze and the engine's retry snooze share the field but not the
// counters.
func (r *MessageRepository) Snooze(ctx context.Context, id int64, untilMillis int64) (*models.Message, error) {
	if untilMillis < 0 {
		return nil, apperrors.NewValidationError("snoozedUntil", "snooze timestamp must not be negative")
	}

	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", err)
	}
	if msg == nil {
		return nil, apperrors.NewNotFoundError(id)
	}

	msg.SnoozedUntil = untilMillis

	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return nil, apperrors.NewDatabaseError("update", err)
	}

	r.publish(ChangeEvent{MessageID: id, Status: msg.Status})
	return msg, nil
}

// ClearAll removes every message. Account reset and tests only.
func (r *MessageRepository) ClearAll(ctx context.Context) error {
	if err := r.store.ClearAll(ctx); err != nil {
		return apperrors.NewDatabaseError("clear", err)
	}
	r.logger.Warn("All messages cleared")
	return nil
}

// Subscribe returns a buffered change-stream channel and a cancel
// function. Events are dropped for slow subscribers rather than
// blocking writers; consumers needing the full picture re-query.
func (r *MessageRepository) Subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, constants.DefaultChangeStreamBufferSize)

	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, ch)
			r.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *MessageRepository) publish(ev ChangeEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.WithField("message_id", ev.MessageID).Debug("Change-stream subscriber full, dropping event")
		}
	}
}
