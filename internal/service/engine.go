package service

import (
	"context"
	"sync"
	"time"

	"veilbox/internal/constants"
	apperrors "veilbox/internal/errors"
	"veilbox/internal/metrics"
	"veilbox/internal/models"
	"veilbox/internal/retry"
	"veilbox/internal/tracing"
	"veilbox/pkg/circuitbreaker"
	"veilbox/pkg/generation"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// Categorizer assigns a bucket to a message. Pure.
type Categorizer interface {
	Categorize(msg *models.Message) models.Bucket
}

// VeilBuilder derives the non-sensitive display string. Pure.
type VeilBuilder interface {
	Generate(msg *models.Message, bucket models.Bucket) string
}

// Generator is the reply-generation backend consumed by the engine.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) ([]string, error)
	CloseSession(ctx context.Context, messageID int64) error
}

// ProcessingEngine owns the ingestion-to-completion lifecycle. It
// subscribes to the repository's change stream, claims eligible
// messages exclusively, runs categorize/veil/generate, and writes the
// outcome back. A ticker sweep wakes snoozed retries whose due time
// passed without any store mutation to fire the stream, and re-runs
// eligibility after missed or dropped events.
type ProcessingEngine struct {
	repo        *MessageRepository
	categorizer Categorizer
	veiler      VeilBuilder
	generator   Generator
	breaker     *circuitbreaker.CircuitBreaker
	claims      *ClaimTracker
	sem         *semaphore.Weighted
	backoff     *retry.Backoff
	logger      *logrus.Logger

	maxAttempts  int
	scanInterval time.Duration
	genTimeout   time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewProcessingEngine wires an engine from its collaborators. Zero
// config values fall back to the defaults in internal/constants.
func NewProcessingEngine(
	repo *MessageRepository,
	categorizer Categorizer,
	veiler VeilBuilder,
	generator Generator,
	cfg models.EngineConfig,
	genTimeout time.Duration,
	logger *logrus.Logger,
) *ProcessingEngine {
	if logger == nil {
		logger = logrus.New()
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = constants.DefaultEngineMaxConcurrent
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultEngineMaxAttempts
	}
	initialBackoff := cfg.InitialBackoffMs
	if initialBackoff <= 0 {
		initialBackoff = constants.DefaultEngineInitialBackoffMs
	}
	maxBackoff := cfg.MaxBackoffMs
	if maxBackoff <= 0 {
		maxBackoff = constants.DefaultEngineMaxBackoffMs
	}
	scanInterval := time.Duration(cfg.RetryScanIntervalSec) * time.Second
	if scanInterval <= 0 {
		scanInterval = time.Duration(constants.DefaultRetryScanIntervalSec) * time.Second
	}
	breakerMaxFailures := cfg.BreakerMaxFailures
	if breakerMaxFailures <= 0 {
		breakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	breakerReset := time.Duration(cfg.BreakerResetSec) * time.Second
	if breakerReset <= 0 {
		breakerReset = time.Duration(constants.DefaultBreakerResetSec) * time.Second
	}
	if genTimeout <= 0 {
		genTimeout = time.Duration(constants.DefaultGenerationTimeoutSec) * time.Second
	}

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(initialBackoff) * time.Millisecond,
		MaxDelay:     time.Duration(maxBackoff) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  maxAttempts,
		Jitter:       true,
	})

	return &ProcessingEngine{
		repo:         repo,
		categorizer:  categorizer,
		veiler:       veiler,
		generator:    generator,
		breaker:      circuitbreaker.New("generation", breakerMaxFailures, breakerReset, logger),
		claims:       NewClaimTracker(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		backoff:      backoff,
		logger:       logger,
		maxAttempts:  maxAttempts,
		scanInterval: scanInterval,
		genTimeout:   genTimeout,
	}
}

// Start launches the engine's background loop. The loop sweeps for
// already-eligible messages first, so work ingested while the engine
// was down is picked up without waiting for a stream event.
func (e *ProcessingEngine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	engineCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	events, unsubscribe := e.repo.Subscribe()
	e.unsubscribe = unsubscribe

	e.wg.Add(1)
	go e.run(engineCtx, events)

	e.logger.WithFields(logrus.Fields{
		"max_attempts":  e.maxAttempts,
		"scan_interval": e.scanInterval.String(),
	}).Info("Processing engine started")
}

// Stop cancels the loop and all in-flight attempts, then waits for
// them to finish. Cancelled attempts release their claims and write
// nothing, so restart re-evaluates eligibility from scratch.
func (e *ProcessingEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	unsubscribe := e.unsubscribe
	e.cancel = nil
	e.unsubscribe = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	e.wg.Wait()

	e.logger.Info("Processing engine stopped")
}

func (e *ProcessingEngine) run(ctx context.Context, events <-chan ChangeEvent) {
	defer e.wg.Done()

	e.sweep(ctx)

	ticker := time.NewTicker(e.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// sweep re-computes the eligible set from the store. Covers snooze
// expiry, dropped stream events and process restarts.
func (e *ProcessingEngine) sweep(ctx context.Context) {
	eligible, err := e.repo.ListEligible(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.WithError(err).Error("Eligibility sweep failed")
		}
		return
	}

	metrics.SetGauge("engine_claims", float64(e.claims.Len()), nil, "Live processing claims")

	for _, msg := range eligible {
		e.dispatch(ctx, msg)
	}
}

func (e *ProcessingEngine) handleEvent(ctx context.Context, ev ChangeEvent) {
	// Only ingestions and retry transitions can create eligibility.
	if ev.Status != models.StatusReceived && ev.Status != models.StatusRetry {
		return
	}

	msg, err := e.repo.GetMessage(ctx, ev.MessageID)
	if err != nil {
		e.logger.WithError(err).WithField("message_id", ev.MessageID).Error("Failed to load message for change event")
		return
	}
	if msg == nil {
		return
	}
	e.dispatch(ctx, msg)
}

// dispatch claims the message and starts an attempt in its own
// goroutine. The claim is taken before the concurrency slot so two
// emissions of the same id can never both pass; it is released on
// every path.
func (e *ProcessingEngine) dispatch(ctx context.Context, msg *models.Message) {
	if !msg.Eligible(time.Now()) {
		return
	}
	if !e.claims.TryClaim(msg.ID) {
		return
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.claims.Release(msg.ID)
		return
	}

	id := msg.ID
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		defer e.claims.Release(id)
		defer func() {
			if r := recover(); r != nil {
				e.logger.WithFields(logrus.Fields{
					"message_id": id,
					"panic":      r,
				}).Error("Processing attempt panicked")
			}
		}()

		e.process(ctx, id)
	}()
}

// process runs one attempt for a claimed message. The record is
// re-read under the claim so eligibility decided from a stale snapshot
// is re-checked before any work happens.
func (e *ProcessingEngine) process(ctx context.Context, id int64) {
	msg, err := e.repo.GetMessage(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.WithError(err).WithField("message_id", id).Error("Failed to re-read claimed message")
		}
		return
	}
	if msg == nil || !msg.Eligible(time.Now()) {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "process_message",
		attribute.Int64("message.id", id),
		attribute.Int("message.retry_count", msg.RetryCount),
	)
	defer span.End()

	bucket := e.categorizer.Categorize(msg)
	veil := e.veiler.Generate(msg, bucket)
	tracing.AddSpanAttributes(ctx, attribute.String("message.bucket", string(bucket)))

	genCtx, cancelGen := context.WithTimeout(ctx, e.genTimeout)
	defer cancelGen()

	start := time.Now()
	var responses []string
	err = e.breaker.Execute(genCtx, func(callCtx context.Context) error {
		out, genErr := e.generator.Generate(callCtx, generation.Request{
			MessageID: id,
			Source:    msg.Source,
			Sender:    msg.SenderDisplayName,
			Content:   msg.OriginalContent,
			Bucket:    string(bucket),
			ThreadKey: msg.ThreadKey,
		})
		if genErr != nil {
			return apperrors.NewGenerationError(genErr)
		}
		responses = out
		return nil
	})
	metrics.RecordTimer("generation_duration", time.Since(start), nil, "Generation backend call duration")

	if err == nil && len(responses) == 0 {
		err = apperrors.New(apperrors.ErrCodeGenerationEmpty, "generation backend returned no replies")
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown cancellation, not a backend failure. Nothing was
			// written; the message stays eligible for the next start.
			return
		}
		tracing.RecordError(ctx, err)
		e.handleFailure(ctx, id, err)
		return
	}

	if err := e.repo.ApplyProcessingResult(ctx, id, bucket, veil, responses); err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeInvalidTransition {
			// The user moved the message while generation ran. Their
			// transition wins; discard this attempt's output.
			e.logger.WithField("message_id", id).Debug("Discarding processing result after concurrent status change")
			e.closeSession(id)
			return
		}
		e.logger.WithError(err).WithField("message_id", id).Error("Failed to write processing result")
		return
	}

	metrics.IncrementCounter("messages_processed", nil, "Messages processed successfully")
	e.logger.WithFields(logrus.Fields{
		"message_id": id,
		"bucket":     string(bucket),
		"replies":    len(responses),
	}).Info("Message processed")

	e.closeSession(id)
}

func (e *ProcessingEngine) handleFailure(ctx context.Context, id int64, cause error) {
	e.logger.WithError(cause).WithFields(logrus.Fields{
		"message_id": id,
		"retryable":  apperrors.IsRetryable(cause),
	}).Warn("Processing attempt failed")

	updated, err := e.repo.RecordFailure(ctx, id, e.maxAttempts, e.backoff.DelayFor)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeInvalidTransition {
			e.logger.WithField("message_id", id).Debug("Skipping failure bookkeeping after concurrent status change")
			return
		}
		e.logger.WithError(err).WithField("message_id", id).Error("Failed to record processing failure")
		return
	}

	if updated.Status == models.StatusFailed {
		metrics.IncrementCounter("messages_failed", nil, "Messages abandoned after exhausting retries")
		e.logger.WithFields(logrus.Fields{
			"message_id":  id,
			"retry_count": updated.RetryCount,
		}).Error("Retry ceiling reached, message marked failed")
		e.closeSession(id)
		return
	}

	metrics.IncrementCounter("messages_retried", nil, "Processing attempts scheduled for retry")
	e.logger.WithFields(logrus.Fields{
		"message_id":    id,
		"retry_count":   updated.RetryCount,
		"snoozed_until": updated.SnoozedUntil,
	}).Info("Retry scheduled")
}

// closeSession tells the backend the conversation for this message is
// finished. Runs with a fresh context so shutdown cancellation cannot
// leak backend sessions.
func (e *ProcessingEngine) closeSession(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.generator.CloseSession(ctx, id); err != nil {
		e.logger.WithError(err).WithField("message_id", id).Warn("Failed to close generation session")
	}
}
