package service

import (
	"context"
	"testing"
	"time"

	apperrors "veilbox/internal/errors"
	"veilbox/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestRepo() (*MessageRepository, *memStore) {
	store := newMemStore()
	return NewMessageRepository(store, quietLogger()), store
}

func TestIngestValidation(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()

	_, err := repo.Ingest(ctx, "", "Mom", "hello", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))

	_, err = repo.Ingest(ctx, "com.whatsapp", "Mom", "", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))
}

func TestIngestCreatesReceivedMessage(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	msg, err := repo.Ingest(ctx, "com.whatsapp", "Mom", "Call me", "com.whatsapp:Mom")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, models.StatusReceived, msg.Status)

	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Call me", stored.OriginalContent)
	assert.Equal(t, "com.whatsapp:Mom", stored.ThreadKey)
	assert.Equal(t, int64(0), stored.SnoozedUntil)
}

func TestIngestPublishesChangeEvent(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()

	events, cancel := repo.Subscribe()
	defer cancel()

	msg, err := repo.Ingest(ctx, "sms", "555", "hi", "")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, msg.ID, ev.MessageID)
		assert.Equal(t, models.StatusReceived, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
	}
}

func TestApplyProcessingResultGroupsFields(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	msg, err := repo.Ingest(ctx, "com.slack", "Team", "Please review the PR", "")
	require.NoError(t, err)

	err = repo.ApplyProcessingResult(ctx, msg.ID, models.BucketWork,
		"Work notification from Slack", []string{"On it!", "Will do"})
	require.NoError(t, err)

	updated, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, updated.Status)
	assert.Equal(t, models.BucketWork, updated.Bucket)
	assert.Equal(t, "Work notification from Slack", updated.VeiledContent)
	assert.Equal(t, []string{"On it!", "Will do"}, updated.GeneratedResponses)
}

func TestApplyProcessingResultPreservesSelectedResponse(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	id := store.seed(&models.Message{
		Source:           "com.slack",
		OriginalContent:  "hi",
		SelectedResponse: "user draft",
		Status:           models.StatusRetry,
		CreatedAt:        time.Now().UTC(),
	})

	require.NoError(t, repo.ApplyProcessingResult(ctx, id, models.BucketWork, "veil", []string{"a"}))

	updated, _ := store.GetMessage(ctx, id)
	assert.Equal(t, "user draft", updated.SelectedResponse)
}

func TestApplyProcessingResultErrors(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	err := repo.ApplyProcessingResult(ctx, 99, models.BucketWork, "v", nil)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

	id := store.seed(&models.Message{
		Source: "sms", OriginalContent: "x", Status: models.StatusSent, CreatedAt: time.Now().UTC(),
	})
	err = repo.ApplyProcessingResult(ctx, id, models.BucketWork, "v", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetCode(err))
}

func TestRecordFailureSchedulesRetry(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	msg, err := repo.Ingest(ctx, "sms", "555", "hi", "")
	require.NoError(t, err)

	before := time.Now().UnixMilli()
	updated, err := repo.RecordFailure(ctx, msg.ID, 3, func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Minute
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRetry, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.GreaterOrEqual(t, updated.SnoozedUntil, before+time.Minute.Milliseconds())

	stored, _ := store.GetMessage(ctx, msg.ID)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestRecordFailureCeilingMarksFailed(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	id := store.seed(&models.Message{
		Source: "sms", OriginalContent: "x", Status: models.StatusRetry,
		RetryCount: 2, CreatedAt: time.Now().UTC(),
	})

	updated, err := repo.RecordFailure(ctx, id, 3, func(int) time.Duration { return time.Minute })
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, 3, updated.RetryCount)
}

func TestRecordFailureOnTerminalStatus(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	id := store.seed(&models.Message{
		Source: "sms", OriginalContent: "x", Status: models.StatusSent, CreatedAt: time.Now().UTC(),
	})

	_, err := repo.RecordFailure(ctx, id, 3, func(int) time.Duration { return time.Minute })
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetCode(err))
}

func TestUpdateStateSendsMessage(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	id := store.seed(&models.Message{
		Source: "com.slack", OriginalContent: "x", Status: models.StatusProcessed,
		GeneratedResponses: []string{"On it!"}, CreatedAt: time.Now().UTC(),
	})

	updated, err := repo.UpdateState(ctx, id, models.StatusSent, "On it!")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, updated.Status)
	assert.Equal(t, "On it!", updated.SelectedResponse)

	// Responses survive the user transition
	stored, _ := store.GetMessage(ctx, id)
	assert.Equal(t, []string{"On it!"}, stored.GeneratedResponses)
}

func TestUpdateStateRejectsInvalidTransitions(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	id := store.seed(&models.Message{
		Source: "sms", OriginalContent: "x", Status: models.StatusFailed, CreatedAt: time.Now().UTC(),
	})

	_, err := repo.UpdateState(ctx, id, models.StatusRetry, "")
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetCode(err))

	_, err = repo.UpdateState(ctx, id, models.Status("BOGUS"), "")
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))

	_, err = repo.UpdateState(ctx, 99, models.StatusSent, "")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestSnoozeLeavesRetryStateAlone(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	id := store.seed(&models.Message{
		Source: "sms", OriginalContent: "x", Status: models.StatusRetry,
		RetryCount: 2, CreatedAt: time.Now().UTC(),
	})

	until := time.Now().Add(time.Hour).UnixMilli()
	updated, err := repo.Snooze(ctx, id, until)
	require.NoError(t, err)

	assert.Equal(t, until, updated.SnoozedUntil)
	assert.Equal(t, 2, updated.RetryCount)
	assert.Equal(t, models.StatusRetry, updated.Status)

	// Zero clears the snooze
	updated, err = repo.Snooze(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.SnoozedUntil)

	_, err = repo.Snooze(ctx, id, -1)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))
}

func TestListEligible(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()
	now := time.Now()

	received := store.seed(&models.Message{
		Source: "sms", OriginalContent: "a", Status: models.StatusReceived, CreatedAt: now,
	})
	dueRetry := store.seed(&models.Message{
		Source: "sms", OriginalContent: "b", Status: models.StatusRetry,
		SnoozedUntil: now.Add(-time.Minute).UnixMilli(), CreatedAt: now,
	})
	store.seed(&models.Message{
		Source: "sms", OriginalContent: "c", Status: models.StatusRetry,
		SnoozedUntil: now.Add(time.Hour).UnixMilli(), CreatedAt: now,
	})
	store.seed(&models.Message{
		Source: "sms", OriginalContent: "d", Status: models.StatusProcessed, CreatedAt: now,
	})

	eligible, err := repo.ListEligible(ctx)
	require.NoError(t, err)

	ids := make([]int64, 0, len(eligible))
	for _, m := range eligible {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []int64{received, dueRetry}, ids)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	repo, _ := newTestRepo()

	events, cancel := repo.Subscribe()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	// Cancelling twice is safe
	cancel()
}

func TestSlowSubscriberDoesNotBlockWriters(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()

	_, cancel := repo.Subscribe()
	defer cancel()

	// Nobody drains the subscription; ingest far past the buffer size
	// must still complete promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, err := repo.Ingest(ctx, "sms", "555", "hi", "")
			require.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writers blocked on a slow subscriber")
	}
}

func TestClearAll(t *testing.T) {
	repo, store := newTestRepo()
	ctx := context.Background()

	_, err := repo.Ingest(ctx, "sms", "555", "hi", "")
	require.NoError(t, err)

	require.NoError(t, repo.ClearAll(ctx))

	all, err := store.ListMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
