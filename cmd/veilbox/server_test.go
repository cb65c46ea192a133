package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"veilbox/internal/database"
	"veilbox/internal/models"
	"veilbox/internal/service"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *service.MessageRepository) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := service.NewMessageRepository(db, logger)
	return NewServer(models.ServerConfig{Port: 0}, repo, logger, false), repo
}

func newLoggedServer(t *testing.T, verbose bool) (*Server, *logrustest.Hook) {
	t.Helper()

	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := service.NewMessageRepository(db, logger)
	return NewServer(models.ServerConfig{Port: 0}, repo, logger, verbose), hook
}

func ingestionLogSender(t *testing.T, hook *logrustest.Hook) string {
	t.Helper()
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Ingested message" {
			sender, _ := entry.Data["sender"].(string)
			return sender
		}
	}
	t.Fatal("no ingestion log entry recorded")
	return ""
}

func TestIngestLogMasksSenderByDefault(t *testing.T) {
	s, hook := newLoggedServer(t, false)

	rec := doJSON(t, s, "POST", "/api/v1/messages",
		`{"source": "Slack", "senderDisplayName": "Dana Reyes", "originalContent": "hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, "Da***", ingestionLogSender(t, hook))
}

func TestIngestLogUnmasksSenderWhenVerbose(t *testing.T) {
	s, hook := newLoggedServer(t, true)

	rec := doJSON(t, s, "POST", "/api/v1/messages",
		`{"source": "Slack", "senderDisplayName": "Dana Reyes", "originalContent": "hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, "Dana Reyes", ingestionLogSender(t, hook))
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestIngestCreatesMessage(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/api/v1/messages",
		`{"source": "Slack", "senderDisplayName": "Dana", "originalContent": "standup moved to 10"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Positive(t, created["id"])

	rec = doJSON(t, s, "GET", fmt.Sprintf("/api/v1/messages/%d", created["id"]), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var msg models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "Slack", msg.Source)
	assert.Equal(t, models.StatusReceived, msg.Status)
	// Raw content never leaves the process.
	assert.NotContains(t, rec.Body.String(), "standup moved to 10")
}

func TestIngestValidation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing content", `{"source": "Slack", "senderDisplayName": "Dana"}`},
		{"missing source", `{"senderDisplayName": "Dana", "originalContent": "hi"}`},
		{"malformed json", `{not json`},
		{"unknown field", `{"source": "Slack", "originalContent": "hi", "bogus": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s, "POST", "/api/v1/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestGetUnknownMessage(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/v1/messages/9999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetNonNumericIDNotRouted(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/v1/messages/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListHidesSnoozedByDefault(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	visible, err := repo.Ingest(ctx, "Slack", "Dana", "visible one", "")
	require.NoError(t, err)
	snoozed, err := repo.Ingest(ctx, "Slack", "Dana", "snoozed one", "")
	require.NoError(t, err)
	_, err = repo.Snooze(ctx, snoozed.ID, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	rec := doJSON(t, s, "GET", "/api/v1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []*models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, visible.ID, listed[0].ID)

	rec = doJSON(t, s, "GET", "/api/v1/messages?all=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 2)
}

func TestListEmptyReturnsArray(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/v1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestUpdateStateToSent(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	msg, err := repo.Ingest(ctx, "Slack", "Dana", "need a decision", "")
	require.NoError(t, err)
	require.NoError(t, repo.ApplyProcessingResult(ctx, msg.ID, models.BucketWork,
		"Work notification from Slack", []string{"On it", "Will check"}))

	rec := doJSON(t, s, "POST", fmt.Sprintf("/api/v1/messages/%d/state", msg.ID),
		`{"status": "SENT", "selectedResponse": "On it"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, models.StatusSent, updated.Status)
	assert.Equal(t, "On it", updated.SelectedResponse)
}

func TestUpdateStateInvalidTransition(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	msg, err := repo.Ingest(ctx, "Slack", "Dana", "hello", "")
	require.NoError(t, err)
	require.NoError(t, repo.ApplyProcessingResult(ctx, msg.ID, models.BucketWork, "veil", []string{"ok"}))

	rec := doJSON(t, s, "POST", fmt.Sprintf("/api/v1/messages/%d/state", msg.ID),
		`{"status": "RECEIVED"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateStateUnknownStatus(t *testing.T) {
	s, repo := newTestServer(t)

	msg, err := repo.Ingest(context.Background(), "Slack", "Dana", "hello", "")
	require.NoError(t, err)

	rec := doJSON(t, s, "POST", fmt.Sprintf("/api/v1/messages/%d/state", msg.ID),
		`{"status": "BOGUS"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnoozeEndpoint(t *testing.T) {
	s, repo := newTestServer(t)

	msg, err := repo.Ingest(context.Background(), "Slack", "Dana", "later please", "")
	require.NoError(t, err)

	until := time.Now().Add(30 * time.Minute).UnixMilli()
	rec := doJSON(t, s, "POST", fmt.Sprintf("/api/v1/messages/%d/snooze", msg.ID),
		fmt.Sprintf(`{"snoozedUntil": %d}`, until))
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, until, updated.SnoozedUntil)
}

func TestSnoozeRejectsNegative(t *testing.T) {
	s, repo := newTestServer(t)

	msg, err := repo.Ingest(context.Background(), "Slack", "Dana", "later please", "")
	require.NoError(t, err)

	rec := doJSON(t, s, "POST", fmt.Sprintf("/api/v1/messages/%d/snooze", msg.ID),
		`{"snoozedUntil": -5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearAllEndpoint(t *testing.T) {
	s, repo := newTestServer(t)

	_, err := repo.Ingest(context.Background(), "Slack", "Dana", "one", "")
	require.NoError(t, err)

	rec := doJSON(t, s, "DELETE", "/api/v1/messages", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/messages?all=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"metrics"`)
}

func TestFeedStreamsChangeEvents(t *testing.T) {
	s, repo := newTestServer(t)

	httpServer := httptest.NewServer(s.router)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/v1/messages/feed"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Ping round-trips through the server's read loop, which only runs
	// once the handler has subscribed to the change stream.
	require.NoError(t, conn.Ping(ctx))

	msg, err := repo.Ingest(context.Background(), "Signal", "Mom", "call me back", "")
	require.NoError(t, err)

	var event service.ChangeEvent
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, msg.ID, event.MessageID)
	assert.Equal(t, models.StatusReceived, event.Status)
}
