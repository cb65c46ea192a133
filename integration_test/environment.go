package integration_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"veilbox/internal/classify"
	"veilbox/internal/database"
	"veilbox/internal/models"
	"veilbox/internal/privacy"
	"veilbox/internal/service"
	"veilbox/pkg/generation"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestEnvironment wires the full pipeline against a real SQLite
// database with a scripted generation backend. Only the LLM call is
// faked; storage, repository and engine are the production code.
type TestEnvironment struct {
	t         *testing.T
	DB        *database.Database
	Repo      *service.MessageRepository
	Engine    *service.ProcessingEngine
	Generator *ScriptedGenerator
}

func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "integration.db"), logger)
	require.NoError(t, err)

	repo := service.NewMessageRepository(db, logger)
	gen := &ScriptedGenerator{
		replies: []string{"Sounds good", "Can we talk later?", "Thanks for the heads up"},
	}

	engine := service.NewProcessingEngine(
		repo,
		classify.NewClassifier(models.CategorizerConfig{}),
		privacy.NewVeilGenerator(models.VeilConfig{}),
		gen,
		models.EngineConfig{
			MaxConcurrent:        4,
			MaxAttempts:          3,
			InitialBackoffMs:     1,
			MaxBackoffMs:         5,
			RetryScanIntervalSec: 1,
			BreakerMaxFailures:   100,
		},
		time.Second,
		logger,
	)

	env := &TestEnvironment{
		t:         t,
		DB:        db,
		Repo:      repo,
		Engine:    engine,
		Generator: gen,
	}

	engine.Start(context.Background())
	t.Cleanup(func() {
		engine.Stop()
		_ = db.Close()
	})

	return env
}

// WaitForStatus polls until the message reaches the wanted status.
func (env *TestEnvironment) WaitForStatus(id int64, status models.Status) *models.Message {
	env.t.Helper()

	var msg *models.Message
	require.Eventually(env.t, func() bool {
		var err error
		msg, err = env.Repo.GetMessage(context.Background(), id)
		return err == nil && msg != nil && msg.Status == status
	}, 10*time.Second, 10*time.Millisecond, "message %d never reached %s", id, status)
	return msg
}

// ScriptedGenerator fails the first FailFirst calls per message, then
// returns the scripted replies.
type ScriptedGenerator struct {
	mu        sync.Mutex
	replies   []string
	FailFirst int
	failErr   error
	calls     map[int64]int
	closed    map[int64]int
}

func (g *ScriptedGenerator) Generate(ctx context.Context, req generation.Request) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.calls == nil {
		g.calls = make(map[int64]int)
	}
	g.calls[req.MessageID]++

	if g.calls[req.MessageID] <= g.FailFirst {
		if g.failErr != nil {
			return nil, g.failErr
		}
		return nil, errors.New("generation backend unavailable")
	}

	out := make([]string, len(g.replies))
	copy(out, g.replies)
	return out, nil
}

func (g *ScriptedGenerator) CloseSession(ctx context.Context, messageID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed == nil {
		g.closed = make(map[int64]int)
	}
	g.closed[messageID]++
	return nil
}

func (g *ScriptedGenerator) Calls(messageID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[messageID]
}

func (g *ScriptedGenerator) ClosedSessions(messageID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed[messageID]
}
