package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"veilbox/internal/models"
	"veilbox/pkg/generation"
)

// memStore is an in-memory MessageStore. It clones records on every
// read and write so callers observe database-like value semantics.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	messages  map[int64]*models.Message
	insertErr error
	updateErr error
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[int64]*models.Message)}
}

func cloneMessage(msg *models.Message) *models.Message {
	out := *msg
	out.GeneratedResponses = append([]string(nil), msg.GeneratedResponses...)
	if out.GeneratedResponses == nil {
		out.GeneratedResponses = []string{}
	}
	return &out
}

func (s *memStore) InsertMessage(ctx context.Context, msg *models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.nextID++
	stored := cloneMessage(msg)
	stored.ID = s.nextID
	stored.Status = models.StatusReceived
	s.messages[stored.ID] = stored
	return stored.ID, nil
}

func (s *memStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	msg, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(msg), nil
}

func (s *memStore) list(filter func(*models.Message) bool, newestFirst bool) []*models.Message {
	var out []*models.Message
	for _, msg := range s.messages {
		if filter(msg) {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst && !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) ListMessages(ctx context.Context) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(*models.Message) bool { return true }, true), nil
}

func (s *memStore) ListVisibleMessages(ctx context.Context, nowMillis int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(m *models.Message) bool { return m.SnoozedUntil <= nowMillis }, true), nil
}

func (s *memStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(m *models.Message) bool { return m.Status == status }, false), nil
}

func (s *memStore) ListDueRetries(ctx context.Context, nowMillis int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(m *models.Message) bool {
		return m.Status == models.StatusRetry && m.SnoozedUntil <= nowMillis
	}, false), nil
}

func (s *memStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.messages[msg.ID]; !ok {
		return fmt.Errorf("message %d: %w", msg.ID, sql.ErrNoRows)
	}
	stored := cloneMessage(msg)
	stored.UpdatedAt = time.Now().UTC()
	s.messages[msg.ID] = stored
	return nil
}

func (s *memStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, msg := range s.messages {
		if msg.Status.Terminal() && msg.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[int64]*models.Message)
	return nil
}

// seed stores a message directly, bypassing the repository.
func (s *memStore) seed(msg *models.Message) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored := cloneMessage(msg)
	stored.ID = s.nextID
	s.messages[stored.ID] = stored
	return stored.ID
}

// mockGenerator is a scriptable Generator.
type mockGenerator struct {
	mu         sync.Mutex
	calls      map[int64]int
	closed     map[int64]int
	generateFn func(ctx context.Context, req generation.Request) ([]string, error)
}

func newMockGenerator() *mockGenerator {
	return &mockGenerator{
		calls:  make(map[int64]int),
		closed: make(map[int64]int),
	}
}

func (g *mockGenerator) Generate(ctx context.Context, req generation.Request) ([]string, error) {
	g.mu.Lock()
	g.calls[req.MessageID]++
	fn := g.generateFn
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return []string{"Sounds good!", "On it.", "Can this wait?"}, nil
}

func (g *mockGenerator) CloseSession(ctx context.Context, messageID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed[messageID]++
	return nil
}

func (g *mockGenerator) callCount(id int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

func (g *mockGenerator) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

func (g *mockGenerator) closeCount(id int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed[id]
}

// mockCleaner records retention cleanup invocations.
type mockCleaner struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	deleted int64
	err     error
}

func (c *mockCleaner) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.cutoffs = append(c.cutoffs, cutoff)
	return c.deleted, c.err
}

func (c *mockCleaner) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
