// Package store — in-memory Store implementation.
// Used for tests and local development when no database path is configured.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.WorkflowSession // key: conversation_id
	usage       map[string]int64                   // key: window_key:user_id
	telemetry   []models.RequestTelemetry          // append-only
	checkpoints map[string][][]byte                // key: conversation_id

	// Telemetry rows older than this are evicted on read to bound memory.
	telemetryTTL time.Duration
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*models.WorkflowSession),
		usage:        make(map[string]int64),
		checkpoints:  make(map[string][][]byte),
		telemetryTTL: 24 * time.Hour,
	}
}

// ── Sessions ────────────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, conversationID string) (*models.WorkflowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[conversationID]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: conversationID}
	}
	cp := *sess
	if sess.RecipientStats != nil {
		stats := *sess.RecipientStats
		cp.RecipientStats = &stats
	}
	if sess.Context != nil {
		cp.Context = make(map[string]string, len(sess.Context))
		for k, v := range sess.Context {
			cp.Context[k] = v
		}
	}
	return &cp, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.WorkflowSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	cp := *session
	m.sessions[session.ConversationID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *models.WorkflowSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ConversationID]; !ok {
		return &ErrNotFound{Entity: "session", Key: session.ConversationID}
	}
	session.UpdatedAt = time.Now().UTC()
	cp := *session
	m.sessions[session.ConversationID] = &cp
	return nil
}

// ── Usage Counters ──────────────────────────────────────────

func (m *MemoryStore) IncrementUsage(_ context.Context, windowKey, userID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey + ":" + userID
	m.usage[key] += delta
	return m.usage[key], nil
}

func (m *MemoryStore) GetUsage(_ context.Context, windowKey, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[windowKey+":"+userID], nil
}

// ── Telemetry ───────────────────────────────────────────────

func (m *MemoryStore) RecordRequest(_ context.Context, row *models.RequestTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	m.telemetry = append(m.telemetry, *row)
	return nil
}

func (m *MemoryStore) ListRequestsSince(_ context.Context, since time.Time) ([]models.RequestTelemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Evict expired rows while we hold the lock.
	cutoff := time.Now().UTC().Add(-m.telemetryTTL)
	kept := m.telemetry[:0]
	for _, row := range m.telemetry {
		if row.CreatedAt.After(cutoff) {
			kept = append(kept, row)
		}
	}
	m.telemetry = kept

	var out []models.RequestTelemetry
	for _, row := range m.telemetry {
		if !row.CreatedAt.Before(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

// ── Checkpoints ─────────────────────────────────────────────

func (m *MemoryStore) RecordCheckpoint(_ context.Context, conversationID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.checkpoints[conversationID] = append(m.checkpoints[conversationID], cp)
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
