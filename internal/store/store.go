// Package store provides the storage interface and implementations for the
// blastermailer engine. The engine owns no durable state of its own; it
// consumes per-conversation sessions, per-window usage counters, and
// append-only request telemetry through this interface.
package store

import (
	"context"
	"time"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Store is the primary storage interface. Orchestrator and handler code
// depend on this interface, making it easy to swap between in-memory
// (tests, local dev) and SQLite (single-node production) implementations.
type Store interface {
	SessionStore
	UsageStore
	TelemetryStore
	CheckpointStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore persists workflow sessions keyed by conversation id.
// Writes are last-writer-wins; concurrent turns on one conversation are
// racy by design (single-user-per-conversation product).
type SessionStore interface {
	GetSession(ctx context.Context, conversationID string) (*models.WorkflowSession, error)
	CreateSession(ctx context.Context, session *models.WorkflowSession) error
	UpdateSession(ctx context.Context, session *models.WorkflowSession) error
}

// ── Usage Store ─────────────────────────────────────────────

// UsageStore tracks integer usage counters per (window-key, user) pair.
// IncrementUsage must be atomic: two concurrent requests from the same
// user in the same window must not lose an increment.
type UsageStore interface {
	IncrementUsage(ctx context.Context, windowKey, userID string, delta int64) (int64, error)
	GetUsage(ctx context.Context, windowKey, userID string) (int64, error)
}

// ── Telemetry Store ─────────────────────────────────────────

// TelemetryStore appends request telemetry rows and serves the recent
// window used for congestion estimation.
type TelemetryStore interface {
	RecordRequest(ctx context.Context, row *models.RequestTelemetry) error
	ListRequestsSince(ctx context.Context, since time.Time) ([]models.RequestTelemetry, error)
}

// ── Checkpoint Store ────────────────────────────────────────

// CheckpointStore records opaque per-turn checkpoint payloads for
// observability and debugging. Read paths are external tooling.
type CheckpointStore interface {
	RecordCheckpoint(ctx context.Context, conversationID string, payload []byte) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
