// Package store — SQLite Store implementation.
// Single-node persistence for sessions, usage counters, telemetry, and
// checkpoints. Uses WAL mode for concurrent readers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/skeezrxcco/blastermailer/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		conversation_id TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		intent TEXT NOT NULL,
		selected_template_id TEXT,
		recipient_stats_json TEXT,
		summary TEXT,
		context_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS usage_counters (
		window_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (window_key, user_id)
	);

	CREATE TABLE IF NOT EXISTS request_telemetry (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		latency_ms INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		estimated_cost REAL NOT NULL,
		status TEXT NOT NULL,
		error_code TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_created ON request_telemetry(created_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_conv ON checkpoints(conversation_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (s *SQLiteStore) GetSession(ctx context.Context, conversationID string) (*models.WorkflowSession, error) {
	query := `
		SELECT conversation_id, id, user_id, state, intent,
		       selected_template_id, recipient_stats_json, summary,
		       context_json, created_at, updated_at
		FROM sessions WHERE conversation_id = ?`

	row := s.db.QueryRowContext(ctx, query, conversationID)

	var sess models.WorkflowSession
	var selectedTemplate, statsJSON, summary, contextJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ConversationID, &sess.ID, &sess.UserID, &sess.State, &sess.Intent,
		&selectedTemplate, &statsJSON, &summary, &contextJSON,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "session", Key: conversationID}
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.SelectedTemplateID = selectedTemplate.String
	sess.Summary = summary.String
	if statsJSON.Valid && statsJSON.String != "" {
		var stats models.RecipientStats
		if err := json.Unmarshal([]byte(statsJSON.String), &stats); err == nil {
			sess.RecipientStats = &stats
		}
	}
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &sess.Context)
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.WorkflowSession) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	return s.writeSession(ctx, session, `
		INSERT INTO sessions (conversation_id, id, user_id, state, intent,
			selected_template_id, recipient_stats_json, summary, context_json,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.WorkflowSession) error {
	session.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE sessions SET id = ?, user_id = ?, state = ?, intent = ?,
			selected_template_id = ?, recipient_stats_json = ?, summary = ?,
			context_json = ?, updated_at = ?
		WHERE conversation_id = ?`

	statsJSON, contextJSON := marshalSessionBlobs(session)
	res, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, string(session.State), string(session.Intent),
		session.SelectedTemplateID, statsJSON, session.Summary, contextJSON,
		session.UpdatedAt.Unix(), session.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "session", Key: session.ConversationID}
	}
	return nil
}

func (s *SQLiteStore) writeSession(ctx context.Context, session *models.WorkflowSession, query string) error {
	statsJSON, contextJSON := marshalSessionBlobs(session)
	_, err := s.db.ExecContext(ctx, query,
		session.ConversationID, session.ID, session.UserID,
		string(session.State), string(session.Intent),
		session.SelectedTemplateID, statsJSON, session.Summary, contextJSON,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func marshalSessionBlobs(session *models.WorkflowSession) (statsJSON, contextJSON string) {
	if session.RecipientStats != nil {
		b, _ := json.Marshal(session.RecipientStats)
		statsJSON = string(b)
	}
	if len(session.Context) > 0 {
		b, _ := json.Marshal(session.Context)
		contextJSON = string(b)
	}
	return statsJSON, contextJSON
}

// ── Usage Counters ──────────────────────────────────────────

func (s *SQLiteStore) IncrementUsage(ctx context.Context, windowKey, userID string, delta int64) (int64, error) {
	// Atomic increment-or-create via upsert.
	query := `
		INSERT INTO usage_counters (window_key, user_id, used) VALUES (?, ?, ?)
		ON CONFLICT(window_key, user_id) DO UPDATE SET used = used + excluded.used
		RETURNING used`

	var used int64
	if err := s.db.QueryRowContext(ctx, query, windowKey, userID, delta).Scan(&used); err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return used, nil
}

func (s *SQLiteStore) GetUsage(ctx context.Context, windowKey, userID string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE window_key = ? AND user_id = ?`,
		windowKey, userID,
	).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return used, nil
}

// ── Telemetry ───────────────────────────────────────────────

func (s *SQLiteStore) RecordRequest(ctx context.Context, row *models.RequestTelemetry) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_telemetry (id, user_id, provider, model, latency_ms,
			input_tokens, output_tokens, estimated_cost, status, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Provider, row.Model, row.LatencyMs,
		row.InputTokens, row.OutputTokens, row.EstimatedCost, row.Status,
		row.ErrorCode, row.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRequestsSince(ctx context.Context, since time.Time) ([]models.RequestTelemetry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, model, latency_ms, input_tokens,
		       output_tokens, estimated_cost, status, error_code, created_at
		FROM request_telemetry WHERE created_at >= ? ORDER BY created_at`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var out []models.RequestTelemetry
	for rows.Next() {
		var row models.RequestTelemetry
		var errCode sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&row.ID, &row.UserID, &row.Provider, &row.Model, &row.LatencyMs,
			&row.InputTokens, &row.OutputTokens, &row.EstimatedCost, &row.Status,
			&errCode, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan telemetry row: %w", err)
		}
		row.ErrorCode = errCode.String
		row.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

// ── Checkpoints ─────────────────────────────────────────────

func (s *SQLiteStore) RecordCheckpoint(ctx context.Context, conversationID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, conversation_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		uuid.New().String(), conversationID, string(payload), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
