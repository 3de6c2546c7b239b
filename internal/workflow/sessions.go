package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/internal/store"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Manager loads, creates, and persists workflow sessions. All mutation goes
// through Save, which applies a SessionPatch via ApplyPatch and records a
// checkpoint row for later inspection.
type Manager struct {
	store store.Store
}

func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Resume fetches the session for a conversation, creating a fresh one at
// INTENT_CAPTURE when none exists. The returned bool reports whether an
// existing session was resumed.
func (m *Manager) Resume(ctx context.Context, conversationID, userID string) (*models.WorkflowSession, bool, error) {
	if conversationID != "" {
		sess, err := m.store.GetSession(ctx, conversationID)
		if err == nil {
			if sess.UserID != userID {
				return nil, false, fmt.Errorf("unauthorized: conversation %s belongs to another user", conversationID)
			}
			return sess, true, nil
		}
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, false, fmt.Errorf("load session: %w", err)
		}
	}

	now := time.Now().UTC()
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	sess := &models.WorkflowSession{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		State:          models.StageIntentCapture,
		Intent:         models.IntentUnknown,
		Context:        map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	log.Debug().
		Str("conversation_id", conversationID).
		Str("user_id", userID).
		Msg("session created")
	return sess, false, nil
}

// Save applies the patch to the session, persists the result, and records a
// checkpoint. The updated session is returned; on storage failure the input
// session is returned unchanged alongside the error.
func (m *Manager) Save(ctx context.Context, sess *models.WorkflowSession, patch models.SessionPatch) (*models.WorkflowSession, error) {
	next := ApplyPatch(*sess, patch)
	next.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateSession(ctx, &next); err != nil {
		return sess, fmt.Errorf("update session: %w", err)
	}

	if payload, err := json.Marshal(next); err == nil {
		if err := m.store.RecordCheckpoint(ctx, next.ConversationID, payload); err != nil {
			// Checkpoints are best-effort observability; the turn proceeds.
			log.Warn().Err(err).
				Str("conversation_id", next.ConversationID).
				Msg("checkpoint write failed")
		}
	}

	if next.State != sess.State {
		log.Info().
			Str("conversation_id", next.ConversationID).
			Str("from", string(sess.State)).
			Str("to", string(next.State)).
			Msg("workflow stage advanced")
	}
	return &next, nil
}
