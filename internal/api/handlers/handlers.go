// Package handlers implements the HTTP handlers for the blastermailer
// engine: the conversational campaign endpoints, the delivery queue
// endpoints, and the credits snapshot.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/internal/api/middleware"
	"github.com/skeezrxcco/blastermailer/internal/budget"
	"github.com/skeezrxcco/blastermailer/internal/mailqueue"
	"github.com/skeezrxcco/blastermailer/internal/orchestrator"
	"github.com/skeezrxcco/blastermailer/internal/skills"
	"github.com/skeezrxcco/blastermailer/internal/store"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Queue        *mailqueue.Queue
	Ledger       *budget.Ledger
}

func New(s store.Store, orch *orchestrator.Orchestrator, queue *mailqueue.Queue, ledger *budget.Ledger) *Handlers {
	return &Handlers{Store: s, Orchestrator: orch, Queue: queue, Ledger: ledger}
}

// ── Chat Handlers ───────────────────────────────────────────

// ChatStream runs one conversational turn, streaming every pipeline event
// as a server-sent event frame.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusUnprocessableEntity, "prompt must not be empty")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := h.Orchestrator.Turn(r.Context(), orchestrator.TurnInput{
		UserID:  middleware.GetUserID(r.Context()),
		Plan:    middleware.GetPlan(r.Context()),
		Request: req,
	})
	for ev := range events {
		data, _ := json.Marshal(ev)
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// Chat runs one turn without streaming and returns the terminal summary.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusUnprocessableEntity, "prompt must not be empty")
		return
	}

	events := h.Orchestrator.Turn(r.Context(), orchestrator.TurnInput{
		UserID:  middleware.GetUserID(r.Context()),
		Plan:    middleware.GetPlan(r.Context()),
		Request: req,
	})

	var summary *models.TurnSummary
	var turnErr string
	for ev := range events {
		switch ev.Type {
		case models.EventDone:
			summary = ev.Done
		case models.EventError:
			turnErr = ev.Error
		}
	}

	if turnErr != "" {
		respondError(w, statusForTurnError(turnErr), turnErr)
		return
	}
	if summary == nil {
		respondError(w, http.StatusInternalServerError, "turn produced no result")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// statusForTurnError maps an orchestrator error message to an HTTP status.
func statusForTurnError(msg string) int {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "prompt must not be empty"):
		return http.StatusUnprocessableEntity
	case strings.Contains(lower, "limit"), strings.Contains(lower, "rate"), strings.Contains(lower, "credit"):
		return http.StatusTooManyRequests
	case strings.Contains(lower, "unauthorized"):
		return http.StatusUnauthorized
	case strings.Contains(lower, "provider"), strings.Contains(lower, "unavailable"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ── Delivery Queue Handlers ─────────────────────────────────

// enqueueRequest is the send-request body. Recipients may arrive as a raw
// blob (pasted text) or a pre-split list; both pass through the same
// normalizer as the conversational validation step.
type enqueueRequest struct {
	CampaignID string            `json:"campaignId,omitempty"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html,omitempty"`
	Text       string            `json:"text,omitempty"`
	TemplateID string            `json:"templateId,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	From       string            `json:"from,omitempty"`
	Recipients []string          `json:"recipientEmails,omitempty"`
	Raw        string            `json:"raw,omitempty"`

	SMTPSource models.SMTPSource `json:"smtpSource,omitempty"`
	SMTPHost   string            `json:"smtpHost,omitempty"`
	SMTPPort   int               `json:"smtpPort,omitempty"`
	SMTPUser   string            `json:"smtpUser,omitempty"`
	SMTPPass   string            `json:"smtpPass,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

type enqueueResponse struct {
	JobID          string             `json:"jobId"`
	CampaignID     string             `json:"campaignId,omitempty"`
	Status         models.JobStatus   `json:"status"`
	RecipientCount int                `json:"recipientCount"`
	Progress       models.JobProgress `json:"progress"`
	Quota          *models.QuotaInfo  `json:"quota,omitempty"`
}

// EnqueueEmails validates the send request, normalizes recipients, reserves
// quota, and queues the job.
func (h *Handlers) EnqueueEmails(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		respondError(w, http.StatusUnprocessableEntity, "subject is required")
		return
	}
	if strings.TrimSpace(req.HTML) == "" && strings.TrimSpace(req.TemplateID) == "" {
		respondError(w, http.StatusUnprocessableEntity, "html or templateId is required")
		return
	}

	provider := models.ProviderConfig{Source: req.SMTPSource}
	if provider.Source == "" {
		provider.Source = models.SourcePlatform
	}
	if provider.Source == models.SourceUser {
		if strings.TrimSpace(req.SMTPHost) == "" {
			respondError(w, http.StatusUnprocessableEntity, "smtpHost is required when smtpSource is user")
			return
		}
		provider.SMTP = &models.SMTPConfig{
			Host: req.SMTPHost,
			Port: req.SMTPPort,
			User: req.SMTPUser,
			Pass: req.SMTPPass,
		}
	}

	raw := req.Raw
	if raw == "" {
		raw = strings.Join(req.Recipients, "\n")
	}
	stats, valid := skills.NormalizeRecipients(raw)
	if len(valid) == 0 {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": "no valid recipients",
			"stats": stats,
		})
		return
	}

	userID := middleware.GetUserID(r.Context())
	plan := middleware.GetPlan(r.Context())

	quota, err := h.Ledger.ConsumeEmails(r.Context(), userID, plan, int64(len(valid)))
	if err != nil {
		var exceeded *budget.ErrQuotaExceeded
		if errors.As(err, &exceeded) {
			respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error": exceeded.Error(),
				"quota": quota,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := h.Queue.Enqueue(mailqueue.EnqueueInput{
		CampaignID:  req.CampaignID,
		UserID:      userID,
		UserPlan:    plan,
		Subject:     req.Subject,
		BodyHTML:    req.HTML,
		BodyText:    req.Text,
		TemplateID:  req.TemplateID,
		Variables:   req.Variables,
		From:        req.From,
		Provider:    provider,
		Recipients:  valid,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, enqueueResponse{
		JobID:          job.ID,
		CampaignID:     job.CampaignID,
		Status:         job.Status,
		RecipientCount: len(valid),
		Progress:       job.Progress,
		Quota:          quota,
	})
}

// GetJob returns a job snapshot. Jobs are private to their owner.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, status, msg := h.ownedJob(r)
	if job == nil {
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// JobEvents streams a job's delivery progress as server-sent events. The
// first frame is a snapshot so late subscribers see current per-recipient
// state before live frames resume.
func (h *Handlers) JobEvents(w http.ResponseWriter, r *http.Request) {
	job, status, msg := h.ownedJob(r)
	if job == nil {
		respondError(w, status, msg)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before re-reading the snapshot so no frame falls between.
	ch, cancel := h.Queue.Broadcaster().Subscribe(job.ID)
	defer cancel()
	job = h.Queue.Job(job.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snap, _ := json.Marshal(job)
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", snap)
	flusher.Flush()

	// A job that is already terminal still gets its terminal frame so
	// clients can close on the same contract as live subscribers.
	if job.Status == models.JobCompleted || job.Status == models.JobFailed {
		terminal := models.ProgressEvent{
			Type:       models.ProgressComplete,
			JobID:      job.ID,
			CampaignID: job.CampaignID,
			Status:     string(job.Status),
			Progress:   job.Progress,
		}
		data, _ := json.Marshal(terminal)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", terminal.Type, data)
		flusher.Flush()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == models.ProgressComplete {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// ownedJob loads the job in the path and enforces ownership.
func (h *Handlers) ownedJob(r *http.Request) (*models.EmailQueueJob, int, string) {
	jobID := chi.URLParam(r, "jobID")
	job := h.Queue.Job(jobID)
	if job == nil {
		return nil, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID)
	}
	if job.UserID != middleware.GetUserID(r.Context()) {
		log.Warn().
			Str("job_id", jobID).
			Str("user_id", middleware.GetUserID(r.Context())).
			Msg("job access denied")
		return nil, http.StatusForbidden, "job belongs to another user"
	}
	return job, 0, ""
}

// ── Credits ─────────────────────────────────────────────────

// GetCredits returns the AI credit snapshot and email quota for the caller.
func (h *Handlers) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	plan := middleware.GetPlan(r.Context())

	snap, err := h.Ledger.Snapshot(r.Context(), userID, plan)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	quota, err := h.Ledger.EmailQuota(r.Context(), userID, plan)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"credits":    snap,
		"emailQuota": quota,
	})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
