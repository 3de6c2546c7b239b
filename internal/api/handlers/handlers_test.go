package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skeezrxcco/blastermailer/internal/api/handlers"
	"github.com/skeezrxcco/blastermailer/internal/api/middleware"
	"github.com/skeezrxcco/blastermailer/internal/budget"
	"github.com/skeezrxcco/blastermailer/internal/config"
	"github.com/skeezrxcco/blastermailer/internal/mailqueue"
	"github.com/skeezrxcco/blastermailer/internal/store"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

type queueEnv struct {
	handlers *handlers.Handlers
	queue    *mailqueue.Queue
}

// newQueueEnv wires the delivery-queue handlers against a development
// sender router, so everything routes through the simulated sender.
func newQueueEnv(t *testing.T) *queueEnv {
	t.Helper()
	st := store.NewMemoryStore()
	ledger := budget.NewLedger(st, config.CreditsConfig{
		FreeCredits:       100,
		MonthlyBudgetUSD:  20,
		Lookback:          time.Hour,
		BaseWindowHours:   6,
		FreeMonthlyEmails: 200,
	})
	cfg := config.MailConfig{
		BatchSize:   5,
		FromAddress: "noreply@blastermailer.test",
	}
	q := mailqueue.New(cfg, mailqueue.NewSenderRouter(cfg, "development"), mailqueue.NewBroadcaster())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return &queueEnv{
		handlers: handlers.New(st, nil, q, ledger),
		queue:    q,
	}
}

// authedRequest builds a request carrying the gateway identity.
func authedRequest(method, target, body, userID string, plan models.UserPlan) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID)
	ctx = context.WithValue(ctx, middleware.PlanKey, plan)
	return req.WithContext(ctx)
}

// jobRequest adds the chi jobID path parameter.
func jobRequest(method, target, userID, jobID string) *http.Request {
	req := authedRequest(method, target, "", userID, models.PlanFree)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", jobID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func waitJobTerminal(t *testing.T, q *mailqueue.Queue, jobID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := q.Job(jobID)
		if job != nil && (job.Status == models.JobCompleted || job.Status == models.JobFailed) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", jobID)
}

func TestEnqueue_RequiresBodyOrTemplate(t *testing.T) {
	env := newQueueEnv(t)

	body := `{"subject": "Hello", "recipientEmails": ["a@b.com"]}`
	w := httptest.NewRecorder()
	env.handlers.EnqueueEmails(w, authedRequest(http.MethodPost, "/api/emails/send", body, "u1", models.PlanFree))

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if !strings.Contains(w.Body.String(), "html or templateId") {
		t.Errorf("body = %q, want missing-content detail", w.Body.String())
	}
}

func TestEnqueue_UserSMTPRequiresHost(t *testing.T) {
	env := newQueueEnv(t)

	body := `{"subject": "Hello", "html": "<p>hi</p>", "recipientEmails": ["a@b.com"], "smtpSource": "user"}`
	w := httptest.NewRecorder()
	env.handlers.EnqueueEmails(w, authedRequest(http.MethodPost, "/api/emails/send", body, "u1", models.PlanFree))

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if !strings.Contains(w.Body.String(), "smtpHost") {
		t.Errorf("body = %q, want smtpHost detail", w.Body.String())
	}
}

func TestEnqueue_ReturnsJobSummary(t *testing.T) {
	env := newQueueEnv(t)

	body := `{
		"subject": "Spring launch",
		"templateId": "tpl-launch-minimal",
		"variables": {"first_name": "Ada"},
		"recipientEmails": ["a@b.com", "b@b.com", "not-an-email"]
	}`
	w := httptest.NewRecorder()
	env.handlers.EnqueueEmails(w, authedRequest(http.MethodPost, "/api/emails/send", body, "u1", models.PlanFree))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		JobID          string             `json:"jobId"`
		Status         models.JobStatus   `json:"status"`
		RecipientCount int                `json:"recipientCount"`
		Progress       models.JobProgress `json:"progress"`
		Quota          *models.QuotaInfo  `json:"quota"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Error("response has no jobId")
	}
	if resp.RecipientCount != 2 {
		t.Errorf("recipientCount = %d, want 2 after dropping the invalid address", resp.RecipientCount)
	}
	if resp.Progress.Total != 2 {
		t.Errorf("progress.total = %d, want 2", resp.Progress.Total)
	}
	if resp.Quota == nil {
		t.Error("response has no quota")
	}

	job := env.queue.Job(resp.JobID)
	if job == nil {
		t.Fatal("enqueued job not found in queue")
	}
	if job.TemplateID != "tpl-launch-minimal" || job.Variables["first_name"] != "Ada" {
		t.Errorf("job template = %q vars = %v, want the request's template and variables", job.TemplateID, job.Variables)
	}
}

func TestJobEvents_TerminalJobStillGetsCompleteFrame(t *testing.T) {
	env := newQueueEnv(t)

	body := `{"subject": "Done already", "html": "<p>hi</p>", "recipientEmails": ["a@b.com"]}`
	w := httptest.NewRecorder()
	env.handlers.EnqueueEmails(w, authedRequest(http.MethodPost, "/api/emails/send", body, "u1", models.PlanFree))
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d; body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	waitJobTerminal(t, env.queue, resp.JobID)

	sse := httptest.NewRecorder()
	env.handlers.JobEvents(sse, jobRequest(http.MethodGet, "/api/emails/jobs/"+resp.JobID+"/events", "u1", resp.JobID))

	out := sse.Body.String()
	if !strings.Contains(out, "event: snapshot") {
		t.Errorf("stream = %q, want a snapshot frame", out)
	}
	if !strings.Contains(out, "event: complete") {
		t.Errorf("stream = %q, want a terminal complete frame for an already-finished job", out)
	}
}

func TestJobEvents_ForeignJobForbidden(t *testing.T) {
	env := newQueueEnv(t)

	body := `{"subject": "Private", "html": "<p>hi</p>", "recipientEmails": ["a@b.com"]}`
	w := httptest.NewRecorder()
	env.handlers.EnqueueEmails(w, authedRequest(http.MethodPost, "/api/emails/send", body, "u1", models.PlanFree))
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	sse := httptest.NewRecorder()
	env.handlers.JobEvents(sse, jobRequest(http.MethodGet, "/api/emails/jobs/"+resp.JobID+"/events", "intruder", resp.JobID))
	if sse.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for another user's job", sse.Code)
	}
}
