// Package mailqueue implements the asynchronous email delivery queue:
// in-memory jobs drained in paced batches, with per-recipient status
// tracking and live progress fan-out to subscribers.
package mailqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/internal/config"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// jobRetention is how long a terminal job stays queryable before eviction.
const jobRetention = 30 * time.Minute

// sendTimeout bounds one provider call.
const sendTimeout = 30 * time.Second

// Queue owns delivery jobs from enqueue to eviction. One drain goroutine
// runs per job; jobs from different users interleave freely.
type Queue struct {
	cfg       config.MailConfig
	senders   SenderResolver
	broadcast *Broadcaster

	mu   sync.RWMutex
	jobs map[string]*models.EmailQueueJob

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.MailConfig, senders SenderResolver, broadcast *Broadcaster) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		senders:   senders,
		broadcast: broadcast,
		jobs:      make(map[string]*models.EmailQueueJob),
		rootCtx:   ctx,
		cancel:    cancel,
	}
}

// Broadcaster exposes the progress fan-out for subscription handlers.
func (q *Queue) Broadcaster() *Broadcaster { return q.broadcast }

// ── Enqueue ─────────────────────────────────────────────────

// EnqueueInput describes one send request with pre-validated recipients.
type EnqueueInput struct {
	CampaignID  string
	UserID      string
	UserPlan    models.UserPlan
	Subject     string
	BodyHTML    string
	BodyText    string
	TemplateID  string
	Variables   map[string]string
	From        string
	Provider    models.ProviderConfig
	Recipients  []string
	ScheduledAt *time.Time
}

// Enqueue registers a job and starts draining it immediately. The returned
// snapshot is detached; later reads go through Job.
func (q *Queue) Enqueue(in EnqueueInput) (*models.EmailQueueJob, error) {
	if len(in.Recipients) == 0 {
		return nil, fmt.Errorf("enqueue: no valid recipients")
	}
	if in.Subject == "" {
		return nil, fmt.Errorf("enqueue: subject is required")
	}

	now := time.Now().UTC()
	from := in.From
	if from == "" {
		from = q.cfg.FromAddress
	}

	recipients := make([]models.JobRecipient, len(in.Recipients))
	for i, addr := range in.Recipients {
		recipients[i] = models.JobRecipient{Email: addr, Status: models.RecipientPending}
	}

	job := &models.EmailQueueJob{
		ID:          uuid.NewString(),
		CampaignID:  in.CampaignID,
		UserID:      in.UserID,
		UserPlan:    in.UserPlan,
		Subject:     in.Subject,
		BodyHTML:    in.BodyHTML,
		BodyText:    in.BodyText,
		TemplateID:  in.TemplateID,
		Variables:   in.Variables,
		From:        from,
		Provider:    in.Provider,
		Recipients:  recipients,
		Status:      models.JobQueued,
		Progress:    models.JobProgress{Total: len(recipients)},
		ScheduledAt: in.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	log.Info().
		Str("job_id", job.ID).
		Str("campaign_id", job.CampaignID).
		Str("user_id", job.UserID).
		Int("recipients", len(recipients)).
		Msg("delivery job queued")

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.drain(job.ID)
	}()

	return q.Job(job.ID), nil
}

// Job returns a detached snapshot of a job, or nil when unknown.
func (q *Queue) Job(jobID string) *models.EmailQueueJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	snap := *job
	snap.Recipients = make([]models.JobRecipient, len(job.Recipients))
	copy(snap.Recipients, job.Recipients)
	return &snap
}

// ── Drain ───────────────────────────────────────────────────

func (q *Queue) drain(jobID string) {
	job := q.Job(jobID)
	if job == nil {
		return
	}
	if job.ScheduledAt != nil {
		if wait := time.Until(*job.ScheduledAt); wait > 0 {
			q.pause(wait)
		}
	}
	q.setStatus(jobID, models.JobProcessing)

	batchSize := q.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	total := len(job.Recipients)
	for start := 0; start < total; start += batchSize {
		if q.rootCtx.Err() != nil {
			break
		}
		end := start + batchSize
		if end > total {
			end = total
		}

		for i := start; i < end; i++ {
			if q.rootCtx.Err() != nil {
				break
			}
			q.sendOne(jobID, i)
			if i < end-1 {
				q.pause(q.cfg.SendDelay)
			}
		}

		if end < total {
			q.pause(q.cfg.BatchDelay)
		}
	}

	q.finish(jobID)
}

// sendOne delivers to the recipient at index i and records the outcome.
// Backend routing is resolved here, per recipient send, so a sender config
// change mid-job applies to the remaining recipients.
func (q *Queue) sendOne(jobID string, i int) {
	email, ok := q.markSending(jobID, i)
	if !ok {
		return
	}
	job := q.Job(jobID)
	sender := q.senders.SenderFor(job)

	ctx, cancel := context.WithTimeout(q.rootCtx, sendTimeout)
	messageID, err := sender.Send(ctx, job, email)
	cancel()

	if err != nil {
		log.Warn().
			Str("job_id", jobID).
			Str("to", email).
			Str("sender", sender.Name()).
			Err(err).
			Msg("recipient delivery failed")
		q.markOutcome(jobID, i, models.RecipientFailed, "", err.Error())
		q.publishRecipient(q.Job(jobID), email, models.RecipientFailed, err.Error())
		return
	}

	q.markOutcome(jobID, i, models.RecipientSent, messageID, "")
	q.publishRecipient(q.Job(jobID), email, models.RecipientSent, "")
}

// finish resolves the terminal job status: failed only when nothing was
// delivered, completed otherwise (partial failures included).
func (q *Queue) finish(jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	status := models.JobCompleted
	if job.Progress.Sent == 0 && job.Progress.Total > 0 {
		status = models.JobFailed
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	snap := *job
	q.mu.Unlock()

	log.Info().
		Str("job_id", jobID).
		Str("status", string(status)).
		Int("sent", snap.Progress.Sent).
		Int("failed", snap.Progress.Failed).
		Msg("delivery job finished")

	q.broadcast.Publish(jobID, models.ProgressEvent{
		Type:       models.ProgressComplete,
		JobID:      jobID,
		CampaignID: snap.CampaignID,
		Status:     string(status),
		Progress:   snap.Progress,
	})

	time.AfterFunc(jobRetention, func() { q.evict(jobID) })
}

func (q *Queue) evict(jobID string) {
	if q.broadcast.HasListeners(jobID) {
		// A live subscriber keeps the job around one more cycle.
		time.AfterFunc(jobRetention, func() { q.evict(jobID) })
		return
	}
	q.mu.Lock()
	delete(q.jobs, jobID)
	q.mu.Unlock()
}

// ── State Transitions ───────────────────────────────────────

func (q *Queue) setStatus(jobID string, status models.JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[jobID]; ok {
		job.Status = status
		job.UpdatedAt = time.Now().UTC()
	}
}

// markSending transitions recipient i to sending. Only pending recipients
// move; anything else reports false and is skipped.
func (q *Queue) markSending(jobID string, i int) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || i >= len(job.Recipients) {
		return "", false
	}
	r := &job.Recipients[i]
	if r.Status != models.RecipientPending {
		return "", false
	}
	r.Status = models.RecipientSending
	job.UpdatedAt = time.Now().UTC()
	return r.Email, true
}

func (q *Queue) markOutcome(jobID string, i int, status models.RecipientStatus, messageID, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || i >= len(job.Recipients) {
		return
	}
	r := &job.Recipients[i]
	if r.Status != models.RecipientSending {
		return
	}
	r.Status = status
	r.Error = errMsg
	r.ProviderMessageID = messageID
	now := time.Now().UTC()
	if status == models.RecipientSent {
		r.SentAt = &now
		job.Progress.Sent++
	} else {
		job.Progress.Failed++
	}
	job.UpdatedAt = now
}

func (q *Queue) publishRecipient(job *models.EmailQueueJob, email string, status models.RecipientStatus, errMsg string) {
	if job == nil {
		return
	}
	q.broadcast.Publish(job.ID, models.ProgressEvent{
		Type:           models.ProgressRecipient,
		JobID:          job.ID,
		CampaignID:     job.CampaignID,
		RecipientEmail: email,
		Status:         string(status),
		Error:          errMsg,
		Progress:       job.Progress,
	})
}

func (q *Queue) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-q.rootCtx.Done():
	case <-time.After(d):
	}
}

// ── Shutdown ────────────────────────────────────────────────

// Shutdown aborts pacing delays and waits for in-flight drains, up to the
// context deadline.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
