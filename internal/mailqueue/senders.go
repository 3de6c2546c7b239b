package mailqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/internal/config"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Sender delivers one email to one recipient and returns the provider's
// message id. Implementations must be safe for concurrent use.
type Sender interface {
	Name() string
	Send(ctx context.Context, job *models.EmailQueueJob, recipient string) (string, error)
}

// SenderResolver picks the sending backend for one delivery attempt. The
// queue consults it before every recipient send.
type SenderResolver interface {
	SenderFor(job *models.EmailQueueJob) Sender
}

// ── Sender Router ───────────────────────────────────────────

// SenderRouter resolves the sending backend per job. Caller-supplied and
// dedicated SMTP always win; the platform path depends on environment and
// plan: outside production everything goes through the simulated sender,
// in production paid plans use the burst provider and free plans the
// shared relay pool.
type SenderRouter struct {
	cfg        config.MailConfig
	production bool

	burst *httpSender
	relay *httpSender
	test  *testSender
}

func NewSenderRouter(cfg config.MailConfig, environment string) *SenderRouter {
	client := &http.Client{Timeout: 30 * time.Second}
	r := &SenderRouter{
		cfg:        cfg,
		production: environment == "production",
		test:       &testSender{},
	}
	if cfg.BurstAPIKey != "" {
		r.burst = &httpSender{name: "burst", endpoint: cfg.BurstEndpoint, apiKey: cfg.BurstAPIKey, client: client}
	}
	if cfg.RelayAPIKey != "" {
		r.relay = &httpSender{name: "relay", endpoint: cfg.RelayEndpoint, apiKey: cfg.RelayAPIKey, client: client}
	}
	return r
}

// SenderFor picks the backend for one job.
func (r *SenderRouter) SenderFor(job *models.EmailQueueJob) Sender {
	switch job.Provider.Source {
	case models.SourceUser:
		if job.Provider.SMTP != nil && job.Provider.SMTP.Host != "" {
			return &smtpSender{name: "user-smtp", cfg: *job.Provider.SMTP}
		}
		log.Warn().Str("job_id", job.ID).Msg("user smtp requested without credentials, using platform path")
	case models.SourceDedicated:
		if r.cfg.DedicatedHost != "" {
			return &smtpSender{name: "dedicated-smtp", cfg: models.SMTPConfig{
				Host: r.cfg.DedicatedHost,
				Port: r.cfg.DedicatedPort,
				User: r.cfg.DedicatedUser,
				Pass: r.cfg.DedicatedPass,
			}}
		}
		log.Warn().Str("job_id", job.ID).Msg("dedicated smtp not configured, using platform path")
	}

	if !r.production {
		return r.test
	}
	if job.UserPlan.Metered() && r.burst != nil {
		return r.burst
	}
	if r.relay != nil {
		return r.relay
	}
	log.Warn().Str("job_id", job.ID).Msg("no production provider configured, using simulated sender")
	return r.test
}

// ── SMTP Sender ─────────────────────────────────────────────

type smtpSender struct {
	name string
	cfg  models.SMTPConfig
}

func (s *smtpSender) Name() string { return s.name }

func (s *smtpSender) Send(_ context.Context, job *models.EmailQueueJob, recipient string) (string, error) {
	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, port)

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
	}

	msg := buildMessage(job, recipient)
	if err := smtp.SendMail(addr, auth, job.From, []string{recipient}, msg); err != nil {
		return "", fmt.Errorf("smtp send via %s: %w", s.cfg.Host, err)
	}
	return "smtp-" + uuid.NewString(), nil
}

// buildMessage renders a minimal RFC 5322 message, HTML when available.
func buildMessage(job *models.EmailQueueJob, recipient string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", job.From)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", job.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	if job.BodyHTML != "" {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(job.BodyHTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(job.BodyText)
	}
	return b.Bytes()
}

// ── HTTP Provider Sender ────────────────────────────────────

type httpSender struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

func (s *httpSender) Name() string { return s.name }

type providerSendRequest struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html,omitempty"`
	Text       string            `json:"text,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

type providerSendResponse struct {
	MessageID string `json:"message_id"`
}

func (s *httpSender) Send(ctx context.Context, job *models.EmailQueueJob, recipient string) (string, error) {
	body, _ := json.Marshal(providerSendRequest{
		From:       job.From,
		To:         recipient,
		Subject:    job.Subject,
		HTML:       job.BodyHTML,
		Text:       job.BodyText,
		TemplateID: job.TemplateID,
		Variables:  job.Variables,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: request failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%s: status %d: %s", s.name, resp.StatusCode, string(respBody))
	}

	var out providerSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", s.name, err)
	}
	if out.MessageID == "" {
		out.MessageID = s.name + "-" + uuid.NewString()
	}
	return out.MessageID, nil
}

// ── Test Sender ─────────────────────────────────────────────

// testSender simulates delivery outside production. Addresses containing
// "bounce" fail, which gives local runs a realistic mixed outcome.
type testSender struct{}

func (s *testSender) Name() string { return "test" }

func (s *testSender) Send(_ context.Context, job *models.EmailQueueJob, recipient string) (string, error) {
	if strings.Contains(recipient, "bounce") {
		return "", fmt.Errorf("simulated bounce for %s", recipient)
	}
	log.Debug().
		Str("job_id", job.ID).
		Str("to", recipient).
		Str("subject", job.Subject).
		Msg("simulated email delivery")
	return "test-" + uuid.NewString(), nil
}
