// Package models defines the shared domain types for the blastermailer
// campaign engine: workflow sessions, planner decisions, live turn events,
// AI credit accounting, and email delivery jobs.
package models

import (
	"time"
)

// ── Workflow Stages ──────────────────────────────────────────

// WorkflowStage is one step of the campaign-building conversation.
type WorkflowStage string

const (
	StageIntentCapture      WorkflowStage = "INTENT_CAPTURE"
	StageGoalBrief          WorkflowStage = "GOAL_BRIEF"
	StageTemplateDiscovery  WorkflowStage = "TEMPLATE_DISCOVERY"
	StageTemplateSelected   WorkflowStage = "TEMPLATE_SELECTED"
	StageContentRefine      WorkflowStage = "CONTENT_REFINE"
	StageAudienceCollection WorkflowStage = "AUDIENCE_COLLECTION"
	StageValidationReview   WorkflowStage = "VALIDATION_REVIEW"
	StageSendConfirmation   WorkflowStage = "SEND_CONFIRMATION"
	StageQueued             WorkflowStage = "QUEUED"
	StageCompleted          WorkflowStage = "COMPLETED"
)

// StageOrder is the canonical forward progression of the workflow.
var StageOrder = []WorkflowStage{
	StageIntentCapture,
	StageGoalBrief,
	StageTemplateDiscovery,
	StageTemplateSelected,
	StageContentRefine,
	StageAudienceCollection,
	StageValidationReview,
	StageSendConfirmation,
	StageQueued,
	StageCompleted,
}

// StageIndex returns the position of a stage in StageOrder, or -1.
func StageIndex(s WorkflowStage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ── Campaign Intent ──────────────────────────────────────────

type CampaignIntent string

const (
	IntentUnknown     CampaignIntent = "UNKNOWN"
	IntentNewsletter  CampaignIntent = "NEWSLETTER"
	IntentSimpleEmail CampaignIntent = "SIMPLE_EMAIL"
	IntentSignature   CampaignIntent = "SIGNATURE"
)

// IntentKnown reports whether i is one of the declared intent values.
func IntentKnown(i CampaignIntent) bool {
	switch i {
	case IntentUnknown, IntentNewsletter, IntentSimpleEmail, IntentSignature:
		return true
	}
	return false
}

// ── Workflow Session ─────────────────────────────────────────

// RecipientStats is the aggregate result of the last recipient validation.
type RecipientStats struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// WorkflowSession is the authoritative per-conversation state.
type WorkflowSession struct {
	ID                 string            `json:"id"`
	ConversationID     string            `json:"conversation_id"`
	UserID             string            `json:"user_id"`
	State              WorkflowStage     `json:"state"`
	Intent             CampaignIntent    `json:"intent"`
	SelectedTemplateID string            `json:"selected_template_id,omitempty"`
	RecipientStats     *RecipientStats   `json:"recipient_stats,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	Context            map[string]string `json:"context,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// SessionPatch describes a partial update to a WorkflowSession.
// Nil fields leave the session untouched; Context entries are merged.
type SessionPatch struct {
	State              *WorkflowStage
	Intent             *CampaignIntent
	SelectedTemplateID *string
	RecipientStats     *RecipientStats
	Summary            *string
	Context            map[string]string

	// StageExplicit marks the stage as caller-supplied: the state machine
	// honors it even when it moves backward (e.g. "change template").
	StageExplicit bool
}

// ── User Plans ───────────────────────────────────────────────

type UserPlan string

const (
	PlanFree    UserPlan = "free"
	PlanStarter UserPlan = "starter"
	PlanPro     UserPlan = "pro"
	PlanScale   UserPlan = "scale"
)

// Metered reports whether the plan bills against a monthly currency budget.
func (p UserPlan) Metered() bool {
	return p == PlanStarter || p == PlanPro || p == PlanScale
}

// ── Model Catalog ────────────────────────────────────────────

// ModelTier groups generation backends by quality/cost.
type ModelTier string

const (
	TierFast  ModelTier = "fast"
	TierBoost ModelTier = "boost"
	TierMax   ModelTier = "max"
)

// ModelEntry is one generation backend in the static catalog.
type ModelEntry struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Tier             ModelTier `json:"tier"`
	InputCostPer1K   float64   `json:"input_cost_per_1k"`
	OutputCostPer1K  float64   `json:"output_cost_per_1k"`
	MaxOutputTokens  int       `json:"max_output_tokens"`
	QualityDirective string    `json:"quality_directive"`
}

// ModelSelection is the Model Selector's resolved choice.
type ModelSelection struct {
	Entry      ModelEntry `json:"entry"`
	Downgraded bool       `json:"downgraded"`
}

// ── AI Credits ───────────────────────────────────────────────

// CongestionLevel classifies recent system health for free-tier throttling.
type CongestionLevel string

const (
	CongestionLow      CongestionLevel = "low"
	CongestionModerate CongestionLevel = "moderate"
	CongestionHigh     CongestionLevel = "high"
	CongestionSevere   CongestionLevel = "severe"
)

// AiCreditsSnapshot is the per-request view of a user's remaining allowance.
type AiCreditsSnapshot struct {
	Limited            bool            `json:"limited"`
	MaxCredits         int64           `json:"max_credits"`
	RemainingCredits   int64           `json:"remaining_credits"`
	UsedCredits        int64           `json:"used_credits"`
	WindowHours        int             `json:"window_hours,omitempty"`
	ResetAt            time.Time       `json:"reset_at"`
	CongestionLevel    CongestionLevel `json:"congestion_level"`
	MonthlyBudgetUSD   float64         `json:"monthly_budget_usd,omitempty"`
	RemainingBudgetUSD float64         `json:"remaining_budget_usd,omitempty"`
	BudgetExhausted    bool            `json:"budget_exhausted"`
}

// ── Intent Routing ───────────────────────────────────────────

// RouterResult is the Intent Router's ephemeral verdict for one prompt.
type RouterResult struct {
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ── Planner ──────────────────────────────────────────────────

// PlannerDecision is the planning step's choice of exactly one skill.
type PlannerDecision struct {
	Tool         string            `json:"tool"`
	Args         map[string]string `json:"args,omitempty"`
	NextState    *WorkflowStage    `json:"next_state,omitempty"`
	NextIntent   *CampaignIntent   `json:"next_intent,omitempty"`
	ResponseText string            `json:"response_text,omitempty"`
}

// ── Tool Execution ───────────────────────────────────────────

// TemplateSuggestion is a lightweight template-catalog match.
type TemplateSuggestion struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Theme  string `json:"theme,omitempty"`
	Domain string `json:"domain,omitempty"`
	Tone   string `json:"tone,omitempty"`
}

// ToolResultPayload feeds both the live event stream and the session patch.
type ToolResultPayload struct {
	Text                string               `json:"text"`
	TemplateSuggestions []TemplateSuggestion `json:"template_suggestions,omitempty"`
	SelectedTemplateID  string               `json:"selected_template_id,omitempty"`
	RecipientStats      *RecipientStats      `json:"recipient_stats,omitempty"`
	CampaignID          string               `json:"campaign_id,omitempty"`
}

// ── Live Turn Events ─────────────────────────────────────────

// TurnEventType discriminates the live conversational event stream.
type TurnEventType string

const (
	EventSession    TurnEventType = "session"
	EventModeration TurnEventType = "moderation"
	EventToolStart  TurnEventType = "tool_start"
	EventToolResult TurnEventType = "tool_result"
	EventStatePatch TurnEventType = "state_patch"
	EventToken      TurnEventType = "token"
	EventDone       TurnEventType = "done"
	EventError      TurnEventType = "error"
)

// TurnEvent is one frame of the live conversational stream.
// Exactly one payload field is populated per frame, matching Type.
type TurnEvent struct {
	Type       TurnEventType    `json:"type"`
	Session    *SessionEvent    `json:"session,omitempty"`
	Moderation *ModerationEvent `json:"moderation,omitempty"`
	ToolStart  *ToolStartEvent  `json:"tool_start,omitempty"`
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`
	StatePatch *StatePatchEvent `json:"state_patch,omitempty"`
	Token      string           `json:"token,omitempty"`
	Done       *TurnSummary     `json:"done,omitempty"`
	Error      string           `json:"error,omitempty"`
}

type SessionEvent struct {
	RequestID      string         `json:"request_id"`
	ConversationID string         `json:"conversation_id"`
	State          WorkflowStage  `json:"state"`
	Intent         CampaignIntent `json:"intent"`
	Resumed        bool           `json:"resumed"`
}

type ModerationEvent struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

type ToolStartEvent struct {
	Tool string            `json:"tool"`
	Args map[string]string `json:"args,omitempty"`
}

type ToolResultEvent struct {
	Tool   string             `json:"tool"`
	Result *ToolResultPayload `json:"result"`
}

type StatePatchEvent struct {
	State              WorkflowStage   `json:"state"`
	Intent             CampaignIntent  `json:"intent"`
	SelectedTemplateID string          `json:"selected_template_id,omitempty"`
	RecipientStats     *RecipientStats `json:"recipient_stats,omitempty"`
}

// TurnSummary is the terminal payload of a successful turn. It doubles as
// the non-streaming response body.
type TurnSummary struct {
	RequestID           string               `json:"request_id"`
	ConversationID      string               `json:"conversation_id"`
	State               WorkflowStage        `json:"state"`
	Intent              CampaignIntent       `json:"intent"`
	Text                string               `json:"text"`
	SelectedTemplateID  string               `json:"selected_template_id,omitempty"`
	TemplateSuggestions []TemplateSuggestion `json:"template_suggestions,omitempty"`
	RecipientStats      *RecipientStats      `json:"recipient_stats,omitempty"`
	CampaignID          string               `json:"campaign_id,omitempty"`
	EstimatedCost       float64              `json:"estimated_cost"`
	BudgetDowngraded    bool                 `json:"budget_downgraded"`
}

// ── Turn Request ─────────────────────────────────────────────

// QualityMode is the caller-requested generation tier.
type QualityMode string

const (
	QualityFast  QualityMode = "fast"
	QualityBoost QualityMode = "boost"
	QualityMax   QualityMode = "max"
)

// TurnRequest initiates one orchestrated conversation turn.
type TurnRequest struct {
	Prompt         string      `json:"prompt"`
	ConversationID string      `json:"conversationId,omitempty"`
	QualityMode    QualityMode `json:"qualityMode,omitempty"`
	SpecificModel  string      `json:"specificModel,omitempty"`
	System         string      `json:"system,omitempty"`
}

// ── Request Telemetry ────────────────────────────────────────

// RequestTelemetry is one append-only telemetry row for a backend call.
// The Budget Ledger reads recent rows to estimate congestion.
type RequestTelemetry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	LatencyMs     int64     `json:"latency_ms"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	EstimatedCost float64   `json:"estimated_cost"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"error_code,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ── Email Delivery ───────────────────────────────────────────

// SMTPSource selects which class of sending backend a job uses.
type SMTPSource string

const (
	SourcePlatform  SMTPSource = "platform"
	SourceUser      SMTPSource = "user"
	SourceDedicated SMTPSource = "dedicated"
)

// SMTPConfig carries caller-supplied SMTP credentials (source=user).
type SMTPConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`
	Pass string `json:"-"`
}

// ProviderConfig is the job-level sending configuration.
type ProviderConfig struct {
	Source SMTPSource  `json:"source"`
	SMTP   *SMTPConfig `json:"smtp,omitempty"`
}

// RecipientStatus is the per-recipient delivery state.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSending RecipientStatus = "sending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// JobRecipient tracks one address within a delivery job.
type JobRecipient struct {
	Email             string          `json:"email"`
	Status            RecipientStatus `json:"status"`
	Error             string          `json:"error,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
}

// JobStatus is the overall delivery job state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobProgress counts delivery outcomes. sent+failed never exceeds total.
type JobProgress struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// EmailQueueJob is one asynchronous send request.
type EmailQueueJob struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	UserID      string            `json:"user_id"`
	UserPlan    UserPlan          `json:"user_plan"`
	Subject     string            `json:"subject"`
	BodyHTML    string            `json:"body_html,omitempty"`
	BodyText    string            `json:"body_text,omitempty"`
	TemplateID  string            `json:"template_id,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	From        string            `json:"from_address"`
	Provider    ProviderConfig    `json:"provider"`
	Recipients  []JobRecipient    `json:"recipients"`
	Status      JobStatus         `json:"status"`
	Progress    JobProgress       `json:"progress"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ── Delivery Progress Events ─────────────────────────────────

// ProgressEventType discriminates delivery progress frames.
type ProgressEventType string

const (
	ProgressRecipient ProgressEventType = "recipient"
	ProgressComplete  ProgressEventType = "complete"
)

// ProgressEvent is one frame of a job's progress stream.
type ProgressEvent struct {
	Type           ProgressEventType `json:"type"`
	JobID          string            `json:"jobId"`
	CampaignID     string            `json:"campaignId"`
	RecipientEmail string            `json:"recipientEmail,omitempty"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	Progress       JobProgress       `json:"progress"`
}

// ── Quota ────────────────────────────────────────────────────

// QuotaInfo is the machine-readable quota snapshot returned on enqueue
// and on quota rejection.
type QuotaInfo struct {
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}
