// Package orchestrator drives one conversational turn end to end: session
// resume, moderation, persona routing, model selection, planning, skill
// execution, and credit accounting, surfaced as an ordered event stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/internal/budget"
	"github.com/skeezrxcco/blastermailer/internal/catalog"
	"github.com/skeezrxcco/blastermailer/internal/intent"
	"github.com/skeezrxcco/blastermailer/internal/llm"
	"github.com/skeezrxcco/blastermailer/internal/moderation"
	"github.com/skeezrxcco/blastermailer/internal/skills"
	"github.com/skeezrxcco/blastermailer/internal/store"
	"github.com/skeezrxcco/blastermailer/internal/workflow"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Orchestrator composes the turn pipeline. All collaborators are injected;
// the orchestrator itself holds no mutable state and is safe for concurrent
// turns on distinct conversations.
type Orchestrator struct {
	sessions  *workflow.Manager
	store     store.Store
	ledger    *budget.Ledger
	catalog   *catalog.Catalog
	executor  *skills.Executor
	moderator moderation.Moderator
	llm       llm.Client
}

func New(
	sessions *workflow.Manager,
	st store.Store,
	ledger *budget.Ledger,
	cat *catalog.Catalog,
	executor *skills.Executor,
	moderator moderation.Moderator,
	client llm.Client,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		store:     st,
		ledger:    ledger,
		catalog:   cat,
		executor:  executor,
		moderator: moderator,
		llm:       client,
	}
}

// TurnInput is one authenticated turn request.
type TurnInput struct {
	UserID  string
	Plan    models.UserPlan
	Request models.TurnRequest
}

// Turn runs one conversational turn. Events arrive in pipeline order on the
// returned channel, which is closed after the terminal done or error frame.
func (o *Orchestrator) Turn(ctx context.Context, in TurnInput) <-chan models.TurnEvent {
	events := make(chan models.TurnEvent, 32)
	go func() {
		defer close(events)
		o.runTurn(ctx, in, events)
	}()
	return events
}

func (o *Orchestrator) runTurn(ctx context.Context, in TurnInput, events chan<- models.TurnEvent) {
	requestID := uuid.NewString()
	prompt := strings.TrimSpace(in.Request.Prompt)
	if prompt == "" {
		events <- models.TurnEvent{Type: models.EventError, Error: "prompt must not be empty"}
		return
	}

	sess, resumed, err := o.sessions.Resume(ctx, in.Request.ConversationID, in.UserID)
	if err != nil {
		events <- models.TurnEvent{Type: models.EventError, Error: "session unavailable: " + err.Error()}
		return
	}
	events <- models.TurnEvent{Type: models.EventSession, Session: &models.SessionEvent{
		RequestID:      requestID,
		ConversationID: sess.ConversationID,
		State:          sess.State,
		Intent:         sess.Intent,
		Resumed:        resumed,
	}}

	verdict, err := o.moderator.Screen(ctx, prompt)
	if err != nil {
		events <- models.TurnEvent{Type: models.EventError, Error: "moderation unavailable: " + err.Error()}
		return
	}
	if verdict.Action != moderation.ActionAllow {
		events <- models.TurnEvent{Type: models.EventModeration, Moderation: &models.ModerationEvent{
			Action:  verdict.Action,
			Message: verdict.Notice,
		}}
	}
	prompt = verdict.Prompt

	route := intent.Route(prompt, sess.State)
	log.Debug().
		Str("request_id", requestID).
		Str("agent", route.AgentID).
		Float64("confidence", route.Confidence).
		Msg("persona routed")

	snap, err := o.ledger.Snapshot(ctx, in.UserID, in.Plan)
	if err != nil {
		events <- models.TurnEvent{Type: models.EventError, Error: "credit ledger unavailable: " + err.Error()}
		return
	}
	// Metered plans downgrade silently via model selection; free-tier
	// exhaustion rejects the turn before any tool runs.
	if !in.Plan.Metered() && snap.BudgetExhausted {
		events <- models.TurnEvent{Type: models.EventError, Error: fmt.Sprintf(
			"ai credit limit reached: %d of %d credits used, resets at %s",
			snap.UsedCredits, snap.MaxCredits, snap.ResetAt.UTC().Format(time.RFC3339),
		)}
		return
	}
	selection := o.catalog.Select(catalog.SelectionInput{
		RequestedTier:   tierFor(in.Request.QualityMode),
		Plan:            in.Plan,
		BudgetExhausted: snap.BudgetExhausted,
		SpecificEntryID: in.Request.SpecificModel,
	})

	decision := o.plan(ctx, in, prompt, sess, route, resumed)
	skill, ok := skills.Lookup(decision.Tool)
	if !ok {
		// Planner output is validated before we get here; treat as a bug.
		events <- models.TurnEvent{Type: models.EventError, Error: fmt.Sprintf("unknown skill %q", decision.Tool)}
		return
	}

	if !skill.Generative {
		o.runDeterministic(ctx, in, requestID, prompt, sess, skill, decision, selection, events)
		return
	}
	o.runGenerative(ctx, in, requestID, prompt, sess, skill, decision, selection, events)
}

// ── Deterministic Path ──────────────────────────────────────

func (o *Orchestrator) runDeterministic(
	ctx context.Context,
	in TurnInput,
	requestID, prompt string,
	sess *models.WorkflowSession,
	skill skills.Skill,
	decision models.PlannerDecision,
	selection models.ModelSelection,
	events chan<- models.TurnEvent,
) {
	events <- models.TurnEvent{Type: models.EventToolStart, ToolStart: &models.ToolStartEvent{
		Tool: skill.ID,
		Args: decision.Args,
	}}

	payload, err := o.executor.Execute(skill.ID, decision.Args, skills.SessionContext{Session: sess})
	if err != nil {
		events <- models.TurnEvent{Type: models.EventError, Error: "tool failed: " + err.Error()}
		return
	}
	events <- models.TurnEvent{Type: models.EventToolResult, ToolResult: &models.ToolResultEvent{
		Tool:   skill.ID,
		Result: payload,
	}}

	patch := patchFor(skill, decision, payload)
	updated, err := o.sessions.Save(ctx, sess, patch)
	if err != nil {
		events <- models.TurnEvent{Type: models.EventError, Error: "persist session: " + err.Error()}
		return
	}
	events <- models.TurnEvent{Type: models.EventStatePatch, StatePatch: statePatchEvent(updated)}

	// Direct-response skills reply with their canned text, or the planner's
	// direct response when it supplied one. Every other tool gets a second
	// backend call that narrates the tool result for the current stage; if
	// both backend attempts fail, the tool's own text still closes the turn.
	text := payload.Text
	var usage llm.Usage
	generated := false
	if skill.DirectResponse {
		if decision.ResponseText != "" {
			text = decision.ResponseText
		}
		streamText(text, events)
	} else {
		system := selection.Entry.QualityDirective +
			"\nSummarize this tool result for the user in a short conversational reply." +
			"\nTool result: " + compactJSON(payload) +
			"\nWorkflow stage: " + string(updated.State)
		if resp, genErr := o.generate(ctx, in.UserID, selection, system, prompt, events); genErr == nil && resp.Content != "" {
			text = resp.Content
			usage = resp.Usage
			generated = true
		} else {
			streamText(text, events)
		}
	}

	debit := budget.DebitInput{
		UserID: in.UserID,
		Plan:   in.Plan,
		Tier:   selection.Entry.Tier,
	}
	if generated {
		debit.InputTokens = usage.InputTokens
		debit.OutputTokens = usage.OutputTokens
	} else {
		debit.ToolOnly = true
	}
	if _, err := o.ledger.Debit(ctx, debit); err != nil {
		log.Warn().Err(err).Str("user", in.UserID).Msg("turn debit failed")
	}

	events <- models.TurnEvent{Type: models.EventDone, Done: &models.TurnSummary{
		RequestID:           requestID,
		ConversationID:      updated.ConversationID,
		State:               updated.State,
		Intent:              updated.Intent,
		Text:                text,
		SelectedTemplateID:  updated.SelectedTemplateID,
		TemplateSuggestions: payload.TemplateSuggestions,
		RecipientStats:      updated.RecipientStats,
		CampaignID:          payload.CampaignID,
		EstimatedCost:       llm.EstimateCost(selection.Entry, usage),
		BudgetDowngraded:    selection.Downgraded,
	}}
}

// ── Generative Path ─────────────────────────────────────────

func (o *Orchestrator) runGenerative(
	ctx context.Context,
	in TurnInput,
	requestID, prompt string,
	sess *models.WorkflowSession,
	skill skills.Skill,
	decision models.PlannerDecision,
	selection models.ModelSelection,
	events chan<- models.TurnEvent,
) {
	events <- models.TurnEvent{Type: models.EventToolStart, ToolStart: &models.ToolStartEvent{
		Tool: skill.ID,
		Args: decision.Args,
	}}

	system := skill.Directive + "\n" + selection.Entry.QualityDirective
	if in.Request.System != "" {
		system += "\n" + in.Request.System
	}
	if goal := sess.Context["goal"]; goal != "" {
		system += "\nCampaign goal: " + goal
	}

	resp, err := o.generate(ctx, in.UserID, selection, system, prompt, events)
	var text string
	var usage llm.Usage
	switch {
	case err == nil:
		text = resp.Content
		usage = resp.Usage
	case decision.ResponseText != "":
		// No completion from either backend attempt, but the planner
		// supplied a direct response that can still close the turn.
		text = decision.ResponseText
		streamText(text, events)
	default:
		events <- models.TurnEvent{Type: models.EventError, Error: "generation failed: " + err.Error()}
		return
	}

	payload := &models.ToolResultPayload{Text: text}
	events <- models.TurnEvent{Type: models.EventToolResult, ToolResult: &models.ToolResultEvent{
		Tool:   skill.ID,
		Result: payload,
	}}

	patch := patchFor(skill, decision, payload)
	if topic := strings.TrimSpace(decision.Args["topic"]); topic != "" {
		if patch.Context == nil {
			patch.Context = map[string]string{}
		}
		patch.Context["goal"] = topic
	}
	updated, err := o.sessions.Save(ctx, sess, patch)
	if err != nil {
		events <- models.TurnEvent{Type: models.EventError, Error: "persist session: " + err.Error()}
		return
	}
	events <- models.TurnEvent{Type: models.EventStatePatch, StatePatch: statePatchEvent(updated)}

	if _, err := o.ledger.Debit(ctx, budget.DebitInput{
		UserID:       in.UserID,
		Plan:         in.Plan,
		Tier:         selection.Entry.Tier,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}); err != nil {
		log.Warn().Err(err).Str("user", in.UserID).Msg("generation debit failed")
	}

	events <- models.TurnEvent{Type: models.EventDone, Done: &models.TurnSummary{
		RequestID:          requestID,
		ConversationID:     updated.ConversationID,
		State:              updated.State,
		Intent:             updated.Intent,
		Text:               text,
		SelectedTemplateID: updated.SelectedTemplateID,
		RecipientStats:     updated.RecipientStats,
		EstimatedCost:      llm.EstimateCost(selection.Entry, usage),
		BudgetDowngraded:   selection.Downgraded,
	}}
}

// generate produces assistant text on the selected model, preferring the
// streaming path. A streaming failure falls back to one non-streamed call
// whose content is flushed as a single token burst.
func (o *Orchestrator) generate(
	ctx context.Context,
	userID string,
	selection models.ModelSelection,
	system, prompt string,
	events chan<- models.TurnEvent,
) (*llm.Response, error) {
	req := llm.Request{
		Entry:       selection.Entry,
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens:   selection.Entry.MaxOutputTokens,
		Temperature: 0.7,
	}

	start := time.Now()
	resp, err := o.llm.Stream(ctx, req, func(token string) {
		events <- models.TurnEvent{Type: models.EventToken, Token: token}
	})
	o.recordTelemetry(ctx, userID, selection.Entry, resp, start, err)
	if err == nil {
		return resp, nil
	}
	log.Warn().
		Err(err).
		Str("model", selection.Entry.Model).
		Msg("streaming failed, retrying non-streamed")

	start = time.Now()
	resp, err = o.llm.Complete(ctx, req)
	o.recordTelemetry(ctx, userID, selection.Entry, resp, start, err)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		events <- models.TurnEvent{Type: models.EventToken, Token: resp.Content}
	}
	return resp, nil
}

// ── Helpers ─────────────────────────────────────────────────

// patchFor derives the session patch from the executed skill and its result.
func patchFor(skill skills.Skill, decision models.PlannerDecision, payload *models.ToolResultPayload) models.SessionPatch {
	patch := models.SessionPatch{}
	if decision.NextState != nil {
		patch.State = decision.NextState
		patch.StageExplicit = true
	} else if skill.NextStage != nil {
		patch.State = skill.NextStage
	}
	if decision.NextIntent != nil {
		patch.Intent = decision.NextIntent
	} else if skill.Intent != nil {
		patch.Intent = skill.Intent
	}
	if payload.SelectedTemplateID != "" {
		patch.SelectedTemplateID = &payload.SelectedTemplateID
	}
	if payload.RecipientStats != nil {
		patch.RecipientStats = payload.RecipientStats
	}
	if skill.ID == skills.CollectCampaignBrief {
		if goal := strings.TrimSpace(decision.Args["goal"]); goal != "" {
			patch.Context = map[string]string{"goal": goal}
		}
	}
	if payload.CampaignID != "" {
		patch.Context = mergeContext(patch.Context, "campaign_id", payload.CampaignID)
	}
	return patch
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func mergeContext(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = map[string]string{}
	}
	m[k] = v
	return m
}

func statePatchEvent(sess *models.WorkflowSession) *models.StatePatchEvent {
	return &models.StatePatchEvent{
		State:              sess.State,
		Intent:             sess.Intent,
		SelectedTemplateID: sess.SelectedTemplateID,
		RecipientStats:     sess.RecipientStats,
	}
}

// streamText chunks canned text into word groups so direct responses render
// progressively like generated ones.
func streamText(text string, events chan<- models.TurnEvent) {
	words := strings.SplitAfter(text, " ")
	const group = 4
	for i := 0; i < len(words); i += group {
		end := i + group
		if end > len(words) {
			end = len(words)
		}
		events <- models.TurnEvent{Type: models.EventToken, Token: strings.Join(words[i:end], "")}
	}
}

func tierFor(mode models.QualityMode) models.ModelTier {
	switch mode {
	case models.QualityBoost:
		return models.TierBoost
	case models.QualityMax:
		return models.TierMax
	default:
		return models.TierFast
	}
}

func (o *Orchestrator) recordTelemetry(ctx context.Context, userID string, entry models.ModelEntry, resp *llm.Response, start time.Time, callErr error) {
	row := &models.RequestTelemetry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  entry.Provider,
		Model:     entry.Model,
		LatencyMs: time.Since(start).Milliseconds(),
		Status:    "completed",
		CreatedAt: time.Now().UTC(),
	}
	if resp != nil {
		row.LatencyMs = resp.LatencyMs
		row.InputTokens = resp.Usage.InputTokens
		row.OutputTokens = resp.Usage.OutputTokens
		row.EstimatedCost = llm.EstimateCost(entry, resp.Usage)
	}
	if callErr != nil {
		row.Status = "failed"
		row.ErrorCode = "provider_error"
	}
	if err := o.store.RecordRequest(ctx, row); err != nil {
		log.Warn().Err(err).Msg("telemetry write failed")
	}
}
