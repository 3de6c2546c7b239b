package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/internal/llm"
	"github.com/skeezrxcco/blastermailer/internal/skills"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// plan chooses exactly one skill for the turn. The planner call always runs
// on the fast tier regardless of the requested quality mode; when the
// backend is unreachable or returns something outside the closed skill set,
// the deterministic rule table takes over so the turn never dies on planning.
func (o *Orchestrator) plan(
	ctx context.Context,
	in TurnInput,
	prompt string,
	sess *models.WorkflowSession,
	route models.RouterResult,
	resumed bool,
) models.PlannerDecision {
	// Greeting guard: a fresh conversation opened with small talk, or with
	// a prompt too short to carry any campaign intent, always starts with
	// the brief, whatever the planner might hallucinate.
	if !resumed && (isGreeting(prompt) || lacksIntent(prompt)) {
		return models.PlannerDecision{Tool: skills.CollectCampaignBrief}
	}

	decision, err := o.planLLM(ctx, in, prompt, sess, route)
	if err != nil {
		log.Debug().Err(err).Str("conversation_id", sess.ConversationID).Msg("planner fell back to rules")
		return fallbackPlan(prompt, sess)
	}
	return decision
}

// planLLM asks the fast-tier backend to pick a skill as strict JSON.
func (o *Orchestrator) planLLM(
	ctx context.Context,
	in TurnInput,
	prompt string,
	sess *models.WorkflowSession,
	route models.RouterResult,
) (models.PlannerDecision, error) {
	entry := o.catalog.TierDefault(models.TierFast)

	system := fmt.Sprintf(`You are the planning step of an email campaign assistant, acting as the %s persona.
Current workflow stage: %s. Campaign intent so far: %s.
Pick exactly ONE skill for the user's message from this catalog:
%s
Respond with strict JSON only, no prose: {"tool": "<skill_id>", "args": {"<name>": "<value>"}}. Required args are marked with *.`,
		route.AgentID, sess.State, sess.Intent, skills.PlannerDoc())

	start := time.Now()
	resp, err := o.llm.Complete(ctx, llm.Request{
		Entry:       entry,
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens:   300,
		Temperature: 0.1,
	})
	o.recordTelemetry(ctx, in.UserID, entry, resp, start, err)
	if err != nil {
		return models.PlannerDecision{}, fmt.Errorf("planner call: %w", err)
	}

	decision, err := parsePlannerJSON(resp.Content)
	if err != nil {
		return models.PlannerDecision{}, err
	}

	skill, ok := skills.Lookup(decision.Tool)
	if !ok {
		return models.PlannerDecision{}, fmt.Errorf("planner chose unknown skill %q", decision.Tool)
	}
	if err := skills.ValidateArgs(skill, decision.Args); err != nil {
		return models.PlannerDecision{}, fmt.Errorf("planner args rejected: %w", err)
	}
	if decision.NextState != nil && models.StageIndex(*decision.NextState) < 0 {
		return models.PlannerDecision{}, fmt.Errorf("planner proposed unknown stage %q", *decision.NextState)
	}
	if decision.NextIntent != nil && !models.IntentKnown(*decision.NextIntent) {
		return models.PlannerDecision{}, fmt.Errorf("planner proposed unknown intent %q", *decision.NextIntent)
	}
	return decision, nil
}

// parsePlannerJSON tolerates markdown code fences around the JSON object.
func parsePlannerJSON(content string) (models.PlannerDecision, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var decision models.PlannerDecision
	if err := json.Unmarshal([]byte(text), &decision); err != nil {
		return models.PlannerDecision{}, fmt.Errorf("parse planner output: %w", err)
	}
	if decision.Tool == "" {
		return models.PlannerDecision{}, fmt.Errorf("planner output missing tool")
	}
	return decision, nil
}

// ── Rule Fallback ───────────────────────────────────────────

// fallbackPlan is the deterministic rule table used when no backend planner
// is available. Rules are ordered most-specific first.
func fallbackPlan(prompt string, sess *models.WorkflowSession) models.PlannerDecision {
	lower := strings.ToLower(prompt)

	if id := templateIDIn(lower); id != "" {
		return models.PlannerDecision{Tool: skills.SelectTemplate, Args: map[string]string{"template_id": id}}
	}
	if strings.Contains(prompt, "@") || strings.Contains(lower, ".csv") {
		return models.PlannerDecision{Tool: skills.ValidateRecipients, Args: map[string]string{"raw": prompt}}
	}
	if containsAny(lower, "send it", "send now", "launch", "queue it", "confirm") {
		if models.StageIndex(sess.State) >= models.StageIndex(models.StageValidationReview) {
			return models.PlannerDecision{Tool: skills.ConfirmQueueCampaign}
		}
		return models.PlannerDecision{Tool: skills.ReviewCampaign}
	}
	if containsAny(lower, "review", "summary", "recap") {
		return models.PlannerDecision{Tool: skills.ReviewCampaign}
	}
	if containsAny(lower, "recipient", "audience list", "contact list", "mailing list") {
		return models.PlannerDecision{Tool: skills.RequestRecipients}
	}
	if containsAny(lower, "template", "newsletter", "fresh", "design", "layout") {
		return models.PlannerDecision{Tool: skills.SuggestTemplates, Args: map[string]string{"query": prompt}}
	}
	if strings.Contains(lower, "signature") {
		return models.PlannerDecision{Tool: skills.ComposeSignatureEmail, Args: map[string]string{"details": prompt}}
	}
	if isGreeting(prompt) || sess.State == models.StageIntentCapture {
		return models.PlannerDecision{Tool: skills.CollectCampaignBrief, Args: map[string]string{"goal": briefGoal(prompt)}}
	}
	return models.PlannerDecision{Tool: skills.ComposeSimpleEmail, Args: map[string]string{"topic": prompt}}
}

// templateIDIn finds a catalog-shaped template id token (tpl-...) in text.
func templateIDIn(lower string) string {
	for _, tok := range strings.Fields(lower) {
		tok = strings.Trim(tok, ".,!?\"'")
		if strings.HasPrefix(tok, "tpl-") && len(tok) > 4 {
			return tok
		}
	}
	return ""
}

var greetings = []string{"hi", "hello", "hey", "yo", "good morning", "good afternoon", "good evening", "hi there", "hello there"}

func isGreeting(prompt string) bool {
	cleaned := strings.ToLower(strings.Trim(strings.TrimSpace(prompt), ".,!?"))
	for _, g := range greetings {
		if cleaned == g {
			return true
		}
	}
	return false
}

// lacksIntent reports a prompt too short to carry a campaign goal. Anything
// with an email address in it is substantive regardless of length.
func lacksIntent(prompt string) bool {
	if strings.Contains(prompt, "@") {
		return false
	}
	return len(strings.Fields(prompt)) < 3
}

// briefGoal extracts a goal string for the brief, dropping pure greetings.
func briefGoal(prompt string) string {
	if isGreeting(prompt) {
		return ""
	}
	return strings.TrimSpace(prompt)
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
