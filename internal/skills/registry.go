// Package skills defines the closed catalog of named operations the planner
// may choose, and the deterministic executor for the subset that needs no
// generative call. Skills are data: each entry declares its arguments, the
// stage it transitions to, and (for generative skills) the system directive
// used when a backend call is required.
package skills

import (
	"fmt"
	"strings"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Param describes one accepted argument of a skill.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// Skill is one catalog entry.
type Skill struct {
	ID          string
	Label       string
	Description string
	Params      []Param

	// NextStage, when set, is the stage the workflow moves to after this
	// skill executes. The state machine still enforces monotonicity for
	// inferred transitions.
	NextStage *models.WorkflowStage

	// Intent, when set, is the campaign intent this skill implies.
	Intent *models.CampaignIntent

	// Generative skills carry a dedicated system directive and are executed
	// by the orchestrator's backend call, not the deterministic executor.
	Generative bool
	Directive  string

	// DirectResponse marks deterministic skills whose canned text is
	// streamed as-is with no final backend call.
	DirectResponse bool
}

func stage(s models.WorkflowStage) *models.WorkflowStage { return &s }
func intent(i models.CampaignIntent) *models.CampaignIntent { return &i }

// Skill ids. The planner's output is validated against this closed set.
const (
	CollectCampaignBrief = "collect_campaign_brief"
	SuggestTemplates     = "suggest_templates"
	SelectTemplate       = "select_template"
	RequestRecipients    = "request_recipients"
	ValidateRecipients   = "validate_recipients"
	ReviewCampaign       = "review_campaign"
	ConfirmQueueCampaign = "confirm_queue_campaign"

	ComposeSimpleEmail    = "compose_simple_email"
	ComposeNewsletter     = "compose_newsletter"
	ComposeSignatureEmail = "compose_signature_email"
	GenerateTemplate      = "generate_template"
	RefineCopy            = "refine_copy"
	GenerateSubjectLines  = "generate_subject_lines"
	AudienceInsights      = "audience_insights"
	CampaignStrategy      = "campaign_strategy"
)

// registry is the hand-registered skill catalog, in registration order.
var registry = []Skill{
	{
		ID:             CollectCampaignBrief,
		Label:          "Collect campaign brief",
		Description:    "Ask the user what kind of campaign they want to build and capture the goal.",
		Params:         []Param{{Name: "goal", Description: "free-form campaign objective"}},
		NextStage:      stage(models.StageGoalBrief),
		DirectResponse: true,
	},
	{
		ID:          SuggestTemplates,
		Label:       "Suggest templates",
		Description: "Rank the template catalog against the user's query and return the top matches.",
		Params: []Param{
			{Name: "query", Description: "keywords describing the desired template", Required: true},
		},
		NextStage:      stage(models.StageTemplateDiscovery),
		DirectResponse: true,
	},
	{
		ID:          SelectTemplate,
		Label:       "Select template",
		Description: "Lock in a template by id for the campaign.",
		Params: []Param{
			{Name: "template_id", Description: "catalog id of the chosen template", Required: true},
		},
		NextStage: stage(models.StageTemplateSelected),
	},
	{
		ID:             RequestRecipients,
		Label:          "Request recipients",
		Description:    "Prompt the user to paste or upload their recipient list.",
		NextStage:      stage(models.StageAudienceCollection),
		DirectResponse: true,
	},
	{
		ID:          ValidateRecipients,
		Label:       "Validate recipients",
		Description: "Parse a pasted recipient list and report valid/invalid/duplicate counts.",
		Params: []Param{
			{Name: "raw", Description: "raw recipient text, separated by comma/semicolon/newline", Required: true},
		},
		NextStage: stage(models.StageValidationReview),
	},
	{
		ID:          ReviewCampaign,
		Label:       "Review campaign",
		Description: "Summarize the campaign (template, audience, goal) for final review.",
		NextStage:   stage(models.StageSendConfirmation),
	},
	{
		ID:             ConfirmQueueCampaign,
		Label:          "Confirm and queue",
		Description:    "Confirm the campaign and hand it to the delivery queue.",
		NextStage:      stage(models.StageQueued),
		DirectResponse: true,
	},

	{
		ID:          ComposeSimpleEmail,
		Label:       "Compose simple email",
		Description: "Write a plain one-off email for the captured goal.",
		Params:      []Param{{Name: "topic", Description: "what the email is about"}},
		NextStage:   stage(models.StageContentRefine),
		Intent:      intent(models.IntentSimpleEmail),
		Generative:  true,
		Directive:   "You write clear, friendly one-off emails. Produce a subject line and a short body.",
	},
	{
		ID:          ComposeNewsletter,
		Label:       "Compose newsletter",
		Description: "Write a multi-section newsletter issue for the captured goal.",
		Params:      []Param{{Name: "topic", Description: "newsletter theme or highlights"}},
		NextStage:   stage(models.StageContentRefine),
		Intent:      intent(models.IntentNewsletter),
		Generative:  true,
		Directive:   "You write engaging email newsletters with a headline, two or three sections, and a closing call to action.",
	},
	{
		ID:          ComposeSignatureEmail,
		Label:       "Compose signature email",
		Description: "Write a professional email signature block.",
		Params:      []Param{{Name: "details", Description: "name, role, company, links"}},
		NextStage:   stage(models.StageContentRefine),
		Intent:      intent(models.IntentSignature),
		Generative:  true,
		Directive:   "You design concise professional email signatures. Output HTML-safe plain text.",
	},
	{
		ID:          GenerateTemplate,
		Label:       "Generate template",
		Description: "Draft a reusable email template matching the requested theme.",
		Params:      []Param{{Name: "theme", Description: "visual/verbal theme for the template"}},
		NextStage:   stage(models.StageTemplateSelected),
		Generative:  true,
		Directive:   "You draft reusable email templates with placeholder variables like {{first_name}}.",
	},
	{
		ID:          RefineCopy,
		Label:       "Refine copy",
		Description: "Rewrite the current draft per the user's instruction (tone, length, emphasis).",
		Params:      []Param{{Name: "instruction", Description: "how to change the draft", Required: true}},
		NextStage:   stage(models.StageContentRefine),
		Generative:  true,
		Directive:   "You are a precise copy editor. Apply the requested change and return the full revised draft.",
	},
	{
		ID:          GenerateSubjectLines,
		Label:       "Generate subject lines",
		Description: "Propose several subject-line options for the current draft.",
		Generative:  true,
		Directive:   "Propose five subject lines under 60 characters, varied in angle, no clickbait.",
	},
	{
		ID:          AudienceInsights,
		Label:       "Audience insights",
		Description: "Analyze the validated audience and suggest segmentation angles.",
		Generative:  true,
		Directive:   "You analyze email audiences. Offer practical segmentation and timing suggestions.",
	},
	{
		ID:          CampaignStrategy,
		Label:       "Campaign strategy",
		Description: "Outline a send strategy (cadence, follow-ups, metrics to watch).",
		Generative:  true,
		Directive:   "You are an email marketing strategist. Outline a concrete, minimal send plan.",
	},
}

// Lookup returns the skill by id.
func Lookup(id string) (Skill, bool) {
	for _, s := range registry {
		if s.ID == id {
			return s, true
		}
	}
	return Skill{}, false
}

// All returns the catalog in registration order.
func All() []Skill {
	out := make([]Skill, len(registry))
	copy(out, registry)
	return out
}

// PlannerDoc renders the skill catalog as planner-facing documentation:
// one line per skill with its arguments.
func PlannerDoc() string {
	var b strings.Builder
	for _, s := range registry {
		b.WriteString("- ")
		b.WriteString(s.ID)
		b.WriteString(": ")
		b.WriteString(s.Description)
		if len(s.Params) > 0 {
			names := make([]string, 0, len(s.Params))
			for _, p := range s.Params {
				name := p.Name
				if p.Required {
					name += "*"
				}
				names = append(names, name)
			}
			fmt.Fprintf(&b, " (args: %s)", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ValidateArgs checks a planner-proposed argument map against the skill's
// declared parameters: unknown keys are rejected, required keys enforced.
func ValidateArgs(s Skill, args map[string]string) error {
	known := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		known[p.Name] = true
	}
	for k := range args {
		if !known[k] {
			return fmt.Errorf("skill %s: unknown argument %q", s.ID, k)
		}
	}
	for _, p := range s.Params {
		if p.Required && strings.TrimSpace(args[p.Name]) == "" {
			return fmt.Errorf("skill %s: missing required argument %q", s.ID, p.Name)
		}
	}
	return nil
}
