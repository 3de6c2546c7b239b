package skills

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Template is one entry of the externally-owned template catalog.
type Template struct {
	ID     string
	Name   string
	Theme  string
	Domain string
	Tone   string
}

// TemplateCatalog is the external template-catalog collaborator.
type TemplateCatalog interface {
	Templates() []Template
}

// StaticTemplateCatalog is a fixed in-memory catalog, used for local dev
// and tests.
type StaticTemplateCatalog struct {
	Items []Template
}

func (c *StaticTemplateCatalog) Templates() []Template { return c.Items }

// SessionContext is the read-only slice of session state a tool may use.
type SessionContext struct {
	Session *models.WorkflowSession
}

// toolFunc is the uniform deterministic-skill signature.
type toolFunc func(e *Executor, args map[string]string, sc SessionContext) (*models.ToolResultPayload, error)

// Executor runs deterministic skills through a dispatch table. Adding a
// skill means adding a table entry, never extending a conditional chain.
type Executor struct {
	catalog TemplateCatalog
	tools   map[string]toolFunc
}

// NewExecutor creates the deterministic tool executor.
func NewExecutor(catalog TemplateCatalog) *Executor {
	e := &Executor{catalog: catalog}
	e.tools = map[string]toolFunc{
		CollectCampaignBrief: (*Executor).collectBrief,
		SuggestTemplates:     (*Executor).suggestTemplates,
		SelectTemplate:       (*Executor).selectTemplate,
		RequestRecipients:    (*Executor).requestRecipients,
		ValidateRecipients:   (*Executor).validateRecipients,
		ReviewCampaign:       (*Executor).reviewCampaign,
		ConfirmQueueCampaign: (*Executor).confirmQueue,
	}
	return e
}

// CanExecute reports whether the executor handles the skill deterministically.
func (e *Executor) CanExecute(skillID string) bool {
	_, ok := e.tools[skillID]
	return ok
}

// Execute runs one deterministic skill.
func (e *Executor) Execute(skillID string, args map[string]string, sc SessionContext) (*models.ToolResultPayload, error) {
	fn, ok := e.tools[skillID]
	if !ok {
		return nil, fmt.Errorf("skill %s is not a deterministic tool", skillID)
	}
	return fn(e, args, sc)
}

// ── Tools ───────────────────────────────────────────────────

func (e *Executor) collectBrief(args map[string]string, _ SessionContext) (*models.ToolResultPayload, error) {
	text := "Hi! I can help you build an email campaign. What kind of campaign are you planning — a newsletter, a one-off email, or an email signature?"
	if goal := strings.TrimSpace(args["goal"]); goal != "" {
		text = fmt.Sprintf("Got it — %s. Would you like a newsletter, a simple email, or a signature for that?", goal)
	}
	return &models.ToolResultPayload{Text: text}, nil
}

func (e *Executor) suggestTemplates(args map[string]string, _ SessionContext) (*models.ToolResultPayload, error) {
	query := strings.ToLower(strings.TrimSpace(args["query"]))
	items := e.catalog.Templates()

	type scored struct {
		tpl   Template
		score int
		index int
	}
	terms := strings.Fields(query)
	ranked := make([]scored, 0, len(items))
	for i, tpl := range items {
		haystack := strings.ToLower(tpl.Name + " " + tpl.Theme + " " + tpl.Domain + " " + tpl.Tone)
		score := 0
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				score++
			}
		}
		ranked = append(ranked, scored{tpl: tpl, score: score, index: i})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	top := ranked
	if len(top) > 4 {
		top = top[:4]
	}
	suggestions := make([]models.TemplateSuggestion, 0, len(top))
	names := make([]string, 0, len(top))
	for _, s := range top {
		suggestions = append(suggestions, models.TemplateSuggestion{
			ID:     s.tpl.ID,
			Name:   s.tpl.Name,
			Theme:  s.tpl.Theme,
			Domain: s.tpl.Domain,
			Tone:   s.tpl.Tone,
		})
		names = append(names, s.tpl.Name)
	}

	text := "Here are some templates that could fit: " + strings.Join(names, ", ") + ". Tell me which one you'd like, or describe something different."
	if len(suggestions) == 0 {
		text = "I couldn't find a matching template. Describe the look you want and I can generate one."
	}
	return &models.ToolResultPayload{Text: text, TemplateSuggestions: suggestions}, nil
}

func (e *Executor) selectTemplate(args map[string]string, _ SessionContext) (*models.ToolResultPayload, error) {
	id := strings.TrimSpace(args["template_id"])
	if id == "" {
		return nil, fmt.Errorf("select_template: template_id is required")
	}

	name := id
	for _, tpl := range e.catalog.Templates() {
		if tpl.ID == id {
			name = tpl.Name
			break
		}
	}
	return &models.ToolResultPayload{
		Text:               fmt.Sprintf("Template %q selected. Next, let's work on the content — or paste your recipient list whenever you're ready.", name),
		SelectedTemplateID: id,
	}, nil
}

func (e *Executor) requestRecipients(_ map[string]string, _ SessionContext) (*models.ToolResultPayload, error) {
	return &models.ToolResultPayload{
		Text: "Please paste your recipient list — one address per line, or separated by commas or semicolons. CSV contents work too.",
	}, nil
}

// emailPattern matches a simple local@domain.tld shape. It intentionally
// mirrors the client-side entry normalizer so counts agree everywhere.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)

func (e *Executor) validateRecipients(args map[string]string, _ SessionContext) (*models.ToolResultPayload, error) {
	raw := args["raw"]
	stats, _ := NormalizeRecipients(raw)
	return &models.ToolResultPayload{
		Text: fmt.Sprintf(
			"Checked %d entries: %d valid, %d invalid, %d duplicates. Say \"review\" when you're ready to continue.",
			stats.Total, stats.Valid, stats.Invalid, stats.Duplicates,
		),
		RecipientStats: &stats,
	}, nil
}

// NormalizeRecipients splits raw recipient text on ';', ',' and newlines,
// lowercases and trims each token, and classifies it as valid, duplicate
// (already seen valid), or invalid. Returns aggregate counts plus the
// deduplicated valid addresses in first-seen order.
func NormalizeRecipients(raw string) (models.RecipientStats, []string) {
	split := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == '\n' || r == '\r'
	})

	var stats models.RecipientStats
	seen := make(map[string]bool)
	var valid []string
	for _, tok := range split {
		addr := strings.ToLower(strings.TrimSpace(tok))
		if addr == "" {
			continue
		}
		stats.Total++
		switch {
		case seen[addr]:
			stats.Duplicates++
		case emailPattern.MatchString(addr):
			stats.Valid++
			seen[addr] = true
			valid = append(valid, addr)
		default:
			stats.Invalid++
		}
	}
	return stats, valid
}

func (e *Executor) reviewCampaign(_ map[string]string, sc SessionContext) (*models.ToolResultPayload, error) {
	sess := sc.Session

	var parts []string
	if sess != nil {
		if goal := sess.Context["goal"]; goal != "" {
			parts = append(parts, "Goal: "+goal)
		}
		if sess.SelectedTemplateID != "" {
			parts = append(parts, "Template: "+sess.SelectedTemplateID)
		}
		if sess.RecipientStats != nil {
			parts = append(parts, fmt.Sprintf("Audience: %d valid recipients (%d invalid, %d duplicates dropped)",
				sess.RecipientStats.Valid, sess.RecipientStats.Invalid, sess.RecipientStats.Duplicates))
		}
	}
	summary := strings.Join(parts, ". ")
	if summary == "" {
		summary = "Nothing is configured yet"
	}
	return &models.ToolResultPayload{
		Text: "Here's your campaign so far — " + summary + ". Say \"send it\" to queue the campaign, or tell me what to change.",
	}, nil
}

func (e *Executor) confirmQueue(_ map[string]string, _ SessionContext) (*models.ToolResultPayload, error) {
	campaignID := NewCampaignID(time.Now())
	return &models.ToolResultPayload{
		Text:       fmt.Sprintf("Your campaign is confirmed and queued for delivery (campaign %s). I'll stream progress as each email goes out.", campaignID),
		CampaignID: campaignID,
	}, nil
}

// NewCampaignID synthesizes a short time-derived campaign id. This id is the
// join key between a confirmed conversation turn and its delivery job.
func NewCampaignID(now time.Time) string {
	return "cmp-" + strconv.FormatInt(now.UnixMilli(), 36)
}
