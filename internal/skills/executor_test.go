package skills_test

import (
	"strings"
	"testing"
	"time"

	"github.com/skeezrxcco/blastermailer/internal/skills"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

func newTestExecutor(t *testing.T) *skills.Executor {
	t.Helper()
	return skills.NewExecutor(&skills.StaticTemplateCatalog{Items: []skills.Template{
		{ID: "tpl-news-digest", Name: "Weekly Digest", Theme: "editorial", Domain: "newsletter", Tone: "friendly"},
		{ID: "tpl-promo-sale", Name: "Seasonal Sale", Theme: "promotional", Domain: "ecommerce sale", Tone: "urgent"},
		{ID: "tpl-welcome-warm", Name: "Warm Welcome", Theme: "clean", Domain: "onboarding welcome", Tone: "warm"},
	}})
}

func TestNormalizeRecipients_Classification(t *testing.T) {
	raw := "a@b.com, a@b.com, not-an-email"
	stats, valid := skills.NormalizeRecipients(raw)

	want := models.RecipientStats{Total: 3, Valid: 1, Invalid: 1, Duplicates: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if len(valid) != 1 || valid[0] != "a@b.com" {
		t.Errorf("valid = %v, want [a@b.com]", valid)
	}
}

func TestNormalizeRecipients_MixedSeparatorsAndCase(t *testing.T) {
	raw := "One@Example.com; two@example.com\nTHREE@EXAMPLE.COM,one@example.com"
	stats, valid := skills.NormalizeRecipients(raw)

	if stats.Valid != 3 {
		t.Errorf("Valid = %d, want 3", stats.Valid)
	}
	if stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
	if valid[0] != "one@example.com" {
		t.Errorf("valid[0] = %q, want lowercase first-seen order", valid[0])
	}
}

func TestNormalizeRecipients_Empty(t *testing.T) {
	stats, valid := skills.NormalizeRecipients("  \n ; , ")
	if stats.Total != 0 || len(valid) != 0 {
		t.Errorf("stats = %+v valid = %v, want all empty", stats, valid)
	}
}

func TestValidateRecipientsTool(t *testing.T) {
	e := newTestExecutor(t)
	payload, err := e.Execute(skills.ValidateRecipients, map[string]string{"raw": "a@b.com, bad"}, skills.SessionContext{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if payload.RecipientStats == nil {
		t.Fatal("RecipientStats is nil")
	}
	if payload.RecipientStats.Valid != 1 || payload.RecipientStats.Invalid != 1 {
		t.Errorf("stats = %+v, want 1 valid, 1 invalid", payload.RecipientStats)
	}
}

func TestSuggestTemplates_RanksByOverlap(t *testing.T) {
	e := newTestExecutor(t)
	payload, err := e.Execute(skills.SuggestTemplates, map[string]string{"query": "friendly newsletter"}, skills.SessionContext{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(payload.TemplateSuggestions) == 0 {
		t.Fatal("no suggestions returned")
	}
	if payload.TemplateSuggestions[0].ID != "tpl-news-digest" {
		t.Errorf("top suggestion = %q, want tpl-news-digest", payload.TemplateSuggestions[0].ID)
	}
}

func TestSelectTemplate_RequiresID(t *testing.T) {
	e := newTestExecutor(t)
	if _, err := e.Execute(skills.SelectTemplate, map[string]string{}, skills.SessionContext{}); err == nil {
		t.Error("Execute() without template_id should fail")
	}
}

func TestSelectTemplate_SetsSelection(t *testing.T) {
	e := newTestExecutor(t)
	payload, err := e.Execute(skills.SelectTemplate, map[string]string{"template_id": "tpl-promo-sale"}, skills.SessionContext{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if payload.SelectedTemplateID != "tpl-promo-sale" {
		t.Errorf("SelectedTemplateID = %q, want tpl-promo-sale", payload.SelectedTemplateID)
	}
	if !strings.Contains(payload.Text, "Seasonal Sale") {
		t.Errorf("Text = %q, want template name mentioned", payload.Text)
	}
}

func TestConfirmQueue_EmitsCampaignID(t *testing.T) {
	e := newTestExecutor(t)
	payload, err := e.Execute(skills.ConfirmQueueCampaign, nil, skills.SessionContext{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(payload.CampaignID, "cmp-") {
		t.Errorf("CampaignID = %q, want cmp- prefix", payload.CampaignID)
	}
}

func TestNewCampaignID_TimeDerived(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	a := skills.NewCampaignID(at)
	b := skills.NewCampaignID(at)
	if a != b {
		t.Errorf("same instant produced %q and %q", a, b)
	}
	c := skills.NewCampaignID(at.Add(time.Second))
	if a == c {
		t.Error("different instants produced the same id")
	}
}

func TestValidateArgs(t *testing.T) {
	skill, ok := skills.Lookup(skills.SuggestTemplates)
	if !ok {
		t.Fatal("suggest_templates not registered")
	}

	if err := skills.ValidateArgs(skill, map[string]string{"query": "sale"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := skills.ValidateArgs(skill, map[string]string{}); err == nil {
		t.Error("missing required arg accepted")
	}
	if err := skills.ValidateArgs(skill, map[string]string{"query": "x", "bogus": "y"}); err == nil {
		t.Error("unknown arg accepted")
	}
}

func TestCanExecute_GenerativeSkillsExcluded(t *testing.T) {
	e := newTestExecutor(t)
	if e.CanExecute(skills.ComposeNewsletter) {
		t.Error("compose_newsletter should not be deterministic")
	}
	if !e.CanExecute(skills.ReviewCampaign) {
		t.Error("review_campaign should be deterministic")
	}
}
