// Package catalog holds the static model catalog: generation backends
// grouped into three quality tiers, plan-to-tier access rules, and the
// designated budget fallback. The catalog is read-only, process-wide,
// initialized once.
package catalog

import (
	"github.com/skeezrxcco/blastermailer/internal/config"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Catalog is the immutable set of generation backend entries.
type Catalog struct {
	entries  []models.ModelEntry
	fallback string // entry id of the cheapest fast entry
}

// defaultEntries is the hand-registered backend catalog. Costs are USD per
// 1K tokens; directives steer generation quality per tier.
var defaultEntries = []models.ModelEntry{
	{
		ID:               "fast-mini",
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		Tier:             models.TierFast,
		InputCostPer1K:   0.00015,
		OutputCostPer1K:  0.0006,
		MaxOutputTokens:  2048,
		QualityDirective: "Be concise and direct. Prefer short paragraphs and plain wording.",
	},
	{
		ID:               "fast-haiku",
		Provider:         "anthropic",
		Model:            "claude-3-5-haiku-20241022",
		Tier:             models.TierFast,
		InputCostPer1K:   0.001,
		OutputCostPer1K:  0.005,
		MaxOutputTokens:  2048,
		QualityDirective: "Be concise and direct. Prefer short paragraphs and plain wording.",
	},
	{
		ID:               "boost-4o",
		Provider:         "openai",
		Model:            "gpt-4o",
		Tier:             models.TierBoost,
		InputCostPer1K:   0.0025,
		OutputCostPer1K:  0.01,
		MaxOutputTokens:  4096,
		QualityDirective: "Write polished marketing copy with a clear structure and a strong call to action.",
	},
	{
		ID:               "max-sonnet",
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-20250514",
		Tier:             models.TierMax,
		InputCostPer1K:   0.003,
		OutputCostPer1K:  0.015,
		MaxOutputTokens:  8192,
		QualityDirective: "Produce the highest-quality campaign copy: audience-aware tone, varied sentence rhythm, persuasive structure.",
	},
}

// planTiers restricts which tiers each plan may request.
var planTiers = map[models.UserPlan][]models.ModelTier{
	models.PlanFree:    {models.TierFast},
	models.PlanStarter: {models.TierFast, models.TierBoost, models.TierMax},
	models.PlanPro:     {models.TierFast, models.TierBoost, models.TierMax},
	models.PlanScale:   {models.TierFast, models.TierBoost, models.TierMax},
}

// New builds the catalog, applying any provider/model overrides from config.
// Overrides replace identifiers only; cost and quality metadata stay put.
func New(overrides config.ModelOverrides) *Catalog {
	entries := make([]models.ModelEntry, len(defaultEntries))
	copy(entries, defaultEntries)

	for i := range entries {
		var override string
		switch entries[i].Tier {
		case models.TierFast:
			override = overrides.Fast
		case models.TierBoost:
			override = overrides.Boost
		case models.TierMax:
			override = overrides.Max
		}
		if override != "" {
			entries[i].Model = override
		}
	}

	return &Catalog{entries: entries, fallback: "fast-mini"}
}

// Entries returns all catalog entries.
func (c *Catalog) Entries() []models.ModelEntry {
	out := make([]models.ModelEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// TierDefault returns the first-registered entry for a tier.
func (c *Catalog) TierDefault(tier models.ModelTier) models.ModelEntry {
	for _, e := range c.entries {
		if e.Tier == tier {
			return e
		}
	}
	return c.Fallback()
}

// ByID looks up an entry by id.
func (c *Catalog) ByID(id string) (models.ModelEntry, bool) {
	for _, e := range c.entries {
		if e.ID == id {
			return e, true
		}
	}
	return models.ModelEntry{}, false
}

// Fallback returns the designated budget fallback entry (cheapest fast).
func (c *Catalog) Fallback() models.ModelEntry {
	e, _ := c.ByID(c.fallback)
	return e
}

// PlanAllows reports whether the plan may request the given tier.
func PlanAllows(plan models.UserPlan, tier models.ModelTier) bool {
	tiers, ok := planTiers[plan]
	if !ok {
		tiers = planTiers[models.PlanFree]
	}
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}
