package catalog

import (
	"github.com/rs/zerolog/log"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// SelectionInput is everything the selector needs to resolve a backend.
type SelectionInput struct {
	RequestedTier   models.ModelTier
	Plan            models.UserPlan
	BudgetExhausted bool
	SpecificEntryID string
}

// Select resolves the concrete backend entry to use for one request.
//
// A paid plan with an exhausted monthly budget is hard-downgraded to the
// fallback entry regardless of what was requested; the turn still runs.
// Otherwise the requested tier is clamped to the plan's accessible set
// (free plans silently clamp to fast), with a specific entry honored only
// when it belongs to the resolved tier.
func (c *Catalog) Select(in SelectionInput) models.ModelSelection {
	if in.Plan.Metered() && in.BudgetExhausted {
		log.Debug().
			Str("plan", string(in.Plan)).
			Str("requested", string(in.RequestedTier)).
			Msg("Monthly budget exhausted, using fallback entry")
		return models.ModelSelection{Entry: c.Fallback(), Downgraded: true}
	}

	tier := in.RequestedTier
	if tier == "" {
		tier = models.TierFast
	}
	if !PlanAllows(in.Plan, tier) {
		tier = models.TierFast
	}

	if in.SpecificEntryID != "" {
		if entry, ok := c.ByID(in.SpecificEntryID); ok && entry.Tier == tier {
			return models.ModelSelection{Entry: entry}
		}
	}

	return models.ModelSelection{Entry: c.TierDefault(tier)}
}
