// Package workflow holds the per-conversation state machine. ApplyPatch is
// a pure transition function with no I/O; persistence lives in sessions.go.
package workflow

import (
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// ApplyPatch returns the session after applying a partial update.
//
// Fields absent from the patch are never altered. Inferred stage changes are
// monotonic along models.StageOrder: the machine never silently regresses.
// A patch marked StageExplicit moves freely (e.g. "change template" jumps
// back to TEMPLATE_DISCOVERY on purpose).
func ApplyPatch(current models.WorkflowSession, patch models.SessionPatch) models.WorkflowSession {
	next := current

	if patch.State != nil {
		if patch.StageExplicit || !regresses(current.State, *patch.State) {
			next.State = *patch.State
		}
	}
	if patch.Intent != nil {
		next.Intent = *patch.Intent
	}
	if patch.SelectedTemplateID != nil {
		next.SelectedTemplateID = *patch.SelectedTemplateID
	}
	if patch.RecipientStats != nil {
		stats := *patch.RecipientStats
		next.RecipientStats = &stats
	}
	if patch.Summary != nil {
		next.Summary = *patch.Summary
	}
	if len(patch.Context) > 0 {
		merged := make(map[string]string, len(current.Context)+len(patch.Context))
		for k, v := range current.Context {
			merged[k] = v
		}
		for k, v := range patch.Context {
			merged[k] = v
		}
		next.Context = merged
	}

	return next
}

// regresses reports whether moving from to target would go backward.
// Unknown stages never count as a regression.
func regresses(from, to models.WorkflowStage) bool {
	fi, ti := models.StageIndex(from), models.StageIndex(to)
	if fi < 0 || ti < 0 {
		return false
	}
	return ti < fi
}
