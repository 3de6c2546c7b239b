// Package intent scores free text against the keyword profiles of four
// specialist personas and the current workflow stage's affinity, returning
// the best-matching persona with a confidence score. Routing is fully
// deterministic: identical (prompt, stage) always yields the same result.
package intent

import (
	"sort"
	"strings"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Persona ids. Ordering here is registration order and breaks ties.
const (
	AgentStrategist = "campaign-strategist"
	AgentDesigner   = "template-designer"
	AgentEditor     = "copy-editor"
	AgentOperator   = "delivery-operator"
)

// keyword is one weighted profile entry. Multi-word phrases match against
// the raw lowercase text; single tokens match the token set.
type keyword struct {
	text   string
	weight int
}

type persona struct {
	id       string
	keywords []keyword
}

// personas is the closed, first-registered-wins persona list.
var personas = []persona{
	{
		id: AgentStrategist,
		keywords: []keyword{
			{"campaign", 1}, {"goal", 1}, {"audience", 1}, {"launch", 1},
			{"strategy", 1}, {"newsletter", 1}, {"promote", 1}, {"announce", 1},
			{"email campaign", 2}, {"marketing plan", 2}, {"open rate", 2},
		},
	},
	{
		id: AgentDesigner,
		keywords: []keyword{
			{"template", 1}, {"design", 1}, {"layout", 1}, {"theme", 1},
			{"style", 1}, {"branding", 1}, {"colors", 1},
			{"pick a template", 2}, {"change template", 2}, {"template gallery", 2},
		},
	},
	{
		id: AgentEditor,
		keywords: []keyword{
			{"rewrite", 1}, {"tone", 1}, {"shorten", 1}, {"wording", 1},
			{"copy", 1}, {"subject", 1}, {"proofread", 1}, {"draft", 1},
			{"subject line", 2}, {"call to action", 2}, {"make it punchier", 2},
		},
	},
	{
		id: AgentOperator,
		keywords: []keyword{
			{"send", 1}, {"recipients", 1}, {"schedule", 1}, {"queue", 1},
			{"deliver", 1}, {"smtp", 1}, {"csv", 1}, {"contacts", 1},
			{"mailing list", 2}, {"send it now", 2}, {"recipient list", 2},
		},
	},
}

// stageAffinity maps workflow stages to the persona that owns them.
var stageAffinity = map[models.WorkflowStage]string{
	models.StageTemplateDiscovery:  AgentDesigner,
	models.StageTemplateSelected:   AgentDesigner,
	models.StageContentRefine:      AgentEditor,
	models.StageAudienceCollection: AgentOperator,
	models.StageValidationReview:   AgentOperator,
	models.StageSendConfirmation:   AgentOperator,
	models.StageQueued:             AgentOperator,
}

const (
	// absoluteThreshold is the summed score that alone earns full routing
	// confidence; margin is the lead over the runner-up that does the same.
	absoluteThreshold = 3
	margin            = 2
)

// Route picks the persona for one prompt at one workflow stage.
func Route(prompt string, stage models.WorkflowStage) models.RouterResult {
	// Mid-flow stickiness: once past the two earliest stages, a stage with
	// a strong persona affinity wins outright even if wording drifts.
	if models.StageIndex(stage) > 1 {
		if id, ok := stageAffinity[stage]; ok {
			return models.RouterResult{
				AgentID:    id,
				Confidence: 0.9,
				Reason:     "stage affinity: " + string(stage),
			}
		}
	}

	lower := strings.ToLower(prompt)
	tokens := tokenSet(lower)

	scores := make(map[string]int, len(personas))
	for _, p := range personas {
		for _, kw := range p.keywords {
			if strings.Contains(kw.text, " ") {
				if strings.Contains(lower, kw.text) {
					scores[p.id] += kw.weight
				}
			} else if tokens[kw.text] {
				scores[p.id] += kw.weight
			}
		}
	}

	best, second := topTwo(scores)
	bestScore := scores[best]

	switch {
	case bestScore == 0:
		return models.RouterResult{
			AgentID:    AgentStrategist,
			Confidence: 0.2,
			Reason:     "no keyword match, defaulting to strategist",
		}
	case bestScore >= absoluteThreshold || bestScore-scores[second] >= margin:
		conf := 0.6 + 0.1*float64(bestScore)
		if conf > 0.95 {
			conf = 0.95
		}
		return models.RouterResult{
			AgentID:    best,
			Confidence: conf,
			Reason:     "keyword score",
		}
	default:
		return models.RouterResult{
			AgentID:    best,
			Confidence: 0.4,
			Reason:     "weak keyword score",
		}
	}
}

// topTwo returns the highest and second-highest scoring persona ids,
// resolving ties by registration order.
func topTwo(scores map[string]int) (best, second string) {
	ids := make([]string, 0, len(personas))
	for _, p := range personas {
		ids = append(ids, p.id)
	}
	// Stable sort by score descending keeps registration order on ties.
	sort.SliceStable(ids, func(i, j int) bool {
		return scores[ids[i]] > scores[ids[j]]
	})
	best = ids[0]
	if len(ids) > 1 {
		second = ids[1]
	}
	return best, second
}

func tokenSet(lower string) map[string]bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '@' || r == '.')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
