// Package moderation screens inbound prompts before they reach a generation
// backend. The default implementation is pure heuristics: prompt-injection
// phrasing and clearly abusive content trigger a safety rewrite rather than
// a hard block, so the conversation keeps moving.
package moderation

import (
	"context"
	"regexp"
	"strings"
)

// ── Actions ─────────────────────────────────────────────────

const (
	ActionAllow         = "allow"
	ActionRewriteSafety = "rewrite_safety"
)

// Verdict is the moderation outcome for one prompt.
type Verdict struct {
	Action string
	// Prompt is the text to forward downstream. Equal to the input when
	// Action is allow; a neutralized rendering otherwise.
	Prompt string
	// Notice is a short user-facing explanation when the prompt was rewritten.
	Notice string
}

// Moderator screens a prompt. Implementations must be safe for concurrent use.
type Moderator interface {
	Screen(ctx context.Context, prompt string) (Verdict, error)
}

// ── Heuristic Moderator ─────────────────────────────────────

// Heuristic is the built-in regex moderator.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
}

var abusePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(phish(ing)?|credential\s+harvest)\b`),
	regexp.MustCompile(`(?i)\bspoof\w*\s+(?:\w+\s+)?(sender|from|address)\b`),
	regexp.MustCompile(`(?i)\bevade\s+spam\s+filters?\b`),
	regexp.MustCompile(`(?i)\bscrape[d]?\s+email\s+(addresses|lists?)\b`),
}

// Screen classifies the prompt. Injection phrasing is stripped and the
// remainder forwarded; abuse phrasing replaces the whole prompt with a
// neutral restatement of the user's apparent campaign goal.
func (h *Heuristic) Screen(_ context.Context, prompt string) (Verdict, error) {
	for _, re := range abusePatterns {
		if re.MatchString(prompt) {
			return Verdict{
				Action: ActionRewriteSafety,
				Prompt: "Help me draft a legitimate, policy-compliant email campaign.",
				Notice: "Your request was adjusted: campaigns must comply with anti-abuse sending policies.",
			}, nil
		}
	}

	cleaned := prompt
	hit := false
	for _, re := range injectionPatterns {
		if re.MatchString(cleaned) {
			cleaned = re.ReplaceAllString(cleaned, "")
			hit = true
		}
	}
	if hit {
		cleaned = strings.TrimSpace(cleaned)
		if cleaned == "" {
			cleaned = "Continue helping me with my email campaign."
		}
		return Verdict{
			Action: ActionRewriteSafety,
			Prompt: cleaned,
			Notice: "Part of your message looked like an attempt to change the assistant's instructions and was removed.",
		}, nil
	}

	return Verdict{Action: ActionAllow, Prompt: prompt}, nil
}
