// Package budget implements the AI credit ledger.
//
// Paid plans are metered against a fixed USD budget per calendar month.
// Free plans draw from a small credit allowance over a rolling window whose
// length adapts to recent system congestion: the busier (or more error-prone)
// the backend, the longer free users wait for a refill. Window boundaries are
// a pure function of wall-clock time and window length, so concurrent
// requests agree on them without coordination.
package budget

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/skeezrxcco/blastermailer/internal/config"
	"github.com/skeezrxcco/blastermailer/internal/store"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// tierWeights convert token usage into credit units per tier.
var tierWeights = map[models.ModelTier]int64{
	models.TierFast:  1,
	models.TierBoost: 3,
	models.TierMax:   8,
}

// maxChargePerRequest caps a single debit so one huge generation cannot
// wipe a free allowance.
const maxChargePerRequest = 10

// Ledger computes credit snapshots and debits usage.
type Ledger struct {
	store store.Store
	cfg   config.CreditsConfig

	// Congestion snapshots are memoised briefly; recomputing the telemetry
	// aggregate on every request is wasted work at any real traffic level.
	congestion *gocache.Cache
}

// NewLedger creates a ledger backed by the given store.
func NewLedger(s store.Store, cfg config.CreditsConfig) *Ledger {
	return &Ledger{
		store:      s,
		cfg:        cfg,
		congestion: gocache.New(time.Minute, 5*time.Minute),
	}
}

// ── Windows ─────────────────────────────────────────────────

// windowKey returns the deterministic key for a rolling window of the given
// length containing now. Floor division of wall-clock time by window length:
// every request in the same window computes the same key.
func windowKey(now time.Time, window time.Duration) string {
	bucket := now.Unix() / int64(window.Seconds())
	return fmt.Sprintf("w%d-%d", int64(window.Hours()), bucket)
}

// windowEnd returns the end of the rolling window containing now.
func windowEnd(now time.Time, window time.Duration) time.Time {
	secs := int64(window.Seconds())
	bucket := now.Unix() / secs
	return time.Unix((bucket+1)*secs, 0).UTC()
}

// monthKey returns the calendar-month key for paid accounting.
func monthKey(now time.Time) string {
	return fmt.Sprintf("m%s", now.UTC().Format("2006-01"))
}

// monthEnd returns the first instant of the next calendar month.
func monthEnd(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// ── Snapshot ────────────────────────────────────────────────

// Snapshot computes the caller's remaining allowance for the current window.
func (l *Ledger) Snapshot(ctx context.Context, userID string, plan models.UserPlan) (*models.AiCreditsSnapshot, error) {
	now := time.Now().UTC()

	if plan.Metered() {
		key := monthKey(now)
		used, err := l.store.GetUsage(ctx, key, userID)
		if err != nil {
			return nil, fmt.Errorf("get paid usage: %w", err)
		}

		// Stored units approximate spend: one credit unit ≈ one weighted
		// fast-tier request; convert at a flat per-unit estimate.
		spent := float64(used) * l.cfg.MonthlyBudgetUSD / creditUnitsPerBudget(l.cfg.MonthlyBudgetUSD)
		remaining := l.cfg.MonthlyBudgetUSD - spent
		if remaining < 0 {
			remaining = 0
		}

		return &models.AiCreditsSnapshot{
			Limited:            false,
			UsedCredits:        used,
			ResetAt:            monthEnd(now),
			CongestionLevel:    l.CongestionLevel(ctx),
			MonthlyBudgetUSD:   l.cfg.MonthlyBudgetUSD,
			RemainingBudgetUSD: remaining,
			BudgetExhausted:    spent >= l.cfg.MonthlyBudgetUSD,
		}, nil
	}

	level := l.CongestionLevel(ctx)
	window := l.windowFor(level)
	key := windowKey(now, window)

	used, err := l.store.GetUsage(ctx, key, userID)
	if err != nil {
		return nil, fmt.Errorf("get free usage: %w", err)
	}

	remaining := l.cfg.FreeCredits - used
	if remaining < 0 {
		remaining = 0
	}

	return &models.AiCreditsSnapshot{
		Limited:          true,
		MaxCredits:       l.cfg.FreeCredits,
		RemainingCredits: remaining,
		UsedCredits:      used,
		WindowHours:      int(window.Hours()),
		ResetAt:          windowEnd(now, window),
		CongestionLevel:  level,
		BudgetExhausted:  remaining == 0,
	}, nil
}

// creditUnitsPerBudget maps a monthly USD budget to an equivalent unit
// allowance for spend estimation. One unit ≈ $0.01 of estimated usage.
func creditUnitsPerBudget(budgetUSD float64) float64 {
	return budgetUSD * 100
}

// ── Debit ───────────────────────────────────────────────────

// DebitInput describes one completed request's usage.
type DebitInput struct {
	UserID       string
	Plan         models.UserPlan
	Tier         models.ModelTier
	InputTokens  int64
	OutputTokens int64

	// ToolOnly marks a turn that ran a deterministic tool with no
	// generative call; it charges the flat operation weight.
	ToolOnly bool
}

// Debit charges the user's ledger for a completed request. Free ledgers are
// clamped at zero; an already-exhausted paid ledger charges nothing (the
// caller was already downgraded to the fallback entry).
func (l *Ledger) Debit(ctx context.Context, in DebitInput) (int64, error) {
	charge := l.chargeFor(in)
	now := time.Now().UTC()

	if in.Plan.Metered() {
		snap, err := l.Snapshot(ctx, in.UserID, in.Plan)
		if err != nil {
			return 0, err
		}
		if snap.BudgetExhausted {
			return 0, nil
		}
		if _, err := l.store.IncrementUsage(ctx, monthKey(now), in.UserID, charge); err != nil {
			return 0, fmt.Errorf("debit paid ledger: %w", err)
		}
		return charge, nil
	}

	level := l.CongestionLevel(ctx)
	window := l.windowFor(level)
	key := windowKey(now, window)

	used, err := l.store.GetUsage(ctx, key, in.UserID)
	if err != nil {
		return 0, fmt.Errorf("read free ledger: %w", err)
	}
	remaining := l.cfg.FreeCredits - used
	if remaining <= 0 {
		return 0, nil
	}
	if charge > remaining {
		charge = remaining
	}
	if _, err := l.store.IncrementUsage(ctx, key, in.UserID, charge); err != nil {
		return 0, fmt.Errorf("debit free ledger: %w", err)
	}

	log.Debug().
		Str("user", in.UserID).
		Int64("charge", charge).
		Int64("remaining", remaining-charge).
		Str("window", key).
		Msg("Free credits debited")
	return charge, nil
}

// chargeFor converts usage into integer credit units: at least 1, capped,
// tier-weighted, and for tool-only turns a flat operation weight.
func (l *Ledger) chargeFor(in DebitInput) int64 {
	if in.ToolOnly {
		return 1
	}
	weight := tierWeights[in.Tier]
	if weight == 0 {
		weight = 1
	}
	charge := (in.InputTokens + in.OutputTokens) / 1000 * weight
	if charge < 1 {
		charge = 1
	}
	if charge > maxChargePerRequest {
		charge = maxChargePerRequest
	}
	return charge
}
