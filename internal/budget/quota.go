package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// emailMonthKey namespaces email-quota counters away from AI-credit keys in
// the shared usage store.
func emailMonthKey(now time.Time) string {
	return "e" + monthKey(now)
}

// EmailQuota returns the caller's remaining monthly send allowance. Paid
// plans are unmetered and report Limit -1.
func (l *Ledger) EmailQuota(ctx context.Context, userID string, plan models.UserPlan) (*models.QuotaInfo, error) {
	now := time.Now().UTC()
	if plan.Metered() {
		return &models.QuotaInfo{Remaining: -1, Limit: -1, ResetAt: monthEnd(now)}, nil
	}

	used, err := l.store.GetUsage(ctx, emailMonthKey(now), userID)
	if err != nil {
		return nil, fmt.Errorf("get email usage: %w", err)
	}
	remaining := l.cfg.FreeMonthlyEmails - used
	if remaining < 0 {
		remaining = 0
	}
	return &models.QuotaInfo{
		Remaining: remaining,
		Limit:     l.cfg.FreeMonthlyEmails,
		ResetAt:   monthEnd(now),
	}, nil
}

// ConsumeEmails reserves n sends against the monthly quota. It returns the
// post-consumption quota, or an error when the allowance cannot cover n —
// quota checks are all-or-nothing so a job never partially fits.
func (l *Ledger) ConsumeEmails(ctx context.Context, userID string, plan models.UserPlan, n int64) (*models.QuotaInfo, error) {
	quota, err := l.EmailQuota(ctx, userID, plan)
	if err != nil {
		return nil, err
	}
	if quota.Limit < 0 {
		return quota, nil
	}
	if quota.Remaining < n {
		return quota, &ErrQuotaExceeded{Remaining: quota.Remaining, Requested: n}
	}

	now := time.Now().UTC()
	if _, err := l.store.IncrementUsage(ctx, emailMonthKey(now), userID, n); err != nil {
		return nil, fmt.Errorf("consume email quota: %w", err)
	}
	quota.Remaining -= n
	return quota, nil
}

// ErrQuotaExceeded reports a send request larger than the remaining quota.
type ErrQuotaExceeded struct {
	Remaining int64
	Requested int64
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("email quota exceeded: requested %d, remaining %d", e.Requested, e.Remaining)
}
