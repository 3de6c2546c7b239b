package budget

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

const congestionCacheKey = "level"

// CongestionLevel samples recent request telemetry and maps error rate and
// average latency to one of four bands. The result is memoised for a minute;
// band thresholds come from config and are deliberately coarse.
func (l *Ledger) CongestionLevel(ctx context.Context) models.CongestionLevel {
	if cached, ok := l.congestion.Get(congestionCacheKey); ok {
		return cached.(models.CongestionLevel)
	}

	level := l.computeCongestion(ctx)
	l.congestion.Set(congestionCacheKey, level, 0)
	return level
}

func (l *Ledger) computeCongestion(ctx context.Context) models.CongestionLevel {
	since := time.Now().UTC().Add(-l.cfg.Lookback)
	rows, err := l.store.ListRequestsSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Congestion sample failed, assuming low")
		return models.CongestionLow
	}
	if len(rows) == 0 {
		return models.CongestionLow
	}

	var errors int
	var totalLatency int64
	for _, row := range rows {
		if row.Status != "completed" {
			errors++
		}
		totalLatency += row.LatencyMs
	}
	errRate := float64(errors) / float64(len(rows))
	avgLatency := totalLatency / int64(len(rows))

	level := models.CongestionLow
	switch {
	case errRate >= l.cfg.ErrSevere || avgLatency >= l.cfg.LatencySevereMs:
		level = models.CongestionSevere
	case errRate >= l.cfg.ErrHigh || avgLatency >= l.cfg.LatencyHighMs:
		level = models.CongestionHigh
	case errRate >= l.cfg.ErrModerate || avgLatency >= l.cfg.LatencyModerateMs:
		level = models.CongestionModerate
	}

	if level != models.CongestionLow {
		log.Info().
			Float64("err_rate", errRate).
			Int64("avg_latency_ms", avgLatency).
			Str("level", string(level)).
			Msg("Elevated backend congestion")
	}
	return level
}

// windowFor maps a congestion band to the free-tier refill window length.
// Worse congestion stretches the window, throttling free usage harder.
func (l *Ledger) windowFor(level models.CongestionLevel) time.Duration {
	base := time.Duration(l.cfg.BaseWindowHours) * time.Hour
	step := time.Duration(l.cfg.WindowStepHours) * time.Hour

	switch level {
	case models.CongestionModerate:
		return base + step
	case models.CongestionHigh:
		return base + 2*step
	case models.CongestionSevere:
		return base + 3*step
	default:
		return base
	}
}
