package budget

import (
	"context"
	"time"
)

// AdaptiveStagger scales the base pacing interval by how actual spend
// compares to linear pacing over the billing period: a proportional-feedback
// controller with no hard cutoff except the 100% pause.
//
// Any error computing spend degrades to the unscaled base interval.
func (t *Tracker) AdaptiveStagger(ctx context.Context, base time.Duration) time.Duration {
	cfg := t.config()
	if base <= 0 || cfg.Amount <= 0 {
		return base
	}

	spend, err := t.CurrentPeriodSpend(ctx, false)
	if err != nil {
		return base
	}

	now := t.now().UTC()
	start, end := periodBounds(now, cfg.PeriodStartDay)
	elapsed := float64(now.Sub(start)) / float64(end.Sub(start))
	expectedPercent := elapsed * 100
	if expectedPercent < 1 {
		// Too early in the period for the ratio to mean anything.
		return base
	}

	percentUsed := spend / cfg.Amount * 100
	ratio := percentUsed / expectedPercent
	return time.Duration(float64(base) * staggerMultiplier(ratio))
}

// staggerMultiplier maps the spend-pacing ratio (actual / expected percent
// used) onto five bands. It is monotonically non-decreasing in the ratio.
func staggerMultiplier(ratio float64) float64 {
	switch {
	case ratio < 0.5:
		return 0.5 // well under budget: speed up
	case ratio < 0.8:
		return 0.75
	case ratio <= 1.2:
		return 1.0 // on track
	case ratio <= 1.5:
		return 1.5
	default:
		return 2.0 // burning fast: slow down
	}
}

// periodBounds returns the [start, end) of the billing period containing
// now, with the period rolling over on startDay of each month (UTC).
func periodBounds(now time.Time, startDay int) (time.Time, time.Time) {
	if startDay < 1 || startDay > 28 {
		startDay = 1
	}
	start := time.Date(now.Year(), now.Month(), startDay, 0, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	return start, start.AddDate(0, 1, 0)
}
