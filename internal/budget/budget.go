// Package budget tracks current-period spend against a configured ceiling
// and turns it into an admission decision plus an adaptive pacing interval.
//
// The external cost-accounting collaborator is the source of truth; this
// tracker only caches it with bounded staleness. Staleness affects pacing
// smoothness, never the correctness of the pause threshold once refreshed.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

const cacheRecord = "costcache.json"

// Action is the recommended scheduler behavior at the current spend level.
type Action string

const (
	ActionOK       Action = "ok"
	ActionWarn     Action = "warn"     // >= 75% used
	ActionSlowdown Action = "slowdown" // >= 90% used
	ActionPause    Action = "pause"    // >= 100% used
)

// Status is the derived budget view. It is never persisted beyond the spend
// cache.
type Status struct {
	Spend       float64 `json:"spend"`
	Budget      float64 `json:"budget"`
	PercentUsed float64 `json:"percent_used"`
	Action      Action  `json:"action"`
}

// CostSource queries the external cost-accounting collaborator for aggregate
// spend over a time range. Implementations must count only root-level units
// of work (nested sub-operation costs already aggregated), so the tracker
// never double-counts.
type CostSource interface {
	PeriodSpend(ctx context.Context, from, to time.Time) (float64, error)
}

type Config struct {
	// Amount is the per-period ceiling. Zero disables admission control.
	Amount float64
	// CacheTTL bounds staleness of the cached spend. Zero means 1h.
	CacheTTL time.Duration
	// PeriodStartDay is the day of month (1..28) the billing period starts.
	PeriodStartDay int
	// QueriesPerMinute caps collaborator calls. Zero means 6.
	QueriesPerMinute int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.PeriodStartDay < 1 || c.PeriodStartDay > 28 {
		c.PeriodStartDay = 1
	}
	if c.QueriesPerMinute <= 0 {
		c.QueriesPerMinute = 6
	}
	return c
}

// cacheRec is the persisted spend cache.
type cacheRec struct {
	Period      string    `json:"period"`
	Spend       float64   `json:"spend"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

type Tracker struct {
	st  *store.Store
	src CostSource
	log logx.Logger
	now func() time.Time

	mu  sync.Mutex
	cfg Config
	lim *rate.Limiter
}

func NewTracker(st *store.Store, src CostSource, cfg Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Tracker{
		st:  st,
		src: src,
		cfg: cfg,
		lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.QueriesPerMinute)), 1),
		log: log,
		now: time.Now,
	}
}

// Apply swaps the budget knobs at runtime (config reload).
func (t *Tracker) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	t.mu.Lock()
	t.cfg = cfg
	t.lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.QueriesPerMinute)), 1)
	t.mu.Unlock()
}

func (t *Tracker) config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// CurrentPeriodSpend returns aggregate spend for the current billing period.
//
// The cached value is served while it is fresh (same period, within the TTL)
// unless forceRefresh is set. A collaborator failure falls back to the last
// cached value, or to zero when no cache exists: an accounting outage must
// never block the scheduler.
func (t *Tracker) CurrentPeriodSpend(ctx context.Context, forceRefresh bool) (float64, error) {
	cfg := t.config()
	now := t.now().UTC()
	start, _ := periodBounds(now, cfg.PeriodStartDay)
	key := start.Format("2006-01-02")

	var cached cacheRec
	haveCache := false
	switch err := t.st.Read(cacheRecord, &cached); {
	case err == nil:
		haveCache = cached.Period == key
	case errors.Is(err, store.ErrNotFound):
	default:
		// Corrupt cache record is an operator problem; don't guess.
		return 0, err
	}

	if haveCache && !forceRefresh && now.Sub(cached.RefreshedAt) < cfg.CacheTTL {
		return cached.Spend, nil
	}

	t.mu.Lock()
	allowed := t.lim.Allow()
	t.mu.Unlock()
	if !allowed && !forceRefresh {
		// Query budget exhausted; stale cache beats hammering the collaborator.
		if haveCache {
			return cached.Spend, nil
		}
		return 0, nil
	}

	spend, err := t.src.PeriodSpend(ctx, start, now)
	if err != nil {
		if haveCache {
			t.log.Warn("cost query failed; using cached spend",
				logx.Err(err), logx.Float64("spend", cached.Spend))
			return cached.Spend, nil
		}
		t.log.Warn("cost query failed with no cache; assuming zero spend", logx.Err(err))
		return 0, nil
	}

	rec := cacheRec{Period: key, Spend: spend, RefreshedAt: now}
	err = t.st.Update(ctx, cacheRecord, func([]byte) ([]byte, error) {
		return t.st.Codec().Encode(&rec)
	})
	if err != nil {
		// Persisting the cache is best-effort; the fresh value is still good.
		t.log.Warn("failed to persist cost cache", logx.Err(err))
	}
	return spend, nil
}

// StatusNow computes the budget status from the (possibly cached) spend.
func (t *Tracker) StatusNow(ctx context.Context) (Status, error) {
	cfg := t.config()
	spend, err := t.CurrentPeriodSpend(ctx, false)
	if err != nil {
		return Status{}, err
	}
	return statusFor(spend, cfg.Amount), nil
}

// ShouldProceed reports whether a task may be admitted. Only a pause-level
// budget blocks, and only for workflows that actually incur metered cost.
func (t *Tracker) ShouldProceed(ctx context.Context, zeroCost bool) (bool, string, error) {
	if zeroCost {
		return true, "zero-cost workflow", nil
	}
	st, err := t.StatusNow(ctx)
	if err != nil {
		return false, "", err
	}
	if st.Action == ActionPause {
		return false, fmt.Sprintf("budget exhausted: %.1f%% of %.2f used", st.PercentUsed, st.Budget), nil
	}
	return true, string(st.Action), nil
}

func statusFor(spend, budget float64) Status {
	st := Status{Spend: spend, Budget: budget, Action: ActionOK}
	if budget <= 0 {
		return st
	}
	st.PercentUsed = spend / budget * 100
	switch {
	case st.PercentUsed >= 100:
		st.Action = ActionPause
	case st.PercentUsed >= 90:
		st.Action = ActionSlowdown
	case st.PercentUsed >= 75:
		st.Action = ActionWarn
	}
	return st
}
