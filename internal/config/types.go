package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the whole taskmill configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`
	Queue   QueueConfig   `json:"queue"`
	Budget  BudgetConfig  `json:"budget"`
	Runner  RunnerConfig  `json:"runner"`
	History *HistoryConfig `json:"history,omitempty"`

	// Schedules submit recurring tasks (cron/interval specs).
	Schedules []ScheduleDef `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig locates the durable store directory shared by cooperating
// processes (the CLI and the background loop).
type StoreConfig struct {
	Dir         string `json:"dir"`
	LockTimeout string `json:"lock_timeout,omitempty"` // default "5s"
}

// QueueConfig controls the global concurrency policy applied at selection
// time.
//
// Policy values:
//   - "max_concurrent": at most MaxConcurrent tasks running at once
//   - "stagger": at least MinStagger between task starts
type QueueConfig struct {
	Policy        string `json:"policy,omitempty"` // default "stagger"
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	MinStagger    string `json:"min_stagger,omitempty"` // default "30s"
}

// BudgetConfig controls spend tracking against the external cost-accounting
// collaborator.
type BudgetConfig struct {
	// Amount is the per-period ceiling in the collaborator's currency unit.
	// Zero disables budget admission (everything reads as ok).
	Amount float64 `json:"amount,omitempty"`

	// LedgerPath points at the cost-accounting ledger (JSON Lines) that the
	// external metering tool maintains. Empty means spend always reads 0.
	LedgerPath string `json:"ledger_path,omitempty"`

	// CacheTTL bounds staleness of the cached spend. Default "1h".
	CacheTTL string `json:"cache_ttl,omitempty"`

	// PeriodStartDay is the day of month (1..28) the billing period rolls
	// over. Default 1.
	PeriodStartDay int `json:"period_start_day,omitempty"`

	// QueriesPerMinute caps calls to the cost-accounting collaborator.
	// Default 6.
	QueriesPerMinute int `json:"queries_per_minute,omitempty"`
}

type RunnerConfig struct {
	BaseInterval  string `json:"base_interval,omitempty"`  // pacing base, default "15s"
	IdleInterval  string `json:"idle_interval,omitempty"`  // empty-queue sleep, default "30s"
	PauseInterval string `json:"pause_interval,omitempty"` // budget-pause sleep, default "5m"
	MaxConcurrent int    `json:"max_concurrent,omitempty"` // in-process parallelism, default 1
}

// HistoryConfig controls the optional task-run history recorder.
//
// Driver values:
//   - "file": JSON Lines append log
//   - "sqlite": SQLite database file (optional build tag)
//
// If the section or driver is omitted, history is disabled.
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ScheduleDef describes one recurring submission.
type ScheduleDef struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"` // cron, "@every 55m", "55m", "02:30", or prefixed
	Type     string          `json:"type"`
	Category string          `json:"category"`
	Priority int             `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects configs that cannot possibly run. Field-level duration
// errors are reported with their JSON path.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Dir) == "" {
		return fmt.Errorf("store.dir is required")
	}
	if _, err := ParseDurationField("store.lock_timeout", c.Store.LockTimeout); err != nil {
		return err
	}

	switch strings.TrimSpace(c.Queue.Policy) {
	case "", "stagger", "max_concurrent":
	default:
		return fmt.Errorf("queue.policy must be \"stagger\" or \"max_concurrent\", got %q", c.Queue.Policy)
	}
	if _, err := ParseDurationField("queue.min_stagger", c.Queue.MinStagger); err != nil {
		return err
	}
	if c.Queue.MaxConcurrent < 0 {
		return fmt.Errorf("queue.max_concurrent must be >= 0")
	}

	if c.Budget.Amount < 0 {
		return fmt.Errorf("budget.amount must be >= 0")
	}
	if d := c.Budget.PeriodStartDay; d != 0 && (d < 1 || d > 28) {
		return fmt.Errorf("budget.period_start_day must be in 1..28")
	}
	if _, err := ParseDurationField("budget.cache_ttl", c.Budget.CacheTTL); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"runner.base_interval", c.Runner.BaseInterval},
		{"runner.idle_interval", c.Runner.IdleInterval},
		{"runner.pause_interval", c.Runner.PauseInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	seen := map[string]bool{}
	for i, def := range c.Schedules {
		if strings.TrimSpace(def.Name) == "" {
			return fmt.Errorf("schedules[%d].name is required", i)
		}
		if seen[def.Name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, def.Name)
		}
		seen[def.Name] = true
		if strings.TrimSpace(def.Schedule) == "" {
			return fmt.Errorf("schedules[%d].schedule is required", i)
		}
		if strings.TrimSpace(def.Type) == "" {
			return fmt.Errorf("schedules[%d].type is required", i)
		}
	}
	return nil
}
