package main

import (
	"context"
	"fmt"
	"time"

	"taskmill/internal/budget"
	"taskmill/internal/checkpoint"
	"taskmill/internal/config"
	"taskmill/internal/eventbus"
	"taskmill/internal/history"
	"taskmill/internal/incremental"
	"taskmill/internal/queue"
	"taskmill/internal/registry"
	"taskmill/internal/runner"
	"taskmill/internal/store"
	"taskmill/internal/workflows/echo"
	logx "taskmill/pkg/logx"
)

// app wires the scheduler components from one parsed config. Everything is
// constructed explicitly and passed down; no package-level state.
type app struct {
	cfgMgr *config.Manager
	cfg    *config.Config

	logSvc *logx.Service
	log    logx.Logger

	st   *store.Store
	reg  *registry.Registry
	q    *queue.Manager
	cp   *checkpoint.Manager
	inc  *incremental.Manager
	bt   *budget.Tracker
	bus  eventbus.Bus
	hist history.Recorder
}

func newApp(cfgPath string) (*app, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log)
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error { return c.Validate() })

	lockTimeout, err := config.ParseDurationField("store.lock_timeout", cfg.Store.LockTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.Dir, store.Options{
		LockTimeout: lockTimeout,
		Log:         log.With(logx.String("component", "store")),
	})
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	reg.MustRegister(echo.Descriptor())

	policy, err := policyFromConfig(cfg.Queue)
	if err != nil {
		return nil, err
	}
	q := queue.NewManager(st, reg, policy, log.With(logx.String("component", "queue")))

	cp := checkpoint.NewManager(st, reg, nil, log.With(logx.String("component", "checkpoint")))
	inc := incremental.NewManager(st, log.With(logx.String("component", "incremental")))

	btCfg, err := budgetFromConfig(cfg.Budget)
	if err != nil {
		return nil, err
	}
	bt := budget.NewTracker(st, budget.LedgerSource{Path: cfg.Budget.LedgerPath}, btCfg,
		log.With(logx.String("component", "budget")))

	hist, err := history.Open(historyFromConfig(cfg.History), log.With(logx.String("component", "history")))
	if err != nil {
		return nil, err
	}

	return &app{
		cfgMgr: mgr,
		cfg:    cfg,
		logSvc: logSvc,
		log:    log,
		st:     st,
		reg:    reg,
		q:      q,
		cp:     cp,
		inc:    inc,
		bt:     bt,
		bus:    eventbus.New(),
		hist:   hist,
	}, nil
}

func (a *app) Close() {
	if a.hist != nil {
		_ = a.hist.Close()
	}
	_ = a.logSvc.Close()
}

func (a *app) newRunner() (*runner.Runner, error) {
	rCfg, err := runnerFromConfig(a.cfg.Runner)
	if err != nil {
		return nil, err
	}
	return runner.New(rCfg, a.q, a.cp, a.inc, a.bt, a.reg, a.bus,
		a.log.With(logx.String("component", "runner"))), nil
}

// applyConfig pushes reloaded knobs into live components. Store layout and
// history driver changes require a restart and are deliberately not applied.
func (a *app) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if policy, err := policyFromConfig(cfg.Queue); err == nil {
		a.q.ApplyPolicy(policy)
	}
	if btCfg, err := budgetFromConfig(cfg.Budget); err == nil {
		a.bt.Apply(btCfg)
	}
	a.cfg = cfg
	a.log.Info("config applied")
}

func policyFromConfig(qc config.QueueConfig) (queue.Policy, error) {
	stagger, err := config.ParseDurationOrDefault("queue.min_stagger", qc.MinStagger, 30*time.Second)
	if err != nil {
		return queue.Policy{}, err
	}
	mode := queue.PolicyStagger
	if qc.Policy == string(queue.PolicyMaxConcurrent) {
		mode = queue.PolicyMaxConcurrent
	}
	return queue.Policy{
		Mode:          mode,
		MaxConcurrent: qc.MaxConcurrent,
		MinStagger:    stagger,
	}, nil
}

func budgetFromConfig(bc config.BudgetConfig) (budget.Config, error) {
	ttl, err := config.ParseDurationOrDefault("budget.cache_ttl", bc.CacheTTL, time.Hour)
	if err != nil {
		return budget.Config{}, err
	}
	return budget.Config{
		Amount:           bc.Amount,
		CacheTTL:         ttl,
		PeriodStartDay:   bc.PeriodStartDay,
		QueriesPerMinute: bc.QueriesPerMinute,
	}, nil
}

func runnerFromConfig(rc config.RunnerConfig) (runner.Config, error) {
	base, err := config.ParseDurationField("runner.base_interval", rc.BaseInterval)
	if err != nil {
		return runner.Config{}, err
	}
	idle, err := config.ParseDurationField("runner.idle_interval", rc.IdleInterval)
	if err != nil {
		return runner.Config{}, err
	}
	pause, err := config.ParseDurationField("runner.pause_interval", rc.PauseInterval)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		BaseInterval:  base,
		IdleInterval:  idle,
		PauseInterval: pause,
		MaxConcurrent: rc.MaxConcurrent,
	}, nil
}

func historyFromConfig(hc *config.HistoryConfig) history.Config {
	if hc == nil {
		return history.Config{}
	}
	busy, _ := config.ParseDurationField("history.busy_timeout", hc.BusyTimeout)
	return history.Config{Driver: hc.Driver, Path: hc.Path, BusyTimeout: busy}
}
