// Package runner drives the scheduler control loop: resume abandoned work,
// pick the next eligible task, check budget admission, dispatch through the
// registry, and persist outcomes. A single task's failure never terminates
// the loop.
package runner

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"taskmill/internal/budget"
	"taskmill/internal/checkpoint"
	"taskmill/internal/eventbus"
	"taskmill/internal/incremental"
	"taskmill/internal/queue"
	"taskmill/internal/registry"
	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

type Config struct {
	// BaseInterval is the pacing base scaled by the budget tracker between
	// dispatches. Default 15s.
	BaseInterval time.Duration
	// IdleInterval is the sleep when no task is eligible. Default 30s.
	IdleInterval time.Duration
	// PauseInterval is the sleep after a budget denial. Default 5m.
	PauseInterval time.Duration
	// MaxConcurrent bounds in-process parallel dispatch. Default 1
	// (sequential).
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 15 * time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 30 * time.Second
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	return c
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Category string        `json:"category"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type stepOutcome int

const (
	stepIdle stepOutcome = iota
	stepWorked
	stepPaused
)

type Runner struct {
	q     *queue.Manager
	cp    *checkpoint.Manager
	inc   *incremental.Manager
	bt    *budget.Tracker
	reg   *registry.Registry
	probe checkpoint.Prober
	bus   eventbus.Bus
	log   logx.Logger
	cfg   Config

	pid  int
	host string
}

func New(cfg Config, q *queue.Manager, cp *checkpoint.Manager, inc *incremental.Manager, bt *budget.Tracker, reg *registry.Registry, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		q:     q,
		cp:    cp,
		inc:   inc,
		bt:    bt,
		reg:   reg,
		probe: checkpoint.PIDProber{},
		bus:   bus,
		log:   log,
		cfg:   cfg.withDefaults(),
	}
	r.pid, r.host = processIdentity()
	return r
}

// Run loops until ctx is done. It returns early only on a store integrity
// error: a corrupt record must halt further mutation until an operator
// resolves it.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.MaxConcurrent > 1 {
		return r.runParallel(ctx)
	}

	for {
		outcome, err := r.step(ctx)
		if err != nil {
			if errors.Is(err, store.ErrCorruptRecord) {
				r.log.Error("store record corrupt; halting", logx.Err(err))
				return err
			}
			// Transient (lock timeout, IO): back off and retry.
			r.log.Warn("scheduler step failed", logx.Err(err))
			outcome = stepIdle
		}
		if !r.sleep(ctx, r.intervalFor(ctx, outcome)) {
			return nil
		}
	}
}

// RunOnce performs a single scheduling step. Used by the CLI `once` command
// and by tests.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	outcome, err := r.step(ctx)
	return outcome == stepWorked, err
}

func (r *Runner) runParallel(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrent)

	var fatal error
	for fatal == nil && ctx.Err() == nil {
		claimed, outcome, err := r.pickAndClaim(ctx)
		if err != nil {
			if errors.Is(err, store.ErrCorruptRecord) {
				fatal = err
				break
			}
			r.log.Warn("scheduler step failed", logx.Err(err))
			outcome = stepIdle
		}
		if claimed != nil {
			c := claimed
			if !g.TryGo(func() error { r.execute(ctx, c); return nil }) {
				// All workers busy; the task stays claimed by this process
				// and is executed once a slot frees up.
				g.Go(func() error { r.execute(ctx, c); return nil })
			}
		}
		if !r.sleep(ctx, r.intervalFor(ctx, outcome)) {
			break
		}
	}

	_ = g.Wait()
	if fatal != nil {
		r.log.Error("store record corrupt; halting", logx.Err(fatal))
	}
	return fatal
}

// step runs one sequential iteration: claim then execute inline.
func (r *Runner) step(ctx context.Context) (stepOutcome, error) {
	claimed, outcome, err := r.pickAndClaim(ctx)
	if err != nil {
		return outcome, err
	}
	if claimed == nil {
		return outcome, nil
	}
	r.execute(ctx, claimed)
	return stepWorked, nil
}

// pickAndClaim finds the next unit of work (abandoned first, then the queue)
// and claims it durably before execution.
func (r *Runner) pickAndClaim(ctx context.Context) (*claimedTask, stepOutcome, error) {
	if err := r.reapAbandoned(ctx); err != nil {
		return nil, stepIdle, err
	}

	if c, err := r.claimResumable(ctx); err != nil || c != nil {
		return c, stepWorked, err
	}

	t, err := r.q.NextEligible(ctx)
	if err != nil {
		return nil, stepIdle, err
	}
	if t == nil {
		return nil, stepIdle, nil
	}

	desc, err := r.reg.Get(t.Type)
	if err != nil {
		// Admission validates types, so this means the registry shrank
		// across a restart. Terminal: the task can never dispatch.
		r.log.Error("task type no longer registered", logx.String("task", t.ID), logx.Err(err))
		if mErr := r.q.MarkFailed(ctx, t.ID, err.Error()); mErr != nil {
			return nil, stepIdle, mErr
		}
		return nil, stepWorked, nil
	}

	if !desc.ZeroCost {
		ok, reason, err := r.bt.ShouldProceed(ctx, false)
		if err != nil {
			return nil, stepIdle, err
		}
		if !ok {
			r.log.Warn("budget pause; holding queue", logx.String("reason", reason))
			return nil, stepPaused, nil
		}
	}

	if err := r.q.MarkStarted(ctx, t.ID, r.pid, r.host); err != nil {
		return nil, stepIdle, err
	}
	if err := r.cp.StartWork(ctx, t.ID, t.Type, newRunID()); err != nil {
		return nil, stepIdle, err
	}

	started, _ := r.q.Get(ctx, t.ID)
	r.publish(eventbus.TaskStarted, started, 0, "")
	return &claimedTask{task: started, desc: desc}, stepWorked, nil
}

// claimResumable adopts the oldest crash-abandoned checkpoint, if any.
func (r *Runner) claimResumable(ctx context.Context) (*claimedTask, error) {
	abandoned, err := r.cp.IncompleteWork(ctx)
	if err != nil {
		return nil, err
	}

	for _, cpt := range abandoned {
		t, err := r.q.Get(ctx, cpt.TaskID)
		if err != nil {
			if errors.Is(err, queue.ErrTaskNotFound) {
				r.log.Warn("checkpoint without task; clearing", logx.String("task", cpt.TaskID))
				if cErr := r.cp.ClearWork(ctx, cpt.TaskID); cErr != nil {
					return nil, cErr
				}
				continue
			}
			return nil, err
		}
		if t.Status.Terminal() {
			// Outputs were already saved; the previous process died between
			// the terminal mark and the checkpoint clear.
			if cErr := r.cp.ClearWork(ctx, cpt.TaskID); cErr != nil {
				return nil, cErr
			}
			continue
		}

		desc, err := r.reg.Get(t.Type)
		if err != nil {
			r.log.Error("abandoned task type not registered", logx.String("task", t.ID), logx.Err(err))
			if mErr := r.q.MarkFailed(ctx, t.ID, err.Error()); mErr != nil {
				return nil, mErr
			}
			if cErr := r.cp.ClearWork(ctx, t.ID); cErr != nil {
				return nil, cErr
			}
			continue
		}

		if err := r.cp.Adopt(ctx, t.ID); err != nil {
			return nil, err
		}
		if t.Status == queue.StatusRunning {
			if err := r.q.AdoptRunning(ctx, t.ID, r.pid, r.host); err != nil {
				return nil, err
			}
		}

		cpt, err = r.cp.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t, _ = r.q.Get(ctx, t.ID)

		r.log.Info("resuming abandoned task",
			logx.String("task", t.ID), logx.String("type", t.Type),
			logx.String("phase", cpt.Phase))
		r.publish(eventbus.TaskResumed, t, 0, "")
		return &claimedTask{task: t, desc: desc, cpt: cpt}, nil
	}
	return nil, nil
}

// reapAbandoned requeues running tasks whose owner died before a checkpoint
// was written; without one there is nothing to resume from.
func (r *Runner) reapAbandoned(ctx context.Context) error {
	running, err := r.q.List(ctx, queue.StatusRunning)
	if err != nil {
		return err
	}
	for _, t := range running {
		if t.OwnerPID == r.pid && t.OwnerHost == r.host {
			continue
		}
		owner := checkpoint.Owner{PID: t.OwnerPID, Hostname: t.OwnerHost}
		if r.probe.Alive(owner) {
			continue
		}
		if _, err := r.cp.Get(ctx, t.ID); err == nil {
			continue // resumable via checkpoint path
		} else if !errors.Is(err, checkpoint.ErrNotFound) {
			return err
		}
		r.log.Warn("requeueing abandoned task without checkpoint", logx.String("task", t.ID))
		if err := r.q.RequeueRunning(ctx, t.ID); err != nil && !errors.Is(err, queue.ErrBadTransition) {
			return err
		}
	}
	return nil
}

func (r *Runner) intervalFor(ctx context.Context, outcome stepOutcome) time.Duration {
	switch outcome {
	case stepWorked:
		return r.bt.AdaptiveStagger(ctx, r.cfg.BaseInterval)
	case stepPaused:
		return r.cfg.PauseInterval
	default:
		return r.cfg.IdleInterval
	}
}

// sleep waits out d, returning false when ctx ended. Every durable mutation
// before a sleep is already fully committed, so interruption here can never
// leave the store inconsistent.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Runner) publish(eventType string, t queue.Task, dur time.Duration, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventType,
		Data: TaskEvent{
			ID:       t.ID,
			Type:     t.Type,
			Category: t.Category,
			Started:  t.StartedAt,
			Duration: dur,
			Error:    errMsg,
		},
	})
}
