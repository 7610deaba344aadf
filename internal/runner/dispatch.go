package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/checkpoint"
	"taskmill/internal/eventbus"
	"taskmill/internal/incremental"
	"taskmill/internal/queue"
	"taskmill/internal/registry"
	logx "taskmill/pkg/logx"
)

type claimedTask struct {
	task queue.Task
	desc registry.Descriptor
	cpt  *checkpoint.Checkpoint // non-nil when resuming
}

// execute runs one claimed task to a terminal status. All failure modes are
// absorbed here; the control loop never sees a workflow error.
func (r *Runner) execute(ctx context.Context, c *claimedTask) {
	start := time.Now()
	t := c.task

	var incState *incremental.State
	if c.cpt != nil {
		st, err := r.inc.LoadProgress(ctx, t.ID, c.cpt.Phase)
		if err != nil {
			r.log.Warn("failed loading incremental state", logx.String("task", t.ID), logx.Err(err))
		} else {
			incState = st
		}
	}

	env := &hookEnv{
		taskID:   t.ID,
		taskType: t.Type,
		phase:    currentPhase(c),
		cp:       r.cp,
		inc:      r.inc,
		q:        r.q,
		bus:      r.bus,
	}

	in := registry.RunInput{
		Task:        t,
		Checkpoint:  c.cpt,
		Incremental: incState,
		Hooks:       env,
	}

	outputs, err := safeRun(ctx, c.desc, in)
	if err == nil && c.desc.SaveOutputs != nil {
		// Outputs must be durably saved before the task is terminally
		// completed; a save failure is a task failure.
		if saveErr := c.desc.SaveOutputs(ctx, t, outputs); saveErr != nil {
			err = fmt.Errorf("saving outputs: %w", saveErr)
		}
	}

	dur := time.Since(start)
	if err != nil {
		r.log.Warn("task failed",
			logx.String("task", t.ID), logx.String("type", t.Type),
			logx.Duration("dur", dur), logx.Err(err))
		r.finish(ctx, t, func() error { return r.q.MarkFailed(ctx, t.ID, err.Error()) })
		r.publish(eventbus.TaskFailed, t, dur, err.Error())
		return
	}

	r.log.Info("task completed",
		logx.String("task", t.ID), logx.String("type", t.Type),
		logx.Duration("dur", dur))
	r.finish(ctx, t, func() error { return r.q.MarkCompleted(ctx, t.ID) })
	r.publish(eventbus.TaskCompleted, t, dur, "")
}

// finish applies the terminal queue mark and clears checkpoint state. Each
// step is attempted even if an earlier one fails; a half-cleared terminal
// task is reaped as a stale checkpoint on a later pass.
func (r *Runner) finish(ctx context.Context, t queue.Task, mark func() error) {
	if err := mark(); err != nil {
		r.log.Error("failed to mark task terminal", logx.String("task", t.ID), logx.Err(err))
	}
	if err := r.cp.ClearWork(ctx, t.ID); err != nil {
		r.log.Error("failed to clear checkpoint", logx.String("task", t.ID), logx.Err(err))
	}
	if err := r.inc.ClearProgress(ctx, t.ID); err != nil {
		r.log.Error("failed to clear incremental state", logx.String("task", t.ID), logx.Err(err))
	}
}

// safeRun invokes the workflow with panic containment: a panicking workflow
// fails its task, not the scheduler.
func safeRun(ctx context.Context, desc registry.Descriptor, in registry.RunInput) (out registry.Outputs, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return desc.Run(ctx, in)
}

// currentPhase is the phase a run attempt starts working on.
func currentPhase(c *claimedTask) string {
	if c.cpt != nil {
		return c.cpt.Phase
	}
	if len(c.desc.Phases) > 0 {
		return c.desc.Phases[0]
	}
	return checkpoint.PhaseStart
}

// hookEnv implements registry.Hooks for one run attempt. It tracks the
// in-progress phase so iteration snapshots land on the right phase without
// workflows having to repeat it.
type hookEnv struct {
	taskID   string
	taskType string

	mu    sync.Mutex
	phase string

	cp  *checkpoint.Manager
	inc *incremental.Manager
	q   *queue.Manager
	bus eventbus.Bus
}

func (h *hookEnv) Checkpoint(ctx context.Context, phase string, outputs registry.Outputs, counters map[string]int64) error {
	if err := h.cp.UpdateCheckpoint(ctx, h.taskID, phase, outputs, counters); err != nil {
		return err
	}
	h.mu.Lock()
	prev := h.phase
	h.phase = phase
	h.mu.Unlock()

	if prev != phase {
		// The previous phase completed; its iteration snapshot is spent.
		if err := h.inc.ClearProgress(ctx, h.taskID); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookEnv) SaveIncremental(ctx context.Context, iteration int, partial json.RawMessage, interval int) error {
	h.mu.Lock()
	phase := h.phase
	h.mu.Unlock()
	return h.inc.SaveProgress(ctx, h.taskID, phase, iteration, partial, interval)
}

func (h *hookEnv) Spawn(ctx context.Context, req registry.SpawnRequest) (string, error) {
	id, err := h.q.Add(ctx, queue.NewTask{
		Type:         req.Type,
		Category:     req.Category,
		Priority:     req.Priority,
		Payload:      req.Payload,
		SourceTaskID: h.taskID,
	})
	if err != nil {
		return "", err
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{
			Type: eventbus.TaskSpawned,
			Data: TaskEvent{ID: id, Type: req.Type, Category: req.Category},
		})
	}
	return id, nil
}

func processIdentity() (int, string) {
	host, _ := os.Hostname()
	return os.Getpid(), host
}

func newRunID() string { return uuid.NewString() }
