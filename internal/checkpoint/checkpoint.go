package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

const recordName = "checkpoints.json"

// Manager tracks phase-level progress for active tasks and detects
// crash-abandoned work via the liveness probe.
type Manager struct {
	st     *store.Store
	phases PhaseSource
	probe  Prober
	log    logx.Logger
	now    func() time.Time
}

func NewManager(st *store.Store, phases PhaseSource, probe Prober, log logx.Logger) *Manager {
	if probe == nil {
		probe = PIDProber{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{st: st, phases: phases, probe: probe, log: log, now: time.Now}
}

// StartWork creates a checkpoint at the workflow's first declared phase and
// records the calling process as owner. An existing checkpoint for the task
// is replaced (a restart after requeue starts fresh).
func (m *Manager) StartWork(ctx context.Context, taskID, taskType, runID string) error {
	phases, ok := m.phases.PhasesFor(taskType)
	if !ok {
		return fmt.Errorf("checkpoint: no phase list for workflow type %q", taskType)
	}
	first := PhaseStart
	if len(phases) > 0 {
		first = phases[0]
	}

	host, _ := os.Hostname()
	now := m.now().UTC()
	cp := &Checkpoint{
		TaskID:    taskID,
		TaskType:  taskType,
		Phase:     first,
		RunID:     runID,
		Owner:     Owner{PID: os.Getpid(), Hostname: host, StartedAt: now},
		StartedAt: now,
		UpdatedAt: now,
	}

	return m.update(ctx, func(rec *record) error {
		rec.Checkpoints[taskID] = cp
		return nil
	})
}

// UpdateCheckpoint advances the phase and merges outputs/counters.
//
// Workflows call this after completing each phase, before starting the next,
// so a crash mid-phase always resumes at the last fully completed phase.
func (m *Manager) UpdateCheckpoint(ctx context.Context, taskID, phase string, outputs map[string]json.RawMessage, counters map[string]int64) error {
	return m.update(ctx, func(rec *record) error {
		cp, ok := rec.Checkpoints[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		if !m.legalPhase(cp.TaskType, phase) {
			return fmt.Errorf("%w: %q for type %q", ErrUnknownPhase, phase, cp.TaskType)
		}
		cp.Phase = phase
		if len(outputs) > 0 {
			if cp.PhaseOutputs == nil {
				cp.PhaseOutputs = make(map[string]json.RawMessage, len(outputs))
			}
			for k, v := range outputs {
				cp.PhaseOutputs[k] = v
			}
		}
		if len(counters) > 0 {
			if cp.Counters == nil {
				cp.Counters = make(map[string]int64, len(counters))
			}
			for k, v := range counters {
				cp.Counters[k] += v
			}
		}
		cp.UpdatedAt = m.now().UTC()
		return nil
	})
}

// Adopt transfers ownership of an abandoned checkpoint to the calling
// process, keeping its phase and accumulated outputs intact.
func (m *Manager) Adopt(ctx context.Context, taskID string) error {
	host, _ := os.Hostname()
	now := m.now().UTC()
	return m.update(ctx, func(rec *record) error {
		cp, ok := rec.Checkpoints[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		cp.Owner = Owner{PID: os.Getpid(), Hostname: host, StartedAt: now}
		cp.UpdatedAt = now
		return nil
	})
}

// Get returns the checkpoint for a task, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, taskID string) (*Checkpoint, error) {
	rec, err := m.read()
	if err != nil {
		return nil, err
	}
	cp, ok := rec.Checkpoints[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return cp, nil
}

// IncompleteWork returns checkpoints whose phase is not terminal and whose
// owner is no longer alive, oldest first. Live owners are skipped: another
// process is legitimately working them.
func (m *Manager) IncompleteWork(ctx context.Context) ([]*Checkpoint, error) {
	rec, err := m.read()
	if err != nil {
		return nil, err
	}

	out := make([]*Checkpoint, 0, len(rec.Checkpoints))
	for _, cp := range rec.Checkpoints {
		if cp.Complete() {
			continue
		}
		if m.probe.Alive(cp.Owner) {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	if len(out) > 0 {
		m.log.Info("abandoned work detected", logx.Int("count", len(out)))
	}
	return out, nil
}

// ClearWork removes the checkpoint and its owner marker. Called only after
// the workflow reached the terminal phase and outputs were durably saved, or
// when the task was terminally failed.
func (m *Manager) ClearWork(ctx context.Context, taskID string) error {
	return m.update(ctx, func(rec *record) error {
		delete(rec.Checkpoints, taskID)
		return nil
	})
}

func (m *Manager) legalPhase(taskType, phase string) bool {
	if phase == PhaseComplete || phase == PhaseStart {
		return true
	}
	phases, ok := m.phases.PhasesFor(taskType)
	if !ok {
		return false
	}
	for _, p := range phases {
		if p == phase {
			return true
		}
	}
	return false
}

func (m *Manager) read() (record, error) {
	var rec record
	err := m.st.Read(recordName, &rec)
	if errors.Is(err, store.ErrNotFound) {
		err = nil
	}
	if rec.Checkpoints == nil {
		rec.Checkpoints = map[string]*Checkpoint{}
	}
	return rec, err
}

func (m *Manager) update(ctx context.Context, fn func(rec *record) error) error {
	return m.st.Update(ctx, recordName, func(raw []byte) ([]byte, error) {
		rec := record{Checkpoints: map[string]*Checkpoint{}}
		if len(raw) > 0 {
			if err := m.st.Codec().Decode(raw, &rec); err != nil {
				return nil, store.Corrupt(recordName, err)
			}
			if rec.Checkpoints == nil {
				rec.Checkpoints = map[string]*Checkpoint{}
			}
		}
		if err := fn(&rec); err != nil {
			return nil, err
		}
		return m.st.Codec().Encode(&rec)
	})
}
