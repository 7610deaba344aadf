// Package incremental persists finer-than-phase iteration checkpoints.
//
// It is strictly an optimization layer under the checkpoint manager's phase
// granularity: losing a snapshot only costs re-doing the current phase's
// unfinished iterations, never correctness. Each task has at most one live
// snapshot, gzip-compressed and replaced whole via atomic rename.
package incremental

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

// State is the snapshot consulted at resume time to seed a loop's starting
// iteration and carried-forward partial results.
type State struct {
	TaskID    string          `json:"task_id"`
	Phase     string          `json:"phase"`
	Iteration int             `json:"iteration"`
	Interval  int             `json:"interval"`
	Partial   json.RawMessage `json:"partial,omitempty"`
	SavedAt   time.Time       `json:"saved_at"`
}

type Manager struct {
	st  *store.Store
	log logx.Logger
	now func() time.Time
}

func NewManager(st *store.Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{st: st, log: log, now: time.Now}
}

// SaveProgress persists one snapshot, overwriting any previous one.
//
// Writes are throttled to every interval-th iteration (interval <= 1 always
// persists): cheap iterations can checkpoint sparsely, expensive ones every
// time.
func (m *Manager) SaveProgress(ctx context.Context, taskID, phase string, iteration int, partial json.RawMessage, interval int) error {
	if interval > 1 && iteration%interval != 0 {
		return nil
	}

	st := State{
		TaskID:    taskID,
		Phase:     phase,
		Iteration: iteration,
		Interval:  interval,
		Partial:   partial,
		SavedAt:   m.now().UTC(),
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := m.st.WriteBlob(blobName(taskID), buf.Bytes()); err != nil {
		return err
	}
	m.log.Debug("incremental progress saved",
		logx.String("task", taskID), logx.String("phase", phase),
		logx.Int("iteration", iteration))
	return nil
}

// LoadProgress returns the snapshot for a task, or nil when none exists.
//
// If phase is non-empty and does not match the stored phase, the snapshot
// belongs to an earlier, now-skipped phase and is ignored. An unreadable
// snapshot is likewise ignored (and cleared): correctness never depends on
// it, only the current phase's redone iterations do.
func (m *Manager) LoadProgress(ctx context.Context, taskID, phase string) (*State, error) {
	b, err := m.st.ReadBlob(blobName(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st, err := decode(b)
	if err != nil {
		m.log.Warn("discarding unreadable incremental snapshot",
			logx.String("task", taskID), logx.Err(err))
		_ = m.st.RemoveBlob(blobName(taskID))
		return nil, nil
	}
	if phase != "" && st.Phase != phase {
		m.log.Debug("incremental snapshot is stale",
			logx.String("task", taskID),
			logx.String("snapshot_phase", st.Phase), logx.String("phase", phase))
		return nil, nil
	}
	return st, nil
}

// ClearProgress removes the snapshot; called when the enclosing phase
// completes successfully.
func (m *Manager) ClearProgress(ctx context.Context, taskID string) error {
	return m.st.RemoveBlob(blobName(taskID))
}

func decode(b []byte) (*State, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func blobName(taskID string) string { return taskID + ".json.gz" }
