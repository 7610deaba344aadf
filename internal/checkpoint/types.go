package checkpoint

import (
	"encoding/json"
	"errors"
	"time"
)

// PhaseComplete is the terminal phase of every workflow. A checkpoint at this
// phase means the work finished and the checkpoint should be cleared, never
// resumed.
const PhaseComplete = "complete"

// PhaseStart is the sentinel phase recorded when a workflow declares no
// phases of its own.
const PhaseStart = "start"

var (
	ErrNotFound     = errors.New("checkpoint: not found")
	ErrUnknownPhase = errors.New("checkpoint: phase not in workflow phase list")
)

// Owner identifies the process working a checkpoint.
type Owner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// Checkpoint tracks phase-level progress for one active task.
//
// PhaseOutputs accumulates each completed phase's result so a resumed run can
// skip recomputation. Counters are workflow-defined tallies (items processed,
// retries, spawned children, ...).
type Checkpoint struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Phase    string `json:"phase"`
	RunID    string `json:"run_id,omitempty"`

	PhaseOutputs map[string]json.RawMessage `json:"phase_outputs,omitempty"`
	Counters     map[string]int64           `json:"counters,omitempty"`

	Owner     Owner     `json:"owner"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Complete reports whether the checkpoint reached the terminal phase.
func (c *Checkpoint) Complete() bool { return c.Phase == PhaseComplete }

// PhaseSource resolves a workflow type to its declared ordered phase list.
// The registry implements this; the checkpoint manager itself carries no
// workflow-specific knowledge beyond phase membership.
type PhaseSource interface {
	PhasesFor(key string) ([]string, bool)
}

// record is the on-disk checkpoints shape, keyed by task id.
type record struct {
	Checkpoints map[string]*Checkpoint `json:"checkpoints"`
}
