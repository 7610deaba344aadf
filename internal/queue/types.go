package queue

import (
	"encoding/json"
	"time"
)

// Status is a task lifecycle state. Tasks are never deleted, only marked.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}

func (s Status) String() string { return string(s) }

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if s == string(st) {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}

// Task is a unit of admissible work.
//
// Payload is opaque to the scheduler; each workflow type negotiates its own
// schema at the boundary. SourceTaskID links a task spawned by another task's
// workflow back to its parent (one level of provenance, not a DAG).
type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Category     string          `json:"category"`
	Priority     int             `json:"priority"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SourceTaskID string          `json:"source_task_id,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Owner identity recorded at start so cooperating processes can tell
	// "running elsewhere" from "abandoned". The detailed marker lives in the
	// checkpoint record; these fields must agree with it.
	OwnerPID  int    `json:"owner_pid,omitempty"`
	OwnerHost string `json:"owner_host,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// NewTask describes a submission. ID and timestamps are assigned by Add.
type NewTask struct {
	Type         string
	Category     string
	Priority     int
	Payload      json.RawMessage
	SourceTaskID string
}

// PolicyMode selects the global concurrency policy.
type PolicyMode string

const (
	// PolicyMaxConcurrent admits a new task only while fewer than
	// MaxConcurrent tasks are running.
	PolicyMaxConcurrent PolicyMode = "max_concurrent"
	// PolicyStagger admits a new task only after MinStagger has elapsed
	// since the previous task started.
	PolicyStagger PolicyMode = "stagger"
)

// Policy is the deployment-level concurrency policy checked by NextEligible.
type Policy struct {
	Mode          PolicyMode
	MaxConcurrent int
	MinStagger    time.Duration
}

// Catalog is the workflow-registry view the queue needs: key validation at
// submission time and the bypass-concurrency flag at selection time.
type Catalog interface {
	Has(key string) bool
	Keys() []string
	BypassConcurrency(key string) bool
}

// record is the on-disk queue shape.
type record struct {
	Tasks []Task `json:"tasks"`
	// Categories in first-appearance order; the rotation pointer indexes
	// into this list.
	Categories    []string  `json:"categories,omitempty"`
	RotationIndex int       `json:"rotation_index"`
	LastStartedAt time.Time `json:"last_started_at,omitzero"`
}
