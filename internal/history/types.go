package history

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the history recorder.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one task lifecycle outcome.
// Keep it compact and schema-stable.
type Entry struct {
	At       time.Time     `json:"at"`
	TaskID   string        `json:"task_id"`
	Type     string        `json:"type"`
	Category string        `json:"category"`
	Event    string        `json:"event"` // completed | failed | resumed | started
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Recorder is the minimal history API used by the runner's event tail and
// the CLI.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}
