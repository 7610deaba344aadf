package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

const recordName = "queue.json"

// Manager owns the task queue record. All mutations run through the store's
// exclusive read-modify-write cycle; the Manager itself keeps no mutable
// queue state between calls.
type Manager struct {
	st  *store.Store
	cat Catalog
	log logx.Logger

	mu     sync.Mutex
	policy Policy

	now   func() time.Time
	newID func() string
}

func NewManager(st *store.Store, cat Catalog, policy Policy, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		st:     st,
		cat:    cat,
		policy: policy,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// ApplyPolicy swaps the concurrency policy at runtime (config reload).
func (m *Manager) ApplyPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

func (m *Manager) currentPolicy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Add validates and appends a task, returning its assigned id.
//
// The workflow type is checked against the registry BEFORE any persistence:
// an unknown type must surface at submission time, never at dispatch time.
func (m *Manager) Add(ctx context.Context, nt NewTask) (string, error) {
	typ := strings.TrimSpace(nt.Type)
	if typ == "" {
		return "", fmt.Errorf("%w: empty type", ErrUnknownType)
	}
	if !m.cat.Has(typ) {
		return "", fmt.Errorf("%w: %q (registered: %s)",
			ErrUnknownType, typ, strings.Join(m.cat.Keys(), ", "))
	}

	cat := strings.TrimSpace(nt.Category)
	if cat == "" {
		cat = "default"
	}

	t := Task{
		ID:           m.newID(),
		Type:         typ,
		Category:     cat,
		Priority:     nt.Priority,
		Status:       StatusPending,
		Payload:      nt.Payload,
		SourceTaskID: nt.SourceTaskID,
		CreatedAt:    m.now().UTC(),
	}

	err := m.update(ctx, func(rec *record) error {
		rec.Tasks = append(rec.Tasks, t)
		if !containsString(rec.Categories, cat) {
			rec.Categories = append(rec.Categories, cat)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	m.log.Debug("task added",
		logx.String("task", t.ID), logx.String("type", typ),
		logx.String("category", cat), logx.Int("priority", t.Priority))
	return t.ID, nil
}

// MarkStarted transitions pending -> running and records the owning process.
func (m *Manager) MarkStarted(ctx context.Context, id string, pid int, host string) error {
	return m.update(ctx, func(rec *record) error {
		t := findTask(rec, id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if t.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s, want pending", ErrBadTransition, id, t.Status)
		}
		t.Status = StatusRunning
		t.StartedAt = m.now().UTC()
		t.OwnerPID = pid
		t.OwnerHost = host
		rec.LastStartedAt = t.StartedAt
		return nil
	})
}

func (m *Manager) MarkCompleted(ctx context.Context, id string) error {
	return m.markTerminal(ctx, id, StatusCompleted, "")
}

func (m *Manager) MarkFailed(ctx context.Context, id, reason string) error {
	return m.markTerminal(ctx, id, StatusFailed, reason)
}

// AdoptRunning re-records the owner of an abandoned running task before a
// resume attempt, so liveness probes point at the adopting process.
func (m *Manager) AdoptRunning(ctx context.Context, id string, pid int, host string) error {
	return m.update(ctx, func(rec *record) error {
		t := findTask(rec, id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if t.Status != StatusRunning {
			return fmt.Errorf("%w: %s is %s, want running", ErrBadTransition, id, t.Status)
		}
		t.OwnerPID = pid
		t.OwnerHost = host
		return nil
	})
}

// RequeueRunning returns an abandoned running task to pending without losing
// its creation time. Used when a resume attempt finds no usable checkpoint.
func (m *Manager) RequeueRunning(ctx context.Context, id string) error {
	return m.update(ctx, func(rec *record) error {
		t := findTask(rec, id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if t.Status != StatusRunning {
			return fmt.Errorf("%w: %s is %s, want running", ErrBadTransition, id, t.Status)
		}
		t.Status = StatusPending
		t.StartedAt = time.Time{}
		t.OwnerPID = 0
		t.OwnerHost = ""
		return nil
	})
}

func (m *Manager) markTerminal(ctx context.Context, id string, to Status, reason string) error {
	return m.update(ctx, func(rec *record) error {
		t := findTask(rec, id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: %s already %s", ErrBadTransition, id, t.Status)
		}
		t.Status = to
		t.CompletedAt = m.now().UTC()
		t.LastError = reason
		return nil
	})
}

func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	rec, err := m.read()
	if err != nil {
		return Task{}, err
	}
	if t := findTask(&rec, id); t != nil {
		return *t, nil
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// List returns tasks filtered by status, or all tasks when no filter is given.
func (m *Manager) List(ctx context.Context, statuses ...Status) ([]Task, error) {
	rec, err := m.read()
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return rec.Tasks, nil
	}
	out := make([]Task, 0, len(rec.Tasks))
	for _, t := range rec.Tasks {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// RunningCount reports how many tasks are currently marked running.
func (m *Manager) RunningCount(ctx context.Context) (int, error) {
	rec, err := m.read()
	if err != nil {
		return 0, err
	}
	return countRunning(&rec), nil
}

func (m *Manager) read() (record, error) {
	var rec record
	err := m.st.Read(recordName, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return record{}, nil
	}
	return rec, err
}

func (m *Manager) update(ctx context.Context, fn func(rec *record) error) error {
	return m.st.Update(ctx, recordName, func(raw []byte) ([]byte, error) {
		var rec record
		if len(raw) > 0 {
			if err := m.st.Codec().Decode(raw, &rec); err != nil {
				return nil, store.Corrupt(recordName, err)
			}
		}
		if err := fn(&rec); err != nil {
			return nil, err
		}
		return m.st.Codec().Encode(&rec)
	})
}

func findTask(rec *record, id string) *Task {
	for i := range rec.Tasks {
		if rec.Tasks[i].ID == id {
			return &rec.Tasks[i]
		}
	}
	return nil
}

func countRunning(rec *record) int {
	n := 0
	for i := range rec.Tasks {
		if rec.Tasks[i].Status == StatusRunning {
			n++
		}
	}
	return n
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
