// Package schedule submits recurring tasks into the queue from cron or
// interval specs. It never executes work itself; submissions go through
// normal queue admission like any other task.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"taskmill/internal/queue"
	logx "taskmill/pkg/logx"
)

// sourcePrefix tags tasks submitted by a schedule definition, which doubles
// as the overlap guard key.
const sourcePrefix = "schedule:"

// Def describes one recurring submission.
type Def struct {
	Name     string
	Schedule string
	Type     string
	Category string
	Priority int
	Payload  json.RawMessage
}

// Submitter is the queue surface the service needs. *queue.Manager
// implements it.
type Submitter interface {
	Add(ctx context.Context, nt queue.NewTask) (string, error)
	List(ctx context.Context, statuses ...queue.Status) ([]queue.Task, error)
}

type Service struct {
	q   Submitter
	log logx.Logger

	mu   sync.Mutex
	c    *cron.Cron
	defs []Def
}

func New(q Submitter, defs []Def, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{q: q, defs: defs, log: log}
}

// Start validates every definition, registers it with cron, and runs until
// ctx is done. A single invalid definition fails startup: silently dropping
// a schedule is worse than refusing to boot.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New()
	for _, def := range s.defs {
		spec, err := ParseSchedule(def.Schedule)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", def.Name, err)
		}
		d := def
		if _, err := c.AddFunc(spec.CronExpr(), func() { s.fire(ctx, d) }); err != nil {
			return fmt.Errorf("schedule %q: %w", def.Name, err)
		}
		s.log.Info("schedule registered",
			logx.String("name", def.Name), logx.String("spec", spec.CronExpr()),
			logx.String("type", def.Type))
	}

	c.Start()
	s.c = c

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// fire submits one task for a definition unless its previous submission is
// still pending or running (skip-if-running overlap policy).
func (s *Service) fire(ctx context.Context, def Def) {
	tag := sourcePrefix + def.Name

	open, err := s.q.List(ctx, queue.StatusPending, queue.StatusRunning)
	if err != nil {
		s.log.Warn("schedule overlap check failed", logx.String("name", def.Name), logx.Err(err))
		return
	}
	for _, t := range open {
		if t.SourceTaskID == tag {
			s.log.Debug("schedule skipped (previous task still open)",
				logx.String("name", def.Name), logx.String("task", t.ID))
			return
		}
	}

	id, err := s.q.Add(ctx, queue.NewTask{
		Type:         def.Type,
		Category:     def.Category,
		Priority:     def.Priority,
		Payload:      def.Payload,
		SourceTaskID: tag,
	})
	if err != nil {
		s.log.Warn("schedule submission failed", logx.String("name", def.Name), logx.Err(err))
		return
	}
	s.log.Info("schedule submitted task",
		logx.String("name", def.Name), logx.String("task", id))
}
