package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskmill/internal/config"
	"taskmill/internal/history"
	"taskmill/internal/queue"
	"taskmill/internal/runner"
	"taskmill/internal/schedule"
	logx "taskmill/pkg/logx"
)

func cmdRun(ctx context.Context, a *app) error {
	r, err := a.newRunner()
	if err != nil {
		return err
	}

	// Config hot-reload: the watcher revalidates and publishes, we apply.
	go func() {
		if err := a.cfgMgr.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("config watch stopped", logx.Err(err))
		}
	}()
	cfgCh := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(cfgCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	if a.hist != nil {
		go tailHistory(ctx, a)
	}

	if len(a.cfg.Schedules) > 0 {
		svc := schedule.New(a.q, scheduleDefs(a.cfg.Schedules), a.log.With(logx.String("component", "schedule")))
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop()
	}

	notifySystemd(ctx, a.log)

	a.log.Info("scheduler starting", logx.Int("pid", os.Getpid()))
	return r.Run(ctx)
}

func cmdOnce(ctx context.Context, a *app) error {
	r, err := a.newRunner()
	if err != nil {
		return err
	}
	worked, err := r.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !worked {
		fmt.Println("nothing to do")
	}
	return nil
}

func cmdAdd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	typ := fs.String("type", "", "workflow type (required)")
	category := fs.String("category", "", "fairness category (default \"default\")")
	priority := fs.Int("priority", 0, "selection priority, higher first")
	payload := fs.String("payload", "", "JSON payload passed to the workflow")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *typ == "" {
		return fmt.Errorf("add: -type is required")
	}
	var raw json.RawMessage
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			return fmt.Errorf("add: -payload is not valid JSON")
		}
		raw = json.RawMessage(*payload)
	}
	id, err := a.q.Add(ctx, queue.NewTask{
		Type:     *typ,
		Category: *category,
		Priority: *priority,
		Payload:  raw,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	statusFlag := fs.String("status", "", "filter: pending|running|completed|failed (default all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var filter []queue.Status
	if *statusFlag != "" {
		st, err := queue.ParseStatus(*statusFlag)
		if err != nil {
			return err
		}
		filter = append(filter, st)
	}
	tasks, err := a.q.List(ctx, filter...)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCATEGORY\tPRI\tSTATUS\tCREATED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ID, t.Type, t.Category, t.Priority, t.Status,
			t.CreatedAt.Local().Format(time.DateTime), t.LastError)
	}
	return w.Flush()
}

func cmdStatus(ctx context.Context, a *app) error {
	tasks, err := a.q.List(ctx)
	if err != nil {
		return err
	}
	counts := map[queue.Status]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	fmt.Printf("queue: %d pending, %d running, %d completed, %d failed\n",
		counts[queue.StatusPending], counts[queue.StatusRunning],
		counts[queue.StatusCompleted], counts[queue.StatusFailed])

	bs, err := a.bt.StatusNow(ctx)
	if err != nil {
		fmt.Printf("budget: unavailable (%v)\n", err)
	} else if bs.Budget <= 0 {
		fmt.Println("budget: disabled")
	} else {
		fmt.Printf("budget: %.2f / %.2f (%.1f%%) action=%s\n",
			bs.Spend, bs.Budget, bs.PercentUsed, bs.Action)
	}

	cpts, err := a.cp.IncompleteWork(ctx)
	if err != nil {
		return err
	}
	if len(cpts) == 0 {
		fmt.Println("checkpoints: none resumable")
		return nil
	}
	fmt.Printf("checkpoints: %d resumable\n", len(cpts))
	for _, c := range cpts {
		fmt.Printf("  %s type=%s phase=%s updated=%s\n",
			c.TaskID, c.TaskType, c.Phase, c.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.hist == nil {
		return history.ErrDisabled
	}
	entries, err := a.hist.Recent(ctx, *n)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tTASK\tTYPE\tEVENT\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.TaskID, e.Type, e.Event,
			e.Duration.Truncate(time.Millisecond), e.Error)
	}
	return w.Flush()
}

// tailHistory mirrors runner lifecycle events into the history recorder.
// Append failures are logged, never fatal.
func tailHistory(ctx context.Context, a *app) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			te, isTask := ev.Data.(runner.TaskEvent)
			if !isTask {
				continue
			}
			err := a.hist.Append(ctx, history.Entry{
				At:       ev.Time,
				TaskID:   te.ID,
				Type:     te.Type,
				Category: te.Category,
				Event:    strings.TrimPrefix(ev.Type, "task."),
				Duration: te.Duration,
				Error:    te.Error,
			})
			if err != nil {
				a.log.Warn("history append failed", logx.Err(err))
			}
		}
	}
}

func scheduleDefs(defs []config.ScheduleDef) []schedule.Def {
	out := make([]schedule.Def, 0, len(defs))
	for _, d := range defs {
		out = append(out, schedule.Def{
			Name:     d.Name,
			Schedule: d.Schedule,
			Type:     d.Type,
			Category: d.Category,
			Priority: d.Priority,
			Payload:  d.Payload,
		})
	}
	return out
}

func notifySystemd(ctx context.Context, log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
