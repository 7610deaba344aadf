package queue

import (
	"context"
	"time"

	logx "taskmill/pkg/logx"
)

// NextEligible returns the next task to dispatch, or nil when nothing is
// eligible right now.
//
// Selection order:
//  1. Concurrency policy gate (running-count cap or start stagger). When the
//     gate is closed, only bypass-concurrency workflow types remain runnable.
//  2. Round-robin across categories, starting one position after the
//     last-selected category. Within a category: priority desc, then
//     creation time asc.
//  3. A pure priority scan across all categories when the rotation found
//     nothing (the rotation already visits every category once, so this
//     should be unreachable).
//
// The rotation pointer advance is the only mutation; the returned task stays
// pending until MarkStarted.
func (m *Manager) NextEligible(ctx context.Context) (*Task, error) {
	policy := m.currentPolicy()
	now := m.now().UTC()

	var picked *Task
	err := m.update(ctx, func(rec *record) error {
		gateOpen := policyAllows(rec, policy, now)

		candidates := make([]*Task, 0, len(rec.Tasks))
		for i := range rec.Tasks {
			t := &rec.Tasks[i]
			if t.Status != StatusPending {
				continue
			}
			if !gateOpen && !m.cat.BypassConcurrency(t.Type) {
				continue
			}
			candidates = append(candidates, t)
		}
		if len(candidates) == 0 {
			return nil
		}

		if len(rec.Categories) > 0 {
			start := (rec.RotationIndex + 1) % len(rec.Categories)
			for i := 0; i < len(rec.Categories); i++ {
				idx := (start + i) % len(rec.Categories)
				if best := bestCandidate(candidates, rec.Categories[idx]); best != nil {
					rec.RotationIndex = idx
					cp := *best
					picked = &cp
					return nil
				}
			}
		}

		// Defensive fallback: the rotation covered every category, so this
		// only fires if a task carries a category missing from the rotation
		// list (which Add prevents).
		if best := bestCandidate(candidates, ""); best != nil {
			m.log.Warn("round-robin scan found nothing; falling back to priority scan",
				logx.String("task", best.ID), logx.String("category", best.Category))
			cp := *best
			picked = &cp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// policyAllows applies the deployment concurrency policy.
func policyAllows(rec *record, p Policy, now time.Time) bool {
	switch p.Mode {
	case PolicyMaxConcurrent:
		limit := p.MaxConcurrent
		if limit <= 0 {
			limit = 1
		}
		return countRunning(rec) < limit
	case PolicyStagger:
		if p.MinStagger <= 0 {
			return true
		}
		if rec.LastStartedAt.IsZero() {
			return true
		}
		return now.Sub(rec.LastStartedAt) >= p.MinStagger
	default:
		return true
	}
}

// bestCandidate picks by priority desc, creation time asc, id asc as the
// final tie-break. Empty category matches everything.
func bestCandidate(candidates []*Task, category string) *Task {
	var best *Task
	for _, t := range candidates {
		if category != "" && t.Category != category {
			continue
		}
		if best == nil || better(t, best) {
			best = t
		}
	}
	return best
}

func better(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
