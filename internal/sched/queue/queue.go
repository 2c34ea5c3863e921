// Package queue owns the named, capacity-bounded lanes holding instances
// awaiting execution, and the per-lane counters. Counters are mutated only
// here so every status transition the queue mediates stays consistent with
// the pending/running bookkeeping.
package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// Default concurrency caps by queue kind. Kind only picks the default; an
// explicit MaxConcurrent always wins.
var defaultCaps = map[string]int{
	"default":  5,
	"bulk":     2,
	"critical": 10,
}

const fallbackCap = 5

type Manager struct {
	store store.Store
	log   logx.Logger
	now   func() time.Time
}

func NewManager(st store.Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: st, log: log, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func queueKey(tenantID, name string) string { return tenantID + "/" + name }

// Ensure returns the queue, creating it with kind-derived defaults if needed.
func (m *Manager) Ensure(ctx context.Context, tenantID, name, kind string) (job.Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	key := queueKey(tenantID, name)

	q, _, err := store.GetAs[job.Queue](ctx, m.store, store.KindQueue, key)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return job.Queue{}, err
	}

	cap := defaultCaps[strings.ToLower(strings.TrimSpace(kind))]
	if cap <= 0 {
		cap = fallbackCap
	}
	q = job.Queue{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Name:          name,
		Kind:          kind,
		MaxConcurrent: cap,
	}
	if _, cerr := store.CreateAs(ctx, m.store, store.KindQueue, key, q); cerr != nil {
		if errors.Is(cerr, store.ErrExists) {
			// Lost the creation race; the other writer's queue is fine.
			q, _, err = store.GetAs[job.Queue](ctx, m.store, store.KindQueue, key)
			return q, err
		}
		return job.Queue{}, cerr
	}
	m.log.Debug("queue created", logx.String("tenant", tenantID), logx.String("queue", name), logx.Int("max_concurrent", cap))
	return q, nil
}

// Get loads one queue.
func (m *Manager) Get(ctx context.Context, tenantID, name string) (job.Queue, error) {
	q, _, err := store.GetAs[job.Queue](ctx, m.store, store.KindQueue, queueKey(tenantID, name))
	if errors.Is(err, store.ErrNotFound) {
		return job.Queue{}, job.ErrQueueNotFound
	}
	return q, err
}

// List returns all queues, optionally filtered by tenant.
func (m *Manager) List(ctx context.Context, tenantID string) ([]job.Queue, error) {
	var out []job.Queue
	err := store.ScanAs(ctx, m.store, store.KindQueue, func(q job.Queue, _ int64) bool {
		if tenantID == "" || q.TenantID == tenantID {
			out = append(out, q)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// Pause stops the queue from yielding dequeue candidates.
func (m *Manager) Pause(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) { q.Paused = true })
}

func (m *Manager) Resume(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) { q.Paused = false })
}

// Candidates returns QUEUED instances eligible for dispatch on the given
// queues: scheduled_at <= now, queue not paused and below its concurrency
// cap. Ordered by priority descending, queue-entry time ascending (FIFO
// within a priority band).
func (m *Manager) Candidates(ctx context.Context, tenantID string, queues []string, limit int) ([]job.Instance, error) {
	now := m.now()

	open := map[string]bool{}
	for _, name := range queues {
		q, err := m.Get(ctx, tenantID, name)
		if err != nil {
			if errors.Is(err, job.ErrQueueNotFound) {
				continue
			}
			return nil, err
		}
		if q.Paused {
			continue
		}
		if q.MaxConcurrent > 0 && q.Running >= q.MaxConcurrent {
			continue
		}
		open[q.Name] = true
	}
	if len(open) == 0 {
		return nil, nil
	}

	var out []job.Instance
	err := store.ScanAs(ctx, m.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.TenantID != tenantID || in.Status != job.StatusQueued {
			return true
		}
		if !open[in.Queue] {
			return true
		}
		if in.ScheduledAt.After(now) {
			return true
		}
		out = append(out, in)
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		ti, tj := out[i].QueuedAt, out[j].QueuedAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Counter transitions ----
//
// The engine and worker coordinator report transitions; the deltas live here.

// OnEnqueued accounts a new or requeued instance entering the lane.
func (m *Manager) OnEnqueued(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) { q.Pending++ })
}

// OnStarted accounts QUEUED -> RUNNING.
func (m *Manager) OnStarted(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) {
		if q.Pending > 0 {
			q.Pending--
		}
		q.Running++
	})
}

// OnRetrying accounts RUNNING -> RETRYING. The failed counter is touched only
// on terminal failure.
func (m *Manager) OnRetrying(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) {
		if q.Running > 0 {
			q.Running--
		}
	})
}

// OnFinished accounts RUNNING -> COMPLETED/FAILED and folds the run duration
// into the lane's running average.
func (m *Manager) OnFinished(ctx context.Context, tenantID, name string, failed bool, dur time.Duration) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) {
		if q.Running > 0 {
			q.Running--
		}
		if failed {
			q.Failed++
			return
		}
		q.Processed++
		if dur > 0 {
			if q.AvgDuration <= 0 {
				q.AvgDuration = dur
			} else {
				q.AvgDuration += (dur - q.AvgDuration) / time.Duration(q.Processed)
			}
		}
	})
}

// OnCancelled accounts QUEUED -> CANCELLED (releases the held queue slot).
func (m *Manager) OnCancelled(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) {
		if q.Pending > 0 {
			q.Pending--
		}
	})
}

// OnStopped accounts RUNNING -> CANCELLED (cooperative mid-run stop).
func (m *Manager) OnStopped(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) {
		if q.Running > 0 {
			q.Running--
		}
	})
}

// OnRequeued accounts RUNNING -> QUEUED (stale-worker recovery).
func (m *Manager) OnRequeued(ctx context.Context, tenantID, name string) error {
	return m.adjust(ctx, tenantID, name, func(q *job.Queue) {
		if q.Running > 0 {
			q.Running--
		}
		q.Pending++
	})
}

func (m *Manager) adjust(ctx context.Context, tenantID, name string, fn func(*job.Queue)) error {
	key := queueKey(tenantID, name)
	for {
		q, ver, err := store.GetAs[job.Queue](ctx, m.store, store.KindQueue, key)
		if errors.Is(err, store.ErrNotFound) {
			return job.ErrQueueNotFound
		}
		if err != nil {
			return err
		}
		fn(&q)
		_, err = store.SwapAs(ctx, m.store, store.KindQueue, key, ver, q)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
}
