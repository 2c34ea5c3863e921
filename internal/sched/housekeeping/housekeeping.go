// Package housekeeping runs the periodic sweeps that keep the scheduler
// moving: recurring promotion, elapsed retries, run-window reopening,
// dependency release, and stale worker/lock reaping.
package housekeeping

import (
	"context"
	"errors"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/dispatch"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/lock"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/registry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/worker"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

const (
	defaultInterval       = 5 * time.Second
	defaultStaleThreshold = 90 * time.Second
)

type Sweeper struct {
	store    store.Store
	reg      *registry.Registry
	dispatch *dispatch.Dispatcher
	workers  *worker.Coordinator
	locks    *lock.Manager
	log      logx.Logger
	now      func() time.Time

	// Interval is the sweep cadence; StaleThreshold governs worker reaping.
	Interval       time.Duration
	StaleThreshold time.Duration
}

func NewSweeper(st store.Store, reg *registry.Registry, d *dispatch.Dispatcher, wc *worker.Coordinator, lm *lock.Manager, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{
		store:          st,
		reg:            reg,
		dispatch:       d,
		workers:        wc,
		locks:          lm,
		log:            log,
		now:            time.Now,
		Interval:       defaultInterval,
		StaleThreshold: defaultStaleThreshold,
	}
}

// SetClock overrides the time source (tests only).
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run loops RunOnce until the context ends. Intended to live under the
// supervisor's restart policy.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep. Each pass and each item is isolated: one bad
// record never blocks the rest of the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.promoteRecurring(ctx)
	s.promoteRetries(ctx)
	s.promoteScheduled(ctx)
	s.releaseDependents(ctx)
	s.reap(ctx)
}

// promoteRecurring submits an instance for every active recurring definition
// whose next_run_at has arrived, then advances next_run_at so the same tick
// is never promoted twice.
func (s *Sweeper) promoteRecurring(ctx context.Context) {
	now := s.now()
	var due []job.Definition
	err := store.ScanAs(ctx, s.store, store.KindDefinition, func(d job.Definition, _ int64) bool {
		if d.Active && d.Trigger == job.TriggerRecurring && d.NextRunAt != nil && !d.NextRunAt.After(now) {
			due = append(due, d)
		}
		return true
	})
	if err != nil {
		s.log.Warn("recurring scan failed", logx.Err(err))
		return
	}
	for _, def := range due {
		_, serr := s.dispatch.Submit(ctx, def.ID, nil, nil)
		switch {
		case serr == nil:
		case errors.Is(serr, job.ErrSingletonRunning):
			// The previous run is still going; this tick is skipped, not queued.
			s.log.Debug("recurring tick skipped, singleton busy", logx.String("definition", def.ID))
		case errors.Is(serr, job.ErrDefinitionInactive), errors.Is(serr, job.ErrDefinitionNotFound):
			continue
		default:
			s.log.Warn("recurring promotion failed", logx.String("definition", def.ID), logx.Err(serr))
			continue
		}
		if aerr := s.reg.AdvanceNextRun(ctx, def.ID, now); aerr != nil {
			s.log.Warn("next_run advance failed", logx.String("definition", def.ID), logx.Err(aerr))
		}
	}
}

// promoteRetries requeues RETRYING instances whose backoff delay has elapsed.
func (s *Sweeper) promoteRetries(ctx context.Context) {
	now := s.now()
	var due []string
	err := store.ScanAs(ctx, s.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.Status == job.StatusRetrying && in.NextRetryAt != nil && !in.NextRetryAt.After(now) {
			due = append(due, in.ID)
		}
		return true
	})
	if err != nil {
		s.log.Warn("retry scan failed", logx.Err(err))
		return
	}
	for _, id := range due {
		if rerr := s.dispatch.Requeue(ctx, id, "retry_due"); rerr != nil && !errors.Is(rerr, job.ErrInvalidTransition) {
			s.log.Warn("retry requeue failed", logx.String("instance", id), logx.Err(rerr))
		}
	}
}

// promoteScheduled moves SCHEDULED instances whose fire time has arrived and
// whose run window (if any) is open.
func (s *Sweeper) promoteScheduled(ctx context.Context) {
	now := s.now()
	var due []job.Instance
	err := store.ScanAs(ctx, s.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.Status == job.StatusScheduled && !in.ScheduledAt.After(now) {
			due = append(due, in)
		}
		return true
	})
	if err != nil {
		s.log.Warn("scheduled scan failed", logx.Err(err))
		return
	}
	for _, in := range due {
		if !s.windowOpen(ctx, in, now) {
			continue
		}
		if rerr := s.dispatch.Requeue(ctx, in.ID, "window_open"); rerr != nil && !errors.Is(rerr, job.ErrInvalidTransition) {
			s.log.Warn("scheduled requeue failed", logx.String("instance", in.ID), logx.Err(rerr))
		}
	}
}

func (s *Sweeper) windowOpen(ctx context.Context, in job.Instance, now time.Time) bool {
	if in.DefinitionID == "" {
		return true
	}
	def, err := s.reg.Get(ctx, in.DefinitionID)
	if err != nil {
		// Orphaned instance; let it run rather than strand it forever.
		return true
	}
	return def.Window.Allows(now)
}

// releaseDependents requeues PENDING instances whose definition dependencies
// have all run at least once by now. Dependency release still respects the
// definition's run window: satisfied dependents outside the window park as
// SCHEDULED and promoteScheduled requeues them when it opens.
func (s *Sweeper) releaseDependents(ctx context.Context) {
	now := s.now()
	var pending []job.Instance
	err := store.ScanAs(ctx, s.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.Status == job.StatusPending && in.DefinitionID != "" {
			pending = append(pending, in)
		}
		return true
	})
	if err != nil {
		s.log.Warn("pending scan failed", logx.Err(err))
		return
	}
	for _, in := range pending {
		def, derr := s.reg.Get(ctx, in.DefinitionID)
		if derr != nil {
			continue
		}
		if !s.dependenciesMet(ctx, def) {
			continue
		}
		if !def.Window.Allows(now) {
			if derr := s.deferToWindow(ctx, in.ID); derr != nil {
				s.log.Warn("dependency defer failed", logx.String("instance", in.ID), logx.Err(derr))
			}
			continue
		}
		if rerr := s.dispatch.Requeue(ctx, in.ID, "dependencies_met"); rerr != nil && !errors.Is(rerr, job.ErrInvalidTransition) {
			s.log.Warn("dependency requeue failed", logx.String("instance", in.ID), logx.Err(rerr))
		}
	}
}

// deferToWindow parks a PENDING instance as SCHEDULED so the window sweep
// picks it up once the definition's run window opens.
func (s *Sweeper) deferToWindow(ctx context.Context, instanceID string) error {
	for {
		in, ver, err := store.GetAs[job.Instance](ctx, s.store, store.KindInstance, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if in.Status != job.StatusPending {
			return nil
		}
		in.Status = job.StatusScheduled
		if _, err := store.SwapAs(ctx, s.store, store.KindInstance, instanceID, ver, in); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
}

func (s *Sweeper) dependenciesMet(ctx context.Context, def job.Definition) bool {
	for _, depID := range def.DependsOn {
		dep, err := s.reg.Get(ctx, depID)
		if err != nil || dep.LastRunAt == nil {
			return false
		}
	}
	return true
}

// reap deactivates stale workers (requeueing anything they held) and clears
// expired locks nobody released.
func (s *Sweeper) reap(ctx context.Context) {
	if n, err := s.workers.DeactivateStale(ctx, s.StaleThreshold); err != nil {
		s.log.Warn("stale worker sweep failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("stale workers deactivated", logx.Int("count", n))
	}
	if n, err := s.locks.ReapExpired(ctx); err != nil {
		s.log.Warn("lock reap failed", logx.Err(err))
	} else if n > 0 {
		s.log.Debug("expired locks reaped", logx.Int("count", n))
	}
}
