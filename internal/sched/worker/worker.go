// Package worker coordinates execution agents: registration, heartbeats,
// instance acquisition, and stale-worker recovery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/events"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/lock"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/queue"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// instanceResource names the lock guarding one instance's execution.
func instanceResource(instanceID string) string { return "instance/" + instanceID }

const (
	candidateBatch  = 50
	defaultLockTTL  = 60 * time.Second
	lockGracePeriod = 30 * time.Second
)

type Coordinator struct {
	store  store.Store
	queues *queue.Manager
	locks  *lock.Manager
	events *events.Recorder
	log    logx.Logger
	now    func() time.Time

	// DefaultTimeout bounds executions whose definition carries none.
	DefaultTimeout time.Duration
}

func NewCoordinator(st store.Store, qm *queue.Manager, lm *lock.Manager, rec *events.Recorder, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		store:          st,
		queues:         qm,
		locks:          lm,
		events:         rec,
		log:            log,
		now:            time.Now,
		DefaultTimeout: 5 * time.Minute,
	}
}

// SetClock overrides the time source (tests only).
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Register creates an active worker subscribed to the given queues.
func (c *Coordinator) Register(ctx context.Context, tenantID, name string, queues []string) (job.Worker, error) {
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	host, _ := os.Hostname()
	now := c.now()
	w := job.Worker{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Name:          strings.TrimSpace(name),
		Queues:        queues,
		Active:        true,
		LastHeartbeat: now,
		StartedAt:     now,
		Hostname:      host,
		PID:           os.Getpid(),
	}
	if w.Name == "" {
		w.Name = fmt.Sprintf("worker-%s", w.ID[:8])
	}
	if _, err := store.CreateAs(ctx, c.store, store.KindWorker, w.ID, w); err != nil {
		return job.Worker{}, fmt.Errorf("persist worker: %w", err)
	}
	c.log.Info("worker registered", logx.String("worker", w.ID), logx.String("name", w.Name), logx.Any("queues", queues))
	return w, nil
}

// Heartbeat refreshes the worker's liveness and busy state.
func (c *Coordinator) Heartbeat(ctx context.Context, workerID string, busy bool, currentInstanceID string) error {
	return c.update(ctx, workerID, func(w *job.Worker) {
		w.LastHeartbeat = c.now()
		w.Busy = busy
		w.CurrentInstanceID = currentInstanceID
		if !busy {
			w.CurrentInstanceID = ""
		}
	})
}

// Get loads one worker.
func (c *Coordinator) Get(ctx context.Context, workerID string) (job.Worker, error) {
	w, _, err := store.GetAs[job.Worker](ctx, c.store, store.KindWorker, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return job.Worker{}, fmt.Errorf("worker %s not registered", workerID)
	}
	return w, err
}

// List returns all workers, optionally filtered by tenant.
func (c *Coordinator) List(ctx context.Context, tenantID string) ([]job.Worker, error) {
	var out []job.Worker
	err := store.ScanAs(ctx, c.store, store.KindWorker, func(w job.Worker, _ int64) bool {
		if tenantID == "" || w.TenantID == tenantID {
			out = append(out, w)
		}
		return true
	})
	return out, err
}

// Acquire leases the highest-priority eligible instance from the worker's
// queues. For each candidate it takes the instance lock first and only then
// flips QUEUED -> RUNNING, so at most one worker ever executes a given
// instance even under concurrent acquisition. Lock misses move on to the next
// candidate and are never surfaced.
//
// Returns ok=false when nothing is currently acquirable.
func (c *Coordinator) Acquire(ctx context.Context, workerID string) (job.Instance, bool, error) {
	w, err := c.Get(ctx, workerID)
	if err != nil {
		return job.Instance{}, false, err
	}
	if !w.Active {
		return job.Instance{}, false, fmt.Errorf("%w: %s", job.ErrWorkerDeactivated, workerID)
	}

	cands, err := c.queues.Candidates(ctx, w.TenantID, w.Queues, candidateBatch)
	if err != nil {
		return job.Instance{}, false, err
	}

	for _, cand := range cands {
		if full, err := c.definitionSaturated(ctx, cand); err != nil {
			return job.Instance{}, false, err
		} else if full {
			continue
		}

		ttl := c.leaseTTL(cand)
		lease, err := c.locks.Acquire(ctx, instanceResource(cand.ID), workerID, ttl)
		if errors.Is(err, job.ErrLockUnavailable) {
			continue
		}
		if err != nil {
			return job.Instance{}, false, err
		}

		inst, ok, err := c.claim(ctx, cand.ID, workerID, lease.Token)
		if err != nil {
			_ = c.locks.Release(ctx, instanceResource(cand.ID), lease.Token)
			return job.Instance{}, false, err
		}
		if !ok {
			// Someone else moved the instance between scan and claim.
			_ = c.locks.Release(ctx, instanceResource(cand.ID), lease.Token)
			continue
		}

		if err := c.queues.OnStarted(ctx, inst.TenantID, inst.Queue); err != nil {
			c.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(err))
		}
		_ = c.update(ctx, workerID, func(w *job.Worker) {
			w.Busy = true
			w.CurrentInstanceID = inst.ID
			w.LastHeartbeat = c.now()
		})
		c.events.Record(ctx, inst.ID, job.EventStarted, map[string]any{"worker": workerID, "attempt": inst.Attempt})
		return inst, true, nil
	}
	return job.Instance{}, false, nil
}

// claim flips the instance to RUNNING under CAS. ok=false when the instance
// is no longer claimable.
func (c *Coordinator) claim(ctx context.Context, instanceID, workerID, token string) (job.Instance, bool, error) {
	inst, ver, err := store.GetAs[job.Instance](ctx, c.store, store.KindInstance, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return job.Instance{}, false, nil
	}
	if err != nil {
		return job.Instance{}, false, err
	}
	if inst.Status != job.StatusQueued {
		return job.Instance{}, false, nil
	}

	now := c.now()
	inst.Status = job.StatusRunning
	inst.WorkerID = workerID
	inst.LockToken = token
	inst.StartedAt = &now
	timeout := inst.Timeout
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	deadline := now.Add(timeout)
	inst.TimeoutAt = &deadline

	if _, err := store.SwapAs(ctx, c.store, store.KindInstance, instanceID, ver, inst); err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			return job.Instance{}, false, nil
		}
		return job.Instance{}, false, err
	}
	return inst, true, nil
}

// definitionSaturated enforces a definition's max_concurrent across workers.
func (c *Coordinator) definitionSaturated(ctx context.Context, inst job.Instance) (bool, error) {
	if inst.DefinitionID == "" {
		return false, nil
	}
	def, _, err := store.GetAs[job.Definition](ctx, c.store, store.KindDefinition, inst.DefinitionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if def.MaxConcurrent <= 0 {
		return false, nil
	}
	running := 0
	err = store.ScanAs(ctx, c.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.DefinitionID == def.ID && in.Status == job.StatusRunning {
			running++
			if running >= def.MaxConcurrent {
				return false
			}
		}
		return true
	})
	return running >= def.MaxConcurrent, err
}

func (c *Coordinator) leaseTTL(inst job.Instance) time.Duration {
	timeout := inst.Timeout
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	if timeout <= 0 {
		return defaultLockTTL
	}
	return timeout + lockGracePeriod
}

// DeactivateStale deactivates workers whose heartbeat is older than the
// threshold. A RUNNING instance held by a reaped worker goes back to QUEUED
// with worker id and start time cleared, so a crashed worker never silently
// loses or stalls a job. The transition releases the worker's lease using the
// token recorded on the instance.
//
// A worker whose held instance still has a live execution deadline is spared:
// the heartbeat may merely be lagging behind a long handler. The instance's
// TimeoutAt bounds how long that grace lasts.
func (c *Coordinator) DeactivateStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 90 * time.Second
	}
	cutoff := c.now().Add(-threshold)

	var stale []job.Worker
	err := store.ScanAs(ctx, c.store, store.KindWorker, func(w job.Worker, _ int64) bool {
		if w.Active && w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, w)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, w := range stale {
		held := w.CurrentInstanceID
		if held != "" && c.leaseStillLive(ctx, held, w.ID) {
			continue
		}
		if uerr := c.update(ctx, w.ID, func(w *job.Worker) {
			w.Active = false
			w.Busy = false
			w.CurrentInstanceID = ""
		}); uerr != nil {
			c.log.Warn("stale worker deactivation failed", logx.String("worker", w.ID), logx.Err(uerr))
			continue
		}
		n++
		c.log.Warn("stale worker deactivated",
			logx.String("worker", w.ID),
			logx.String("name", w.Name),
			logx.Time("last_heartbeat", w.LastHeartbeat),
		)
		if held != "" {
			if rerr := c.recoverInstance(ctx, held, w.ID); rerr != nil {
				c.log.Warn("stale worker instance recovery failed", logx.String("instance", held), logx.Err(rerr))
			}
		}
	}
	return n, nil
}

// leaseStillLive reports whether the worker's held instance is a RUNNING
// execution whose deadline has not passed yet.
func (c *Coordinator) leaseStillLive(ctx context.Context, instanceID, workerID string) bool {
	inst, _, err := store.GetAs[job.Instance](ctx, c.store, store.KindInstance, instanceID)
	if err != nil {
		return false
	}
	return inst.Status == job.StatusRunning &&
		inst.WorkerID == workerID &&
		inst.TimeoutAt != nil &&
		inst.TimeoutAt.After(c.now())
}

// Reactivate flips a deactivated worker back to active with a fresh
// heartbeat. Used by an execution loop that outlived its own reaping.
func (c *Coordinator) Reactivate(ctx context.Context, workerID string) error {
	err := c.update(ctx, workerID, func(w *job.Worker) {
		w.Active = true
		w.Busy = false
		w.CurrentInstanceID = ""
		w.LastHeartbeat = c.now()
	})
	if err == nil {
		c.log.Info("worker reactivated", logx.String("worker", workerID))
	}
	return err
}

// recoverInstance requeues a RUNNING instance abandoned by a dead worker.
func (c *Coordinator) recoverInstance(ctx context.Context, instanceID, workerID string) error {
	for {
		inst, ver, err := store.GetAs[job.Instance](ctx, c.store, store.KindInstance, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if inst.Status != job.StatusRunning || inst.WorkerID != workerID {
			return nil
		}

		token := inst.LockToken
		now := c.now()
		inst.Status = job.StatusQueued
		inst.WorkerID = ""
		inst.LockToken = ""
		inst.StartedAt = nil
		inst.TimeoutAt = nil
		inst.QueuedAt = &now

		if _, err := store.SwapAs(ctx, c.store, store.KindInstance, instanceID, ver, inst); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return err
		}
		if token != "" {
			_ = c.locks.Release(ctx, instanceResource(instanceID), token)
		}
		if err := c.queues.OnRequeued(ctx, inst.TenantID, inst.Queue); err != nil {
			c.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(err))
		}
		c.events.Record(ctx, instanceID, job.EventQueued, map[string]any{"reason": "worker_stale", "worker": workerID})
		return nil
	}
}

// InstanceLockResource exposes the lock naming scheme to the engine.
func InstanceLockResource(instanceID string) string { return instanceResource(instanceID) }

func (c *Coordinator) update(ctx context.Context, workerID string, fn func(*job.Worker)) error {
	for {
		w, ver, err := store.GetAs[job.Worker](ctx, c.store, store.KindWorker, workerID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("worker %s not registered", workerID)
		}
		if err != nil {
			return err
		}
		fn(&w)
		_, err = store.SwapAs(ctx, c.store, store.KindWorker, workerID, ver, w)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
}

// RecordResult bumps the worker's processed/failed counters and clears its
// busy state after an execution finishes.
func (c *Coordinator) RecordResult(ctx context.Context, workerID string, failed bool) {
	if workerID == "" {
		return
	}
	_ = c.update(ctx, workerID, func(w *job.Worker) {
		w.Busy = false
		w.CurrentInstanceID = ""
		w.LastHeartbeat = c.now()
		if failed {
			w.Failed++
		} else {
			w.Processed++
		}
	})
}
