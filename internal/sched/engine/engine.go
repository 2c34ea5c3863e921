// Package engine runs acquired instances: it invokes the bound handler with
// timeout and cancellation enforcement, persists the outcome, schedules
// retries, and releases the execution lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/events"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/lock"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/queue"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/registry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/retry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/worker"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

const (
	historyCap        = 256
	cancelPollEvery   = time.Second
	defaultRunTimeout = 5 * time.Minute
)

// Notification describes a finished execution for the optional notify hook.
type Notification struct {
	InstanceID   string
	DefinitionID string
	Handler      string
	Status       job.Status
	Error        string
	Attempts     int
	Duration     time.Duration
}

// NotifyFunc receives terminal execution outcomes. Called synchronously;
// keep it cheap.
type NotifyFunc func(Notification)

// HistoryItem is one entry of the in-memory execution log.
type HistoryItem struct {
	InstanceID   string        `json:"instance_id"`
	DefinitionID string        `json:"definition_id,omitempty"`
	Handler      string        `json:"handler"`
	Status       job.Status    `json:"status"`
	Error        string        `json:"error,omitempty"`
	Attempt      int           `json:"attempt"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration"`
}

type Engine struct {
	store   store.Store
	reg     *registry.Registry
	queues  *queue.Manager
	locks   *lock.Manager
	events  *events.Recorder
	workers *worker.Coordinator
	log     logx.Logger
	now     func() time.Time
	rng     *rand.Rand
	rngMu   sync.Mutex

	notifyMu sync.RWMutex
	notify   NotifyFunc

	histMu  sync.Mutex
	history []HistoryItem

	// DefaultTimeout bounds executions whose instance carries none.
	DefaultTimeout time.Duration
}

func New(st store.Store, reg *registry.Registry, qm *queue.Manager, lm *lock.Manager, rec *events.Recorder, wc *worker.Coordinator, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:          st,
		reg:            reg,
		queues:         qm,
		locks:          lm,
		events:         rec,
		workers:        wc,
		log:            log,
		now:            time.Now,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		DefaultTimeout: defaultRunTimeout,
	}
}

// SetClock overrides the time source (tests only).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetRand overrides the jitter source (tests only).
func (e *Engine) SetRand(rng *rand.Rand) { e.rng = rng }

// SetNotify installs the terminal-outcome hook. Passing nil removes it.
func (e *Engine) SetNotify(fn NotifyFunc) {
	e.notifyMu.Lock()
	e.notify = fn
	e.notifyMu.Unlock()
}

// History returns a copy of the recent execution log, newest last.
func (e *Engine) History() []HistoryItem {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make([]HistoryItem, len(e.history))
	copy(out, e.history)
	return out
}

// Execute runs one RUNNING instance to an outcome. The caller must have
// acquired it via the worker coordinator; the instance carries the lease
// token, which Execute releases on every path.
func (e *Engine) Execute(ctx context.Context, inst job.Instance) error {
	defer e.releaseLock(ctx, inst)

	started := e.now()
	fn, ok := e.reg.Handler(inst.Handler)
	if !ok {
		// No binding means the error is permanent; retrying cannot help.
		err := fmt.Errorf("%w: %s", job.ErrHandlerNotFound, inst.Handler)
		e.finishFailed(ctx, inst, started, err, false)
		return err
	}

	result, execErr := e.invoke(ctx, inst, fn)
	switch {
	case execErr == nil:
		e.finishCompleted(ctx, inst, started, result)
		return nil
	case errors.Is(execErr, errCancelRequested):
		e.finishCancelled(ctx, inst, started, execErr)
		return execErr
	default:
		e.finishFailed(ctx, inst, started, execErr, true)
		return execErr
	}
}

var errCancelRequested = errors.New("cancellation requested")

// invoke runs the handler with timeout enforcement, a cancellation watchdog,
// and panic recovery.
func (e *Engine) invoke(ctx context.Context, inst job.Instance, fn job.HandlerFunc) (map[string]any, error) {
	timeout := inst.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cancelled := e.watchCancel(runCtx, inst.ID, cancel)

	rc := job.RunContext{
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Attempt:    inst.Attempt,
		Params:     inst.Params,
		Progress:   e.progressFunc(inst.ID),
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())}
			}
		}()
		res, err := fn(runCtx, rc)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && cancelled.Load() {
			return nil, fmt.Errorf("%w: %v", errCancelRequested, out.err)
		}
		return out.result, out.err
	case <-runCtx.Done():
		// The handler goroutine keeps running until it honors the context;
		// the outcome is decided here regardless.
		if cancelled.Load() {
			return nil, errCancelRequested
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", job.ErrExecutionTimeout, timeout)
		}
		return nil, runCtx.Err()
	}
}

// watchCancel polls the persisted cancel flag and cancels the run context
// when set. Returns the flag the invoke path consults to tell cancellation
// apart from failure.
func (e *Engine) watchCancel(ctx context.Context, instanceID string, cancel context.CancelFunc) *atomic.Bool {
	flag := &atomic.Bool{}
	go func() {
		t := time.NewTicker(cancelPollEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				cur, _, err := store.GetAs[job.Instance](ctx, e.store, store.KindInstance, instanceID)
				if err != nil {
					continue
				}
				if cur.CancelRequested {
					flag.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return flag
}

// progressFunc persists best-effort progress updates from the handler.
func (e *Engine) progressFunc(instanceID string) func(pct int, msg string) {
	return func(pct int, msg string) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		err := e.mutate(context.Background(), instanceID, func(in *job.Instance) bool {
			if in.Status != job.StatusRunning {
				return false
			}
			in.ProgressPct = pct
			in.ProgressMsg = msg
			return true
		})
		if err != nil {
			e.log.Debug("progress update dropped", logx.String("instance", instanceID), logx.Err(err))
		}
	}
}

func (e *Engine) finishCompleted(ctx context.Context, inst job.Instance, started time.Time, result map[string]any) {
	now := e.now()
	dur := now.Sub(started)
	err := e.mutate(ctx, inst.ID, func(in *job.Instance) bool {
		if in.Status != job.StatusRunning {
			return false
		}
		in.Status = job.StatusCompleted
		in.Result = result
		in.Error = ""
		in.CompletedAt = &now
		in.Duration = dur
		in.ProgressPct = 100
		in.LockToken = ""
		return true
	})
	if err != nil {
		e.log.Error("completion persist failed", logx.String("instance", inst.ID), logx.Err(err))
		return
	}
	if inst.DefinitionID != "" {
		if merr := e.reg.MarkRun(ctx, inst.DefinitionID, now); merr != nil {
			e.log.Warn("definition last_run update failed", logx.String("definition", inst.DefinitionID), logx.Err(merr))
		}
	}
	if qerr := e.queues.OnFinished(ctx, inst.TenantID, inst.Queue, false, dur); qerr != nil {
		e.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(qerr))
	}
	e.workers.RecordResult(ctx, inst.WorkerID, false)
	e.events.Record(ctx, inst.ID, job.EventCompleted, map[string]any{"duration_ms": dur.Milliseconds(), "attempt": inst.Attempt})
	e.log.Info("job completed",
		logx.String("instance", inst.ID),
		logx.String("handler", inst.Handler),
		logx.Int("attempt", inst.Attempt),
		logx.Duration("duration", dur),
	)
	e.record(inst, job.StatusCompleted, "", started, now, dur)
	e.fireNotify(inst, job.StatusCompleted, "", dur)
}

// finishFailed either schedules a retry or records a terminal failure.
// retryable=false forces terminal failure regardless of remaining attempts.
func (e *Engine) finishFailed(ctx context.Context, inst job.Instance, started time.Time, execErr error, retryable bool) {
	now := e.now()
	dur := now.Sub(started)

	if retryable && inst.Attempt < inst.MaxAttempts {
		policy := e.retryPolicy(ctx, inst)
		var delay time.Duration
		err := e.mutate(ctx, inst.ID, func(in *job.Instance) bool {
			if in.Status != job.StatusRunning {
				return false
			}
			e.rngMu.Lock()
			delay = retry.Apply(in, policy, execErr, now, e.rng)
			e.rngMu.Unlock()
			in.Status = job.StatusRetrying
			in.WorkerID = ""
			in.LockToken = ""
			in.StartedAt = nil
			in.TimeoutAt = nil
			in.ProgressPct = 0
			in.ProgressMsg = ""
			return true
		})
		if err != nil {
			e.log.Error("retry persist failed", logx.String("instance", inst.ID), logx.Err(err))
			return
		}
		if qerr := e.queues.OnRetrying(ctx, inst.TenantID, inst.Queue); qerr != nil {
			e.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(qerr))
		}
		// A retry is not a terminal outcome; only free the worker.
		if inst.WorkerID != "" {
			_ = e.workers.Heartbeat(ctx, inst.WorkerID, false, "")
		}
		e.events.Record(ctx, inst.ID, job.EventRetrying, map[string]any{
			"attempt":  inst.Attempt,
			"error":    execErr.Error(),
			"delay_ms": delay.Milliseconds(),
		})
		e.log.Warn("job attempt failed, retry scheduled",
			logx.String("instance", inst.ID),
			logx.String("handler", inst.Handler),
			logx.Int("attempt", inst.Attempt),
			logx.Duration("delay", delay),
			logx.Err(execErr),
		)
		e.record(inst, job.StatusRetrying, execErr.Error(), started, now, dur)
		return
	}

	err := e.mutate(ctx, inst.ID, func(in *job.Instance) bool {
		if in.Status != job.StatusRunning {
			return false
		}
		in.Status = job.StatusFailed
		in.Error = execErr.Error()
		in.CompletedAt = &now
		in.Duration = dur
		in.LockToken = ""
		return true
	})
	if err != nil {
		e.log.Error("failure persist failed", logx.String("instance", inst.ID), logx.Err(err))
		return
	}
	if qerr := e.queues.OnFinished(ctx, inst.TenantID, inst.Queue, true, dur); qerr != nil {
		e.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(qerr))
	}
	e.workers.RecordResult(ctx, inst.WorkerID, true)
	e.events.Record(ctx, inst.ID, job.EventFailed, map[string]any{"attempt": inst.Attempt, "error": execErr.Error()})
	e.log.Error("job failed",
		logx.String("instance", inst.ID),
		logx.String("handler", inst.Handler),
		logx.Int("attempt", inst.Attempt),
		logx.Err(execErr),
	)
	e.record(inst, job.StatusFailed, execErr.Error(), started, now, dur)
	e.fireNotify(inst, job.StatusFailed, execErr.Error(), dur)
}

func (e *Engine) finishCancelled(ctx context.Context, inst job.Instance, started time.Time, execErr error) {
	now := e.now()
	dur := now.Sub(started)
	err := e.mutate(ctx, inst.ID, func(in *job.Instance) bool {
		if in.Status != job.StatusRunning {
			return false
		}
		in.Status = job.StatusCancelled
		in.Error = execErr.Error()
		in.CompletedAt = &now
		in.Duration = dur
		in.LockToken = ""
		return true
	})
	if err != nil {
		e.log.Error("cancellation persist failed", logx.String("instance", inst.ID), logx.Err(err))
		return
	}
	if qerr := e.queues.OnStopped(ctx, inst.TenantID, inst.Queue); qerr != nil {
		e.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(qerr))
	}
	if inst.WorkerID != "" {
		_ = e.workers.Heartbeat(ctx, inst.WorkerID, false, "")
	}
	e.events.Record(ctx, inst.ID, job.EventCancelled, map[string]any{"attempt": inst.Attempt, "reason": "stop_requested"})
	e.log.Info("job cancelled mid-run", logx.String("instance", inst.ID), logx.String("handler", inst.Handler))
	e.record(inst, job.StatusCancelled, execErr.Error(), started, now, dur)
	e.fireNotify(inst, job.StatusCancelled, execErr.Error(), dur)
}

// retryPolicy prefers the policy captured on the instance at submission, so
// ad-hoc submissions and definition edits mid-flight both behave as the
// submitter saw them. Instances persisted before the field existed fall back
// to the definition's current policy.
func (e *Engine) retryPolicy(ctx context.Context, inst job.Instance) job.RetryPolicy {
	if inst.Retry.MaxAttempts > 0 {
		return inst.Retry
	}
	if inst.DefinitionID != "" {
		if def, derr := e.reg.Get(ctx, inst.DefinitionID); derr == nil {
			return def.Retry.WithDefaults()
		}
	}
	return job.RetryPolicy{}.WithDefaults()
}

func (e *Engine) releaseLock(ctx context.Context, inst job.Instance) {
	if inst.LockToken == "" {
		return
	}
	if err := e.locks.Release(ctx, worker.InstanceLockResource(inst.ID), inst.LockToken); err != nil {
		e.log.Debug("lock release failed", logx.String("instance", inst.ID), logx.Err(err))
	}
}

func (e *Engine) fireNotify(inst job.Instance, status job.Status, errMsg string, dur time.Duration) {
	e.notifyMu.RLock()
	fn := e.notify
	e.notifyMu.RUnlock()
	if fn == nil {
		return
	}
	fn(Notification{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Handler:      inst.Handler,
		Status:       status,
		Error:        errMsg,
		Attempts:     inst.Attempt,
		Duration:     dur,
	})
}

func (e *Engine) record(inst job.Instance, status job.Status, errMsg string, started, finished time.Time, dur time.Duration) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.history = append(e.history, HistoryItem{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Handler:      inst.Handler,
		Status:       status,
		Error:        errMsg,
		Attempt:      inst.Attempt,
		StartedAt:    started,
		FinishedAt:   finished,
		Duration:     dur,
	})
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
}

// mutate applies fn to the instance under CAS. fn returning false aborts
// without writing, used to guard against concurrent terminal transitions.
func (e *Engine) mutate(ctx context.Context, instanceID string, fn func(*job.Instance) bool) error {
	for {
		in, ver, err := store.GetAs[job.Instance](ctx, e.store, store.KindInstance, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return job.ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		if !fn(&in) {
			return nil
		}
		_, err = store.SwapAs(ctx, e.store, store.KindInstance, instanceID, ver, in)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
}
