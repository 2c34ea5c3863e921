package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/eventbus"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/dispatch"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/events"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/lock"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/queue"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/recur"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/registry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/worker"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

type harness struct {
	store    store.Store
	reg      *registry.Registry
	dispatch *dispatch.Dispatcher
	locks    *lock.Manager
	coord    *worker.Coordinator
	engine   *Engine
	worker   job.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	reg := registry.New(st, recur.New(time.UTC), logx.Nop())
	reg.SetClock(clock)
	qm := queue.NewManager(st, logx.Nop())
	qm.SetClock(clock)
	lm := lock.NewManager(st, logx.Nop())
	rec := events.NewRecorder(st, eventbus.New(), logx.Nop())
	rec.SetClock(clock)
	d := dispatch.New(st, reg, qm, rec, logx.Nop())
	d.SetClock(clock)
	wc := worker.NewCoordinator(st, qm, lm, rec, logx.Nop())
	eng := New(st, reg, qm, lm, rec, wc, logx.Nop())
	eng.SetClock(clock)

	w, err := wc.Register(context.Background(), "t1", "exec-1", []string{"default"})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return &harness{store: st, reg: reg, dispatch: d, locks: lm, coord: wc, engine: eng, worker: w}
}

func (h *harness) runOne(t *testing.T, spec registry.DefinitionSpec) (job.Instance, error) {
	t.Helper()
	ctx := context.Background()
	if spec.TenantID == "" {
		spec.TenantID = "t1"
	}
	if spec.Trigger == "" {
		spec.Trigger = job.TriggerImmediate
	}
	def, err := h.reg.Define(ctx, spec)
	if err != nil {
		t.Fatalf("Define error: %v", err)
	}
	if _, err := h.dispatch.Submit(ctx, def.ID, nil, nil); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	return h.acquireAndExecute(t)
}

func (h *harness) acquireAndExecute(t *testing.T) (job.Instance, error) {
	t.Helper()
	ctx := context.Background()
	inst, ok, err := h.coord.Acquire(ctx, h.worker.ID)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if !ok {
		t.Fatal("nothing acquirable")
	}
	execErr := h.engine.Execute(ctx, inst)
	got, _, err := store.GetAs[job.Instance](ctx, h.store, store.KindInstance, inst.ID)
	if err != nil {
		t.Fatalf("GetAs error: %v", err)
	}
	return got, execErr
}

func TestExecuteCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.reg.RegisterHandler("ok", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		rc.Progress(50, "halfway")
		return map[string]any{"rows": 42}, nil
	})

	var mu sync.Mutex
	var notes []Notification
	h.engine.SetNotify(func(n Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	})

	got, execErr := h.runOne(t, registry.DefinitionSpec{Name: "export", Handler: "ok"})
	if execErr != nil {
		t.Fatalf("Execute error: %v", execErr)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if got.Result["rows"] != float64(42) && got.Result["rows"] != 42 {
		t.Fatalf("Result = %v", got.Result)
	}
	if got.ProgressPct != 100 {
		t.Fatalf("ProgressPct = %d, want 100", got.ProgressPct)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}

	def, err := h.reg.Get(context.Background(), got.DefinitionID)
	if err != nil {
		t.Fatalf("definition Get error: %v", err)
	}
	if def.LastRunAt == nil {
		t.Fatal("LastRunAt not recorded on the definition")
	}

	w, _ := h.coord.Get(context.Background(), h.worker.ID)
	if w.Processed != 1 || w.Busy {
		t.Fatalf("worker counters: processed=%d busy=%v", w.Processed, w.Busy)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notes) != 1 || notes[0].Status != job.StatusCompleted || notes[0].InstanceID != got.ID {
		t.Fatalf("notify = %+v", notes)
	}

	hist := h.engine.History()
	if len(hist) != 1 || hist[0].Status != job.StatusCompleted {
		t.Fatalf("history = %+v", hist)
	}
}

func TestAdHocRetryPolicyHonored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.reg.RegisterHandler("flaky-import", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		return nil, errors.New("transient")
	})

	// The submitter picks a fixed 5s backoff; the retry path must use it,
	// not the default exponential policy.
	if _, err := h.dispatch.SubmitAdHoc(ctx, dispatch.AdHocSpec{
		TenantID: "t1",
		Handler:  "flaky-import",
		Retry: job.RetryPolicy{
			Strategy:     job.RetryFixed,
			MaxAttempts:  2,
			InitialDelay: 5 * time.Second,
		},
	}); err != nil {
		t.Fatalf("SubmitAdHoc error: %v", err)
	}

	got, execErr := h.acquireAndExecute(t)
	if execErr == nil {
		t.Fatal("Execute succeeded, want handler failure")
	}
	if got.Status != job.StatusRetrying {
		t.Fatalf("Status = %s, want retrying", got.Status)
	}
	if got.Retry.Strategy != job.RetryFixed || got.Retry.InitialDelay != 5*time.Second {
		t.Fatalf("submitted policy not persisted on the instance: %+v", got.Retry)
	}
	want := time.Date(2025, 6, 2, 10, 0, 5, 0, time.UTC)
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(want) {
		t.Fatalf("NextRetryAt = %v, want the submitter's fixed 5s backoff (%v)", got.NextRetryAt, want)
	}
	if got.Attempt != 2 || got.MaxAttempts != 2 {
		t.Fatalf("Attempt=%d MaxAttempts=%d, want 2/2", got.Attempt, got.MaxAttempts)
	}
}

func TestExecuteRetriesThenFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	boom := errors.New("upstream unavailable")
	h.reg.RegisterHandler("flaky", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		return nil, boom
	})

	ctx := context.Background()
	def, err := h.reg.Define(ctx, registry.DefinitionSpec{
		TenantID: "t1", Name: "flaky", Handler: "flaky", Trigger: job.TriggerImmediate,
		Retry: job.RetryPolicy{MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("Define error: %v", err)
	}
	if _, err := h.dispatch.Submit(ctx, def.ID, nil, nil); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	// Attempt 1 and 2 schedule retries.
	for want := 2; want <= 3; want++ {
		got, execErr := h.acquireAndExecute(t)
		if execErr == nil {
			t.Fatal("Execute succeeded, want failure")
		}
		if got.Status != job.StatusRetrying {
			t.Fatalf("Status = %s, want retrying", got.Status)
		}
		if got.Attempt != want {
			t.Fatalf("Attempt = %d, want %d", got.Attempt, want)
		}
		if got.NextRetryAt == nil {
			t.Fatal("NextRetryAt not set")
		}
		if got.WorkerID != "" || got.LockToken != "" {
			t.Fatalf("worker fields not cleared: %+v", got)
		}
		if err := h.dispatch.Requeue(ctx, got.ID, "retry_due"); err != nil {
			t.Fatalf("Requeue error: %v", err)
		}
	}

	// Attempt 3 is the last one; the failure is terminal.
	got, execErr := h.acquireAndExecute(t)
	if execErr == nil {
		t.Fatal("Execute succeeded, want failure")
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if len(got.RetryHistory) != 2 {
		t.Fatalf("RetryHistory len = %d, want 2", len(got.RetryHistory))
	}
	if !strings.Contains(got.Error, "upstream unavailable") {
		t.Fatalf("Error = %q", got.Error)
	}

	w, _ := h.coord.Get(ctx, h.worker.ID)
	if w.Failed != 1 || w.Processed != 0 {
		t.Fatalf("worker counters: processed=%d failed=%d", w.Processed, w.Failed)
	}
}

func TestExecuteHandlerNotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	got, execErr := h.runOne(t, registry.DefinitionSpec{Name: "orphan", Handler: "unbound"})
	if !errors.Is(execErr, job.ErrHandlerNotFound) {
		t.Fatalf("Execute = %v, want ErrHandlerNotFound", execErr)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Attempt != 1 || len(got.RetryHistory) != 0 {
		t.Fatalf("missing binding was retried: attempt=%d history=%d", got.Attempt, len(got.RetryHistory))
	}
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.reg.RegisterHandler("panicky", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		panic("nil map write")
	})

	got, execErr := h.runOne(t, registry.DefinitionSpec{
		Name: "panicky", Handler: "panicky",
		Retry: job.RetryPolicy{MaxAttempts: 1},
	})
	if execErr == nil {
		t.Fatal("Execute swallowed the panic")
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "handler panic") {
		t.Fatalf("Error = %q", got.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.reg.RegisterHandler("slow", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	got, execErr := h.runOne(t, registry.DefinitionSpec{
		Name: "slow", Handler: "slow",
		Timeout: 50 * time.Millisecond,
		Retry:   job.RetryPolicy{MaxAttempts: 1},
	})
	if !errors.Is(execErr, job.ErrExecutionTimeout) {
		t.Fatalf("Execute = %v, want ErrExecutionTimeout", execErr)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
}

func TestExecuteHonorsStopRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// The handler flags its own instance for cancellation and then blocks
	// until the watchdog cancels the run context.
	h.reg.RegisterHandler("stoppable", func(hctx context.Context, rc job.RunContext) (map[string]any, error) {
		for {
			cur, ver, err := store.GetAs[job.Instance](ctx, h.store, store.KindInstance, rc.InstanceID)
			if err != nil {
				return nil, err
			}
			cur.CancelRequested = true
			if _, err := store.SwapAs(ctx, h.store, store.KindInstance, rc.InstanceID, ver, cur); err == nil {
				break
			}
		}
		<-hctx.Done()
		return nil, hctx.Err()
	})

	got, execErr := h.runOne(t, registry.DefinitionSpec{Name: "stoppable", Handler: "stoppable"})
	if execErr == nil {
		t.Fatal("Execute returned nil, want cancellation error")
	}
	if got.Status != job.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
}

func TestExecuteReleasesLock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.reg.RegisterHandler("ok", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		return nil, nil
	})

	got, execErr := h.runOne(t, registry.DefinitionSpec{Name: "lockcheck", Handler: "ok"})
	if execErr != nil {
		t.Fatalf("Execute error: %v", execErr)
	}

	// The lease must be gone once the execution finishes.
	lease, err := h.locks.Acquire(context.Background(), worker.InstanceLockResource(got.ID), "checker", time.Minute)
	if err != nil {
		t.Fatalf("lock still held after execution: %v", err)
	}
	_ = h.locks.Release(context.Background(), worker.InstanceLockResource(got.ID), lease.Token)
}
