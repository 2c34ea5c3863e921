package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/eventbus"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/events"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/queue"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/recur"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/registry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

type harness struct {
	store    store.Store
	reg      *registry.Registry
	queues   *queue.Manager
	dispatch *Dispatcher
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // Monday
	clock := func() time.Time { return now }

	reg := registry.New(st, recur.New(time.UTC), logx.Nop())
	reg.SetClock(clock)
	qm := queue.NewManager(st, logx.Nop())
	qm.SetClock(clock)
	rec := events.NewRecorder(st, eventbus.New(), logx.Nop())
	rec.SetClock(clock)
	d := New(st, reg, qm, rec, logx.Nop())
	d.SetClock(clock)

	return &harness{store: st, reg: reg, queues: qm, dispatch: d, now: now}
}

func (h *harness) define(t *testing.T, spec registry.DefinitionSpec) job.Definition {
	t.Helper()
	if spec.TenantID == "" {
		spec.TenantID = "t1"
	}
	if spec.Name == "" {
		spec.Name = "test-job"
	}
	if spec.Handler == "" {
		spec.Handler = "noop"
	}
	if spec.Trigger == "" {
		spec.Trigger = job.TriggerImmediate
	}
	def, err := h.reg.Define(context.Background(), spec)
	if err != nil {
		t.Fatalf("Define error: %v", err)
	}
	return def
}

func TestSubmitImmediateEnqueues(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, registry.DefinitionSpec{})

	inst, err := h.dispatch.Submit(ctx, def.ID, map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if inst.Status != job.StatusQueued {
		t.Fatalf("Status = %s, want queued", inst.Status)
	}
	if inst.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", inst.Attempt)
	}
	if inst.Queue != "default" {
		t.Fatalf("Queue = %s, want default", inst.Queue)
	}
	if inst.Params["k"] != "v" {
		t.Fatalf("params not carried: %v", inst.Params)
	}

	q, err := h.queues.Get(ctx, "t1", "default")
	if err != nil {
		t.Fatalf("queue Get error: %v", err)
	}
	if q.Pending != 1 {
		t.Fatalf("queue Pending = %d, want 1", q.Pending)
	}
}

func TestSubmitUnknownOrInactiveDefinition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.dispatch.Submit(ctx, "nope", nil, nil); !errors.Is(err, job.ErrDefinitionNotFound) {
		t.Fatalf("Submit unknown = %v, want ErrDefinitionNotFound", err)
	}

	def := h.define(t, registry.DefinitionSpec{})
	if err := h.reg.Pause(ctx, def.ID); err != nil {
		t.Fatalf("Pause error: %v", err)
	}
	if _, err := h.dispatch.Submit(ctx, def.ID, nil, nil); !errors.Is(err, job.ErrDefinitionInactive) {
		t.Fatalf("Submit paused = %v, want ErrDefinitionInactive", err)
	}
}

func TestSubmitSingletonExclusion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, registry.DefinitionSpec{Singleton: true})

	first, err := h.dispatch.Submit(ctx, def.ID, nil, nil)
	if err != nil {
		t.Fatalf("first Submit error: %v", err)
	}

	if _, err := h.dispatch.Submit(ctx, def.ID, nil, nil); !errors.Is(err, job.ErrSingletonRunning) {
		t.Fatalf("second Submit = %v, want ErrSingletonRunning", err)
	}

	// Exactly one instance exists.
	count := 0
	_ = store.ScanAs(ctx, h.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.DefinitionID == def.ID {
			count++
		}
		return true
	})
	if count != 1 {
		t.Fatalf("instances = %d, want 1 (first: %s)", count, first.ID)
	}
}

func TestSubmitDedupIdempotence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, registry.DefinitionSpec{DedupKeyTemplate: "sync-{account}"})

	params := map[string]any{"account": "acme"}
	first, err := h.dispatch.Submit(ctx, def.ID, params, nil)
	if err != nil {
		t.Fatalf("first Submit error: %v", err)
	}
	second, err := h.dispatch.Submit(ctx, def.ID, params, nil)
	if err != nil {
		t.Fatalf("second Submit error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("dedup failed: %s vs %s", first.ID, second.ID)
	}

	// Different params make a different instance.
	third, err := h.dispatch.Submit(ctx, def.ID, map[string]any{"account": "globex"}, nil)
	if err != nil {
		t.Fatalf("third Submit error: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("distinct params collapsed onto the same instance")
	}

	// A terminal instance frees its key for the next submission.
	cur, ver, err := store.GetAs[job.Instance](ctx, h.store, store.KindInstance, first.ID)
	if err != nil {
		t.Fatalf("GetAs error: %v", err)
	}
	cur.Status = job.StatusCompleted
	if _, err := store.SwapAs(ctx, h.store, store.KindInstance, first.ID, ver, cur); err != nil {
		t.Fatalf("SwapAs error: %v", err)
	}
	fresh, err := h.dispatch.Submit(ctx, def.ID, params, nil)
	if err != nil {
		t.Fatalf("resubmit error: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("completed instance still holds the dedup key")
	}
}

func TestSubmitDedupConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, registry.DefinitionSpec{DedupKeyTemplate: "sync-{account}"})
	params := map[string]any{"account": "acme"}

	// Racing submissions of the same key must collapse onto one instance;
	// the key reservation is an atomic create, not a scan.
	const submitters = 8
	ids := make([]string, submitters)
	errs := make([]error, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := h.dispatch.Submit(ctx, def.ID, params, nil)
			ids[i], errs[i] = inst.ID, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Submit[%d] error: %v", i, err)
		}
	}
	for i := 1; i < submitters; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("submissions diverged: %s vs %s", ids[i], ids[0])
		}
	}

	live := 0
	err := store.ScanAs(ctx, h.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.DefinitionID == def.ID && !in.Status.Terminal() {
			live++
		}
		return true
	})
	if err != nil {
		t.Fatalf("ScanAs error: %v", err)
	}
	if live != 1 {
		t.Fatalf("live instances = %d, want exactly 1", live)
	}
}

func TestSubmitDependencyGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	dep := h.define(t, registry.DefinitionSpec{Name: "upstream"})
	def := h.define(t, registry.DefinitionSpec{Name: "downstream", DependsOn: []string{dep.ID}})

	inst, err := h.dispatch.Submit(ctx, def.ID, nil, nil)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if inst.Status != job.StatusPending {
		t.Fatalf("Status = %s, want pending", inst.Status)
	}

	// Once the dependency has run, submission queues normally.
	if err := h.reg.MarkRun(ctx, dep.ID, h.now); err != nil {
		t.Fatalf("MarkRun error: %v", err)
	}
	inst2, err := h.dispatch.Submit(ctx, def.ID, nil, nil)
	if err != nil {
		t.Fatalf("second Submit error: %v", err)
	}
	if inst2.Status != job.StatusQueued {
		t.Fatalf("Status = %s, want queued", inst2.Status)
	}
}

func TestSubmitRunWindowDefers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// The harness clock is Monday 10:00; the window only opens late evening.
	def := h.define(t, registry.DefinitionSpec{
		Window: &job.RunWindow{Start: "22:00", End: "23:00"},
	})
	inst, err := h.dispatch.Submit(ctx, def.ID, nil, nil)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if inst.Status != job.StatusScheduled {
		t.Fatalf("Status = %s, want scheduled", inst.Status)
	}
}

func TestSubmitDelayedTrigger(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	def := h.define(t, registry.DefinitionSpec{
		Trigger: job.TriggerDelayed,
		Delay:   15 * time.Minute,
	})
	inst, err := h.dispatch.Submit(ctx, def.ID, nil, nil)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	want := h.now.Add(15 * time.Minute)
	if !inst.ScheduledAt.Equal(want) {
		t.Fatalf("ScheduledAt = %v, want %v", inst.ScheduledAt, want)
	}
}

func TestSubmitOverrides(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, registry.DefinitionSpec{})

	prio := job.PriorityCritical
	runAt := h.now.Add(time.Hour)
	inst, err := h.dispatch.Submit(ctx, def.ID, nil, &Overrides{
		Priority: &prio,
		Queue:    "critical",
		RunAt:    &runAt,
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if inst.Priority != job.PriorityCritical {
		t.Fatalf("Priority = %v, want critical", inst.Priority)
	}
	if inst.Queue != "critical" {
		t.Fatalf("Queue = %s, want critical", inst.Queue)
	}
	if !inst.ScheduledAt.Equal(runAt) {
		t.Fatalf("ScheduledAt = %v, want %v", inst.ScheduledAt, runAt)
	}
}

func TestSubmitAdHoc(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.dispatch.SubmitAdHoc(ctx, AdHocSpec{
		TenantID: "t1",
		Handler:  "oneshot",
		Params:   map[string]any{"n": 1},
	})
	if err != nil {
		t.Fatalf("SubmitAdHoc error: %v", err)
	}
	if inst.DefinitionID != "" {
		t.Fatalf("DefinitionID = %s, want empty", inst.DefinitionID)
	}
	if inst.Status != job.StatusQueued || inst.Queue != "default" {
		t.Fatalf("unexpected instance: status=%s queue=%s", inst.Status, inst.Queue)
	}

	if _, err := h.dispatch.SubmitAdHoc(ctx, AdHocSpec{TenantID: "t1"}); err == nil {
		t.Fatal("ad-hoc submission without handler accepted")
	}
}

func TestRequeueTransitions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, registry.DefinitionSpec{})

	inst, err := h.dispatch.Submit(ctx, def.ID, nil, nil)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	// QUEUED is not a requeueable state.
	if err := h.dispatch.Requeue(ctx, inst.ID, "test"); !errors.Is(err, job.ErrInvalidTransition) {
		t.Fatalf("Requeue queued = %v, want ErrInvalidTransition", err)
	}

	// Force RETRYING, then requeue.
	cur, ver, err := store.GetAs[job.Instance](ctx, h.store, store.KindInstance, inst.ID)
	if err != nil {
		t.Fatalf("GetAs error: %v", err)
	}
	retryAt := h.now.Add(time.Minute)
	cur.Status = job.StatusRetrying
	cur.NextRetryAt = &retryAt
	if _, err := store.SwapAs(ctx, h.store, store.KindInstance, inst.ID, ver, cur); err != nil {
		t.Fatalf("SwapAs error: %v", err)
	}

	if err := h.dispatch.Requeue(ctx, inst.ID, "retry_due"); err != nil {
		t.Fatalf("Requeue error: %v", err)
	}
	got, _, err := store.GetAs[job.Instance](ctx, h.store, store.KindInstance, inst.ID)
	if err != nil {
		t.Fatalf("GetAs error: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("Status = %s, want queued", got.Status)
	}
	if got.NextRetryAt != nil {
		t.Fatal("NextRetryAt not cleared on requeue")
	}
}

func TestDedupKeyDeterminism(t *testing.T) {
	t.Parallel()
	a := DedupKey("def1", "sync-{account}", map[string]any{"account": "acme", "n": 1})
	b := DedupKey("def1", "sync-{account}", map[string]any{"n": 1, "account": "acme"})
	if a != b {
		t.Fatalf("key order changed the dedup key: %s vs %s", a, b)
	}

	c := DedupKey("def1", "sync-{account}", map[string]any{"account": "globex", "n": 1})
	if a == c {
		t.Fatal("different params produced the same dedup key")
	}

	d := DedupKey("def2", "sync-{account}", map[string]any{"account": "acme", "n": 1})
	if a == d {
		t.Fatal("different definitions produced the same dedup key")
	}
}
