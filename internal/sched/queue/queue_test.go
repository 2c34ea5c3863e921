package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

func newTestManager(t *testing.T) (*Manager, store.Store, time.Time) {
	t.Helper()
	st := store.NewMemory()
	m := NewManager(st, logx.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, st, now
}

func enqueueInstance(t *testing.T, st store.Store, tenant, queueName string, prio job.Priority, at time.Time) string {
	t.Helper()
	id := uuid.NewString()
	inst := job.Instance{
		ID:          id,
		TenantID:    tenant,
		Handler:     "noop",
		Status:      job.StatusQueued,
		Queue:       queueName,
		Priority:    prio,
		ScheduledAt: at,
		QueuedAt:    &at,
		Attempt:     1,
		MaxAttempts: 1,
	}
	if _, err := store.CreateAs(context.Background(), st, store.KindInstance, id, inst); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	return id
}

func TestEnsureAppliesKindDefaults(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		kind    string
		wantCap int
	}{
		{name: "default kind", kind: "default", wantCap: 5},
		{name: "bulk kind", kind: "bulk", wantCap: 2},
		{name: "critical kind", kind: "critical", wantCap: 10},
		{name: "unknown kind", kind: "weird", wantCap: 5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			q, err := m.Ensure(ctx, "t1", tt.name, tt.kind)
			if err != nil {
				t.Fatalf("Ensure error: %v", err)
			}
			if q.MaxConcurrent != tt.wantCap {
				t.Fatalf("MaxConcurrent = %d, want %d", q.MaxConcurrent, tt.wantCap)
			}
		})
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	q1, err := m.Ensure(ctx, "t1", "default", "default")
	if err != nil {
		t.Fatalf("Ensure error: %v", err)
	}
	q2, err := m.Ensure(ctx, "t1", "default", "default")
	if err != nil {
		t.Fatalf("second Ensure error: %v", err)
	}
	if q1.ID != q2.ID {
		t.Fatalf("Ensure created a second queue: %s vs %s", q1.ID, q2.ID)
	}
}

func TestCandidatesPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	m, st, now := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, "t1", "default", "default"); err != nil {
		t.Fatalf("Ensure error: %v", err)
	}

	// Enqueue order: LOW, CRITICAL, NORMAL. Expected dequeue order:
	// CRITICAL, NORMAL, LOW.
	low := enqueueInstance(t, st, "t1", "default", job.PriorityLow, now.Add(-3*time.Minute))
	crit := enqueueInstance(t, st, "t1", "default", job.PriorityCritical, now.Add(-2*time.Minute))
	norm := enqueueInstance(t, st, "t1", "default", job.PriorityNormal, now.Add(-1*time.Minute))

	got, err := m.Candidates(ctx, "t1", []string{"default"}, 10)
	if err != nil {
		t.Fatalf("Candidates error: %v", err)
	}
	want := []string{crit, norm, low}
	if len(got) != len(want) {
		t.Fatalf("candidates = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("candidate[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestCandidatesFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	m, st, now := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, "t1", "default", "default"); err != nil {
		t.Fatalf("Ensure error: %v", err)
	}
	first := enqueueInstance(t, st, "t1", "default", job.PriorityNormal, now.Add(-2*time.Minute))
	second := enqueueInstance(t, st, "t1", "default", job.PriorityNormal, now.Add(-1*time.Minute))

	got, err := m.Candidates(ctx, "t1", []string{"default"}, 10)
	if err != nil {
		t.Fatalf("Candidates error: %v", err)
	}
	if len(got) != 2 || got[0].ID != first || got[1].ID != second {
		t.Fatalf("unexpected order: %v", ids(got))
	}
}

func TestCandidatesSkipsPausedAndSaturated(t *testing.T) {
	t.Parallel()
	m, st, now := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, "t1", "default", "default"); err != nil {
		t.Fatalf("Ensure error: %v", err)
	}
	enqueueInstance(t, st, "t1", "default", job.PriorityNormal, now)

	if err := m.Pause(ctx, "t1", "default"); err != nil {
		t.Fatalf("Pause error: %v", err)
	}
	got, err := m.Candidates(ctx, "t1", []string{"default"}, 10)
	if err != nil {
		t.Fatalf("Candidates error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("paused queue yielded %d candidates", len(got))
	}

	if err := m.Resume(ctx, "t1", "default"); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	// Saturate the lane: running == cap.
	for i := 0; i < 5; i++ {
		if err := m.OnEnqueued(ctx, "t1", "default"); err != nil {
			t.Fatalf("OnEnqueued error: %v", err)
		}
		if err := m.OnStarted(ctx, "t1", "default"); err != nil {
			t.Fatalf("OnStarted error: %v", err)
		}
	}
	got, err = m.Candidates(ctx, "t1", []string{"default"}, 10)
	if err != nil {
		t.Fatalf("Candidates error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("saturated queue yielded %d candidates", len(got))
	}
}

func TestCandidatesExcludesFutureScheduledAt(t *testing.T) {
	t.Parallel()
	m, st, now := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, "t1", "default", "default"); err != nil {
		t.Fatalf("Ensure error: %v", err)
	}
	enqueueInstance(t, st, "t1", "default", job.PriorityNormal, now.Add(time.Hour))

	got, err := m.Candidates(ctx, "t1", []string{"default"}, 10)
	if err != nil {
		t.Fatalf("Candidates error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("future instance dequeued early: %v", ids(got))
	}
}

func TestCounterLifecycle(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, "t1", "default", "default"); err != nil {
		t.Fatalf("Ensure error: %v", err)
	}

	mustCount := func(pending, running, processed, failed int) {
		t.Helper()
		q, err := m.Get(ctx, "t1", "default")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if q.Pending != pending || q.Running != running || q.Processed != processed || q.Failed != failed {
			t.Fatalf("counters = p%d r%d ok%d fail%d, want p%d r%d ok%d fail%d",
				q.Pending, q.Running, q.Processed, q.Failed, pending, running, processed, failed)
		}
	}

	_ = m.OnEnqueued(ctx, "t1", "default")
	mustCount(1, 0, 0, 0)
	_ = m.OnStarted(ctx, "t1", "default")
	mustCount(0, 1, 0, 0)
	_ = m.OnRetrying(ctx, "t1", "default")
	mustCount(0, 0, 0, 0)
	_ = m.OnEnqueued(ctx, "t1", "default")
	_ = m.OnStarted(ctx, "t1", "default")
	_ = m.OnFinished(ctx, "t1", "default", false, time.Second)
	mustCount(0, 0, 1, 0)
	_ = m.OnEnqueued(ctx, "t1", "default")
	_ = m.OnStarted(ctx, "t1", "default")
	_ = m.OnFinished(ctx, "t1", "default", true, time.Second)
	mustCount(0, 0, 1, 1)
}

func TestGetUnknownQueue(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	if _, err := m.Get(context.Background(), "t1", "nope"); !errors.Is(err, job.ErrQueueNotFound) {
		t.Fatalf("Get = %v, want ErrQueueNotFound", err)
	}
}

func ids(list []job.Instance) []string {
	out := make([]string, len(list))
	for i, in := range list {
		out[i] = in.ID
	}
	return out
}
