package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(store.NewMemory(), logx.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestAcquireThenConflict(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "instance/a", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if lease.Token == "" || lease.Owner != "w1" {
		t.Fatalf("unexpected lease: %+v", lease)
	}

	if _, err := m.Acquire(ctx, "instance/a", "w2", time.Minute); !errors.Is(err, job.ErrLockUnavailable) {
		t.Fatalf("second Acquire error = %v, want ErrLockUnavailable", err)
	}
}

func TestExpiredLeaseTakeover(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "instance/a", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	*now = now.Add(2 * time.Minute)

	second, err := m.Acquire(ctx, "instance/a", "w2", time.Minute)
	if err != nil {
		t.Fatalf("takeover Acquire error: %v", err)
	}
	if second.Token == first.Token {
		t.Fatal("takeover must issue a fresh token")
	}
	if second.Owner != "w2" {
		t.Fatalf("Owner = %s, want w2", second.Owner)
	}
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "instance/a", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	// Wrong token: a no-op, the lease stays held.
	if err := m.Release(ctx, "instance/a", "bogus"); err != nil {
		t.Fatalf("Release with wrong token error: %v", err)
	}
	if _, held, _ := m.Holder(ctx, "instance/a"); !held {
		t.Fatal("lease vanished after wrong-token release")
	}

	if err := m.Release(ctx, "instance/a", lease.Token); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, held, _ := m.Holder(ctx, "instance/a"); held {
		t.Fatal("lease still held after release")
	}

	// Releasing again is idempotent.
	if err := m.Release(ctx, "instance/a", lease.Token); err != nil {
		t.Fatalf("second Release error: %v", err)
	}
}

func TestExtend(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "instance/a", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	ext, err := m.Extend(ctx, "instance/a", lease.Token, 10*time.Minute)
	if err != nil {
		t.Fatalf("Extend error: %v", err)
	}
	if !ext.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v, want %v", ext.ExpiresAt, now.Add(10*time.Minute))
	}

	if _, err := m.Extend(ctx, "instance/a", "bogus", time.Minute); !errors.Is(err, job.ErrLockUnavailable) {
		t.Fatalf("Extend with wrong token = %v, want ErrLockUnavailable", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()
	m := NewManager(store.NewMemory(), logx.Nop())
	ctx := context.Background()

	const contenders = 16
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "instance/hot", "w", time.Minute); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", won.Load())
	}
}

func TestReapExpired(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "instance/a", "w1", time.Minute); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if _, err := m.Acquire(ctx, "instance/b", "w1", time.Hour); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	*now = now.Add(5 * time.Minute)

	n, err := m.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("ReapExpired error: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	if _, held, _ := m.Holder(ctx, "instance/b"); !held {
		t.Fatal("live lease must survive the reap")
	}
}
