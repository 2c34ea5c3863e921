// Package lock grants time-bounded, token-verified mutual-exclusion leases
// over named resources. A lease is valid for mutation only when the caller
// presents the exact token it was issued; an expired lease may be reacquired
// by any caller regardless of previous owner.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// Lease is one granted lock.
type Lease struct {
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

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

// Acquire grants a lease on resource for ttl, or job.ErrLockUnavailable when
// a non-expired lease is held by someone else. Acquisition is linearizable
// per resource: the conditional write on the backing store decides the winner
// under concurrent attempts.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := m.now()
	lease := Lease{
		Resource:   resource,
		Owner:      owner,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	cur, ver, err := store.GetAs[Lease](ctx, m.store, store.KindLock, resource)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, cerr := store.CreateAs(ctx, m.store, store.KindLock, resource, lease); cerr != nil {
			if errors.Is(cerr, store.ErrExists) {
				return Lease{}, job.ErrLockUnavailable
			}
			return Lease{}, cerr
		}
		return lease, nil
	case err != nil:
		return Lease{}, err
	}

	if !cur.Expired(now) {
		return Lease{}, job.ErrLockUnavailable
	}

	// Expired lease: any caller may take it over, but only one CAS wins.
	if _, serr := store.SwapAs(ctx, m.store, store.KindLock, resource, ver, lease); serr != nil {
		if errors.Is(serr, store.ErrVersionConflict) || errors.Is(serr, store.ErrNotFound) {
			return Lease{}, job.ErrLockUnavailable
		}
		return Lease{}, serr
	}
	m.log.Debug("expired lease reclaimed", logx.String("resource", resource), logx.String("owner", owner))
	return lease, nil
}

// Release frees the lease if token matches the current holder. Releasing an
// already-expired or reassigned lease is not an error; the caller's claim is
// simply gone.
func (m *Manager) Release(ctx context.Context, resource, token string) error {
	cur, ver, err := store.GetAs[Lease](ctx, m.store, store.KindLock, resource)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Token != token {
		return nil
	}
	err = m.store.CompareAndDelete(ctx, store.KindLock, resource, ver)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionConflict) {
		return nil
	}
	return err
}

// Extend pushes the expiry of a held lease forward. Fails with
// job.ErrLockUnavailable when the token no longer matches.
func (m *Manager) Extend(ctx context.Context, resource, token string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	cur, ver, err := store.GetAs[Lease](ctx, m.store, store.KindLock, resource)
	if errors.Is(err, store.ErrNotFound) {
		return Lease{}, job.ErrLockUnavailable
	}
	if err != nil {
		return Lease{}, err
	}
	if cur.Token != token || cur.Expired(m.now()) {
		return Lease{}, job.ErrLockUnavailable
	}
	cur.ExpiresAt = m.now().Add(ttl)
	if _, err := store.SwapAs(ctx, m.store, store.KindLock, resource, ver, cur); err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			return Lease{}, job.ErrLockUnavailable
		}
		return Lease{}, err
	}
	return cur, nil
}

// Holder returns the current non-expired lease, if any.
func (m *Manager) Holder(ctx context.Context, resource string) (Lease, bool, error) {
	cur, _, err := store.GetAs[Lease](ctx, m.store, store.KindLock, resource)
	if errors.Is(err, store.ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	if cur.Expired(m.now()) {
		return Lease{}, false, nil
	}
	return cur, true, nil
}

// ReapExpired deletes expired lease records. Returns how many were removed.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	now := m.now()
	var stale []string
	err := store.ScanAs(ctx, m.store, store.KindLock, func(l Lease, _ int64) bool {
		if l.Expired(now) {
			stale = append(stale, l.Resource)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, res := range stale {
		// Version-guarded delete so a concurrent reacquire is never clobbered.
		cur, ver, gerr := store.GetAs[Lease](ctx, m.store, store.KindLock, res)
		if gerr != nil || !cur.Expired(now) {
			continue
		}
		if derr := m.store.CompareAndDelete(ctx, store.KindLock, res, ver); derr == nil {
			n++
		}
	}
	return n, nil
}
