// Package dispatch turns a definition plus a trigger into a concrete
// instance, applying singleton, deduplication, dependency and run-window
// gating before handing the instance to the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/events"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/queue"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/registry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// Overrides lets a submitter adjust trigger timing and routing per submission.
type Overrides struct {
	RunAt    *time.Time
	Priority *job.Priority
	Queue    string
}

// AdHocSpec describes a one-off submission with no backing definition.
type AdHocSpec struct {
	TenantID string
	Handler  string
	Params   map[string]any
	Queue    string
	Priority job.Priority
	Timeout  time.Duration
	Retry    job.RetryPolicy
	ParentID string
}

type Dispatcher struct {
	store  store.Store
	reg    *registry.Registry
	queues *queue.Manager
	events *events.Recorder
	log    logx.Logger
	now    func() time.Time
}

func New(st store.Store, reg *registry.Registry, qm *queue.Manager, rec *events.Recorder, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: st, reg: reg, queues: qm, events: rec, log: log, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Submit creates (or, for deduplicated submissions, returns) an instance for
// the definition. Validation order: existence/active, singleton, dedup,
// dependencies, trigger timing, run window, enqueue.
//
// Dependency gating checks "has ever run" (a non-null last_run_at), not "ran
// and succeeded this cycle"; that is deliberate, documented behavior.
func (d *Dispatcher) Submit(ctx context.Context, definitionID string, params map[string]any, ov *Overrides) (job.Instance, error) {
	def, err := d.reg.Get(ctx, definitionID)
	if err != nil {
		return job.Instance{}, err
	}
	if !def.Active {
		return job.Instance{}, job.ErrDefinitionInactive
	}

	if def.Singleton {
		busy, err := d.hasInstanceInStatus(ctx, def.ID, job.StatusQueued, job.StatusRunning)
		if err != nil {
			return job.Instance{}, err
		}
		if busy {
			return job.Instance{}, job.ErrSingletonRunning
		}
	}

	resolved := mergeParams(def.Params, params)

	dedupKey := ""
	if def.DedupKeyTemplate != "" {
		dedupKey = DedupKey(def.ID, def.DedupKeyTemplate, resolved)
	}

	now := d.now()
	policy := def.Retry.WithDefaults()
	inst := job.Instance{
		ID:           uuid.NewString(),
		TenantID:     def.TenantID,
		DefinitionID: def.ID,
		Handler:      def.Handler,
		Params:       resolved,
		Queue:        def.Queue,
		Priority:     def.Priority,
		Attempt:      1,
		MaxAttempts:  policy.MaxAttempts,
		Retry:        policy,
		Timeout:      def.Timeout,
		DedupKey:     dedupKey,
		CreatedAt:    now,
	}
	if ov != nil {
		if ov.Priority != nil {
			inst.Priority = *ov.Priority
		}
		if q := strings.TrimSpace(ov.Queue); q != "" {
			inst.Queue = q
		}
	}

	if dedupKey != "" {
		existing, hit, err := d.claimDedupSlot(ctx, def.TenantID, dedupKey, inst.ID)
		if err != nil {
			return job.Instance{}, err
		}
		if hit {
			// Idempotent submission: collapse onto the live instance.
			d.log.Debug("dedup hit", logx.String("definition", def.ID), logx.String("key", dedupKey), logx.String("instance", existing.ID))
			return existing, nil
		}
	}

	// Dependencies must each have run at least once.
	if missing, err := d.unmetDependency(ctx, def); err != nil {
		return job.Instance{}, err
	} else if missing != "" {
		inst.Status = job.StatusPending
		inst.ScheduledAt = now
		if _, err := store.CreateAs(ctx, d.store, store.KindInstance, inst.ID, inst); err != nil {
			return job.Instance{}, fmt.Errorf("persist instance: %w", err)
		}
		d.events.Record(ctx, inst.ID, job.EventCreated, map[string]any{"definition": def.ID})
		d.events.Record(ctx, inst.ID, job.EventWaitingDependencies, map[string]any{"missing": missing})
		return inst, nil
	}

	inst.ScheduledAt = resolveFireTime(def, ov, now)

	// Run window: excluded times stay SCHEDULED; housekeeping re-evaluates.
	if !def.Window.Allows(inst.ScheduledAt) {
		inst.Status = job.StatusScheduled
		if _, err := store.CreateAs(ctx, d.store, store.KindInstance, inst.ID, inst); err != nil {
			return job.Instance{}, fmt.Errorf("persist instance: %w", err)
		}
		d.events.Record(ctx, inst.ID, job.EventCreated, map[string]any{"definition": def.ID, "deferred": "run_window"})
		return inst, nil
	}

	if err := d.enqueue(ctx, &inst, def.ID); err != nil {
		return job.Instance{}, err
	}
	return inst, nil
}

// SubmitAdHoc accepts a one-off job with no definition.
func (d *Dispatcher) SubmitAdHoc(ctx context.Context, spec AdHocSpec) (job.Instance, error) {
	if strings.TrimSpace(spec.Handler) == "" {
		return job.Instance{}, fmt.Errorf("ad-hoc submission requires a handler")
	}
	now := d.now()
	policy := spec.Retry.WithDefaults()
	inst := job.Instance{
		ID:          uuid.NewString(),
		TenantID:    spec.TenantID,
		Handler:     strings.TrimSpace(spec.Handler),
		Params:      spec.Params,
		Queue:       strings.TrimSpace(spec.Queue),
		Priority:    spec.Priority,
		ScheduledAt: now,
		Attempt:     1,
		MaxAttempts: policy.MaxAttempts,
		Retry:       policy,
		Timeout:     spec.Timeout,
		ParentID:    spec.ParentID,
		CreatedAt:   now,
	}
	if inst.Queue == "" {
		inst.Queue = "default"
	}
	if err := d.enqueue(ctx, &inst, ""); err != nil {
		return job.Instance{}, err
	}
	return inst, nil
}

// Requeue moves a PENDING/SCHEDULED/RETRYING instance into its lane. Used by
// housekeeping for elapsed retries, satisfied dependencies, and run windows
// that have opened.
func (d *Dispatcher) Requeue(ctx context.Context, instanceID string, reason string) error {
	for {
		inst, ver, err := store.GetAs[job.Instance](ctx, d.store, store.KindInstance, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return job.ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		switch inst.Status {
		case job.StatusPending, job.StatusScheduled, job.StatusRetrying:
		default:
			return job.ErrInvalidTransition
		}

		if _, err := d.queues.Ensure(ctx, inst.TenantID, inst.Queue, ""); err != nil {
			return err
		}
		now := d.now()
		inst.Status = job.StatusQueued
		inst.QueuedAt = &now
		inst.NextRetryAt = nil
		if _, err := store.SwapAs(ctx, d.store, store.KindInstance, instanceID, ver, inst); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return err
		}
		if err := d.queues.OnEnqueued(ctx, inst.TenantID, inst.Queue); err != nil {
			d.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(err))
		}
		d.events.Record(ctx, inst.ID, job.EventQueued, map[string]any{"reason": reason})
		return nil
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, inst *job.Instance, definitionID string) error {
	if _, err := d.queues.Ensure(ctx, inst.TenantID, inst.Queue, ""); err != nil {
		return err
	}
	now := d.now()
	inst.Status = job.StatusQueued
	inst.QueuedAt = &now
	if _, err := store.CreateAs(ctx, d.store, store.KindInstance, inst.ID, *inst); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	if err := d.queues.OnEnqueued(ctx, inst.TenantID, inst.Queue); err != nil {
		d.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(err))
	}
	detail := map[string]any{"queue": inst.Queue, "priority": inst.Priority.String()}
	if definitionID != "" {
		detail["definition"] = definitionID
	}
	d.events.Record(ctx, inst.ID, job.EventCreated, detail)
	d.events.Record(ctx, inst.ID, job.EventQueued, detail)
	d.log.Debug("instance queued",
		logx.String("instance", inst.ID),
		logx.String("queue", inst.Queue),
		logx.String("priority", inst.Priority.String()),
	)
	return nil
}

func (d *Dispatcher) hasInstanceInStatus(ctx context.Context, definitionID string, statuses ...job.Status) (bool, error) {
	found := false
	err := store.ScanAs(ctx, d.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if in.DefinitionID != definitionID {
			return true
		}
		for _, s := range statuses {
			if in.Status == s {
				found = true
				return false
			}
		}
		return true
	})
	return found, err
}

// dedupSlot is the record a dedup key points at while its instance is live.
type dedupSlot struct {
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func dedupSlotKey(tenantID, key string) string { return tenantID + "/" + key }

const (
	// dedupClaimGrace is how long a slot may point at a not-yet-persisted
	// instance before it counts as abandoned by a crashed submitter.
	dedupClaimGrace = 2 * time.Second
	dedupClaimPoll  = 10 * time.Millisecond
)

// claimDedupSlot reserves the dedup key for instanceID with an atomic Create,
// so two racing submissions of the same key can never both create instances.
// When the key already points at a live instance, hit=true and that instance
// is returned. A slot whose instance is terminal is taken over under CAS; a
// slot whose instance is not persisted yet belongs to an in-flight submission
// and is waited out up to the claim grace.
func (d *Dispatcher) claimDedupSlot(ctx context.Context, tenantID, key, instanceID string) (job.Instance, bool, error) {
	slotKey := dedupSlotKey(tenantID, key)
	for {
		_, err := store.CreateAs(ctx, d.store, store.KindDedup, slotKey, dedupSlot{InstanceID: instanceID, CreatedAt: d.now()})
		if err == nil {
			return job.Instance{}, false, nil
		}
		if !errors.Is(err, store.ErrExists) {
			return job.Instance{}, false, err
		}

		slot, ver, gerr := store.GetAs[dedupSlot](ctx, d.store, store.KindDedup, slotKey)
		if errors.Is(gerr, store.ErrNotFound) {
			continue
		}
		if gerr != nil {
			return job.Instance{}, false, gerr
		}

		existing, _, ierr := store.GetAs[job.Instance](ctx, d.store, store.KindInstance, slot.InstanceID)
		if ierr == nil && !existing.Status.Terminal() {
			return existing, true, nil
		}
		if ierr != nil && !errors.Is(ierr, store.ErrNotFound) {
			return job.Instance{}, false, ierr
		}

		if errors.Is(ierr, store.ErrNotFound) && d.now().Sub(slot.CreatedAt) < dedupClaimGrace {
			select {
			case <-ctx.Done():
				return job.Instance{}, false, ctx.Err()
			case <-time.After(dedupClaimPoll):
			}
			continue
		}

		if _, serr := store.SwapAs(ctx, d.store, store.KindDedup, slotKey, ver, dedupSlot{InstanceID: instanceID, CreatedAt: d.now()}); serr != nil {
			if errors.Is(serr, store.ErrVersionConflict) {
				continue
			}
			return job.Instance{}, false, serr
		}
		return job.Instance{}, false, nil
	}
}

// unmetDependency returns the id of the first dependency that has never run.
func (d *Dispatcher) unmetDependency(ctx context.Context, def job.Definition) (string, error) {
	for _, depID := range def.DependsOn {
		dep, err := d.reg.Get(ctx, depID)
		if err != nil {
			if errors.Is(err, job.ErrDefinitionNotFound) {
				return depID, nil
			}
			return "", err
		}
		if dep.LastRunAt == nil {
			return depID, nil
		}
	}
	return "", nil
}

func resolveFireTime(def job.Definition, ov *Overrides, now time.Time) time.Time {
	if ov != nil && ov.RunAt != nil {
		return *ov.RunAt
	}
	switch def.Trigger {
	case job.TriggerScheduled:
		return def.RunAt
	case job.TriggerDelayed:
		return now.Add(def.Delay)
	default:
		// Immediate, and recurring promotions fire right away.
		return now
	}
}

func mergeParams(defaults, overrides map[string]any) map[string]any {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// DedupKey renders the template against the resolved params ({name}
// placeholders) and returns a stable hash scoped to the definition. Params
// not referenced by the template still contribute via the canonical suffix,
// so identical submissions always collide and different ones never share a
// live slot by accident.
func DedupKey(definitionID, template string, params map[string]any) string {
	rendered := template
	for k, v := range params {
		rendered = strings.ReplaceAll(rendered, "{"+k+"}", fmt.Sprint(v))
	}

	h := xxhash.New()
	_, _ = h.WriteString(definitionID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(rendered)
	_, _ = h.WriteString("|")
	_, _ = h.Write(canonicalParams(params))
	return fmt.Sprintf("%016x", h.Sum64())
}

// canonicalParams encodes params with sorted keys for hashing stability.
func canonicalParams(params map[string]any) []byte {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b []byte
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%q", fmt.Sprint(params[k])))
		}
		b = append(b, k...)
		b = append(b, '=')
		b = append(b, v...)
		b = append(b, ';')
	}
	return b
}
