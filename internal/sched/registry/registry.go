// Package registry stores job definitions and handler bindings.
//
// The handler table is an explicit object owned by the registry instance (not
// process-wide state), so multiple scheduler instances in one process never
// share bindings.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/recur"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// DefinitionSpec is the operator-facing input for Define.
type DefinitionSpec struct {
	TenantID string
	Name     string
	Trigger  job.TriggerKind
	Handler  string

	Schedule string
	RunAt    time.Time
	Delay    time.Duration

	Queue    string
	Priority job.Priority
	Timeout  time.Duration
	Retry    job.RetryPolicy
	Params   map[string]any

	MaxConcurrent    int
	Singleton        bool
	DedupKeyTemplate string
	DependsOn        []string
	Window           *job.RunWindow
}

type Registry struct {
	store store.Store
	calc  *recur.Calculator
	log   logx.Logger
	now   func() time.Time

	hmu      sync.RWMutex
	handlers map[string]job.HandlerFunc
}

func New(st store.Store, calc *recur.Calculator, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store:    st,
		calc:     calc,
		log:      log,
		now:      time.Now,
		handlers: map[string]job.HandlerFunc{},
	}
}

// SetClock overrides the time source (tests only).
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// RegisterHandler binds an executable to a handler name. Later registrations
// with the same name replace the binding.
func (r *Registry) RegisterHandler(name string, fn job.HandlerFunc) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	r.hmu.Lock()
	r.handlers[name] = fn
	r.hmu.Unlock()
	r.log.Debug("handler registered", logx.String("handler", name))
}

// Handler resolves a handler name at execution time.
func (r *Registry) Handler(name string) (job.HandlerFunc, bool) {
	r.hmu.RLock()
	fn, ok := r.handlers[name]
	r.hmu.RUnlock()
	return fn, ok
}

// Define validates trigger-kind specifics, seeds next_run_at for recurring
// definitions, and persists the new definition.
func (r *Registry) Define(ctx context.Context, spec DefinitionSpec) (job.Definition, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return job.Definition{}, fmt.Errorf("definition name is required")
	}
	if strings.TrimSpace(spec.Handler) == "" {
		return job.Definition{}, fmt.Errorf("definition handler is required")
	}
	if !spec.Trigger.Valid() {
		return job.Definition{}, fmt.Errorf("unknown trigger kind %q", spec.Trigger)
	}

	now := r.now()
	def := job.Definition{
		ID:               uuid.NewString(),
		TenantID:         spec.TenantID,
		Name:             strings.TrimSpace(spec.Name),
		Trigger:          spec.Trigger,
		Handler:          strings.TrimSpace(spec.Handler),
		Schedule:         strings.TrimSpace(spec.Schedule),
		RunAt:            spec.RunAt,
		Delay:            spec.Delay,
		Queue:            strings.TrimSpace(spec.Queue),
		Priority:         spec.Priority,
		Timeout:          spec.Timeout,
		Retry:            spec.Retry.WithDefaults(),
		Params:           spec.Params,
		MaxConcurrent:    spec.MaxConcurrent,
		Singleton:        spec.Singleton,
		DedupKeyTemplate: strings.TrimSpace(spec.DedupKeyTemplate),
		DependsOn:        spec.DependsOn,
		Window:           spec.Window,
		Active:           true,
		CreatedAt:        now,
	}
	if def.Queue == "" {
		def.Queue = "default"
	}

	switch def.Trigger {
	case job.TriggerRecurring:
		if def.Schedule == "" {
			return job.Definition{}, fmt.Errorf("recurring definition requires a schedule expression")
		}
		next, err := r.calc.Next(def.Schedule, now)
		if err != nil {
			return job.Definition{}, err
		}
		def.NextRunAt = &next
	case job.TriggerScheduled:
		if def.RunAt.IsZero() {
			return job.Definition{}, fmt.Errorf("scheduled definition requires a fire time")
		}
	case job.TriggerDelayed:
		if def.Delay <= 0 {
			return job.Definition{}, fmt.Errorf("delayed definition requires a positive delay")
		}
	}

	if _, err := store.CreateAs(ctx, r.store, store.KindDefinition, def.ID, def); err != nil {
		return job.Definition{}, fmt.Errorf("persist definition: %w", err)
	}
	r.log.Info("definition created",
		logx.String("id", def.ID),
		logx.String("name", def.Name),
		logx.String("trigger", string(def.Trigger)),
		logx.String("queue", def.Queue),
	)
	return def, nil
}

// Get loads one definition.
func (r *Registry) Get(ctx context.Context, id string) (job.Definition, error) {
	def, _, err := store.GetAs[job.Definition](ctx, r.store, store.KindDefinition, id)
	if errors.Is(err, store.ErrNotFound) {
		return job.Definition{}, job.ErrDefinitionNotFound
	}
	if err != nil {
		return job.Definition{}, err
	}
	return def, nil
}

// List returns all definitions, optionally filtered by tenant.
func (r *Registry) List(ctx context.Context, tenantID string) ([]job.Definition, error) {
	var out []job.Definition
	err := store.ScanAs(ctx, r.store, store.KindDefinition, func(d job.Definition, _ int64) bool {
		if tenantID == "" || d.TenantID == tenantID {
			out = append(out, d)
		}
		return true
	})
	return out, err
}

// Pause soft-deactivates a definition. Instances already queued are unaffected.
func (r *Registry) Pause(ctx context.Context, id string) error {
	return r.update(ctx, id, func(def *job.Definition) error {
		def.Active = false
		return nil
	})
}

// Resume reactivates a definition; for recurring definitions next_run_at is
// recomputed from the resume time.
func (r *Registry) Resume(ctx context.Context, id string) error {
	return r.update(ctx, id, func(def *job.Definition) error {
		def.Active = true
		if def.Trigger == job.TriggerRecurring {
			next, err := r.calc.Next(def.Schedule, r.now())
			if err != nil {
				return err
			}
			def.NextRunAt = &next
		}
		return nil
	})
}

// MarkRun stamps last_run_at and, for recurring definitions, advances
// next_run_at past ranAt. next_run_at only ever moves forward.
func (r *Registry) MarkRun(ctx context.Context, id string, ranAt time.Time) error {
	return r.update(ctx, id, func(def *job.Definition) error {
		def.LastRunAt = &ranAt
		if def.Trigger == job.TriggerRecurring && def.Active {
			next, err := r.calc.Next(def.Schedule, ranAt)
			if err != nil {
				return err
			}
			if def.NextRunAt == nil || next.After(*def.NextRunAt) {
				def.NextRunAt = &next
			}
		}
		return nil
	})
}

// AdvanceNextRun pushes a recurring definition's next_run_at past `after` so
// one trigger cycle never double-fires. No-op for other trigger kinds.
func (r *Registry) AdvanceNextRun(ctx context.Context, id string, after time.Time) error {
	return r.update(ctx, id, func(def *job.Definition) error {
		if def.Trigger != job.TriggerRecurring {
			return nil
		}
		next, err := r.calc.Next(def.Schedule, after)
		if err != nil {
			return err
		}
		if def.NextRunAt == nil || next.After(*def.NextRunAt) {
			def.NextRunAt = &next
		}
		return nil
	})
}

// update applies fn under a CAS retry loop.
func (r *Registry) update(ctx context.Context, id string, fn func(*job.Definition) error) error {
	for {
		def, ver, err := store.GetAs[job.Definition](ctx, r.store, store.KindDefinition, id)
		if errors.Is(err, store.ErrNotFound) {
			return job.ErrDefinitionNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(&def); err != nil {
			return err
		}
		_, err = store.SwapAs(ctx, r.store, store.KindDefinition, id, ver, def)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
}
