// Package sched wires the scheduling components into one service with the
// external interface collaborating modules consume: definition management,
// submission, instance reads, cancellation, pause/resume, and the terminal
// notification hook.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/eventbus"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/runtime/supervisor"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/dispatch"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/engine"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/events"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/housekeeping"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/lock"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/queue"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/recur"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/registry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/retry"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/worker"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// Config tunes the service runtime. Zero values fall back to defaults.
type Config struct {
	TenantID string

	// Workers is the number of execution loops started by Start.
	Workers int
	// Queues each worker subscribes to.
	Queues []string
	// PollInterval paces an idle worker's acquisition attempts.
	PollInterval time.Duration
	// HeartbeatInterval paces worker liveness updates.
	HeartbeatInterval time.Duration
	// HousekeepingInterval paces the sweep loop.
	HousekeepingInterval time.Duration
	// StaleWorkerAfter governs when a silent worker is reaped.
	StaleWorkerAfter time.Duration
	// DefaultTimeout bounds executions with no per-definition timeout.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{"default", "bulk", "critical"}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = 5 * time.Second
	}
	if c.StaleWorkerAfter <= 0 {
		c.StaleWorkerAfter = 90 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	return c
}

// InstanceFilter narrows ListInstances. Zero fields match everything.
type InstanceFilter struct {
	Status       job.Status
	DefinitionID string
	Limit        int
}

type Service struct {
	cfg Config
	log logx.Logger

	store    store.Store
	bus      eventbus.Bus
	registry *registry.Registry
	queues   *queue.Manager
	locks    *lock.Manager
	recorder *events.Recorder
	dispatch *dispatch.Dispatcher
	workers  *worker.Coordinator
	engine   *engine.Engine
	sweeper  *housekeeping.Sweeper

	sup *supervisor.Supervisor
}

// New assembles the service over an opened store. loc fixes the recurrence
// timezone; pass nil for time.Local.
func New(cfg Config, st store.Store, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}

	calc := recur.New(loc)
	rec := events.NewRecorder(st, bus, log.With(logx.String("comp", "events")))
	reg := registry.New(st, calc, log.With(logx.String("comp", "registry")))
	qm := queue.NewManager(st, log.With(logx.String("comp", "queue")))
	lm := lock.NewManager(st, log.With(logx.String("comp", "lock")))
	disp := dispatch.New(st, reg, qm, rec, log.With(logx.String("comp", "dispatch")))
	wc := worker.NewCoordinator(st, qm, lm, rec, log.With(logx.String("comp", "worker")))
	wc.DefaultTimeout = cfg.DefaultTimeout
	eng := engine.New(st, reg, qm, lm, rec, wc, log.With(logx.String("comp", "engine")))
	eng.DefaultTimeout = cfg.DefaultTimeout
	sw := housekeeping.NewSweeper(st, reg, disp, wc, lm, log.With(logx.String("comp", "housekeeping")))
	sw.Interval = cfg.HousekeepingInterval
	sw.StaleThreshold = cfg.StaleWorkerAfter

	return &Service{
		cfg:      cfg,
		log:      log,
		store:    st,
		bus:      bus,
		registry: reg,
		queues:   qm,
		locks:    lm,
		recorder: rec,
		dispatch: disp,
		workers:  wc,
		engine:   eng,
		sweeper:  sw,
	}
}

// ---- Definition and handler management ----

// RegisterHandler binds executable logic to a handler name.
func (s *Service) RegisterHandler(name string, fn job.HandlerFunc) {
	s.registry.RegisterHandler(name, fn)
}

// DefineJob validates and persists a definition.
func (s *Service) DefineJob(ctx context.Context, spec registry.DefinitionSpec) (job.Definition, error) {
	if spec.TenantID == "" {
		spec.TenantID = s.cfg.TenantID
	}
	return s.registry.Define(ctx, spec)
}

func (s *Service) GetDefinition(ctx context.Context, id string) (job.Definition, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context) ([]job.Definition, error) {
	return s.registry.List(ctx, s.cfg.TenantID)
}

func (s *Service) PauseDefinition(ctx context.Context, id string) error {
	return s.registry.Pause(ctx, id)
}

func (s *Service) ResumeDefinition(ctx context.Context, id string) error {
	return s.registry.Resume(ctx, id)
}

// ---- Submission and instance access ----

// SubmitJob accepts a submission against a definition. Acceptance is
// synchronous; completion is asynchronous and observable via GetInstance,
// events, or the notify hook.
func (s *Service) SubmitJob(ctx context.Context, definitionID string, params map[string]any, ov *dispatch.Overrides) (job.Instance, error) {
	return s.dispatch.Submit(ctx, definitionID, params, ov)
}

// SubmitAdHoc accepts a one-off job with no backing definition.
func (s *Service) SubmitAdHoc(ctx context.Context, spec dispatch.AdHocSpec) (job.Instance, error) {
	if spec.TenantID == "" {
		spec.TenantID = s.cfg.TenantID
	}
	return s.dispatch.SubmitAdHoc(ctx, spec)
}

// GetInstance returns a point-in-time copy of one instance.
func (s *Service) GetInstance(ctx context.Context, id string) (job.Instance, error) {
	inst, _, err := store.GetAs[job.Instance](ctx, s.store, store.KindInstance, id)
	if errors.Is(err, store.ErrNotFound) {
		return job.Instance{}, job.ErrInstanceNotFound
	}
	return inst, err
}

// ListInstances returns instances matching the filter, newest first.
func (s *Service) ListInstances(ctx context.Context, f InstanceFilter) ([]job.Instance, error) {
	var out []job.Instance
	err := store.ScanAs(ctx, s.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if s.cfg.TenantID != "" && in.TenantID != s.cfg.TenantID {
			return true
		}
		if f.Status != "" && in.Status != f.Status {
			return true
		}
		if f.DefinitionID != "" && in.DefinitionID != f.DefinitionID {
			return true
		}
		out = append(out, in)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events returns the instance's audit trail, oldest first.
func (s *Service) Events(ctx context.Context, instanceID string) ([]job.Event, error) {
	return s.recorder.List(ctx, instanceID)
}

// CancelJob cancels an instance that has not started running. Cancelling a
// RUNNING instance is an invalid transition; use RequestStop for cooperative
// mid-run cancellation.
func (s *Service) CancelJob(ctx context.Context, instanceID string) error {
	for {
		inst, ver, err := store.GetAs[job.Instance](ctx, s.store, store.KindInstance, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return job.ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		switch inst.Status {
		case job.StatusPending, job.StatusScheduled, job.StatusQueued, job.StatusRetrying:
		default:
			return job.ErrInvalidTransition
		}
		prior := inst.Status
		wasQueued := prior == job.StatusQueued

		now := time.Now()
		inst.Status = job.StatusCancelled
		inst.CompletedAt = &now
		inst.NextRetryAt = nil
		if _, err := store.SwapAs(ctx, s.store, store.KindInstance, instanceID, ver, inst); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return err
		}
		if wasQueued {
			if qerr := s.queues.OnCancelled(ctx, inst.TenantID, inst.Queue); qerr != nil {
				s.log.Warn("queue counter update failed", logx.String("queue", inst.Queue), logx.Err(qerr))
			}
		}
		s.recorder.Record(ctx, instanceID, job.EventCancelled, map[string]any{"was": string(prior)})
		s.log.Info("job cancelled", logx.String("instance", instanceID))
		return nil
	}
}

// RequestStop flags a RUNNING instance for cooperative cancellation. The
// engine cancels the handler context on its next watchdog tick; handlers
// that honor the context finish CANCELLED.
func (s *Service) RequestStop(ctx context.Context, instanceID string) error {
	for {
		inst, ver, err := store.GetAs[job.Instance](ctx, s.store, store.KindInstance, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return job.ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		if inst.Status != job.StatusRunning {
			return job.ErrInvalidTransition
		}
		if inst.CancelRequested {
			return nil
		}
		inst.CancelRequested = true
		if _, err := store.SwapAs(ctx, s.store, store.KindInstance, instanceID, ver, inst); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return err
		}
		s.log.Info("stop requested", logx.String("instance", instanceID))
		return nil
	}
}

// ---- Queue management ----

func (s *Service) PauseQueue(ctx context.Context, name string) error {
	return s.queues.Pause(ctx, s.cfg.TenantID, name)
}

func (s *Service) ResumeQueue(ctx context.Context, name string) error {
	return s.queues.Resume(ctx, s.cfg.TenantID, name)
}

func (s *Service) ListQueues(ctx context.Context) ([]job.Queue, error) {
	return s.queues.List(ctx, s.cfg.TenantID)
}

func (s *Service) ListWorkers(ctx context.Context) ([]job.Worker, error) {
	return s.workers.List(ctx, s.cfg.TenantID)
}

// SetNotify installs the terminal-transition observer.
func (s *Service) SetNotify(fn engine.NotifyFunc) { s.engine.SetNotify(fn) }

// History returns the engine's recent execution log.
func (s *Service) History() []engine.HistoryItem { return s.engine.History() }

// Housekeep runs one sweep immediately. Mostly useful in tests and for a
// forced kick from the operational API.
func (s *Service) Housekeep(ctx context.Context) { s.sweeper.RunOnce(ctx) }

// Bus exposes the event bus for additional subscribers.
func (s *Service) Bus() eventbus.Bus { return s.bus }

// ---- Runtime ----

// Start ensures the configured queues exist, then launches the worker loops,
// the housekeeping sweep, and the event log bridge under the supervisor.
func (s *Service) Start(ctx context.Context) error {
	if s.sup != nil {
		return fmt.Errorf("service already started")
	}
	for _, q := range s.cfg.Queues {
		if _, err := s.queues.Ensure(ctx, s.cfg.TenantID, q, ""); err != nil {
			return fmt.Errorf("ensure queue %s: %w", q, err)
		}
	}

	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.startEventBridge()

	for i := 0; i < s.cfg.Workers; i++ {
		w, err := s.workers.Register(ctx, s.cfg.TenantID, fmt.Sprintf("exec-%02d", i+1), s.cfg.Queues)
		if err != nil {
			return err
		}
		workerID := w.ID
		s.sup.GoRestart("worker/"+w.Name, func(ctx context.Context) error {
			return s.runWorker(ctx, workerID)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	s.sup.GoRestart("housekeeping", s.sweeper.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Any("queues", s.cfg.Queues),
	)
	return nil
}

// Stop drains the runtime: loops get their contexts cancelled and in-flight
// handlers run to the bound of ctx. Queued work stays in the store for the
// next start.
func (s *Service) Stop(ctx context.Context) error {
	if s.sup == nil {
		return nil
	}
	s.log.Info("scheduler stopping")
	err := s.sup.Stop(ctx)
	s.sup = nil
	return err
}

// runWorker is one execution loop: acquire, execute, repeat; heartbeat while
// idle. Busy-state heartbeats run beside the handler so a long execution
// never reads as a dead worker.
func (s *Service) runWorker(ctx context.Context, workerID string) error {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beat.C:
			if err := s.workers.Heartbeat(ctx, workerID, false, ""); err != nil {
				s.log.Warn("heartbeat failed", logx.String("worker", workerID), logx.Err(err))
			}
		case <-poll.C:
			for {
				inst, ok, err := s.workers.Acquire(ctx, workerID)
				if err != nil {
					if errors.Is(err, job.ErrWorkerDeactivated) {
						// The reaper got to us while we were alive. Rejoin
						// rather than warn on every poll forever.
						if rerr := s.workers.Reactivate(ctx, workerID); rerr != nil {
							s.log.Warn("worker reactivation failed", logx.String("worker", workerID), logx.Err(rerr))
						}
						break
					}
					s.log.Warn("acquire failed", logx.String("worker", workerID), logx.Err(err))
					break
				}
				if !ok {
					break
				}
				s.executeWithHeartbeat(ctx, workerID, inst)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

// executeWithHeartbeat runs one instance while a side goroutine keeps the
// worker's liveness fresh. The select loop above is blocked inside Execute
// for the whole run, so without this a handler outliving the stale threshold
// would get its own worker reaped and the instance requeued mid-flight.
func (s *Service) executeWithHeartbeat(ctx context.Context, workerID string, inst job.Instance) {
	beatCtx, stopBeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-t.C:
				if err := s.workers.Heartbeat(beatCtx, workerID, true, inst.ID); err != nil {
					s.log.Warn("busy heartbeat failed", logx.String("worker", workerID), logx.Err(err))
				}
			}
		}
	}()

	// Execute reports its own outcome; loop errors here would only repeat
	// what it already logged.
	_ = s.engine.Execute(ctx, inst)
	stopBeat()
	<-done
}

// startEventBridge mirrors terminal job events onto the structured log.
func (s *Service) startEventBridge() {
	ch, unsub := s.bus.Subscribe(64)
	s.sup.Go("eventlog", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e, ok := <-ch:
				if !ok {
					return nil
				}
				switch e.Type {
				case "job." + string(job.EventCompleted),
					"job." + string(job.EventFailed),
					"job." + string(job.EventCancelled):
					s.log.Info("job event", logx.String("type", e.Type), logx.Any("event", e.Data))
				}
			}
		}
	})
}

// ---- Diagnostics ----

// QueueSnapshot is one lane's counters for the operator view.
type QueueSnapshot struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Paused      bool          `json:"paused"`
	Pending     int           `json:"pending"`
	Running     int           `json:"running"`
	Processed   int           `json:"processed"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// WorkerSnapshot is one worker's state for the operator view.
type WorkerSnapshot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Active        bool      `json:"active"`
	Busy          bool      `json:"busy"`
	Current       string    `json:"current,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Processed     int       `json:"processed"`
	Failed        int       `json:"failed"`
}

// Snapshot is the operator diagnostic view.
type Snapshot struct {
	Queues      []QueueSnapshot      `json:"queues"`
	Workers     []WorkerSnapshot     `json:"workers"`
	ByStatus    map[job.Status]int   `json:"by_status"`
	Definitions int                  `json:"definitions"`
	History     []engine.HistoryItem `json:"history"`
}

// Snapshot assembles the diagnostic view. Reads are not transactional; the
// result is advisory.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ByStatus: map[job.Status]int{}}

	qs, err := s.queues.List(ctx, s.cfg.TenantID)
	if err != nil {
		return Snapshot{}, err
	}
	for _, q := range qs {
		snap.Queues = append(snap.Queues, QueueSnapshot{
			Name:        q.Name,
			Kind:        q.Kind,
			Paused:      q.Paused,
			Pending:     q.Pending,
			Running:     q.Running,
			Processed:   q.Processed,
			Failed:      q.Failed,
			AvgDuration: q.AvgDuration,
		})
	}
	sort.Slice(snap.Queues, func(i, j int) bool { return snap.Queues[i].Name < snap.Queues[j].Name })

	ws, err := s.workers.List(ctx, s.cfg.TenantID)
	if err != nil {
		return Snapshot{}, err
	}
	for _, w := range ws {
		snap.Workers = append(snap.Workers, WorkerSnapshot{
			ID:            w.ID,
			Name:          w.Name,
			Active:        w.Active,
			Busy:          w.Busy,
			Current:       w.CurrentInstanceID,
			LastHeartbeat: w.LastHeartbeat,
			Processed:     w.Processed,
			Failed:        w.Failed,
		})
	}
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].Name < snap.Workers[j].Name })

	err = store.ScanAs(ctx, s.store, store.KindInstance, func(in job.Instance, _ int64) bool {
		if s.cfg.TenantID == "" || in.TenantID == s.cfg.TenantID {
			snap.ByStatus[in.Status]++
		}
		return true
	})
	if err != nil {
		return Snapshot{}, err
	}

	defs, err := s.registry.List(ctx, s.cfg.TenantID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Definitions = len(defs)
	snap.History = s.engine.History()
	return snap, nil
}

// RetryPreview computes the delay sequence a policy yields without jitter.
// Exposed for the operational API's policy inspection endpoint.
func RetryPreview(p job.RetryPolicy) []time.Duration {
	p = p.WithDefaults()
	out := make([]time.Duration, 0, p.MaxAttempts)
	for a := 1; a <= p.MaxAttempts; a++ {
		out = append(out, retry.Delay(p, a, nil))
	}
	return out
}
