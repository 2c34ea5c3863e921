package job

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TriggerKind says how a definition decides when instances fire.
type TriggerKind string

const (
	TriggerImmediate TriggerKind = "immediate"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerRecurring TriggerKind = "recurring"
	TriggerDelayed   TriggerKind = "delayed"
)

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerImmediate, TriggerScheduled, TriggerRecurring, TriggerDelayed:
		return true
	}
	return false
}

// Priority orders dequeue within a queue. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the instance state machine.
//
//	PENDING -> QUEUED (dependencies satisfied later)
//	SCHEDULED -> QUEUED (trigger time / run window reached)
//	QUEUED -> RUNNING -> COMPLETED | RETRYING | FAILED
//	RETRYING -> QUEUED (next_retry_at elapsed)
//	PENDING | SCHEDULED | QUEUED -> CANCELLED
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal instances are immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RetryStrategy selects the delay curve between attempts.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy bounds how a failing instance is retried.
type RetryPolicy struct {
	Strategy     RetryStrategy `json:"strategy"`
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Jitter       bool          `json:"jitter"`
}

// WithDefaults fills zero fields with safe values.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.Strategy == "" {
		p.Strategy = RetryExponential
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// RunWindow restricts when an instance may be dispatched: allowed weekdays
// plus an allowed time-of-day range. A window with Start > End spans midnight.
// Empty fields mean "any".
type RunWindow struct {
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	Start    string         `json:"start,omitempty"` // "HH:MM"
	End      string         `json:"end,omitempty"`   // "HH:MM"
}

// Allows reports whether t falls inside the window.
func (w *RunWindow) Allows(t time.Time) bool {
	if w == nil {
		return true
	}
	if len(w.Weekdays) > 0 {
		ok := false
		for _, d := range w.Weekdays {
			if t.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	startMin, okS := parseHHMM(w.Start)
	endMin, okE := parseHHMM(w.End)
	if !okS && !okE {
		return true
	}
	if !okS {
		startMin = 0
	}
	if !okE {
		endMin = 24*60 - 1
	}
	cur := t.Hour()*60 + t.Minute()
	if startMin <= endMin {
		return cur >= startMin && cur <= endMin
	}
	// Overnight window (e.g. 22:00-06:00).
	return cur >= startMin || cur <= endMin
}

func parseHHMM(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}

// Definition is a reusable job template.
type Definition struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id"`
	Name     string      `json:"name"`
	Trigger  TriggerKind `json:"trigger"`
	Handler  string      `json:"handler"`

	// Trigger-kind specific fields.
	Schedule string        `json:"schedule,omitempty"` // cron expression (recurring)
	RunAt    time.Time     `json:"run_at,omitempty"`   // fixed fire time (scheduled)
	Delay    time.Duration `json:"delay,omitempty"`    // delayed

	Queue    string         `json:"queue"`
	Priority Priority       `json:"priority"`
	Timeout  time.Duration  `json:"timeout,omitempty"`
	Retry    RetryPolicy    `json:"retry"`
	Params   map[string]any `json:"params,omitempty"`

	MaxConcurrent    int        `json:"max_concurrent,omitempty"`
	Singleton        bool       `json:"singleton,omitempty"`
	DedupKeyTemplate string     `json:"dedup_key_template,omitempty"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	Window           *RunWindow `json:"window,omitempty"`

	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// RetryRecord is one entry of an instance's retry history.
type RetryRecord struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Instance is one concrete execution attempt lineage derived from a
// definition (or submitted ad hoc, in which case DefinitionID is empty).
//
// Execution-state fields (Status, WorkerID, result/progress fields) are owned
// by whichever component holds the instance's lock token; housekeeping's
// stale-worker recovery is the only sanctioned exception.
type Instance struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Handler      string         `json:"handler"`
	Status       Status         `json:"status"`
	Params       map[string]any `json:"params,omitempty"`
	Queue        string         `json:"queue"`
	Priority     Priority       `json:"priority"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Attempt      int           `json:"attempt"`
	MaxAttempts  int           `json:"max_attempts"`
	Retry        RetryPolicy   `json:"retry,omitempty"`
	NextRetryAt  *time.Time    `json:"next_retry_at,omitempty"`
	RetryHistory []RetryRecord `json:"retry_history,omitempty"`

	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`

	WorkerID  string        `json:"worker_id,omitempty"`
	LockToken string        `json:"lock_token,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	TimeoutAt *time.Time    `json:"timeout_at,omitempty"`

	ProgressPct int    `json:"progress_pct"`
	ProgressMsg string `json:"progress_msg,omitempty"`

	DedupKey string `json:"dedup_key,omitempty"`
	ParentID string `json:"parent_id,omitempty"`

	// CancelRequested asks a cooperative handler to stop; the engine cancels
	// the handler context when it observes the flag.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Queue is a named lane holding instances awaiting execution.
type Queue struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"` // picks the default concurrency cap

	MaxConcurrent int  `json:"max_concurrent"`
	Paused        bool `json:"paused"`

	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`

	AvgDuration time.Duration `json:"avg_duration,omitempty"`
}

// Worker is a registered execution agent.
type Worker struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Queues   []string `json:"queues"`

	Active            bool      `json:"active"`
	Busy              bool      `json:"busy"`
	CurrentInstanceID string    `json:"current_instance_id,omitempty"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	StartedAt         time.Time `json:"started_at"`

	Processed int `json:"processed"`
	Failed    int `json:"failed"`

	Hostname string `json:"hostname,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// EventType enumerates audit event kinds.
type EventType string

const (
	EventCreated             EventType = "created"
	EventQueued              EventType = "queued"
	EventStarted             EventType = "started"
	EventCompleted           EventType = "completed"
	EventFailed              EventType = "failed"
	EventRetrying            EventType = "retrying"
	EventCancelled           EventType = "cancelled"
	EventWaitingDependencies EventType = "waiting_dependencies"
	EventEscalated           EventType = "escalated"
)

// Event is one append-only audit record for an instance.
type Event struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Type       EventType      `json:"type"`
	At         time.Time      `json:"at"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// RunContext is handed to handlers alongside the context.
type RunContext struct {
	InstanceID string
	TenantID   string
	Attempt    int
	Params     map[string]any

	// Progress reports completion percentage and a short message.
	// Safe to call from the handler goroutine; best-effort persistence.
	Progress func(pct int, msg string)
}

// HandlerFunc is the executable bound to a handler name. The returned payload
// is stored on the instance as its result.
type HandlerFunc func(ctx context.Context, rc RunContext) (map[string]any, error)
