// Package events appends the per-instance audit trail and mirrors each record
// onto the in-memory bus for live subscribers (notification hook, log bridge).
package events

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/eventbus"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

type Recorder struct {
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewRecorder(st store.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: st, bus: bus, log: log, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Record appends an audit event. Audit append failures are logged, never
// propagated: an event write must not fail the transition it describes.
func (r *Recorder) Record(ctx context.Context, instanceID string, typ job.EventType, detail map[string]any) job.Event {
	ev := job.Event{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Type:       typ,
		At:         r.now(),
		Detail:     detail,
	}
	if _, err := store.CreateAs(ctx, r.store, store.KindEvent, ev.ID, ev); err != nil {
		r.log.Warn("audit event append failed", logx.String("instance", instanceID), logx.String("type", string(typ)), logx.Err(err))
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "job." + string(typ), Time: ev.At, Data: ev})
	}
	return ev
}

// List returns all events for one instance in chronological order.
func (r *Recorder) List(ctx context.Context, instanceID string) ([]job.Event, error) {
	var out []job.Event
	err := store.ScanAs(ctx, r.store, store.KindEvent, func(ev job.Event, _ int64) bool {
		if ev.InstanceID == instanceID {
			out = append(out, ev)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
