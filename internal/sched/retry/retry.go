// Package retry computes backoff delays between execution attempts.
package retry

import (
	"math/rand"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
)

// jitterFraction is the uniform perturbation applied when policy.Jitter is
// set: computed delay +/- 10%.
const jitterFraction = 0.10

// Delay returns the wait before the given attempt is retried.
// attempt is 1-based: the delay after the first failed attempt is Delay(p, 1).
//
//	fixed:       initial
//	linear:      initial * attempt
//	exponential: initial * multiplier^(attempt-1)
//
// All strategies are capped at MaxDelay. rng may be nil when Jitter is off.
func Delay(p job.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case job.RetryFixed:
		d = p.InitialDelay
	case job.RetryLinear:
		d = p.InitialDelay * time.Duration(attempt)
	default: // exponential
		d = p.InitialDelay
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter && rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * jitterFraction
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// Apply records the just-failed attempt on the instance and schedules the
// retry: appends a retry-history record for the current attempt, computes the
// delay from it, sets NextRetryAt = now + delay, and advances the attempt
// counter to the upcoming attempt number. It returns the computed delay.
//
// Housekeeping later transitions RETRYING -> QUEUED once NextRetryAt elapses.
func Apply(inst *job.Instance, p job.RetryPolicy, execErr error, now time.Time, rng *rand.Rand) time.Duration {
	msg := ""
	if execErr != nil {
		msg = execErr.Error()
	}
	inst.RetryHistory = append(inst.RetryHistory, job.RetryRecord{
		Attempt: inst.Attempt,
		Error:   msg,
		At:      now,
	})

	d := Delay(p, inst.Attempt, rng)
	at := now.Add(d)
	inst.NextRetryAt = &at
	inst.Attempt++
	return d
}
