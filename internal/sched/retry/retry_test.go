package retry

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
)

func TestDelayExponentialSequence(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{
		Strategy:     job.RetryExponential,
		MaxAttempts:  5,
		InitialDelay: 60 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
	want := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	for i, w := range want {
		got := Delay(p, i+1, nil)
		if got != w {
			t.Fatalf("attempt %d: Delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayCappedAtMaxDelay(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{
		Strategy:     job.RetryExponential,
		MaxAttempts:  10,
		InitialDelay: 60 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
	if got := Delay(p, 8, nil); got != 5*time.Minute {
		t.Fatalf("Delay = %v, want cap %v", got, 5*time.Minute)
	}
}

func TestDelayStrategies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		strategy job.RetryStrategy
		attempt  int
		want     time.Duration
	}{
		{name: "fixed first", strategy: job.RetryFixed, attempt: 1, want: 10 * time.Second},
		{name: "fixed later", strategy: job.RetryFixed, attempt: 4, want: 10 * time.Second},
		{name: "linear first", strategy: job.RetryLinear, attempt: 1, want: 10 * time.Second},
		{name: "linear third", strategy: job.RetryLinear, attempt: 3, want: 30 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := job.RetryPolicy{
				Strategy:     tt.strategy,
				MaxAttempts:  5,
				InitialDelay: 10 * time.Second,
				MaxDelay:     time.Hour,
				Multiplier:   2.0,
			}
			if got := Delay(p, tt.attempt, nil); got != tt.want {
				t.Fatalf("Delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayJitterStaysInBounds(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{
		Strategy:     job.RetryFixed,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(42))
	base := float64(100 * time.Second)
	lo := time.Duration(base * 0.9)
	hi := time.Duration(base * 1.1)
	for i := 0; i < 200; i++ {
		got := Delay(p, 1, rng)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestApplyRecordsHistoryThenAdvancesAttempt(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := job.RetryPolicy{
		Strategy:     job.RetryExponential,
		MaxAttempts:  3,
		InitialDelay: 60 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
	inst := &job.Instance{Attempt: 1, MaxAttempts: 3}

	d := Apply(inst, p, errors.New("boom"), now, nil)
	if d != 60*time.Second {
		t.Fatalf("first delay = %v, want 60s", d)
	}
	if inst.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", inst.Attempt)
	}
	if len(inst.RetryHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(inst.RetryHistory))
	}
	if inst.RetryHistory[0].Attempt != 1 || inst.RetryHistory[0].Error != "boom" {
		t.Fatalf("unexpected history record: %+v", inst.RetryHistory[0])
	}
	if inst.NextRetryAt == nil || !inst.NextRetryAt.Equal(now.Add(60*time.Second)) {
		t.Fatalf("NextRetryAt = %v, want %v", inst.NextRetryAt, now.Add(60*time.Second))
	}

	d = Apply(inst, p, errors.New("boom again"), now, nil)
	if d != 120*time.Second {
		t.Fatalf("second delay = %v, want 120s", d)
	}
	if inst.Attempt != 3 {
		t.Fatalf("Attempt = %d, want 3", inst.Attempt)
	}
	if len(inst.RetryHistory) != 2 {
		t.Fatalf("history length = %d, want 2", len(inst.RetryHistory))
	}
}
