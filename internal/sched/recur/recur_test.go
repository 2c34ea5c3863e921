package recur

import (
	"testing"
	"time"
)

func TestNextDailyAtNine(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{
			name: "before fire time, same day",
			from: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "after fire time, next day",
			from: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
			want: time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at fire time, strictly after",
			from: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.Next("0 9 * * *", tt.from)
			if err != nil {
				t.Fatalf("Next error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextEveryFiveMinutes(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	from := time.Date(2025, 6, 2, 10, 3, 0, 0, time.UTC)
	got, err := c.Next("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextHonorsDayOfWeek(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	// 2025-06-02 is a Monday; "0 9 * * 1" fires Mondays only.
	from := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	got, err := c.Next("0 9 * * 1", from)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "five field", expr: "0 9 * * *"},
		{name: "descriptor", expr: "@hourly"},
		{name: "step", expr: "*/15 * * * *"},
		{name: "empty", expr: "", wantErr: true},
		{name: "garbage", expr: "banana", wantErr: true},
		{name: "six fields", expr: "0 0 9 * * *", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := c.Validate(tt.expr)
			if tt.wantErr && err == nil {
				t.Fatalf("Validate(%q) = nil, want error", tt.expr)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate(%q) error: %v", tt.expr, err)
			}
		})
	}
}
