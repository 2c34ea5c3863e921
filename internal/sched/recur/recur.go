// Package recur computes next fire times for recurring definitions from a
// five-field cron expression (minute hour day-of-month month day-of-week).
//
// Parsing and evaluation are delegated to robfig/cron, so the full standard
// grammar (ranges, steps, names, @descriptors) is honored rather than only
// the minute/hour subset.
package recur

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Calculator struct {
	parser cron.Parser
	loc    *time.Location
}

// New builds a calculator evaluating expressions in loc (nil means local time).
func New(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	return &Calculator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
	}
}

// Validate reports whether expr is an acceptable schedule expression.
func (c *Calculator) Validate(expr string) error {
	_, err := c.parse(expr)
	return err
}

// Next returns the first fire time strictly after from.
func (c *Calculator) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := c.parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(c.loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires after %s", expr, from.Format(time.RFC3339))
	}
	return next, nil
}

func (c *Calculator) parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("schedule expression required")
	}
	sched, err := c.parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}
