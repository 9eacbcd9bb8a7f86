package trigger

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrInvalidPeriod         = errors.New("invalid period")
)

type Kind string

const (
	KindCron     Kind = "CRON"
	KindPeriodic Kind = "PERIOD"
)

// Trigger is the fire policy of one unit.
//
// First is the first fire for a unit started at start. Next returns the fire
// following a scheduled instant (never a completion time), or the zero time when
// the trigger has no further fires.
type Trigger interface {
	cron.Schedule
	Kind() Kind
	First(start time.Time) time.Time
	String() string
}

// parser accepts 5 or 6 fields (leading seconds optional) and @descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Cron struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

// NewCron parses expr eagerly. loc applies unless expr carries its own CRON_TZ=/TZ= prefix;
// nil means time.Local.
func NewCron(expr string, loc *time.Location) (*Cron, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCronExpression)
	}
	if loc == nil {
		loc = time.Local
	}
	sched, err := parser.Parse(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, e, err)
	}
	hasTZ := strings.HasPrefix(e, "CRON_TZ=") || strings.HasPrefix(e, "TZ=")
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		if hasTZ {
			loc = ss.Location
		} else {
			ss.Location = loc
		}
	}
	return &Cron{expr: e, loc: loc, sched: sched}, nil
}

func (c *Cron) Kind() Kind                      { return KindCron }
func (c *Cron) Expression() string              { return c.expr }
func (c *Cron) Location() *time.Location        { return c.loc }
func (c *Cron) Next(t time.Time) time.Time      { return c.sched.Next(t) }
func (c *Cron) First(start time.Time) time.Time { return c.sched.Next(start) }
func (c *Cron) String() string                  { return "cron(" + c.expr + ")" }

// Periodic fires at start+InitialDelay and then every FixedDelay after each
// scheduled instant, regardless of how long executions take.
type Periodic struct {
	initial time.Duration
	every   time.Duration
}

func NewPeriodic(initialDelay, fixedDelay time.Duration) (*Periodic, error) {
	if initialDelay < 0 {
		return nil, fmt.Errorf("%w: initial delay %s < 0", ErrInvalidPeriod, initialDelay)
	}
	if fixedDelay <= 0 {
		return nil, fmt.Errorf("%w: fixed delay %s must be > 0", ErrInvalidPeriod, fixedDelay)
	}
	return &Periodic{initial: initialDelay, every: fixedDelay}, nil
}

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// NewPeriodicMillis is NewPeriodic for delays stored as milliseconds.
func NewPeriodicMillis(initialDelayMs, fixedDelayMs int64) (*Periodic, error) {
	if initialDelayMs > maxMillis {
		return nil, fmt.Errorf("%w: initial delay %dms out of range", ErrInvalidPeriod, initialDelayMs)
	}
	if fixedDelayMs > maxMillis {
		return nil, fmt.Errorf("%w: fixed delay %dms out of range", ErrInvalidPeriod, fixedDelayMs)
	}
	return NewPeriodic(time.Duration(initialDelayMs)*time.Millisecond, time.Duration(fixedDelayMs)*time.Millisecond)
}

func (p *Periodic) Kind() Kind                      { return KindPeriodic }
func (p *Periodic) InitialDelay() time.Duration     { return p.initial }
func (p *Periodic) FixedDelay() time.Duration       { return p.every }
func (p *Periodic) First(start time.Time) time.Time { return start.Add(p.initial) }
func (p *Periodic) Next(t time.Time) time.Time      { return t.Add(p.every) }

func (p *Periodic) String() string {
	return fmt.Sprintf("period(initial=%s, every=%s)", p.initial, p.every)
}

// Fires lazily yields every fire instant of t for a unit started at start. The
// sequence ends only when the trigger runs out (a cron expression that can never
// match again). Ranging again restarts from start.
func Fires(t Trigger, start time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		next := t.First(start)
		for !next.IsZero() {
			if !yield(next) {
				return
			}
			next = t.Next(next)
		}
	}
}

// Resume returns the first fire of t strictly after now, continuing the grid of
// scheduled. skipped counts the grid points that were passed over.
func Resume(t Trigger, scheduled, now time.Time) (next time.Time, skipped int) {
	next = t.Next(scheduled)
	if next.IsZero() || next.After(now) {
		return next, 0
	}
	if p, ok := t.(*Periodic); ok {
		n := now.Sub(next)/p.every + 1
		return next.Add(n * p.every), int(n)
	}
	for !next.IsZero() && !next.After(now) {
		next = t.Next(next)
		skipped++
	}
	return next, skipped
}
