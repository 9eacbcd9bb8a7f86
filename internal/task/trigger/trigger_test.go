package trigger

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestCronMonotonic(t *testing.T) {
	t.Parallel()
	exprs := []string{"0 0 * * * *", "*/5 * * * *", "@hourly", "@every 90s", "30 2 * * 1-5"}
	start := time.Date(2024, 1, 15, 10, 17, 3, 0, time.UTC)
	for _, expr := range exprs {
		expr := expr
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			c, err := NewCron(expr, time.UTC)
			if err != nil {
				t.Fatalf("NewCron(%q) error: %v", expr, err)
			}
			prev := start
			n := 0
			for fire := range Fires(c, start) {
				if !fire.After(prev) {
					t.Fatalf("fire %d = %v, not after %v", n, fire, prev)
				}
				prev = fire
				n++
				if n == 50 {
					break
				}
			}
			if n != 50 {
				t.Fatalf("sequence ended after %d fires", n)
			}
		})
	}
}

func TestCronHourly(t *testing.T) {
	t.Parallel()
	c, err := NewCron("0 0 * * * *", time.UTC)
	if err != nil {
		t.Fatalf("NewCron error: %v", err)
	}
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC),
	}
	i := 0
	for fire := range Fires(c, start) {
		if !fire.Equal(want[i]) {
			t.Fatalf("fire %d = %v, want %v", i, fire, want[i])
		}
		i++
		if i == len(want) {
			break
		}
	}
}

func TestCronLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	c, err := NewCron("0 0 9 * * *", loc)
	if err != nil {
		t.Fatalf("NewCron error: %v", err)
	}
	got := c.First(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	want := time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("First = %v, want %v", got, want)
	}
}

func TestCronInvalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "   ", "not a cron", "61 * * * *", "* * * * * * *"} {
		if _, err := NewCron(expr, nil); !errors.Is(err, ErrInvalidCronExpression) {
			t.Fatalf("NewCron(%q) error = %v, want ErrInvalidCronExpression", expr, err)
		}
	}
}

func TestPeriodicSequence(t *testing.T) {
	t.Parallel()
	p, err := NewPeriodicMillis(1000, 5000)
	if err != nil {
		t.Fatalf("NewPeriodicMillis error: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 1
	for fire := range Fires(p, now) {
		want := now.Add(1000*time.Millisecond + time.Duration(n-1)*5000*time.Millisecond)
		if !fire.Equal(want) {
			t.Fatalf("fire %d = %v, want %v", n, fire, want)
		}
		if n == 20 {
			break
		}
		n++
	}
}

func TestFiresIsRestartable(t *testing.T) {
	t.Parallel()
	p, _ := NewPeriodic(0, time.Second)
	start := time.Unix(0, 0)
	seq := Fires(p, start)
	first := func() time.Time {
		for f := range seq {
			return f
		}
		return time.Time{}
	}
	a, b := first(), first()
	if !a.Equal(start) || !b.Equal(start) {
		t.Fatalf("restart yielded %v then %v, want %v twice", a, b, start)
	}
}

func TestPeriodicInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct{ initial, fixed time.Duration }{
		{initial: -1, fixed: time.Second},
		{initial: 0, fixed: 0},
		{initial: time.Second, fixed: -time.Second},
	}
	for _, tt := range tests {
		if _, err := NewPeriodic(tt.initial, tt.fixed); !errors.Is(err, ErrInvalidPeriod) {
			t.Fatalf("NewPeriodic(%v, %v) error = %v, want ErrInvalidPeriod", tt.initial, tt.fixed, err)
		}
	}
}

func TestPeriodicMillisRejectsOverflow(t *testing.T) {
	t.Parallel()
	tests := []struct{ initial, fixed int64 }{
		{initial: 0, fixed: 18446744073710},
		{initial: maxMillis + 1, fixed: 1000},
		{initial: 0, fixed: math.MaxInt64},
		{initial: -1, fixed: 1000},
	}
	for _, tt := range tests {
		if p, err := NewPeriodicMillis(tt.initial, tt.fixed); !errors.Is(err, ErrInvalidPeriod) {
			t.Fatalf("NewPeriodicMillis(%d, %d) = %v, %v, want ErrInvalidPeriod", tt.initial, tt.fixed, p, err)
		}
	}

	p, err := NewPeriodicMillis(maxMillis, maxMillis)
	if err != nil {
		t.Fatalf("NewPeriodicMillis(max, max) error: %v", err)
	}
	if p.FixedDelay() != time.Duration(maxMillis)*time.Millisecond || p.FixedDelay() <= 0 {
		t.Fatalf("fixed delay = %v", p.FixedDelay())
	}
}

func TestResumeSkipsMissedFires(t *testing.T) {
	t.Parallel()
	p, _ := NewPeriodic(0, 10*time.Second)
	base := time.Unix(1_700_000_000, 0)

	next, skipped := Resume(p, base, base.Add(time.Second))
	if !next.Equal(base.Add(10*time.Second)) || skipped != 0 {
		t.Fatalf("on time: next=%v skipped=%d", next, skipped)
	}

	next, skipped = Resume(p, base, base.Add(35*time.Second))
	if !next.Equal(base.Add(40*time.Second)) || skipped != 3 {
		t.Fatalf("late: next=%v skipped=%d, want +40s and 3", next, skipped)
	}

	c, _ := NewCron("* * * * * *", time.UTC)
	next, skipped = Resume(c, base, base.Add(5*time.Second))
	if !next.Equal(base.Add(6*time.Second)) || skipped != 5 {
		t.Fatalf("cron late: next=%v skipped=%d, want +6s and 5", next, skipped)
	}
}
