package runner

import (
	"context"
	"errors"
	"testing"

	"batchctl/internal/eventbus"
	"batchctl/internal/params"
	logx "batchctl/pkg/logx"
)

func TestLaunchCompleted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeJobLaunched)
	defer unsub()

	l := NewLocal(logx.Nop(), bus)
	var got params.LaunchArguments
	if err := l.RegisterFunc("report", func(ctx context.Context, args params.LaunchArguments) error {
		got = args
		return nil
	}); err != nil {
		t.Fatalf("RegisterFunc error: %v", err)
	}

	args := params.LaunchArguments{{Key: "count", Value: int64(5)}}
	exec, err := l.Launch(context.Background(), "report", args)
	if err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	if exec.Status != StatusCompleted || exec.Err() != nil || exec.ID == "" {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	if v, _ := got.Get("count"); v != int64(5) {
		t.Fatalf("job saw count=%v", v)
	}
	e := <-events
	if e.Data.(Execution).ID != exec.ID {
		t.Fatalf("event execution id = %v, want %s", e.Data, exec.ID)
	}
}

func TestLaunchFailedAndPanicking(t *testing.T) {
	t.Parallel()
	l := NewLocal(logx.Nop(), nil)
	_ = l.RegisterFunc("fails", func(ctx context.Context, args params.LaunchArguments) error { return errors.New("disk full") })
	_ = l.RegisterFunc("panics", func(ctx context.Context, args params.LaunchArguments) error { panic("oops") })

	exec, err := l.Launch(context.Background(), "fails", nil)
	if err != nil || exec.Status != StatusFailed || exec.Error != "disk full" {
		t.Fatalf("fails: exec=%+v err=%v", exec, err)
	}
	exec, err = l.Launch(context.Background(), "panics", nil)
	if err != nil || exec.Status != StatusFailed || exec.Error != "panic: oops" {
		t.Fatalf("panics: exec=%+v err=%v", exec, err)
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	l := NewLocal(logx.Nop(), nil)
	if _, err := l.Resolve("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Resolve error = %v, want ErrJobNotFound", err)
	}
	if _, err := l.Launch(context.Background(), "missing", nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Launch error = %v, want ErrJobNotFound", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	l := NewLocal(logx.Nop(), nil)
	noop := func(ctx context.Context, args params.LaunchArguments) error { return nil }
	if err := l.RegisterFunc("a", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := l.RegisterFunc("a", noop); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate register error = %v", err)
	}
	if names := l.Names(); len(names) != 1 || names[0] != "a" {
		t.Fatalf("Names = %v", names)
	}
}
