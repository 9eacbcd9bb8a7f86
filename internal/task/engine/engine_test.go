package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"batchctl/internal/eventbus"
	logx "batchctl/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s, bus := newTestEngine(t, Config{Workers: 2, QueueSize: 4})
	events, unsub := bus.Subscribe(8, eventbus.TypeTaskFinished)
	defer unsub()

	var ran atomic.Int32
	if err := s.Enqueue(Task{Name: "job", Run: func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	select {
	case e := <-events:
		if e.Data.(TaskEvent).Name != "job" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task.finished event")
	}
	if ran.Load() != 1 {
		t.Fatalf("ran = %d, want 1", ran.Load())
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s, _ := newTestEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	defer close(block)

	if err := s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	<-started
	noop := func(ctx context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "queued", Run: noop}); err != nil {
		t.Fatalf("Enqueue queued: %v", err)
	}
	if err := s.Enqueue(Task{Name: "dropped", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue error = %v, want ErrQueueFull", err)
	}
	if s.Snapshot().DroppedQueueFull != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", s.Snapshot().DroppedQueueFull)
	}
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	t.Parallel()
	s, _ := newTestEngine(t, Config{Workers: 1})
	if err := s.Enqueue(Task{Name: "panicky", Run: func(ctx context.Context) error { panic("kaboom") }}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := s.Snapshot().History[0].Error; got != "panic: kaboom" {
		t.Fatalf("history error = %q", got)
	}
	ok := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { close(ok); return nil }})
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	s.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_ = s.Enqueue(Task{Name: "n", Run: func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if ran.Load() != 5 {
		t.Fatalf("ran = %d, want 5 after drain", ran.Load())
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop error = %v, want ErrStopped", err)
	}
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("error = %v, want ErrDisabled", err)
	}
}

func TestSubmitBlocksUntilAccepted(t *testing.T) {
	t.Parallel()
	s, _ := newTestEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	_ = s.Enqueue(Task{Name: "fill", Run: func(ctx context.Context) error { return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Submit(ctx, Task{Name: "wait", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit error = %v, want deadline exceeded", err)
	}
	close(release)
	if err := s.Submit(context.Background(), Task{Name: "wait", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
}
