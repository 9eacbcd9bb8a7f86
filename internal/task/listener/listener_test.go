package listener

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"batchctl/internal/eventbus"
	"batchctl/internal/job"
	"batchctl/internal/params"
	"batchctl/internal/runner"
	"batchctl/internal/task/engine"
	"batchctl/internal/task/scheduler"
	logx "batchctl/pkg/logx"
)

func newRunner(t *testing.T) (*runner.Local, chan string) {
	t.Helper()
	got := make(chan string, 32)
	r := runner.NewLocal(logx.Nop(), nil)
	err := r.RegisterFunc("ingest", func(ctx context.Context, args params.LaunchArguments) error {
		p, _ := args.GetString(ArgFileSource)
		got <- p
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterFunc error: %v", err)
	}
	return r, got
}

func listenerCfg(folder, pattern string) *job.Configuration {
	return &job.Configuration{
		ID:      7,
		JobName: "ingest",
		Listener: &job.ListenerConfiguration{
			Type:           job.ListenerLocalFolder,
			SourceFolder:   folder,
			FilePattern:    pattern,
			PollerPeriodMs: 50,
			TaskExecutor:   job.ExecutorSynchronous,
		},
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func expectFile(t *testing.T, got <-chan string, want string) {
	t.Helper()
	select {
	case p := <-got:
		if p != want {
			t.Fatalf("launched with %q, want %q", p, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no launch for %s", want)
	}
}

func expectNothing(t *testing.T, got <-chan string, d time.Duration) {
	t.Helper()
	select {
	case p := <-got:
		t.Fatalf("unexpected launch for %s", p)
	case <-time.After(d):
	}
}

func TestUnitID(t *testing.T) {
	t.Parallel()

	cfg := listenerCfg("/in", "*")
	if got := UnitID(cfg); got != "ingestLOCAL_FOLDER_LISTENER7" {
		t.Fatalf("UnitID = %q", got)
	}
	cfg.Listener.BeanName = "custom"
	if got := UnitID(cfg); got != "custom" {
		t.Fatalf("UnitID with bean name = %q", got)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	writeFile(t, file)
	r, _ := newRunner(t)

	tests := []struct {
		name string
		cfg  *job.Configuration
	}{
		{"no listener", &job.Configuration{ID: 1, JobName: "ingest"}},
		{"unknown job", func() *job.Configuration { c := listenerCfg(dir, "*"); c.JobName = "nope"; return c }()},
		{"missing folder", listenerCfg(filepath.Join(dir, "missing"), "*")},
		{"not a folder", listenerCfg(file, "*")},
		{"bad pattern", listenerCfg(dir, "[")},
		{"negative poll", func() *job.Configuration { c := listenerCfg(dir, "*"); c.Listener.PollerPeriodMs = -1; return c }()},
		{"async without pool", func() *job.Configuration {
			c := listenerCfg(dir, "*")
			c.Listener.TaskExecutor = job.ExecutorAsynchronous
			return c
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Builder{Runner: r, Log: logx.Nop()}.Build(tt.cfg)
			if !errors.Is(err, scheduler.ErrSchedulerConstruction) {
				t.Fatalf("Build error = %v, want ErrSchedulerConstruction", err)
			}
		})
	}
}

func TestLaunchesEachMatchingFileOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "a.csv")
	writeFile(t, first)
	writeFile(t, filepath.Join(dir, "ignored.txt"))

	r, got := newRunner(t)
	u, err := Builder{Runner: r, Log: logx.Nop()}.Build(listenerCfg(dir, "*.csv"))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if u.Status() != job.StatusInitialized {
		t.Fatalf("status = %s", u.Status())
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(u.Stop)

	abs, _ := filepath.Abs(first)
	expectFile(t, got, abs)

	second := filepath.Join(dir, "b.csv")
	writeFile(t, second)
	abs, _ = filepath.Abs(second)
	expectFile(t, got, abs)

	// several poll periods pass without relaunching a.csv or b.csv
	expectNothing(t, got, 300*time.Millisecond)
}

func TestStopHaltsWatching(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, got := newRunner(t)
	u, err := Builder{Runner: r, Log: logx.Nop(), RatePerSec: 100}.Build(listenerCfg(dir, "*"))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	// stopping an INITIALIZED unit changes nothing
	u.Stop()
	if u.Status() != job.StatusInitialized {
		t.Fatalf("status after Stop on INITIALIZED = %s", u.Status())
	}

	if err := u.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	u.Stop()
	if u.Status() != job.StatusStopped {
		t.Fatalf("status = %s, want STOPPED", u.Status())
	}

	writeFile(t, filepath.Join(dir, "late.dat"))
	expectNothing(t, got, 300*time.Millisecond)

	// starting again picks the file up
	if err := u.Start(); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	t.Cleanup(u.Stop)
	abs, _ := filepath.Abs(filepath.Join(dir, "late.dat"))
	expectFile(t, got, abs)
}

func TestStopAndStartKeepSeenFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "a.dat")
	writeFile(t, file)
	r, got := newRunner(t)
	u, err := Builder{Runner: r, Log: logx.Nop()}.Build(listenerCfg(dir, "*.dat"))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	abs, _ := filepath.Abs(file)
	expectFile(t, got, abs)

	u.Stop()
	if err := u.Start(); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	t.Cleanup(u.Stop)
	expectNothing(t, got, 300*time.Millisecond)
}

func TestAsyncLaunchesWaitForQueueSpace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"1.dat", "2.dat", "3.dat", "4.dat"} {
		writeFile(t, filepath.Join(dir, name))
	}
	release := make(chan struct{})
	got := make(chan string, 8)
	r := runner.NewLocal(logx.Nop(), nil)
	err := r.RegisterFunc("ingest", func(ctx context.Context, args params.LaunchArguments) error {
		<-release
		p, _ := args.GetString(ArgFileSource)
		got <- p
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterFunc error: %v", err)
	}

	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	cfg := listenerCfg(dir, "*.dat")
	cfg.Listener.TaskExecutor = job.ExecutorAsynchronous
	u, err := Builder{Runner: r, Pool: eng, Log: logx.Nop()}.Build(cfg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(u.Stop)

	// one worker busy and one queued: the other files wait instead of dropping
	time.Sleep(300 * time.Millisecond)
	close(release)

	launched := map[string]bool{}
	for len(launched) < 4 {
		select {
		case p := <-got:
			launched[filepath.Base(p)] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("launched %v, want all four files", launched)
		}
	}
}

func TestWatchFailureStopsUnit(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "in")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r, _ := newRunner(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64, eventbus.TypeUnitStatus)
	defer unsub()

	u, err := Builder{Runner: r, Log: logx.Nop(), Bus: bus}.Build(listenerCfg(dir, "*"))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	u.backoffMin, u.backoffMax = time.Millisecond, time.Millisecond
	if err := os.Remove(dir); err != nil {
		t.Fatalf("remove folder: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(u.Stop)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if ev, ok := e.Data.(scheduler.StatusEvent); ok && ev.Status == job.StatusStopped {
				if u.Status() != job.StatusStopped {
					t.Fatalf("status = %s after STOPPED event", u.Status())
				}
				return
			}
		case <-deadline:
			t.Fatalf("unit still %s after its watch loop kept failing", u.Status())
		}
	}
}
