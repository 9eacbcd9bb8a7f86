package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"batchctl/internal/eventbus"
	"batchctl/internal/job"
	"batchctl/internal/params"
	"batchctl/internal/runner"
	"batchctl/internal/task/engine"
	logx "batchctl/pkg/logx"
)

type launch struct {
	job  string
	args params.LaunchArguments
}

type fakeRunner struct {
	known map[string]bool

	mu       sync.Mutex
	launches []launch
	fired    chan launch
	block    chan struct{}
}

func newFakeRunner(jobs ...string) *fakeRunner {
	f := &fakeRunner{known: map[string]bool{}, fired: make(chan launch, 64)}
	for _, j := range jobs {
		f.known[j] = true
	}
	return f
}

func (f *fakeRunner) Resolve(name string) (runner.Job, error) {
	if !f.known[name] {
		return nil, runner.ErrJobNotFound
	}
	return nil, nil
}

func (f *fakeRunner) Launch(ctx context.Context, name string, args params.LaunchArguments) (*runner.Execution, error) {
	if f.block != nil {
		<-f.block
	}
	l := launch{job: name, args: args}
	f.mu.Lock()
	f.launches = append(f.launches, l)
	f.mu.Unlock()
	select {
	case f.fired <- l:
	default:
	}
	return &runner.Execution{JobName: name, Status: runner.StatusCompleted}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func newTestService(t *testing.T, r runner.Runner, pool Pool) *Service {
	t.Helper()
	svc, err := NewService(Config{Timezone: "UTC"}, NewRegistry(logx.Nop()), r, pool, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	t.Cleanup(svc.Registry().StopAll)
	return svc
}

func periodCfg(id int64, jobName string, initialMs, fixedMs int64) *job.Configuration {
	return &job.Configuration{
		ID:          id,
		JobName:     jobName,
		Incrementer: job.IncrementerNone,
		Scheduler: &job.SchedulerConfiguration{
			Type:           job.SchedulerPeriod,
			InitialDelayMs: initialMs,
			FixedDelayMs:   fixedMs,
			TaskExecutor:   job.ExecutorSynchronous,
			Status:         job.StatusInitialized,
		},
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCronSchedulerLifecycle(t *testing.T) {
	t.Parallel()
	p, err := params.Parse("runDate(DATE)=2024/01/15 10:00:00:000,count(LONG)=5")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TypeUnitStatus)
	defer unsub()

	svc, err := NewService(Config{}, NewRegistry(logx.Nop()), newFakeRunner("importJob"), nil, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	cfg := &job.Configuration{
		ID:          1,
		JobName:     "importJob",
		Parameters:  p,
		Incrementer: job.IncrementerNone,
		Scheduler: &job.SchedulerConfiguration{
			Type:           job.SchedulerCron,
			CronExpression: "0 0 * * * *",
			TaskExecutor:   job.ExecutorSynchronous,
		},
	}

	id, err := svc.RegisterSchedulerForJob(cfg)
	if err != nil {
		t.Fatalf("RegisterSchedulerForJob error: %v", err)
	}
	if id != "importJobCRON1" {
		t.Fatalf("unit id = %q, want importJobCRON1", id)
	}
	steps := []struct {
		do   func() error
		want job.Status
	}{
		{do: func() error { return nil }, want: job.StatusInitialized},
		{do: func() error { return svc.Schedule(id, false) }, want: job.StatusRunning},
		{do: func() error { return svc.Terminate(id) }, want: job.StatusStopped},
	}
	for i, st := range steps {
		if err := st.do(); err != nil {
			t.Fatalf("step %d error: %v", i, err)
		}
		got, err := svc.GetSchedulerStatus(id)
		if err != nil || got != st.want {
			t.Fatalf("step %d status = %v (%v), want %v", i, got, err, st.want)
		}
	}

	var seen []job.Status
	for len(seen) < 3 {
		select {
		case e := <-events:
			seen = append(seen, e.Data.(StatusEvent).Status)
		case <-time.After(time.Second):
			t.Fatalf("status events = %v", seen)
		}
	}
	if seen[0] != job.StatusInitialized || seen[1] != job.StatusRunning || seen[2] != job.StatusStopped {
		t.Fatalf("status events = %v", seen)
	}
}

func TestPeriodicSchedulerLaunchesWithParameters(t *testing.T) {
	t.Parallel()
	r := newFakeRunner("report")
	svc := newTestService(t, r, nil)
	cfg := periodCfg(7, "report", 0, 10)
	cfg.Parameters = params.Of(params.Parameter{Name: "count", Value: params.LongValue(5)})
	cfg.Incrementer = job.IncrementerDate

	id, err := svc.RegisterSchedulerForJob(cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.Schedule(id, false); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	var l launch
	select {
	case l = <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("no launch")
	}
	if l.job != "report" {
		t.Fatalf("launched %q", l.job)
	}
	if v, _ := l.args.Get("count"); v != int64(5) {
		t.Fatalf("count arg = %v", v)
	}
	if _, ok := l.args.Get(ArgIncrementerDate); !ok {
		t.Fatalf("missing %s argument: %+v", ArgIncrementerDate, l.args)
	}
	waitUntil(t, "three launches", func() bool { return r.count() >= 3 })
}

func TestDoubleScheduleKeepsOneLoop(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner("a"), nil)
	id, err := svc.RegisterSchedulerForJob(periodCfg(1, "a", 1000, 1000))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := svc.Schedule(id, false); err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
	}
	u, _ := svc.Registry().Lookup(id)
	su := u.(*SchedulerUnit)
	if n := su.loops.Load(); n != 1 {
		t.Fatalf("loops = %d, want 1", n)
	}

	if err := svc.Schedule(id, true); err != nil {
		t.Fatalf("forced schedule: %v", err)
	}
	waitUntil(t, "old loop exit", func() bool { return su.loops.Load() == 1 })
	if su.Status() != job.StatusRunning {
		t.Fatalf("status after forced schedule = %v", su.Status())
	}
}

func TestTerminateStopsFiring(t *testing.T) {
	t.Parallel()
	r := newFakeRunner("a")
	svc := newTestService(t, r, nil)
	id, _ := svc.RegisterSchedulerForJob(periodCfg(1, "a", 0, 5))
	_ = svc.Schedule(id, false)
	waitUntil(t, "first launch", func() bool { return r.count() > 0 })

	if err := svc.Terminate(id); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := svc.Terminate(id); err != nil {
		t.Fatalf("second terminate should be a no-op: %v", err)
	}
	u, _ := svc.Registry().Lookup(id)
	waitUntil(t, "loop exit", func() bool { return u.(*SchedulerUnit).loops.Load() == 0 })
	n := r.count()
	time.Sleep(30 * time.Millisecond)
	if r.count() != n {
		t.Fatalf("launches continued after terminate: %d -> %d", n, r.count())
	}
}

func TestStopLetsInFlightLaunchFinish(t *testing.T) {
	t.Parallel()
	r := newFakeRunner("slow")
	r.block = make(chan struct{})
	svc := newTestService(t, r, nil)
	id, _ := svc.RegisterSchedulerForJob(periodCfg(1, "slow", 0, 1000))
	_ = svc.Schedule(id, false)

	u, _ := svc.Registry().Lookup(id)
	su := u.(*SchedulerUnit)
	waitUntil(t, "fire", func() bool { return su.Fires() == 1 })
	_ = svc.Terminate(id)
	close(r.block)
	waitUntil(t, "in-flight launch", func() bool { return r.count() == 1 })
}

func TestAsynchronousUsesEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	r := newFakeRunner("a")
	svc := newTestService(t, r, eng)
	cfg := periodCfg(3, "a", 0, 10)
	cfg.Scheduler.TaskExecutor = job.ExecutorAsynchronous
	id, err := svc.RegisterSchedulerForJob(cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = svc.Schedule(id, false)
	waitUntil(t, "async launches", func() bool { return r.count() >= 2 })
	waitUntil(t, "engine history", func() bool { return len(eng.Snapshot().History) > 0 })
	if name := eng.Snapshot().History[0].Name; name != id {
		t.Fatalf("engine task name = %q, want %q", name, id)
	}
}

func TestRefreshReplacesUnit(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner("a"), nil)
	cfg := periodCfg(4, "a", 1000, 1000)
	id, _ := svc.RegisterSchedulerForJob(cfg)
	_ = svc.Schedule(id, false)
	old, _ := svc.Registry().Lookup(id)

	next := cfg.Clone()
	next.Scheduler.BeanName = id
	next.Scheduler.FixedDelayMs = 2000
	newID, err := svc.RefreshSchedulerForJob(next)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if newID != id {
		t.Fatalf("refreshed id = %q, want %q", newID, id)
	}
	if old.Status() != job.StatusStopped {
		t.Fatalf("old unit status = %v, want STOPPED", old.Status())
	}
	cur, _ := svc.Registry().Lookup(id)
	if cur == old {
		t.Fatal("unit was not replaced")
	}
	if cur.Status() != job.StatusRunning {
		t.Fatalf("new unit status = %v, want RUNNING", cur.Status())
	}
	if p := cur.(*SchedulerUnit).Trigger().(interface{ FixedDelay() time.Duration }).FixedDelay(); p != 2*time.Second {
		t.Fatalf("new fixed delay = %v", p)
	}
	if svc.Registry().Len() != 1 {
		t.Fatalf("registry len = %d, want 1", svc.Registry().Len())
	}
}

func TestRefreshWithBadConfigLeavesNoUnit(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner("a"), nil)
	cfg := periodCfg(5, "a", 0, 1000)
	id, _ := svc.RegisterSchedulerForJob(cfg)

	bad := cfg.Clone()
	bad.Scheduler.BeanName = id
	bad.Scheduler.FixedDelayMs = 0
	if _, err := svc.RefreshSchedulerForJob(bad); !errors.Is(err, ErrSchedulerConstruction) {
		t.Fatalf("refresh error = %v, want ErrSchedulerConstruction", err)
	}
	if _, err := svc.GetSchedulerStatus(id); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("status error = %v, want ErrUnknownUnit", err)
	}
}

func TestRefreshToUnknownTypeIsConstructionError(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner("a"), nil)
	cfg := periodCfg(6, "a", 0, 1000)
	id, _ := svc.RegisterSchedulerForJob(cfg)

	bad := cfg.Clone()
	bad.Scheduler.BeanName = id
	bad.Scheduler.Type = "HOURLY"
	_, err := svc.RefreshSchedulerForJob(bad)
	if !errors.Is(err, ErrSchedulerConstruction) || !errors.Is(err, ErrUnknownSchedulerType) {
		t.Fatalf("refresh error = %v, want ErrSchedulerConstruction wrapping ErrUnknownSchedulerType", err)
	}
	if svc.Registry().Contains(id) {
		t.Fatal("old unit still registered after failed refresh")
	}
}

func TestRegistryRefreshWrapsBuildError(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner("a"), nil)
	id, _ := svc.RegisterSchedulerForJob(periodCfg(7, "a", 0, 1000))

	boom := errors.New("boom")
	_, _, err := svc.Registry().Refresh(id, func() (string, Unit, error) { return "", nil, boom })
	if !errors.Is(err, ErrSchedulerConstruction) || !errors.Is(err, boom) {
		t.Fatalf("refresh error = %v, want ErrSchedulerConstruction wrapping the build error", err)
	}
}

func TestRegisterErrors(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner("a"), nil)

	if _, err := svc.RegisterSchedulerForJob(periodCfg(1, "a", 0, 1000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterSchedulerForJob(periodCfg(1, "a", 0, 1000)); !errors.Is(err, ErrDuplicateUnit) {
		t.Fatalf("duplicate error = %v", err)
	}

	unknownJob := periodCfg(2, "missing", 0, 1000)
	if _, err := svc.RegisterSchedulerForJob(unknownJob); !errors.Is(err, ErrSchedulerConstruction) || !errors.Is(err, runner.ErrJobNotFound) {
		t.Fatalf("unknown job error = %v", err)
	}

	badType := periodCfg(3, "a", 0, 1000)
	badType.Scheduler.Type = "HOURLY"
	if _, err := svc.RegisterSchedulerForJob(badType); !errors.Is(err, ErrUnknownSchedulerType) {
		t.Fatalf("bad type error = %v", err)
	}

	badCron := periodCfg(4, "a", 0, 0)
	badCron.Scheduler.Type = job.SchedulerCron
	badCron.Scheduler.CronExpression = "every tuesday"
	if _, err := svc.RegisterSchedulerForJob(badCron); !errors.Is(err, ErrSchedulerConstruction) {
		t.Fatalf("bad cron error = %v", err)
	}

	asyncNoPool := periodCfg(5, "a", 0, 1000)
	asyncNoPool.Scheduler.TaskExecutor = job.ExecutorAsynchronous
	if _, err := svc.RegisterSchedulerForJob(asyncNoPool); !errors.Is(err, ErrSchedulerConstruction) {
		t.Fatalf("async without engine error = %v", err)
	}
}

func TestUnknownUnitOperations(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner(), nil)
	checks := map[string]error{
		"schedule":   svc.Schedule("nope", false),
		"terminate":  svc.Terminate("nope"),
		"unregister": svc.UnregisterSchedulerForJob("nope"),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrUnknownUnit) {
			t.Fatalf("%s error = %v, want ErrUnknownUnit", name, err)
		}
	}
	if _, err := svc.GetSchedulerStatus("nope"); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("status error = %v", err)
	}
	if _, err := svc.RefreshSchedulerForJob(periodCfg(9, "x", 0, 1)); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("refresh error = %v", err)
	}
}

func TestUnregisterStopsRunningUnit(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeRunner("a"), nil)
	id, _ := svc.RegisterSchedulerForJob(periodCfg(1, "a", 1000, 1000))
	_ = svc.Schedule(id, false)
	u, _ := svc.Registry().Lookup(id)
	if err := svc.UnregisterSchedulerForJob(id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if u.Status() != job.StatusStopped {
		t.Fatalf("status = %v, want STOPPED", u.Status())
	}
	if svc.Registry().Contains(id) {
		t.Fatal("unit still registered")
	}
}

func TestUnitIDUsesBeanName(t *testing.T) {
	t.Parallel()
	cfg := periodCfg(12, "nightly", 0, 1)
	if got := UnitID(cfg); got != "nightlyPERIOD12" {
		t.Fatalf("UnitID = %q", got)
	}
	cfg.Scheduler.BeanName = "custom"
	if got := UnitID(cfg); got != "custom" {
		t.Fatalf("UnitID = %q", got)
	}
}

func TestStatusEventsFollowTransitions(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1024, eventbus.TypeUnitStatus)
	defer unsub()
	svc, err := NewService(Config{Timezone: "UTC"}, NewRegistry(logx.Nop()), newFakeRunner("a"), nil, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	t.Cleanup(svc.Registry().StopAll)
	id, err := svc.RegisterSchedulerForJob(periodCfg(9, "a", 60_000, 60_000))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	u, _ := svc.Registry().Lookup(id)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(start bool) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				if start {
					_ = u.Start()
				} else {
					u.Stop()
				}
			}
		}(i%2 == 0)
	}
	wg.Wait()

	var last job.Status
drain:
	for {
		select {
		case e := <-events:
			ev, ok := e.Data.(StatusEvent)
			if !ok || ev.UnitID != id {
				continue
			}
			if ev.Status == last {
				t.Fatalf("status %s published twice in a row", ev.Status)
			}
			last = ev.Status
		default:
			break drain
		}
	}
	if got := u.Status(); last != got {
		t.Fatalf("last published status = %s, unit status = %s", last, got)
	}
}
