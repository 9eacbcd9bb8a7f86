package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"batchctl/internal/eventbus"
	"batchctl/internal/job"
	"batchctl/internal/task/trigger"
	logx "batchctl/pkg/logx"
)

type UnitKind string

const (
	KindScheduler UnitKind = "scheduler"
	KindListener  UnitKind = "listener"
)

// Unit is one live execution unit held by the Registry.
//
// Start on a RUNNING unit and Stop on a unit that is not RUNNING are logged
// no-ops. Restart re-arms a RUNNING unit in place, and starts it otherwise.
type Unit interface {
	ID() string
	Kind() UnitKind
	ConfigurationID() int64
	Status() job.Status
	Start() error
	Stop()
	Restart() error
}

// StatusEvent is the payload of unit.status events.
type StatusEvent struct {
	UnitID          string     `json:"unit_id"`
	Kind            UnitKind   `json:"kind"`
	ConfigurationID int64      `json:"configuration_id"`
	Status          job.Status `json:"status"`
}

// PublishStatus emits a unit.status event for u. Units call it while holding
// their own lock so events leave in transition order; it never blocks.
func PublishStatus(bus eventbus.Bus, u Unit, st job.Status) {
	eventbus.Publish(bus, eventbus.TypeUnitStatus, StatusEvent{
		UnitID:          u.ID(),
		Kind:            u.Kind(),
		ConfigurationID: u.ConfigurationID(),
		Status:          st,
	})
}

// SchedulerUnit fires a Launcher on every trigger instant.
type SchedulerUnit struct {
	id       string
	configID int64
	trig     trigger.Trigger
	strategy Strategy
	launcher Launcher
	log      logx.Logger
	bus      eventbus.Bus

	mu     sync.Mutex
	status job.Status
	// gen identifies the current loop; a loop whose gen is stale must not fire.
	gen    uint64
	cancel context.CancelFunc

	loops atomic.Int32
	fires atomic.Uint64
}

type UnitConfig struct {
	ID              string
	ConfigurationID int64
	Trigger         trigger.Trigger
	Strategy        Strategy
	Launcher        Launcher
	Log             logx.Logger
	Bus             eventbus.Bus
}

func NewSchedulerUnit(c UnitConfig) *SchedulerUnit {
	return &SchedulerUnit{
		id:       c.ID,
		configID: c.ConfigurationID,
		trig:     c.Trigger,
		strategy: c.Strategy,
		launcher: c.Launcher,
		log:      c.Log.With(logx.String("unit", c.ID)),
		bus:      c.Bus,
		status:   job.StatusInitialized,
	}
}

func (u *SchedulerUnit) ID() string                     { return u.id }
func (u *SchedulerUnit) Kind() UnitKind                 { return KindScheduler }
func (u *SchedulerUnit) ConfigurationID() int64         { return u.configID }
func (u *SchedulerUnit) Trigger() trigger.Trigger       { return u.trig }
func (u *SchedulerUnit) Executor() job.TaskExecutorType { return u.strategy.Type() }

// Fires counts trigger instants that reached the strategy.
func (u *SchedulerUnit) Fires() uint64 { return u.fires.Load() }

func (u *SchedulerUnit) Status() job.Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *SchedulerUnit) Start() error {
	u.mu.Lock()
	if u.status == job.StatusRunning {
		u.mu.Unlock()
		u.log.Info("scheduler already running")
		return nil
	}
	u.startLocked()
	PublishStatus(u.bus, u, job.StatusRunning)
	u.mu.Unlock()

	u.log.Info("scheduler started", logx.String("trigger", u.trig.String()))
	return nil
}

func (u *SchedulerUnit) Restart() error {
	u.mu.Lock()
	wasRunning := u.status == job.StatusRunning
	if wasRunning {
		u.cancel()
	}
	u.startLocked()
	if !wasRunning {
		PublishStatus(u.bus, u, job.StatusRunning)
	}
	u.mu.Unlock()

	u.log.Info("scheduler restarted", logx.Bool("was_running", wasRunning))
	return nil
}

func (u *SchedulerUnit) startLocked() {
	u.gen++
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.status = job.StatusRunning
	u.loops.Add(1)
	go u.loop(ctx, u.gen)
}

// Stop cancels future fires. A synchronous launch already in progress finishes.
func (u *SchedulerUnit) Stop() {
	u.mu.Lock()
	if u.status != job.StatusRunning {
		st := u.status
		u.mu.Unlock()
		u.log.Info("scheduler not running", logx.String("status", string(st)))
		return
	}
	u.cancel()
	u.cancel = nil
	u.gen++
	u.status = job.StatusStopped
	PublishStatus(u.bus, u, job.StatusStopped)
	u.mu.Unlock()

	u.log.Info("scheduler stopped")
}

func (u *SchedulerUnit) current(gen uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gen == gen && u.status == job.StatusRunning
}

func (u *SchedulerUnit) loop(ctx context.Context, gen uint64) {
	defer u.loops.Add(-1)

	next := u.trig.First(time.Now())
	for {
		if next.IsZero() {
			u.log.Warn("trigger has no further fire times; stopping")
			u.exhausted(gen)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !u.current(gen) {
			return
		}

		u.fires.Add(1)
		fire := next
		u.strategy.Execute(ctx, u.id, func(c context.Context) error {
			return u.launcher.Launch(c, fire)
		})

		var skipped int
		next, skipped = trigger.Resume(u.trig, fire, time.Now())
		if skipped > 0 {
			u.log.Debug("missed fire times skipped", logx.Int("skipped", skipped), logx.Time("next", next))
		}
	}
}

func (u *SchedulerUnit) exhausted(gen uint64) {
	u.mu.Lock()
	if u.gen != gen || u.status != job.StatusRunning {
		u.mu.Unlock()
		return
	}
	u.cancel()
	u.cancel = nil
	u.gen++
	u.status = job.StatusStopped
	PublishStatus(u.bus, u, job.StatusStopped)
	u.mu.Unlock()
}
