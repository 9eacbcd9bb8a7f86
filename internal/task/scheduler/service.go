package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"batchctl/internal/eventbus"
	"batchctl/internal/job"
	"batchctl/internal/runner"
	"batchctl/internal/task/trigger"
	logx "batchctl/pkg/logx"
)

type Config struct {
	// Timezone is the IANA zone cron expressions are evaluated in. Empty means local.
	Timezone string
}

// Service builds SchedulerUnits from job configurations and drives them by unit id.
type Service struct {
	reg    *Registry
	runner runner.Runner
	pool   Pool
	loc    *time.Location
	log    logx.Logger
	bus    eventbus.Bus
}

func NewService(cfg Config, reg *Registry, r runner.Runner, pool Pool, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Service{
		reg:    reg,
		runner: r,
		pool:   pool,
		loc:    loc,
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
	}, nil
}

// LoadLocation resolves an IANA zone name; empty is time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (s *Service) Registry() *Registry { return s.reg }

// UnitID is the configured bean name, or {jobName}{schedulerType}{configurationId}.
func UnitID(cfg *job.Configuration) string {
	if sc := cfg.Scheduler; sc != nil && sc.BeanName != "" {
		return sc.BeanName
	}
	typ := ""
	if cfg.Scheduler != nil {
		typ = string(cfg.Scheduler.Type)
	}
	return cfg.JobName + typ + strconv.FormatInt(cfg.ID, 10)
}

// BuildTrigger derives the trigger of a scheduler configuration.
func BuildTrigger(sc *job.SchedulerConfiguration, loc *time.Location) (trigger.Trigger, error) {
	switch sc.Type {
	case job.SchedulerCron:
		return trigger.NewCron(sc.CronExpression, loc)
	case job.SchedulerPeriod:
		return trigger.NewPeriodicMillis(sc.InitialDelayMs, sc.FixedDelayMs)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedulerType, sc.Type)
	}
}

// Build constructs an INITIALIZED unit for cfg without registering it.
func (s *Service) Build(cfg *job.Configuration) (*SchedulerUnit, error) {
	if cfg == nil || cfg.Scheduler == nil {
		return nil, fmt.Errorf("%w: no scheduler configuration", ErrSchedulerConstruction)
	}
	sc := cfg.Scheduler
	if !sc.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedulerType, sc.Type)
	}
	id := UnitID(cfg)
	if _, err := s.runner.Resolve(cfg.JobName); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSchedulerConstruction, id, err)
	}
	trig, err := BuildTrigger(sc, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSchedulerConstruction, id, err)
	}
	strategy, err := NewStrategy(sc.TaskExecutor, s.pool, s.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSchedulerConstruction, id, err)
	}
	return NewSchedulerUnit(UnitConfig{
		ID:              id,
		ConfigurationID: cfg.ID,
		Trigger:         trig,
		Strategy:        strategy,
		Launcher: Launcher{
			Runner:      s.runner,
			JobName:     cfg.JobName,
			Parameters:  cfg.Parameters,
			Incrementer: cfg.Incrementer,
		},
		Log: s.log,
		Bus: s.bus,
	}), nil
}

// RegisterSchedulerForJob builds and registers an INITIALIZED unit and returns its id.
func (s *Service) RegisterSchedulerForJob(cfg *job.Configuration) (string, error) {
	u, err := s.Build(cfg)
	if err != nil {
		s.log.Error("scheduler construction failed", logx.String("job", jobName(cfg)), logx.Err(err))
		return "", err
	}
	if err := s.reg.Register(u.ID(), u); err != nil {
		return "", err
	}
	PublishStatus(s.bus, u, job.StatusInitialized)
	return u.ID(), nil
}

func (s *Service) UnregisterSchedulerForJob(id string) error {
	return s.reg.Unregister(id)
}

// RefreshSchedulerForJob replaces the unit registered for cfg's current bean name:
// terminate, unregister, register. The new unit is scheduled when the old one was
// RUNNING. A construction failure leaves no unit behind and is reported as
// ErrSchedulerConstruction.
func (s *Service) RefreshSchedulerForJob(cfg *job.Configuration) (string, error) {
	if cfg == nil || cfg.Scheduler == nil {
		return "", fmt.Errorf("%w: no scheduler configuration", ErrSchedulerConstruction)
	}
	oldID := cfg.Scheduler.BeanName
	if oldID == "" {
		oldID = UnitID(cfg)
	}
	st, err := s.GetSchedulerStatus(oldID)
	if err != nil {
		return "", err
	}
	if err := s.Terminate(oldID); err != nil {
		return "", err
	}
	if err := s.UnregisterSchedulerForJob(oldID); err != nil {
		return "", err
	}
	id, err := s.RegisterSchedulerForJob(cfg)
	if err != nil {
		return "", constructionError(oldID, err)
	}
	if st == job.StatusRunning {
		if err := s.Schedule(id, false); err != nil {
			return id, err
		}
	}
	s.log.Info("scheduler refreshed", logx.String("old", oldID), logx.String("unit", id))
	return id, nil
}

// Schedule starts the unit. A RUNNING unit is left alone unless force, in which
// case its trigger is re-armed from now.
func (s *Service) Schedule(id string, force bool) error {
	u, err := s.reg.Lookup(id)
	if err != nil {
		return err
	}
	if u.Status() == job.StatusRunning {
		if !force {
			s.log.Info("scheduler already running", logx.String("unit", id))
			return nil
		}
		return u.Restart()
	}
	return u.Start()
}

func (s *Service) Terminate(id string) error {
	u, err := s.reg.Lookup(id)
	if err != nil {
		return err
	}
	if u.Status() == job.StatusStopped {
		s.log.Info("scheduler already terminated", logx.String("unit", id))
		return nil
	}
	u.Stop()
	return nil
}

func (s *Service) GetSchedulerStatus(id string) (job.Status, error) {
	u, err := s.reg.Lookup(id)
	if err != nil {
		return "", err
	}
	return u.Status(), nil
}

func jobName(cfg *job.Configuration) string {
	if cfg == nil {
		return ""
	}
	return cfg.JobName
}
