// Package admin orchestrates job configurations: persistence through storage and
// live units through the scheduler registry.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"batchctl/internal/eventbus"
	"batchctl/internal/job"
	"batchctl/internal/storage"
	"batchctl/internal/task/listener"
	"batchctl/internal/task/scheduler"
	logx "batchctl/pkg/logx"
)

var (
	ErrNoScheduler = errors.New("configuration has no scheduler")
	ErrNoListener  = errors.New("configuration has no listener")
)

// Service keeps stored configurations and registered units in step. A
// configuration with both a scheduler and a listener registers only the
// scheduler.
type Service struct {
	store     storage.Store
	sched     *scheduler.Service
	listeners listener.Builder
	bus       eventbus.Bus
	log       logx.Logger

	// mu serializes read-modify-write cycles on stored configurations.
	mu sync.Mutex
}

func New(store storage.Store, sched *scheduler.Service, listeners listener.Builder, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		store:     store,
		sched:     sched,
		listeners: listeners,
		bus:       bus,
		log:       log.With(logx.String("comp", "admin")),
	}
}

func (s *Service) Get(ctx context.Context, id int64) (*job.Configuration, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*job.Configuration, error) {
	return s.store.List(ctx)
}

func (s *Service) GetByJobName(ctx context.Context, jobName string) ([]*job.Configuration, error) {
	return s.store.GetByJobName(ctx, jobName)
}

func (s *Service) ListByJobNames(ctx context.Context, jobNames ...string) ([]*job.Configuration, error) {
	return s.store.ListByJobNames(ctx, jobNames...)
}

// Add validates and stores cfg, registers its unit and starts it when the
// stored status is RUNNING. When the unit cannot be built the stored row is
// removed again.
func (s *Service) Add(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(ctx, cfg)
}

func (s *Service) addLocked(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	c := cfg.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	stored, err := s.store.Add(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("store configuration: %w", err)
	}
	if fillBeanNames(stored) {
		if stored, err = s.store.Update(ctx, stored); err != nil {
			return nil, fmt.Errorf("store bean names: %w", err)
		}
	}
	if err := s.registerUnit(stored); err != nil {
		if derr := s.store.Delete(ctx, stored.ID); derr != nil {
			s.log.Error("rollback of stored configuration failed", logx.Int64("id", stored.ID), logx.Err(derr))
		}
		return nil, err
	}
	if err := s.startIfRunning(stored); err != nil {
		return stored, err
	}
	s.log.Info("configuration added", logx.Int64("id", stored.ID), logx.String("job", stored.JobName))
	return stored, nil
}

// Update stores cfg and brings the units in line: a scheduler or listener
// present before and after is refreshed (keeping RUNNING), a new one is
// registered and a removed one unregistered. Empty bean names inherit the
// stored ones so the unit id stays stable.
func (s *Service) Update(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cfg.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	old, err := s.store.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if c.Scheduler != nil && old.Scheduler != nil && c.Scheduler.BeanName == "" {
		c.Scheduler.BeanName = old.Scheduler.BeanName
	}
	if c.Listener != nil && old.Listener != nil && c.Listener.BeanName == "" {
		c.Listener.BeanName = old.Listener.BeanName
	}
	fillBeanNames(c)

	stored, err := s.store.Update(ctx, c)
	if err != nil {
		return nil, err
	}

	oldID, oldKind := unitOf(old)
	newID, newKind := unitOf(stored)
	switch {
	case oldID == "" && newID == "":
	case oldID == newID && oldKind == newKind && s.sched.Registry().Contains(oldID):
		err = s.refresh(oldID, stored)
	default:
		wasRunning := false
		if oldID != "" {
			if st, serr := s.sched.GetSchedulerStatus(oldID); serr == nil {
				wasRunning = st == job.StatusRunning
			}
			s.unregisterQuiet(oldID)
		}
		if newID != "" {
			if err = s.registerUnit(stored); err == nil && (wasRunning || running(stored)) {
				err = s.sched.Schedule(newID, false)
			}
		}
	}
	if err != nil {
		s.log.Error("configuration stored but unit not updated", logx.Int64("id", stored.ID), logx.Err(err))
		return stored, err
	}
	s.log.Info("configuration updated", logx.Int64("id", stored.ID), logx.String("job", stored.JobName))
	return stored, nil
}

func (s *Service) refresh(oldID string, cfg *job.Configuration) error {
	if cfg.Scheduler != nil {
		_, err := s.sched.RefreshSchedulerForJob(cfg)
		return err
	}
	_, _, err := s.sched.Registry().Refresh(oldID, func() (string, scheduler.Unit, error) {
		u, err := s.listeners.Build(cfg)
		if err != nil {
			return "", nil, err
		}
		scheduler.PublishStatus(s.bus, u, job.StatusInitialized)
		return u.ID(), u, nil
	})
	return err
}

// Delete unregisters the configuration's unit and removes it from storage.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if uid, _ := unitOf(cfg); uid != "" {
		s.unregisterQuiet(uid)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("configuration deleted", logx.Int64("id", id), logx.String("job", cfg.JobName))
	return nil
}

func (s *Service) StartScheduler(ctx context.Context, id int64) error {
	uid, err := s.schedulerID(ctx, id)
	if err != nil {
		return err
	}
	return s.sched.Schedule(uid, false)
}

func (s *Service) StopScheduler(ctx context.Context, id int64) error {
	uid, err := s.schedulerID(ctx, id)
	if err != nil {
		return err
	}
	return s.sched.Terminate(uid)
}

func (s *Service) StartListener(ctx context.Context, id int64) error {
	uid, err := s.listenerID(ctx, id)
	if err != nil {
		return err
	}
	return s.sched.Schedule(uid, false)
}

func (s *Service) StopListener(ctx context.Context, id int64) error {
	uid, err := s.listenerID(ctx, id)
	if err != nil {
		return err
	}
	return s.sched.Terminate(uid)
}

func (s *Service) schedulerID(ctx context.Context, id int64) (string, error) {
	cfg, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if cfg.Scheduler == nil {
		return "", fmt.Errorf("%w: id %d", ErrNoScheduler, id)
	}
	return scheduler.UnitID(cfg), nil
}

func (s *Service) listenerID(ctx context.Context, id int64) (string, error) {
	cfg, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if cfg.Listener == nil {
		return "", fmt.Errorf("%w: id %d", ErrNoListener, id)
	}
	return listener.UnitID(cfg), nil
}

// Bootstrap registers every stored configuration and starts those stored as
// RUNNING. A configuration that fails is logged and skipped.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list configurations: %w", err)
	}
	var registered, started int
	for _, cfg := range all {
		uid, _ := unitOf(cfg)
		if uid == "" {
			continue
		}
		if err := s.registerUnit(cfg); err != nil {
			s.log.Error("bootstrap: unit not registered", logx.Int64("id", cfg.ID), logx.String("job", cfg.JobName), logx.Err(err))
			continue
		}
		registered++
		if running(cfg) {
			if err := s.sched.Schedule(uid, false); err != nil {
				s.log.Error("bootstrap: unit not started", logx.String("unit", uid), logx.Err(err))
				continue
			}
			started++
		}
	}
	s.log.Info("bootstrap done", logx.Int("configurations", len(all)), logx.Int("registered", registered), logx.Int("started", started))
	return nil
}

// SeedFromConfig adds every seed whose job name is not stored yet and returns
// how many were added.
func (s *Service) SeedFromConfig(ctx context.Context, seeds []job.Configuration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added int
	var errs []error
	for i := range seeds {
		seed := &seeds[i]
		_, err := s.store.GetByJobName(ctx, seed.JobName)
		if err == nil {
			s.log.Debug("seed skipped; job already stored", logx.String("job", seed.JobName))
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		if _, err := s.addLocked(ctx, seed); err != nil {
			s.log.Error("seed not added", logx.String("job", seed.JobName), logx.Err(err))
			errs = append(errs, fmt.Errorf("seed %q: %w", seed.JobName, err))
			continue
		}
		added++
	}
	return added, errors.Join(errs...)
}

// SyncStatus writes a unit status change back to the stored configuration the
// unit was built from. Registration (INITIALIZED) is not written back, so a
// configuration stored as RUNNING stays RUNNING until its unit stops. Events
// for configurations that are gone or whose unit id no longer matches are
// ignored.
func (s *Service) SyncStatus(ctx context.Context, ev scheduler.StatusEvent) error {
	if ev.Status == job.StatusInitialized {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.store.Get(ctx, ev.ConfigurationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	changed := false
	switch ev.Kind {
	case scheduler.KindScheduler:
		if sc := cfg.Scheduler; sc != nil && scheduler.UnitID(cfg) == ev.UnitID && sc.Status != ev.Status {
			sc.Status = ev.Status
			changed = true
		}
	case scheduler.KindListener:
		if lc := cfg.Listener; lc != nil && listener.UnitID(cfg) == ev.UnitID && lc.Status != ev.Status {
			lc.Status = ev.Status
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if _, err := s.store.Update(ctx, cfg); err != nil {
		return err
	}
	s.log.Debug("status stored", logx.String("unit", ev.UnitID), logx.String("status", string(ev.Status)))
	return nil
}

func (s *Service) registerUnit(cfg *job.Configuration) error {
	switch {
	case cfg.Scheduler != nil:
		if cfg.Listener != nil {
			s.log.Warn("configuration has scheduler and listener; listener not registered", logx.Int64("id", cfg.ID))
		}
		_, err := s.sched.RegisterSchedulerForJob(cfg)
		return err
	case cfg.Listener != nil:
		u, err := s.listeners.Build(cfg)
		if err != nil {
			s.log.Error("listener construction failed", logx.String("job", cfg.JobName), logx.Err(err))
			return err
		}
		if err := s.sched.Registry().Register(u.ID(), u); err != nil {
			return err
		}
		scheduler.PublishStatus(s.bus, u, job.StatusInitialized)
		return nil
	default:
		return nil
	}
}

func (s *Service) startIfRunning(cfg *job.Configuration) error {
	if !running(cfg) {
		return nil
	}
	uid, _ := unitOf(cfg)
	return s.sched.Schedule(uid, false)
}

func (s *Service) unregisterQuiet(uid string) {
	if err := s.sched.UnregisterSchedulerForJob(uid); err != nil && !errors.Is(err, scheduler.ErrUnknownUnit) {
		s.log.Warn("unregister failed", logx.String("unit", uid), logx.Err(err))
	}
}

// unitOf returns the id and kind of the unit cfg registers, if any.
func unitOf(cfg *job.Configuration) (string, scheduler.UnitKind) {
	switch {
	case cfg.Scheduler != nil:
		return scheduler.UnitID(cfg), scheduler.KindScheduler
	case cfg.Listener != nil:
		return listener.UnitID(cfg), scheduler.KindListener
	default:
		return "", ""
	}
}

func running(cfg *job.Configuration) bool {
	switch {
	case cfg.Scheduler != nil:
		return cfg.Scheduler.Status == job.StatusRunning
	case cfg.Listener != nil:
		return cfg.Listener.Status == job.StatusRunning
	default:
		return false
	}
}

// fillBeanNames sets missing bean names to the generated unit ids and reports
// whether anything changed.
func fillBeanNames(cfg *job.Configuration) bool {
	changed := false
	if sc := cfg.Scheduler; sc != nil && sc.BeanName == "" {
		sc.BeanName = scheduler.UnitID(cfg)
		changed = true
	}
	if lc := cfg.Listener; lc != nil && lc.BeanName == "" {
		lc.BeanName = listener.UnitID(cfg)
		changed = true
	}
	return changed
}
