package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"batchctl/internal/job"
)

// memStore keeps configurations in process memory.
type memStore struct {
	mu      sync.RWMutex
	configs map[int64]*job.Configuration
	// sequences for configuration, scheduler and listener ids
	nextID, nextSchedulerID, nextListenerID int64
}

func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{configs: map[int64]*job.Configuration{}}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Get(_ context.Context, id int64) (*job.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (s *memStore) GetByJobName(ctx context.Context, jobName string) ([]*job.Configuration, error) {
	out, err := s.ListByJobNames(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: job %q", ErrNotFound, jobName)
	}
	return out, nil
}

func (s *memStore) ListByJobNames(_ context.Context, jobNames ...string) ([]*job.Configuration, error) {
	return s.collect(func(c *job.Configuration) bool { return slices.Contains(jobNames, c.JobName) }), nil
}

func (s *memStore) List(_ context.Context) ([]*job.Configuration, error) {
	return s.collect(func(*job.Configuration) bool { return true }), nil
}

func (s *memStore) collect(keep func(*job.Configuration) bool) []*job.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Configuration, 0, len(s.configs))
	for _, c := range s.configs {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sortByID(out)
	return out
}

func (s *memStore) Add(_ context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(cfg), nil
}

func (s *memStore) addLocked(cfg *job.Configuration) *job.Configuration {
	c := cfg.Clone()
	s.nextID++
	c.ID = s.nextID
	if c.Scheduler != nil {
		s.nextSchedulerID++
		c.Scheduler.ID = s.nextSchedulerID
	}
	if c.Listener != nil {
		s.nextListenerID++
		c.Listener.ID = s.nextListenerID
	}
	s.configs[c.ID] = c
	return c.Clone()
}

func (s *memStore) Update(_ context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(cfg)
}

func (s *memStore) updateLocked(cfg *job.Configuration) (*job.Configuration, error) {
	old, ok := s.configs[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, cfg.ID)
	}
	c := cfg.Clone()
	if c.Scheduler != nil {
		if old.Scheduler != nil {
			c.Scheduler.ID = old.Scheduler.ID
		} else {
			s.nextSchedulerID++
			c.Scheduler.ID = s.nextSchedulerID
		}
	}
	if c.Listener != nil {
		if old.Listener != nil {
			c.Listener.ID = old.Listener.ID
		} else {
			s.nextListenerID++
			c.Listener.ID = s.nextListenerID
		}
	}
	s.configs[c.ID] = c
	return c.Clone(), nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *memStore) deleteLocked(id int64) error {
	if _, ok := s.configs[id]; !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(s.configs, id)
	return nil
}

func sortByID(cs []*job.Configuration) {
	slices.SortFunc(cs, func(a, b *job.Configuration) int { return cmp.Compare(a.ID, b.ID) })
}
