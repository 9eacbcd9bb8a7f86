package scheduler

import (
	"fmt"
	"slices"
	"sync"

	"batchctl/internal/job"
	logx "batchctl/pkg/logx"
)

// Registry maps unit ids to live units. One mutex guards every operation, so a
// unit id is never held by two units at once.
type Registry struct {
	mu    sync.Mutex
	units map[string]Unit
	log   logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	return &Registry{
		units: map[string]Unit{},
		log:   log.With(logx.String("comp", "registry")),
	}
}

func (r *Registry) Register(id string, u Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(id, u)
}

func (r *Registry) registerLocked(id string, u Unit) error {
	if id == "" {
		return fmt.Errorf("unit id required")
	}
	if _, ok := r.units[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateUnit, id)
	}
	r.units[id] = u
	r.log.Info("unit registered", logx.String("unit", id), logx.String("kind", string(u.Kind())))
	return nil
}

// Unregister stops the unit when RUNNING and removes it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.removeLocked(id)
	return err
}

func (r *Registry) removeLocked(id string) (Unit, error) {
	u, ok := r.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	if u.Status() == job.StatusRunning {
		u.Stop()
	}
	delete(r.units, id)
	r.log.Info("unit unregistered", logx.String("unit", id))
	return u, nil
}

func (r *Registry) Lookup(id string) (Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	return u, nil
}

func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.units[id]
	return ok
}

// Refresh swaps the unit at oldID for the one build returns, as one step under
// the registry lock. The old unit is always stopped and removed first; when
// build fails nothing replaces it. The new unit is started when the old one was
// RUNNING.
func (r *Registry) Refresh(oldID string, build func() (string, Unit, error)) (string, Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.units[oldID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownUnit, oldID)
	}
	wasRunning := old.Status() == job.StatusRunning
	if _, err := r.removeLocked(oldID); err != nil {
		return "", nil, err
	}

	id, u, err := build()
	if err != nil {
		r.log.Error("unit rebuild failed; old unit removed", logx.String("unit", oldID), logx.Err(err))
		return "", nil, constructionError(oldID, err)
	}
	if err := r.registerLocked(id, u); err != nil {
		return "", nil, err
	}
	if wasRunning {
		if err := u.Start(); err != nil {
			return id, u, err
		}
	}
	return id, u, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

// StopAll stops every RUNNING unit and keeps them registered.
func (r *Registry) StopAll() {
	r.mu.Lock()
	units := make([]Unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.Unlock()
	for _, u := range units {
		if u.Status() == job.StatusRunning {
			u.Stop()
		}
	}
}
