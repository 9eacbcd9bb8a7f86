package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"batchctl/internal/job"
	logx "batchctl/pkg/logx"
)

// fileStore is the memory store backed by one JSON snapshot file. Every change
// rewrites the snapshot through a temp file and rename; a failed write rolls the
// change back.
type fileStore struct {
	*memStore
	path string
	log  logx.Logger
}

type fileSnapshot struct {
	NextID          int64        `json:"next_id"`
	NextSchedulerID int64        `json:"next_scheduler_id"`
	NextListenerID  int64        `json:"next_listener_id"`
	Configurations  []fileRecord `json:"configurations"`
}

type fileRecord struct {
	ID          int64                       `json:"id"`
	JobName     string                      `json:"job_name"`
	Incrementer job.Incrementer             `json:"incrementer"`
	Parameters  []paramRow                  `json:"parameters"`
	Scheduler   *job.SchedulerConfiguration `json:"scheduler,omitempty"`
	Listener    *job.ListenerConfiguration  `json:"listener,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{memStore: newMemStore(), path: path, log: log}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	log.Info("file store opened", logx.String("path", path), logx.Int("configurations", len(s.configs)))
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	s.nextID, s.nextSchedulerID, s.nextListenerID = snap.NextID, snap.NextSchedulerID, snap.NextListenerID
	for _, r := range snap.Configurations {
		p, err := fromRows(r.Parameters)
		if err != nil {
			return fmt.Errorf("configuration %d: %w", r.ID, err)
		}
		s.configs[r.ID] = &job.Configuration{
			ID:          r.ID,
			JobName:     r.JobName,
			Incrementer: r.Incrementer,
			Parameters:  p,
			Scheduler:   r.Scheduler,
			Listener:    r.Listener,
		}
		s.nextID = max(s.nextID, r.ID)
	}
	return nil
}

func (s *fileStore) Add(_ context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	var out *job.Configuration
	err := s.mutate(func() error {
		out = s.addLocked(cfg)
		return nil
	})
	return out, err
}

func (s *fileStore) Update(_ context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	var out *job.Configuration
	err := s.mutate(func() (err error) {
		out, err = s.updateLocked(cfg)
		return err
	})
	return out, err
}

func (s *fileStore) Delete(_ context.Context, id int64) error {
	return s.mutate(func() error { return s.deleteLocked(id) })
}

func (s *fileStore) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := maps.Clone(s.configs)
	prevSeq := [3]int64{s.nextID, s.nextSchedulerID, s.nextListenerID}
	if err := fn(); err != nil {
		return err
	}
	if err := s.flushLocked(); err != nil {
		s.configs = prev
		s.nextID, s.nextSchedulerID, s.nextListenerID = prevSeq[0], prevSeq[1], prevSeq[2]
		s.log.Error("snapshot write failed; change rolled back", logx.Err(err))
		return err
	}
	return nil
}

func (s *fileStore) flushLocked() error {
	snap := fileSnapshot{
		NextID:          s.nextID,
		NextSchedulerID: s.nextSchedulerID,
		NextListenerID:  s.nextListenerID,
		Configurations:  make([]fileRecord, 0, len(s.configs)),
	}
	all := make([]*job.Configuration, 0, len(s.configs))
	for _, c := range s.configs {
		all = append(all, c)
	}
	sortByID(all)
	for _, c := range all {
		snap.Configurations = append(snap.Configurations, fileRecord{
			ID:          c.ID,
			JobName:     c.JobName,
			Incrementer: c.Incrementer,
			Parameters:  toRows(c.Parameters),
			Scheduler:   c.Scheduler,
			Listener:    c.Listener,
		})
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
