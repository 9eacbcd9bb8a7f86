package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "batchctl/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchRetryMin    = 250 * time.Millisecond
	watchRetryMax    = 5 * time.Second
	watchedFileEvent = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so editors that save by rename are seen. A failed or broken watcher
// is recreated after a jittered, growing delay.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	retry := watchRetryMin

	deb := &debouncer{delay: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	for {
		err := m.watchOnce(ctx, dir, file, deb, func() { retry = watchRetryMin })
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Err(err), logx.Duration("in", retry))
		if !sleepJittered(ctx, retry) {
			return nil
		}
		retry = min(retry*2, watchRetryMax)
	}
}

// watchOnce runs one watcher until ctx ends or the watcher breaks. healthy is
// called once the directory is watched.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, deb *debouncer, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) == file && ev.Op&watchedFileEvent != 0 {
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error channel closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// events were lost; the file may have changed
				m.log.Warn("config watch overflow; forcing reload")
				deb.trigger()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// debouncer runs fn once delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// sleepJittered waits base plus up to half of base again; false when ctx ended.
func sleepJittered(ctx context.Context, base time.Duration) bool {
	t := time.NewTimer(base + rand.N(base/2+1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
