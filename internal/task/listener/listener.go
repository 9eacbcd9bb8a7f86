// Package listener implements file-arrival units: a watched folder whose new
// matching files each launch the configured job once.
package listener

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"batchctl/internal/eventbus"
	"batchctl/internal/job"
	"batchctl/internal/params"
	"batchctl/internal/runner"
	rtsup "batchctl/internal/runtime/supervisor"
	"batchctl/internal/task/scheduler"
	logx "batchctl/pkg/logx"
)

// ArgFileSource carries the absolute path of the file that triggered a launch.
const ArgFileSource = "fileSource"

const (
	defaultPollerPeriod = time.Second
	// settleDelay lets a writer finish before the folder is rescanned.
	settleDelay = 100 * time.Millisecond

	// a watch loop that fails this many times stops the unit
	maxWatchRestarts = 10
	minWatchBackoff  = time.Second
	maxWatchBackoff  = 30 * time.Second
)

// Builder constructs listener units; it holds the dependencies shared by all of them.
type Builder struct {
	Runner runner.Runner
	Pool   scheduler.Pool
	Log    logx.Logger
	Bus    eventbus.Bus

	// RatePerSec caps launches per unit. <= 0 means unlimited.
	RatePerSec float64
	Burst      int
}

// UnitID is the configured bean name, or {jobName}{listenerType}{configurationId}.
func UnitID(cfg *job.Configuration) string {
	if l := cfg.Listener; l != nil && l.BeanName != "" {
		return l.BeanName
	}
	typ := ""
	if cfg.Listener != nil {
		typ = string(cfg.Listener.Type)
	}
	return cfg.JobName + typ + strconv.FormatInt(cfg.ID, 10)
}

func (b Builder) Build(cfg *job.Configuration) (*Unit, error) {
	if cfg == nil || cfg.Listener == nil {
		return nil, fmt.Errorf("%w: no listener configuration", scheduler.ErrSchedulerConstruction)
	}
	lc := cfg.Listener
	id := UnitID(cfg)
	fail := func(err error) (*Unit, error) {
		return nil, fmt.Errorf("%w: %s: %w", scheduler.ErrSchedulerConstruction, id, err)
	}
	if lc.Type != job.ListenerLocalFolder {
		return fail(fmt.Errorf("unknown listener type %q", lc.Type))
	}
	if _, err := b.Runner.Resolve(cfg.JobName); err != nil {
		return fail(err)
	}
	folder, err := filepath.Abs(lc.SourceFolder)
	if err != nil {
		return fail(err)
	}
	fi, err := os.Stat(folder)
	if err != nil {
		return fail(err)
	}
	if !fi.IsDir() {
		return fail(fmt.Errorf("%s is not a directory", folder))
	}
	pattern := lc.FilePattern
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fail(fmt.Errorf("file pattern %q: %w", pattern, err))
	}
	if lc.PollerPeriodMs < 0 {
		return fail(fmt.Errorf("poller period %dms < 0", lc.PollerPeriodMs))
	}
	poll := time.Duration(lc.PollerPeriodMs) * time.Millisecond
	if poll == 0 {
		poll = defaultPollerPeriod
	}
	log := b.Log.With(logx.String("comp", "listener"), logx.String("unit", id))
	// a file is marked seen before dispatch, so async launches wait for queue space
	strategy, err := scheduler.NewStrategy(lc.TaskExecutor, b.Pool, log, scheduler.WithBlockingDispatch())
	if err != nil {
		return fail(err)
	}

	limit := rate.Inf
	if b.RatePerSec > 0 {
		limit = rate.Limit(b.RatePerSec)
	}
	burst := max(b.Burst, 1)

	return &Unit{
		id:       id,
		configID: cfg.ID,
		folder:   folder,
		pattern:  pattern,
		poll:     poll,
		strategy: strategy,
		launcher: scheduler.Launcher{
			Runner:      b.Runner,
			JobName:     cfg.JobName,
			Parameters:  cfg.Parameters,
			Incrementer: cfg.Incrementer,
		},
		limiter:    rate.NewLimiter(limit, burst),
		log:        log,
		bus:        b.Bus,
		backoffMin: minWatchBackoff,
		backoffMax: maxWatchBackoff,
		status:     job.StatusInitialized,
		seen:       map[string]struct{}{},
	}, nil
}

// Unit watches one folder. Each file is launched once per unit lifetime, keyed by
// path, size and modification time, so a rewritten file launches again. Stop
// and Start keep the seen set; a rebuilt unit starts empty.
type Unit struct {
	id       string
	configID int64
	folder   string
	pattern  string
	poll     time.Duration
	strategy scheduler.Strategy
	launcher scheduler.Launcher
	limiter  *rate.Limiter
	log      logx.Logger
	bus      eventbus.Bus

	backoffMin, backoffMax time.Duration

	mu     sync.Mutex
	status job.Status
	gen    uint64
	sup    *rtsup.Supervisor

	seenMu sync.Mutex
	seen   map[string]struct{}
}

var _ scheduler.Unit = (*Unit)(nil)

func (u *Unit) ID() string                     { return u.id }
func (u *Unit) Kind() scheduler.UnitKind       { return scheduler.KindListener }
func (u *Unit) ConfigurationID() int64         { return u.configID }
func (u *Unit) Folder() string                 { return u.folder }
func (u *Unit) Executor() job.TaskExecutorType { return u.strategy.Type() }

func (u *Unit) Status() job.Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Unit) Start() error {
	u.mu.Lock()
	if u.status == job.StatusRunning {
		u.mu.Unlock()
		u.log.Info("listener already running")
		return nil
	}
	u.startLocked()
	scheduler.PublishStatus(u.bus, u, job.StatusRunning)
	u.mu.Unlock()
	u.log.Info("listener started", logx.String("folder", u.folder), logx.String("pattern", u.pattern))
	return nil
}

func (u *Unit) Restart() error {
	u.mu.Lock()
	wasRunning := u.status == job.StatusRunning
	if wasRunning {
		u.sup.Cancel()
	}
	u.startLocked()
	if !wasRunning {
		scheduler.PublishStatus(u.bus, u, job.StatusRunning)
	}
	u.mu.Unlock()
	return nil
}

func (u *Unit) startLocked() {
	u.gen++
	gen := u.gen
	u.status = job.StatusRunning
	sup := rtsup.New(context.Background(), rtsup.WithLogger(u.log))
	sup.GoRestart("listener."+u.id, func(ctx context.Context) error {
		return u.run(ctx, gen)
	}, rtsup.WithRestartBackoff(u.backoffMin, u.backoffMax), rtsup.WithMaxRestarts(maxWatchRestarts))
	u.sup = sup
	go u.awaitWatch(sup, gen)
}

// awaitWatch stops the unit when its watch loop gives up. A loop ended by Stop
// or Restart belongs to an older generation and is ignored.
func (u *Unit) awaitWatch(sup *rtsup.Supervisor, gen uint64) {
	err := sup.Wait(context.Background())
	u.mu.Lock()
	if u.gen != gen || u.status != job.StatusRunning {
		u.mu.Unlock()
		return
	}
	u.gen++
	u.status = job.StatusStopped
	scheduler.PublishStatus(u.bus, u, job.StatusStopped)
	u.mu.Unlock()
	u.log.Error("listener stopped: folder watch failed", logx.String("folder", u.folder), logx.Err(err))
}

// Stop cancels watching. Launches already dispatched run to completion.
func (u *Unit) Stop() {
	u.mu.Lock()
	if u.status != job.StatusRunning {
		st := u.status
		u.mu.Unlock()
		u.log.Info("listener not running", logx.String("status", string(st)))
		return
	}
	u.sup.Cancel()
	u.gen++
	u.status = job.StatusStopped
	scheduler.PublishStatus(u.bus, u, job.StatusStopped)
	u.mu.Unlock()
	u.log.Info("listener stopped")
}

func (u *Unit) current(gen uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gen == gen && u.status == job.StatusRunning
}

func (u *Unit) run(ctx context.Context, gen uint64) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	w, err := fsnotify.NewWatcher()
	if err != nil {
		u.log.Warn("file watcher unavailable; polling only", logx.Err(err))
	} else {
		defer w.Close()
		if err := w.Add(u.folder); err != nil {
			return fmt.Errorf("watch %s: %w", u.folder, err)
		}
		events, errs = w.Events, w.Errors
	}

	u.scan(ctx, gen)
	ticker := time.NewTicker(u.poll)
	defer ticker.Stop()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			u.scan(ctx, gen)
		case <-settle:
			settle = nil
			u.scan(ctx, gen)
		case ev, ok := <-events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && u.matches(ev.Name) {
				settle = time.After(settleDelay)
			}
		case err, ok := <-errs:
			if !ok {
				return errors.New("file watcher closed")
			}
			// a rescan covers whatever the watcher dropped
			u.log.Warn("file watcher error", logx.Err(err))
			settle = time.After(settleDelay)
		}
	}
}

func (u *Unit) matches(path string) bool {
	ok, _ := filepath.Match(u.pattern, filepath.Base(path))
	return ok
}

// scan launches every matching file not seen before, oldest first.
func (u *Unit) scan(ctx context.Context, gen uint64) {
	entries, err := os.ReadDir(u.folder)
	if err != nil {
		u.log.Warn("scan failed", logx.String("folder", u.folder), logx.Err(err))
		return
	}
	type candidate struct {
		path string
		mod  time.Time
		key  string
	}
	var fresh []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !u.matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		// files still being written are picked up by a later scan
		if err != nil || time.Since(info.ModTime()) < settleDelay {
			continue
		}
		path := filepath.Join(u.folder, e.Name())
		key := path + "|" + strconv.FormatInt(info.Size(), 10) + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
		u.seenMu.Lock()
		_, dup := u.seen[key]
		u.seenMu.Unlock()
		if !dup {
			fresh = append(fresh, candidate{path: path, mod: info.ModTime(), key: key})
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].mod.Before(fresh[j].mod) })

	for _, c := range fresh {
		if err := u.limiter.Wait(ctx); err != nil {
			return
		}
		if !u.current(gen) {
			return
		}
		u.seenMu.Lock()
		u.seen[c.key] = struct{}{}
		u.seenMu.Unlock()

		path := c.path
		u.log.Info("file arrived", logx.String("file", path))
		u.strategy.Execute(ctx, u.id, func(rc context.Context) error {
			return u.launcher.Launch(rc, time.Now(), params.LaunchArgument{Key: ArgFileSource, Value: path})
		})
	}
}
