package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks values the strict decoder cannot: durations, the timezone,
// the storage driver and every seed job. Seeds are normalized in place.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDuration("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
		if _, err := ParseDuration("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Listener.RatePerSec < 0 || cfg.Listener.Burst < 0 {
		errs = append(errs, errors.New("listener: rate_per_sec and burst must be >= 0"))
	}
	if h := cfg.HTTP; h != nil {
		for path, raw := range map[string]string{
			"http.read_timeout":  h.ReadTimeout,
			"http.write_timeout": h.WriteTimeout,
			"http.idle_timeout":  h.IdleTimeout,
		} {
			if _, err := ParseDuration(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if h.Enabled && strings.TrimSpace(h.Addr) != "" {
			if _, _, err := net.SplitHostPort(strings.TrimSpace(h.Addr)); err != nil {
				errs = append(errs, fmt.Errorf("http.addr: %w", err))
			}
		}
	}
	for i := range cfg.Jobs {
		j := &cfg.Jobs[i]
		j.Normalize()
		if err := j.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
