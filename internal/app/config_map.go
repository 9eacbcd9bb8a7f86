package app

import (
	"fmt"
	"strings"
	"time"

	"batchctl/internal/config"
	"batchctl/internal/httpapi"
	"batchctl/internal/storage"
	"batchctl/internal/task/engine"
	logx "batchctl/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true}
	if cfg == nil || cfg.TaskEngine == nil {
		return out, nil
	}
	te := cfg.TaskEngine
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize

	var err error
	if out.DefaultTimeout, err = config.ParseDuration("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// OpenStore opens the job configuration store cfg selects.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	if cfg == nil || cfg.HTTP == nil {
		return httpapi.Config{}, nil
	}
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// pprof profile and trace stream for their full duration
	if out.WriteTimeout, err = config.DurationOr("http.write_timeout", h.WriteTimeout, 0); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.DurationOr("http.idle_timeout", h.IdleTimeout, time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}
