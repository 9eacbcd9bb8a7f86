// Package httpapi serves the admin HTTP API: job configuration CRUD, unit
// start/stop, unit and task engine status, and optionally net/http/pprof.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "batchctl/internal/runtime/supervisor"
	logx "batchctl/pkg/logx"
)

const defaultAddr = "127.0.0.1:8089"

// Config controls the optional admin HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Service runs the admin API listener. It is off until Start with Enabled set.
type Service struct {
	api *API
	log logx.Logger

	mu    sync.Mutex
	cfg   Config
	sup   *rtsup.Supervisor // non-nil while started
	bound string
}

func New(cfg Config, api *API, log logx.Logger) *Service {
	return &Service{cfg: cfg, api: api, log: log.With(logx.String("comp", "httpapi"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, or "" when nothing is listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Reconfigure applies cfg during hot reload: disabling stops the server, and
// any other change restarts it.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg != cfg
	started := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if started && (changed || !cfg.Enabled) {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// Start is idempotent and a no-op while disabled. The listener is served under
// a restart loop, so a bind that fails (port still held) is retried with backoff.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// an admin API failure never takes the daemon down
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serve,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down and waits for in-flight requests until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("admin api stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("admin api stopped")
}

// serve runs one listener until ctx ends. Returning context.Canceled ends the
// restart loop.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("admin api refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return fmt.Errorf("admin api refused to bind %s without a token", addr)
		}
		s.log.Warn("admin api exposed without token", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.api.Handler(HandlerOptions{Token: cfg.Token, Pprof: cfg.Pprof}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.setBound(ln.Addr().String())
	defer s.setBound("")
	s.log.Info("admin api listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		<-errc
		return context.Canceled
	case err := <-errc:
		_ = srv.Close()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return errors.New("admin api server exited unexpectedly")
		}
		return err
	}
}

func (s *Service) setBound(addr string) {
	s.mu.Lock()
	s.bound = addr
	s.mu.Unlock()
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
