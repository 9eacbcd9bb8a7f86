package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"batchctl/internal/admin"
	"batchctl/internal/job"
	"batchctl/internal/params"
	"batchctl/internal/storage"
	"batchctl/internal/task/engine"
	"batchctl/internal/task/scheduler"
	logx "batchctl/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Admin is the configuration and unit control surface the API exposes.
type Admin interface {
	List(ctx context.Context) ([]*job.Configuration, error)
	Get(ctx context.Context, id int64) (*job.Configuration, error)
	GetByJobName(ctx context.Context, jobName string) ([]*job.Configuration, error)
	Add(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error)
	Update(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error)
	Delete(ctx context.Context, id int64) error
	StartScheduler(ctx context.Context, id int64) error
	StopScheduler(ctx context.Context, id int64) error
	StartListener(ctx context.Context, id int64) error
	StopListener(ctx context.Context, id int64) error
}

type Units interface {
	IDs() []string
	Lookup(id string) (scheduler.Unit, error)
}

type Engine interface {
	Snapshot() engine.Snapshot
}

var _ Admin = (*admin.Service)(nil)

// API holds the handlers; Service serves them.
type API struct {
	admin  Admin
	units  Units
	engine Engine
	log    logx.Logger
}

// NewAPI builds the handler set. eng may be nil.
func NewAPI(a Admin, units Units, eng Engine, log logx.Logger) *API {
	return &API{admin: a, units: units, engine: eng, log: log.With(logx.String("comp", "httpapi"))}
}

type HandlerOptions struct {
	Token string
	Pprof bool
}

type UnitView struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	ConfigurationID int64      `json:"configuration_id"`
	Status          job.Status `json:"status"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) Handler(opts HandlerOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", a.handleListJobs)
				r.Post("/", a.handleAddJob)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.handleGetJob)
					r.Put("/", a.handleUpdateJob)
					r.Delete("/", a.handleDeleteJob)
					r.Post("/scheduler/start", a.unitAction(a.admin.StartScheduler))
					r.Post("/scheduler/stop", a.unitAction(a.admin.StopScheduler))
					r.Post("/listener/start", a.unitAction(a.admin.StartListener))
					r.Post("/listener/stop", a.unitAction(a.admin.StopListener))
				})
			})
			r.Get("/units", a.handleListUnits)
			r.Get("/engine", a.handleEngine)
		})

		if opts.Pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

// handleListJobs lists every configuration, or those of ?job=<name>.
func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		cfgs []*job.Configuration
		err  error
	)
	if name := strings.TrimSpace(r.URL.Query().Get("job")); name != "" {
		cfgs, err = a.admin.GetByJobName(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			cfgs, err = []*job.Configuration{}, nil
		}
	} else {
		cfgs, err = a.admin.List(r.Context())
	}
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if cfgs == nil {
		cfgs = []*job.Configuration{}
	}
	respondJSON(w, http.StatusOK, cfgs)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	cfg, err := a.admin.Get(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (a *API) handleAddJob(w http.ResponseWriter, r *http.Request) {
	cfg, ok := a.decodeConfiguration(w, r)
	if !ok {
		return
	}
	cfg.ID = 0
	stored, err := a.admin.Add(r.Context(), cfg)
	if err != nil && stored == nil {
		a.respondError(w, r, err)
		return
	}
	if err != nil {
		// stored and registered, but the unit did not start
		a.log.Warn("configuration added with start error", logx.Int64("id", stored.ID), logx.Err(err))
	}
	respondJSON(w, http.StatusCreated, stored)
}

func (a *API) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	cfg, ok := a.decodeConfiguration(w, r)
	if !ok {
		return
	}
	cfg.ID = id
	stored, err := a.admin.Update(r.Context(), cfg)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.admin.Delete(r.Context(), id); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unitAction(fn func(ctx context.Context, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := a.pathID(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), id); err != nil {
			a.respondError(w, r, err)
			return
		}
		cfg, err := a.admin.Get(r.Context(), id)
		if err != nil {
			a.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, cfg)
	}
}

func (a *API) handleListUnits(w http.ResponseWriter, r *http.Request) {
	ids := a.units.IDs()
	out := make([]UnitView, 0, len(ids))
	for _, id := range ids {
		u, err := a.units.Lookup(id)
		if err != nil {
			// unregistered since IDs was taken
			continue
		}
		out = append(out, UnitView{ID: id, Kind: string(u.Kind()), ConfigurationID: u.ConfigurationID(), Status: u.Status()})
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleEngine(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		respondJSON(w, http.StatusOK, engine.Snapshot{})
		return
	}
	respondJSON(w, http.StatusOK, a.engine.Snapshot())
}

func (a *API) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid id %q", raw)})
		return 0, false
	}
	return id, true
}

func (a *API) decodeConfiguration(w http.ResponseWriter, r *http.Request) (*job.Configuration, bool) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var cfg job.Configuration
	if err := dec.Decode(&cfg); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "decode body: " + err.Error()})
		return nil, false
	}
	return &cfg, true
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	respondJSON(w, status, errorBody{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, scheduler.ErrUnknownUnit):
		return http.StatusNotFound
	case errors.Is(err, admin.ErrNoScheduler), errors.Is(err, admin.ErrNoListener),
		errors.Is(err, scheduler.ErrDuplicateUnit):
		return http.StatusConflict
	case errors.Is(err, job.ErrInvalidConfiguration),
		errors.Is(err, params.ErrMalformedParameterString),
		errors.Is(err, params.ErrUnsupportedParameterType),
		errors.Is(err, scheduler.ErrUnknownSchedulerType):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrSchedulerConstruction):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>. An
// empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respondJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
