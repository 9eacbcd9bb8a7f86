// Package runner resolves job names and launches executions.
//
// The scheduler only needs Runner; Local is the in-process implementation used
// by the daemon, with jobs registered by name at startup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchctl/internal/eventbus"
	"batchctl/internal/params"
	logx "batchctl/pkg/logx"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already registered")
)

type Job interface {
	Name() string
	Run(ctx context.Context, args params.LaunchArguments) error
}

type JobFunc func(ctx context.Context, args params.LaunchArguments) error

type funcJob struct {
	name string
	fn   JobFunc
}

func (j funcJob) Name() string { return j.name }
func (j funcJob) Run(ctx context.Context, args params.LaunchArguments) error {
	return j.fn(ctx, args)
}

type Runner interface {
	Resolve(jobName string) (Job, error)
	// Launch runs the job to completion. The error reports launch problems only;
	// job failures are recorded on the Execution.
	Launch(ctx context.Context, jobName string, args params.LaunchArguments) (*Execution, error)
}

type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

type Execution struct {
	ID        string                 `json:"id"`
	JobName   string                 `json:"job_name"`
	Arguments params.LaunchArguments `json:"-"`
	Start     time.Time              `json:"start"`
	End       time.Time              `json:"end"`
	Status    ExecutionStatus        `json:"status"`
	Error     string                 `json:"error,omitempty"`
}

func (e *Execution) Duration() time.Duration { return e.End.Sub(e.Start) }

// Err returns the job failure, or nil when it completed.
func (e *Execution) Err() error {
	if e == nil || e.Status != StatusFailed {
		return nil
	}
	return errors.New(e.Error)
}

// Local runs registered jobs on the caller's goroutine.
type Local struct {
	mu   sync.RWMutex
	jobs map[string]Job

	log logx.Logger
	bus eventbus.Bus
}

func NewLocal(log logx.Logger, bus eventbus.Bus) *Local {
	return &Local{
		jobs: map[string]Job{},
		log:  log.With(logx.String("comp", "runner")),
		bus:  bus,
	}
}

func (l *Local) Register(job Job) error {
	name := strings.TrimSpace(job.Name())
	if name == "" {
		return fmt.Errorf("job name required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	l.jobs[name] = job
	return nil
}

func (l *Local) RegisterFunc(name string, fn JobFunc) error {
	return l.Register(funcJob{name: name, fn: fn})
}

func (l *Local) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.jobs))
	for name := range l.jobs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (l *Local) Resolve(jobName string) (Job, error) {
	l.mu.RLock()
	j, ok := l.jobs[jobName]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return j, nil
}

func (l *Local) Launch(ctx context.Context, jobName string, args params.LaunchArguments) (*Execution, error) {
	job, err := l.Resolve(jobName)
	if err != nil {
		return nil, err
	}
	exec := &Execution{
		ID:        uuid.NewString(),
		JobName:   jobName,
		Arguments: args,
		Start:     time.Now(),
	}
	log := l.log.With(logx.String("job", jobName), logx.String("execution", exec.ID))
	log.Debug("job launched", logx.Int("args", len(args)))

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return job.Run(ctx, args)
	}()

	exec.End = time.Now()
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
		log.Warn("job failed", logx.Err(runErr), logx.Duration("dur", exec.Duration()))
	} else {
		exec.Status = StatusCompleted
		log.Info("job completed", logx.Duration("dur", exec.Duration()))
	}
	eventbus.Publish(l.bus, eventbus.TypeJobLaunched, *exec)
	return exec, nil
}
