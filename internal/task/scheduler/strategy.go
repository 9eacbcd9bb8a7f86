package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchctl/internal/job"
	"batchctl/internal/params"
	"batchctl/internal/runner"
	"batchctl/internal/task/engine"
	logx "batchctl/pkg/logx"
)

// ArgIncrementerDate is added by the DATE incrementer so every launch differs.
const ArgIncrementerDate = "incrementer.date"

// Pool accepts asynchronous work. *engine.Service implements it.
type Pool interface {
	Enqueue(t engine.Task) error
}

// BlockingPool can also wait for queue space. *engine.Service implements it.
type BlockingPool interface {
	Pool
	Submit(ctx context.Context, t engine.Task) error
}

// Strategy decides where a launch runs.
type Strategy interface {
	Execute(ctx context.Context, name string, fn func(ctx context.Context) error)
	Type() job.TaskExecutorType
}

// StrategyOption adjusts the ASYNCHRONOUS strategy built by NewStrategy.
type StrategyOption func(*asyncStrategy)

// WithBlockingDispatch makes ASYNCHRONOUS launches wait for queue space until
// the caller's context ends instead of being dropped on a full queue. It takes
// effect when the pool is a BlockingPool.
func WithBlockingDispatch() StrategyOption {
	return func(s *asyncStrategy) {
		if bp, ok := s.pool.(BlockingPool); ok {
			s.blocking = bp
		}
	}
}

// NewStrategy maps an executor type to a Strategy. pool may be nil when only
// SYNCHRONOUS is used.
func NewStrategy(t job.TaskExecutorType, pool Pool, log logx.Logger, opts ...StrategyOption) (Strategy, error) {
	switch t {
	case job.ExecutorSynchronous, "":
		return syncStrategy{log: log}, nil
	case job.ExecutorAsynchronous:
		if pool == nil {
			return nil, fmt.Errorf("ASYNCHRONOUS executor requires a task engine")
		}
		s := asyncStrategy{pool: pool, log: log}
		for _, o := range opts {
			o(&s)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown task executor %q", t)
	}
}

type syncStrategy struct{ log logx.Logger }

func (syncStrategy) Type() job.TaskExecutorType { return job.ExecutorSynchronous }

// Execute blocks the caller. Canceling the caller's context does not cancel the launch.
func (s syncStrategy) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("launch failed", logx.String("unit", name), logx.Err(err))
	}
}

type asyncStrategy struct {
	pool     Pool
	blocking BlockingPool // set by WithBlockingDispatch
	log      logx.Logger
}

func (asyncStrategy) Type() job.TaskExecutorType { return job.ExecutorAsynchronous }

func (s asyncStrategy) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) {
	task := engine.Task{Name: name, Run: fn}
	var err error
	if s.blocking != nil {
		err = s.blocking.Submit(ctx, task)
	} else {
		err = s.pool.Enqueue(task)
	}
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrQueueFull):
		// the engine already logs drops, throttled
	case ctx.Err() != nil:
		s.log.Info("launch abandoned while stopping", logx.String("unit", name))
	default:
		s.log.Warn("launch not dispatched", logx.String("unit", name), logx.Err(err))
	}
}

// Launcher turns one fire into a runner launch.
type Launcher struct {
	Runner      runner.Runner
	JobName     string
	Parameters  params.Parameters
	Incrementer job.Incrementer
}

// Launch runs the job with the configured parameters plus extra. A failed job
// execution is returned as an error.
func (l Launcher) Launch(ctx context.Context, fire time.Time, extra ...params.LaunchArgument) error {
	args := params.ToLaunchArguments(l.Parameters)
	if l.Incrementer == job.IncrementerDate {
		args = args.With(ArgIncrementerDate, fire)
	}
	for _, a := range extra {
		args = args.With(a.Key, a.Value)
	}
	exec, err := l.Runner.Launch(ctx, l.JobName, args)
	if err != nil {
		return err
	}
	return exec.Err()
}
