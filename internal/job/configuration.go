// Package job holds the persisted job configuration model shared by storage,
// scheduling and the admin layer.
package job

import (
	"errors"
	"fmt"
	"strings"

	"batchctl/internal/params"
)

var ErrInvalidConfiguration = errors.New("invalid job configuration")

type SchedulerType string

const (
	SchedulerCron   SchedulerType = "CRON"
	SchedulerPeriod SchedulerType = "PERIOD"
)

func (t SchedulerType) Valid() bool { return t == SchedulerCron || t == SchedulerPeriod }

type TaskExecutorType string

const (
	ExecutorSynchronous  TaskExecutorType = "SYNCHRONOUS"
	ExecutorAsynchronous TaskExecutorType = "ASYNCHRONOUS"
)

func (t TaskExecutorType) Valid() bool {
	return t == ExecutorSynchronous || t == ExecutorAsynchronous
}

// Status is the lifecycle state of a live unit, mirrored into storage.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusRunning     Status = "RUNNING"
	StatusStopped     Status = "STOPPED"
)

type Incrementer string

const (
	IncrementerNone Incrementer = "NONE"
	IncrementerDate Incrementer = "DATE"
)

type ListenerType string

const ListenerLocalFolder ListenerType = "LOCAL_FOLDER_LISTENER"

// Configuration is one stored job definition.
type Configuration struct {
	ID          int64             `json:"id"`
	JobName     string            `json:"job_name"`
	Parameters  params.Parameters `json:"parameters"`
	Incrementer Incrementer       `json:"incrementer,omitempty"`

	Scheduler *SchedulerConfiguration `json:"scheduler,omitempty"`
	Listener  *ListenerConfiguration  `json:"listener,omitempty"`
}

type SchedulerConfiguration struct {
	ID             int64            `json:"id,omitempty"`
	Type           SchedulerType    `json:"type"`
	CronExpression string           `json:"cron_expression,omitempty"`
	InitialDelayMs int64            `json:"initial_delay_ms,omitempty"`
	FixedDelayMs   int64            `json:"fixed_delay_ms,omitempty"`
	TaskExecutor   TaskExecutorType `json:"task_executor,omitempty"`
	// BeanName is the live unit id; generated on registration when empty.
	BeanName string `json:"bean_name,omitempty"`
	Status   Status `json:"status,omitempty"`
}

type ListenerConfiguration struct {
	ID             int64            `json:"id,omitempty"`
	Type           ListenerType     `json:"type"`
	SourceFolder   string           `json:"source_folder"`
	FilePattern    string           `json:"file_pattern"`
	PollerPeriodMs int64            `json:"poller_period_ms,omitempty"`
	TaskExecutor   TaskExecutorType `json:"task_executor,omitempty"`
	BeanName       string           `json:"bean_name,omitempty"`
	Status         Status           `json:"status,omitempty"`
}

// Clone returns a deep copy; Parameters is immutable and shared.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Scheduler != nil {
		s := *c.Scheduler
		cp.Scheduler = &s
	}
	if c.Listener != nil {
		l := *c.Listener
		cp.Listener = &l
	}
	return &cp
}

// Normalize fills defaults: NONE incrementer, SYNCHRONOUS executors, INITIALIZED status
// and upper-case enum spellings.
func (c *Configuration) Normalize() {
	c.JobName = strings.TrimSpace(c.JobName)
	c.Incrementer = Incrementer(strings.ToUpper(strings.TrimSpace(string(c.Incrementer))))
	if c.Incrementer == "" {
		c.Incrementer = IncrementerNone
	}
	if s := c.Scheduler; s != nil {
		s.Type = SchedulerType(strings.ToUpper(strings.TrimSpace(string(s.Type))))
		s.TaskExecutor = normalizeExecutor(s.TaskExecutor)
		s.Status = normalizeStatus(s.Status)
	}
	if l := c.Listener; l != nil {
		l.Type = ListenerType(strings.ToUpper(strings.TrimSpace(string(l.Type))))
		if l.Type == "" {
			l.Type = ListenerLocalFolder
		}
		l.TaskExecutor = normalizeExecutor(l.TaskExecutor)
		l.Status = normalizeStatus(l.Status)
	}
}

func normalizeExecutor(t TaskExecutorType) TaskExecutorType {
	t = TaskExecutorType(strings.ToUpper(strings.TrimSpace(string(t))))
	if t == "" {
		return ExecutorSynchronous
	}
	return t
}

func normalizeStatus(s Status) Status {
	s = Status(strings.ToUpper(strings.TrimSpace(string(s))))
	if s == "" {
		return StatusInitialized
	}
	return s
}

// Validate checks the fields storage relies on. Trigger values are checked
// when a unit is built.
func (c *Configuration) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalidConfiguration)
	}
	if c.JobName == "" {
		return fmt.Errorf("%w: job name required", ErrInvalidConfiguration)
	}
	if err := c.Parameters.Validate(); err != nil {
		return fmt.Errorf("%w: parameters: %w", ErrInvalidConfiguration, err)
	}
	switch c.Incrementer {
	case IncrementerNone, IncrementerDate:
	default:
		return fmt.Errorf("%w: unknown incrementer %q", ErrInvalidConfiguration, c.Incrementer)
	}
	if s := c.Scheduler; s != nil {
		if !s.Type.Valid() {
			return fmt.Errorf("%w: unknown scheduler type %q", ErrInvalidConfiguration, s.Type)
		}
		if !s.TaskExecutor.Valid() {
			return fmt.Errorf("%w: unknown task executor %q", ErrInvalidConfiguration, s.TaskExecutor)
		}
		if err := validStatus(s.Status); err != nil {
			return err
		}
	}
	if l := c.Listener; l != nil {
		if l.Type != ListenerLocalFolder {
			return fmt.Errorf("%w: unknown listener type %q", ErrInvalidConfiguration, l.Type)
		}
		if strings.TrimSpace(l.SourceFolder) == "" {
			return fmt.Errorf("%w: listener source folder required", ErrInvalidConfiguration)
		}
		if !l.TaskExecutor.Valid() {
			return fmt.Errorf("%w: unknown task executor %q", ErrInvalidConfiguration, l.TaskExecutor)
		}
		if err := validStatus(l.Status); err != nil {
			return err
		}
	}
	return nil
}

func validStatus(s Status) error {
	switch s {
	case StatusInitialized, StatusRunning, StatusStopped:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidConfiguration, s)
	}
}
