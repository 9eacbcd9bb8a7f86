package storage

import (
	"context"
	"errors"
	"time"

	"batchctl/internal/job"
	"batchctl/internal/params"
)

var ErrNotFound = errors.New("job configuration not found")

// Config configures storage.
//
// Driver values: "memory" (or empty), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists job configurations. Returned configurations are copies; callers
// may modify them freely.
type Store interface {
	Get(ctx context.Context, id int64) (*job.Configuration, error)
	// GetByJobName returns ErrNotFound when no configuration carries the name.
	GetByJobName(ctx context.Context, jobName string) ([]*job.Configuration, error)
	ListByJobNames(ctx context.Context, jobNames ...string) ([]*job.Configuration, error)
	List(ctx context.Context) ([]*job.Configuration, error)
	// Add assigns new configuration, scheduler and listener ids and returns the stored copy.
	Add(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error)
	// Update replaces the stored configuration with the same id. Parameters are
	// rewritten as a whole.
	Update(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

// paramRow is the persisted form of one parameter: name, type tag and value text.
type paramRow struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func toRows(p params.Parameters) []paramRow {
	rows := make([]paramRow, 0, p.Len())
	for name, v := range p.All() {
		rows = append(rows, paramRow{Name: name, Type: v.Type().String(), Value: v.Text()})
	}
	return rows
}

func fromRows(rows []paramRow) (params.Parameters, error) {
	entries := make([]params.Parameter, 0, len(rows))
	for _, r := range rows {
		typ, err := params.ParseType(r.Type)
		if err != nil {
			return params.Parameters{}, err
		}
		v, err := params.ParseValue(typ, r.Value)
		if err != nil {
			return params.Parameters{}, err
		}
		entries = append(entries, params.Parameter{Name: r.Name, Value: v})
	}
	return params.Of(entries...), nil
}
