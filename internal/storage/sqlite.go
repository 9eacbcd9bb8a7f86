package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"batchctl/internal/job"
	logx "batchctl/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const selectConfigurations = `SELECT job_configuration_id, job_name, job_incrementer FROM job_configuration`

func (s *sqliteStore) Get(ctx context.Context, id int64) (*job.Configuration, error) {
	cs, err := s.load(ctx, s.db, selectConfigurations+` WHERE job_configuration_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return cs[0], nil
}

func (s *sqliteStore) GetByJobName(ctx context.Context, jobName string) ([]*job.Configuration, error) {
	cs, err := s.ListByJobNames(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("%w: job %q", ErrNotFound, jobName)
	}
	return cs, nil
}

func (s *sqliteStore) ListByJobNames(ctx context.Context, jobNames ...string) ([]*job.Configuration, error) {
	if len(jobNames) == 0 {
		return []*job.Configuration{}, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(jobNames)), ",")
	args := make([]any, len(jobNames))
	for i, n := range jobNames {
		args[i] = n
	}
	return s.load(ctx, s.db, selectConfigurations+` WHERE job_name IN (`+marks+`) ORDER BY job_configuration_id`, args...)
}

func (s *sqliteStore) List(ctx context.Context) ([]*job.Configuration, error) {
	return s.load(ctx, s.db, selectConfigurations+` ORDER BY job_configuration_id`)
}

// load reads configuration rows, then attaches scheduler, listener and parameters.
// Rows are closed before attaching since the pool holds a single connection.
func (s *sqliteStore) load(ctx context.Context, q querier, query string, args ...any) ([]*job.Configuration, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*job.Configuration
	for rows.Next() {
		c := &job.Configuration{}
		var inc string
		if err := rows.Scan(&c.ID, &c.JobName, &inc); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.Incrementer = job.Incrementer(inc)
		out = append(out, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		if err := s.attachScheduler(ctx, q, c); err != nil {
			return nil, err
		}
		if err := s.attachListener(ctx, q, c); err != nil {
			return nil, err
		}
		if err := s.attachParameters(ctx, q, c); err != nil {
			return nil, err
		}
	}
	if out == nil {
		out = []*job.Configuration{}
	}
	return out, nil
}

func (s *sqliteStore) attachScheduler(ctx context.Context, q querier, c *job.Configuration) error {
	sc := &job.SchedulerConfiguration{}
	var typ, exec, status string
	var cron, bean sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT id, scheduler_type, cron_expression, initial_delay, fixed_delay, task_executor_type, bean_name, status
		 FROM job_scheduler_configuration WHERE job_configuration_id = ?`, c.ID,
	).Scan(&sc.ID, &typ, &cron, &sc.InitialDelayMs, &sc.FixedDelayMs, &exec, &bean, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	sc.Type = job.SchedulerType(typ)
	sc.CronExpression = cron.String
	sc.TaskExecutor = job.TaskExecutorType(exec)
	sc.BeanName = bean.String
	sc.Status = job.Status(status)
	c.Scheduler = sc
	return nil
}

func (s *sqliteStore) attachListener(ctx context.Context, q querier, c *job.Configuration) error {
	lc := &job.ListenerConfiguration{}
	var typ, exec, status string
	var pattern, bean sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT id, listener_type, source_folder, file_pattern, poller_period, task_executor_type, bean_name, status
		 FROM job_listener_configuration WHERE job_configuration_id = ?`, c.ID,
	).Scan(&lc.ID, &typ, &lc.SourceFolder, &pattern, &lc.PollerPeriodMs, &exec, &bean, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	lc.Type = job.ListenerType(typ)
	lc.FilePattern = pattern.String
	lc.TaskExecutor = job.TaskExecutorType(exec)
	lc.BeanName = bean.String
	lc.Status = job.Status(status)
	c.Listener = lc
	return nil
}

func (s *sqliteStore) attachParameters(ctx context.Context, q querier, c *job.Configuration) error {
	rows, err := q.QueryContext(ctx,
		`SELECT parameter_name, parameter_type, parameter_value
		 FROM job_configuration_parameters WHERE job_configuration_id = ? ORDER BY id`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	var prs []paramRow
	for rows.Next() {
		var r paramRow
		if err := rows.Scan(&r.Name, &r.Type, &r.Value); err != nil {
			return err
		}
		prs = append(prs, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	p, err := fromRows(prs)
	if err != nil {
		return fmt.Errorf("configuration %d parameters: %w", c.ID, err)
	}
	c.Parameters = p
	return nil
}

func (s *sqliteStore) Add(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	c := cfg.Clone()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO job_configuration(job_name, job_incrementer) VALUES(?,?)`,
			c.JobName, string(c.Incrementer))
		if err != nil {
			return err
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if c.Scheduler != nil {
			if c.Scheduler.ID, err = insertScheduler(ctx, tx, c.ID, c.Scheduler); err != nil {
				return err
			}
		}
		if c.Listener != nil {
			if c.Listener.ID, err = insertListener(ctx, tx, c.ID, c.Listener); err != nil {
				return err
			}
		}
		return insertParameters(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqliteStore) Update(ctx context.Context, cfg *job.Configuration) (*job.Configuration, error) {
	c := cfg.Clone()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE job_configuration SET job_name = ?, job_incrementer = ? WHERE job_configuration_id = ?`,
			c.JobName, string(c.Incrementer), c.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: id %d", ErrNotFound, c.ID)
		}

		if c.Scheduler == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM job_scheduler_configuration WHERE job_configuration_id = ?`, c.ID); err != nil {
				return err
			}
		} else if c.Scheduler.ID, err = upsertScheduler(ctx, tx, c.ID, c.Scheduler); err != nil {
			return err
		}

		if c.Listener == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM job_listener_configuration WHERE job_configuration_id = ?`, c.ID); err != nil {
				return err
			}
		} else if c.Listener.ID, err = upsertListener(ctx, tx, c.ID, c.Listener); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM job_configuration_parameters WHERE job_configuration_id = ?`, c.ID); err != nil {
			return err
		}
		return insertParameters(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"job_configuration_parameters", "job_scheduler_configuration", "job_listener_configuration"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_configuration_id = ?`, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM job_configuration WHERE job_configuration_id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil
	})
}

func insertScheduler(ctx context.Context, tx *sql.Tx, cfgID int64, sc *job.SchedulerConfiguration) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO job_scheduler_configuration(job_configuration_id, scheduler_type, cron_expression, initial_delay,
		 fixed_delay, task_executor_type, bean_name, status) VALUES(?,?,?,?,?,?,?,?)`,
		cfgID, string(sc.Type), nullStr(sc.CronExpression), sc.InitialDelayMs, sc.FixedDelayMs,
		string(sc.TaskExecutor), nullStr(sc.BeanName), string(sc.Status))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func upsertScheduler(ctx context.Context, tx *sql.Tx, cfgID int64, sc *job.SchedulerConfiguration) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM job_scheduler_configuration WHERE job_configuration_id = ?`, cfgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return insertScheduler(ctx, tx, cfgID, sc)
	}
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE job_scheduler_configuration SET scheduler_type = ?, cron_expression = ?, initial_delay = ?, fixed_delay = ?,
		 task_executor_type = ?, bean_name = ?, status = ? WHERE id = ?`,
		string(sc.Type), nullStr(sc.CronExpression), sc.InitialDelayMs, sc.FixedDelayMs,
		string(sc.TaskExecutor), nullStr(sc.BeanName), string(sc.Status), id)
	return id, err
}

func insertListener(ctx context.Context, tx *sql.Tx, cfgID int64, lc *job.ListenerConfiguration) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO job_listener_configuration(job_configuration_id, listener_type, source_folder, file_pattern,
		 poller_period, task_executor_type, bean_name, status) VALUES(?,?,?,?,?,?,?,?)`,
		cfgID, string(lc.Type), lc.SourceFolder, nullStr(lc.FilePattern), lc.PollerPeriodMs,
		string(lc.TaskExecutor), nullStr(lc.BeanName), string(lc.Status))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func upsertListener(ctx context.Context, tx *sql.Tx, cfgID int64, lc *job.ListenerConfiguration) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM job_listener_configuration WHERE job_configuration_id = ?`, cfgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return insertListener(ctx, tx, cfgID, lc)
	}
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE job_listener_configuration SET listener_type = ?, source_folder = ?, file_pattern = ?, poller_period = ?,
		 task_executor_type = ?, bean_name = ?, status = ? WHERE id = ?`,
		string(lc.Type), lc.SourceFolder, nullStr(lc.FilePattern), lc.PollerPeriodMs,
		string(lc.TaskExecutor), nullStr(lc.BeanName), string(lc.Status), id)
	return id, err
}

func insertParameters(ctx context.Context, tx *sql.Tx, c *job.Configuration) error {
	for _, r := range toRows(c.Parameters) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_configuration_parameters(job_configuration_id, parameter_name, parameter_value, parameter_type)
			 VALUES(?,?,?,?)`,
			c.ID, r.Name, r.Value, r.Type,
		); err != nil {
			return err
		}
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
