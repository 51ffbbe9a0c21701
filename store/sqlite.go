package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/task"
	"github.com/GoCodeAlone/pipeline-engine/tree"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dsn. Use ":memory:" for an
// in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writes and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)

	if _, err := NewMigrator(db).Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveJob inserts or replaces j.
func (s *SQLiteStore) SaveJob(ctx context.Context, j *job.Job) error {
	jobCtx, err := json.Marshal(j.Context)
	if err != nil {
		return fmt.Errorf("marshal job context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, flow_id, build_number, context, timeout, status, message, created_at, finish_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			context = excluded.context,
			timeout = excluded.timeout,
			status = excluded.status,
			message = excluded.message,
			finish_at = excluded.finish_at
	`, j.ID, j.FlowID, j.BuildNumber, string(jobCtx), j.Timeout, string(j.Status), j.Message,
		formatTime(j.CreatedAt), formatTime(j.FinishAt))
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

const jobColumns = `id, flow_id, build_number, context, timeout, status, message, created_at, finish_at`

// GetJob returns the job with id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// ListJobs implements Store.
func (s *SQLiteStore) ListJobs(ctx context.Context, flowID string) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE flow_id = ? ORDER BY build_number`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SaveStep inserts or replaces st.
func (s *SQLiteStore) SaveStep(ctx context.Context, st *job.Step) error {
	outputs, err := json.Marshal(st.Outputs)
	if err != nil {
		return fmt.Errorf("marshal step outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (id, flow_id, job_id, build_number, node_path, is_after, allow_failure, status, exit_code, error, outputs, start_at, finish_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			allow_failure = excluded.allow_failure,
			status = excluded.status,
			exit_code = excluded.exit_code,
			error = excluded.error,
			outputs = excluded.outputs,
			start_at = excluded.start_at,
			finish_at = excluded.finish_at
	`, st.ID, st.FlowID, st.JobID, st.BuildNumber, st.NodePath.String(), st.After, st.AllowFailure,
		string(st.Status), st.ExitCode, st.Error, string(outputs), formatTime(st.StartAt), formatTime(st.FinishAt))
	if err != nil {
		return fmt.Errorf("save step %s: %w", st.NodePath, err)
	}
	return nil
}

// ListSteps implements Store.
func (s *SQLiteStore) ListSteps(ctx context.Context, jobID string) ([]*job.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, job_id, build_number, node_path, is_after, allow_failure, status, exit_code, error, outputs, start_at, finish_at
		FROM steps
		WHERE job_id = ?
		ORDER BY rowid
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Step
	for rows.Next() {
		var (
			st                job.Step
			path, status      string
			outputs           string
			startAt, finishAt string
		)
		if err := rows.Scan(&st.ID, &st.FlowID, &st.JobID, &st.BuildNumber, &path, &st.After, &st.AllowFailure,
			&status, &st.ExitCode, &st.Error, &outputs, &startAt, &finishAt); err != nil {
			return nil, err
		}
		if st.NodePath, err = tree.ParsePath(path); err != nil {
			return nil, fmt.Errorf("step %s: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(outputs), &st.Outputs); err != nil {
			return nil, fmt.Errorf("step %s outputs: %w", st.ID, err)
		}
		st.Status = job.StepStatus(status)
		st.StartAt = parseTime(startAt)
		st.FinishAt = parseTime(finishAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// InsertTaskResult implements task.Store.
func (s *SQLiteStore) InsertTaskResult(ctx context.Context, r *task.Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (id, name, job_id, container_id, exit_code, error, created_at, finish_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Name, r.JobID, r.ContainerID, exitCode(r), r.Err, formatTime(r.CreatedAt), formatTime(r.FinishAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("task result %s: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert task result %s: %w", r.ID, err)
	}
	return nil
}

// SaveTaskResult implements task.Store.
func (s *SQLiteStore) SaveTaskResult(ctx context.Context, r *task.Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (id, name, job_id, container_id, exit_code, error, created_at, finish_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			container_id = excluded.container_id,
			exit_code = excluded.exit_code,
			error = excluded.error,
			finish_at = excluded.finish_at
	`, r.ID, r.Name, r.JobID, r.ContainerID, exitCode(r), r.Err, formatTime(r.CreatedAt), formatTime(r.FinishAt))
	if err != nil {
		return fmt.Errorf("save task result %s: %w", r.ID, err)
	}
	return nil
}

const resultColumns = `id, name, job_id, container_id, exit_code, error, created_at, finish_at`

// GetTaskResult implements Store.
func (s *SQLiteStore) GetTaskResult(ctx context.Context, id string) (*task.Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM task_results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task result %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListTaskResults returns the task results of a job, oldest first.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, jobID string) ([]*task.Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM task_results WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                   job.Job
		jobCtx, status      string
		createdAt, finishAt string
	)
	if err := row.Scan(&j.ID, &j.FlowID, &j.BuildNumber, &jobCtx, &j.Timeout, &status, &j.Message,
		&createdAt, &finishAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(jobCtx), &j.Context); err != nil {
		return nil, fmt.Errorf("job %s context: %w", j.ID, err)
	}
	j.Status = job.Status(status)
	j.CreatedAt = parseTime(createdAt)
	j.FinishAt = parseTime(finishAt)
	return &j, nil
}

func scanResult(row scanner) (*task.Result, error) {
	var (
		r                   task.Result
		code                sql.NullInt64
		createdAt, finishAt string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.JobID, &r.ContainerID, &code, &r.Err, &createdAt, &finishAt); err != nil {
		return nil, err
	}
	if code.Valid {
		c := int(code.Int64)
		r.ExitCode = &c
	}
	r.CreatedAt = parseTime(createdAt)
	r.FinishAt = parseTime(finishAt)
	return &r, nil
}

func exitCode(r *task.Result) sql.NullInt64 {
	if r.ExitCode == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
