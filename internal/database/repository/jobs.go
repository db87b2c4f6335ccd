package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

const jobColumns = `id, job_type, source, status, processed, failed, error_summary, cancel_requested, started_at, updated_at`

// JobRepo handles sync/match job rows. Job creation doubles as the busy-source
// check: the partial unique index over non-terminal (type, source) pairs makes
// the insert an atomic check-and-set, which holds across processes.
type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

// Create inserts a pending job. Returns ErrJobConflict when a non-terminal
// job for the same (type, source) already exists.
func (r *JobRepo) Create(ctx context.Context, j Job) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO jobs(id, job_type, source, status, processed, failed, started_at, updated_at)
	VALUES(?, ?, ?, ?, 0, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, j.ID, j.Type, string(j.Source), JobStatusPending)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrJobConflict
	}
	return err
}

func (r *JobRepo) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// SetStatus moves a job to a new status, recording an error summary for
// failures. Every status change also bumps updated_at, which feeds the
// staleness sweep.
func (r *JobRepo) SetStatus(ctx context.Context, id, status string, errorSummary *string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, error_summary = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, errorSummary, id)
	return err
}

// AddProgress increments the processed/failed counters.
func (r *JobRepo) AddProgress(ctx context.Context, id string, processed, failed int64) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET processed = processed + ?, failed = failed + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, processed, failed, id)
	return err
}

// RequestCancel sets the cooperative cancel flag. The running job observes it
// between batches; in-flight calls are allowed to finish.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
	WHERE id = ? AND status IN (?, ?);
	`, id, JobStatusPending, JobStatusRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reads the cooperative cancel flag.
func (r *JobRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return flag, err
}

// ListActive returns all pending or running jobs.
func (r *JobRepo) ListActive(ctx context.Context) ([]Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY started_at`,
		JobStatusPending, JobStatusRunning)
}

// MarkStale transitions non-terminal jobs not updated since the cutoff to
// stale and returns how many were swept. Stale jobs stop blocking their
// (type, source) slot; partial results they persisted are kept.
func (r *JobRepo) MarkStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
	WHERE status IN (?, ?) AND updated_at < ?;
	`, JobStatusStale, JobStatusPending, JobStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *JobRepo) list(ctx context.Context, query string, args ...interface{}) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var src string
	var summary sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &src, &j.Status, &j.Processed, &j.Failed,
		&summary, &j.CancelRequested, &j.StartedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	j.Source = Source(src)
	if summary.Valid {
		j.ErrorSummary = &summary.String
	}
	return j, nil
}
