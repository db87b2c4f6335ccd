package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jask/receiptsync/internal/database/repository"
)

// JobTracker supervises sync and match jobs: creation (which doubles as the
// busy-source check), status reads, cooperative cancellation, and the
// staleness sweep that frees slots abandoned by crashed runs.
type JobTracker struct {
	Jobs            *repository.JobRepo
	StalenessWindow time.Duration
}

// Start registers a pending job. Returns repository.ErrJobConflict when a
// non-terminal job for the same (type, source) already exists; the check and
// the insert are one database statement, so two processes racing here cannot
// both win.
func (t *JobTracker) Start(ctx context.Context, jobType string, source repository.Source) (repository.Job, error) {
	job := repository.Job{
		ID:     uuid.NewString(),
		Type:   jobType,
		Source: source,
		Status: repository.JobStatusPending,
	}
	if err := t.Jobs.Create(ctx, job); err != nil {
		return repository.Job{}, err
	}
	return job, nil
}

// Status returns the current job row.
func (t *JobTracker) Status(ctx context.Context, jobID string) (*repository.Job, error) {
	return t.Jobs.Get(ctx, jobID)
}

// ListActive returns all pending and running jobs.
func (t *JobTracker) ListActive(ctx context.Context) ([]repository.Job, error) {
	return t.Jobs.ListActive(ctx)
}

// Cancel sets the cooperative cancel flag; the running job observes it
// between batches, so in-flight calls finish first.
func (t *JobTracker) Cancel(ctx context.Context, jobID string) error {
	return t.Jobs.RequestCancel(ctx, jobID)
}

// MarkStale sweeps non-terminal jobs not updated within olderThan. Zero
// means the tracker's configured window. Partial results persisted by swept
// jobs are kept.
func (t *JobTracker) MarkStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = t.StalenessWindow
	}
	return t.Jobs.MarkStale(ctx, olderThan)
}
