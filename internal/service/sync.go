package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/jask/receiptsync/internal/database"
	"github.com/jask/receiptsync/internal/database/repository"
	"github.com/jask/receiptsync/internal/source"
)

// ErrCancelled marks a job ended by an operator's cancel request.
var ErrCancelled = errors.New("job cancelled")

// SyncOrchestrator drives one incremental pull per source. Every page is
// persisted in a single transaction together with its cursor advance, so a
// mid-batch failure rolls the whole batch back and the cursor never points
// past committed data.
type SyncOrchestrator struct {
	DB           *sql.DB
	Transactions *repository.BankTransactionRepo
	Candidates   *repository.CandidateRepo
	Cursors      *repository.CursorRepo
	Jobs         *repository.JobRepo
}

// Run executes the sync job to completion. Client errors mark the job failed
// and are returned; retry is a new job, never automatic.
func (o *SyncOrchestrator) Run(ctx context.Context, jobID string, client source.Client) error {
	if err := o.Jobs.SetStatus(ctx, jobID, repository.JobStatusRunning, nil); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	src := client.Source()
	cursor, err := o.Cursors.Get(ctx, src)
	if err != nil {
		return o.fail(ctx, jobID, fmt.Errorf("read cursor: %w", err))
	}

	for {
		cancelled, err := o.Jobs.CancelRequested(ctx, jobID)
		if err != nil {
			return o.fail(ctx, jobID, fmt.Errorf("read cancel flag: %w", err))
		}
		if cancelled {
			return o.fail(ctx, jobID, ErrCancelled)
		}

		page, err := client.FetchSince(ctx, cursor)
		if err != nil {
			return o.fail(ctx, jobID, fmt.Errorf("fetch %s since %q: %w", src, cursor, err))
		}

		stored, err := o.storePage(ctx, jobID, src, page)
		if err != nil {
			return o.fail(ctx, jobID, fmt.Errorf("persist %s batch: %w", src, err))
		}
		if err := o.Jobs.AddProgress(ctx, jobID, stored, int64(page.Skipped)); err != nil {
			return o.fail(ctx, jobID, fmt.Errorf("update progress: %w", err))
		}

		if page.NextCursor != "" {
			cursor = page.NextCursor
		}
		if !page.HasMore {
			break
		}
	}

	return o.Jobs.SetStatus(ctx, jobID, repository.JobStatusSucceeded, nil)
}

// storePage writes one page and its cursor in one transaction. Duplicate
// rows (already synced) are skipped inside the transaction without failing
// it; any other error aborts the whole batch.
func (o *SyncOrchestrator) storePage(ctx context.Context, jobID string, src repository.Source, page *source.Page) (int64, error) {
	var stored int64
	err := database.WithTx(ctx, o.DB, func(tx *sql.Tx) error {
		for _, t := range page.Transactions {
			t.SyncJobID = &jobID
			err := o.Transactions.InsertTx(ctx, tx, t)
			if errors.Is(err, repository.ErrDuplicate) {
				continue
			}
			if err != nil {
				return err
			}
			stored++
		}
		for _, c := range page.Candidates {
			err := o.Candidates.InsertTx(ctx, tx, c)
			if errors.Is(err, repository.ErrDuplicate) {
				continue
			}
			if err != nil {
				return err
			}
			stored++
		}
		if page.NextCursor != "" {
			return o.Cursors.SetTx(ctx, tx, src, page.NextCursor)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

func (o *SyncOrchestrator) fail(ctx context.Context, jobID string, cause error) error {
	summary := cause.Error()
	if err := o.Jobs.SetStatus(ctx, jobID, repository.JobStatusFailed, &summary); err != nil {
		log.Printf("sync: job %s: recording failure %q failed too: %v", jobID, summary, err)
	}
	return cause
}
