package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jask/receiptsync/internal/database/repository"
	"github.com/jask/receiptsync/internal/source"
)

// fakeSource serves a fixed page sequence and records the cursors it saw.
type fakeSource struct {
	src     repository.Source
	pages   []*source.Page
	errAt   int // 1-based call number that fails; 0 never fails
	call    int
	cursors []string
}

func (f *fakeSource) Source() repository.Source { return f.src }

func (f *fakeSource) FetchSince(ctx context.Context, cursor string) (*source.Page, error) {
	f.call++
	f.cursors = append(f.cursors, cursor)
	if f.errAt > 0 && f.call >= f.errAt {
		return nil, errors.New("upstream exploded")
	}
	return f.pages[f.call-1], nil
}

func feedTx(accountRef, sourceTxID string, cents int64) repository.BankTransaction {
	return repository.BankTransaction{
		ID:             uuid.NewString(),
		AccountRef:     accountRef,
		SourceTxID:     sourceTxID,
		PostedDate:     day("2026-08-10"),
		AmountCents:    cents,
		Currency:       "USD",
		RawDescription: "CARD PURCHASE",
		MatchStatus:    repository.MatchStatusUnmatched,
	}
}

func newSync(r testRepos) *SyncOrchestrator {
	return &SyncOrchestrator{DB: r.db, Transactions: r.transactions, Candidates: r.candidates, Cursors: r.cursors, Jobs: r.jobs}
}

func startJob(t *testing.T, ctx context.Context, r testRepos, jobType string, src repository.Source) repository.Job {
	t.Helper()
	tracker := &JobTracker{Jobs: r.jobs, StalenessWindow: time.Hour}
	job, err := tracker.Start(ctx, jobType, src)
	require.NoError(t, err)
	return job
}

func TestSyncPersistsPagesAndAdvancesCursor(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r := newTestRepos(t)

	client := &fakeSource{
		src: repository.SourceBankFeed,
		pages: []*source.Page{
			{Transactions: []repository.BankTransaction{feedTx("acct", "t1", -4500), feedTx("acct", "t2", -1200)}, NextCursor: "p2", HasMore: true, Skipped: 1},
			{Transactions: []repository.BankTransaction{feedTx("acct", "t3", -899)}, HasMore: false},
		},
	}

	job := startJob(t, ctx, r, repository.JobTypeSync, repository.SourceBankFeed)
	require.NoError(t, newSync(r).Run(ctx, job.ID, client))

	require.Equal(t, []string{"", "p2"}, client.cursors)

	done, err := r.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, repository.JobStatusSucceeded, done.Status)
	require.EqualValues(t, 3, done.Processed)
	require.EqualValues(t, 1, done.Failed)

	var count int
	require.NoError(t, r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_transactions`).Scan(&count))
	require.Equal(t, 3, count)

	cursor, err := r.cursors.Get(ctx, repository.SourceBankFeed)
	require.NoError(t, err)
	require.Equal(t, "p2", cursor)
}

func TestSyncRerunSkipsDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	page := func() []*source.Page {
		return []*source.Page{{Transactions: []repository.BankTransaction{feedTx("acct", "t1", -4500)}, HasMore: false}}
	}

	job1 := startJob(t, ctx, r, repository.JobTypeSync, repository.SourceBankFeed)
	require.NoError(t, newSync(r).Run(ctx, job1.ID, &fakeSource{src: repository.SourceBankFeed, pages: page()}))

	job2 := startJob(t, ctx, r, repository.JobTypeSync, repository.SourceBankFeed)
	require.NoError(t, newSync(r).Run(ctx, job2.ID, &fakeSource{src: repository.SourceBankFeed, pages: page()}))

	var count int
	require.NoError(t, r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_transactions`).Scan(&count))
	require.Equal(t, 1, count, "same (account, source id) is one row no matter how often it is seen")

	done, err := r.jobs.Get(ctx, job2.ID)
	require.NoError(t, err)
	require.Equal(t, repository.JobStatusSucceeded, done.Status)
	require.EqualValues(t, 0, done.Processed)
}

func TestSyncFailureKeepsCommittedPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	client := &fakeSource{
		src: repository.SourceBankFeed,
		pages: []*source.Page{
			{Transactions: []repository.BankTransaction{feedTx("acct", "t1", -4500)}, NextCursor: "p2", HasMore: true},
			nil,
		},
		errAt: 2,
	}

	job := startJob(t, ctx, r, repository.JobTypeSync, repository.SourceBankFeed)
	err := newSync(r).Run(ctx, job.ID, client)
	require.Error(t, err)

	done, jerr := r.jobs.Get(ctx, job.ID)
	require.NoError(t, jerr)
	require.Equal(t, repository.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorSummary)
	require.Contains(t, *done.ErrorSummary, "upstream exploded")

	// page one and its cursor survived; a retry job resumes from there
	var count int
	require.NoError(t, r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_transactions`).Scan(&count))
	require.Equal(t, 1, count)
	cursor, cerr := r.cursors.Get(ctx, repository.SourceBankFeed)
	require.NoError(t, cerr)
	require.Equal(t, "p2", cursor)
}

func TestSyncStopsAtCancelRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	job := startJob(t, ctx, r, repository.JobTypeSync, repository.SourceBankFeed)
	require.NoError(t, r.jobs.RequestCancel(ctx, job.ID))

	client := &fakeSource{src: repository.SourceBankFeed, pages: []*source.Page{{HasMore: false}}}
	err := newSync(r).Run(ctx, job.ID, client)
	require.ErrorIs(t, err, ErrCancelled)
	require.Zero(t, client.call, "cancel is observed before the next fetch")

	done, jerr := r.jobs.Get(ctx, job.ID)
	require.NoError(t, jerr)
	require.Equal(t, repository.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorSummary)
	require.Contains(t, *done.ErrorSummary, "job cancelled")
}
