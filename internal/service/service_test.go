package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jask/receiptsync/internal/database"
	"github.com/jask/receiptsync/internal/database/repository"
)

type testRepos struct {
	db           *sql.DB
	transactions *repository.BankTransactionRepo
	candidates   *repository.CandidateRepo
	matches      *repository.MatchRepo
	jobs         *repository.JobRepo
	conflicts    *repository.ConflictRepo
	cursors      *repository.CursorRepo
	rules        *repository.MerchantRuleRepo
}

func newTestRepos(t *testing.T) testRepos {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	migrations, err := filepath.Abs("../database/migrations")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(dbPath, migrations))

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return testRepos{
		db:           db,
		transactions: repository.NewBankTransactionRepo(db),
		candidates:   repository.NewCandidateRepo(db),
		matches:      repository.NewMatchRepo(db),
		jobs:         repository.NewJobRepo(db),
		conflicts:    repository.NewConflictRepo(db),
		cursors:      repository.NewCursorRepo(db),
		rules:        repository.NewMerchantRuleRepo(db),
	}
}

func (r testRepos) insertTransaction(t *testing.T, ctx context.Context, tx repository.BankTransaction) repository.BankTransaction {
	t.Helper()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.MatchStatus == "" {
		tx.MatchStatus = repository.MatchStatusUnmatched
	}
	require.NoError(t, database.WithTx(ctx, r.db, func(dtx *sql.Tx) error {
		return r.transactions.InsertTx(ctx, dtx, tx)
	}))
	return tx
}

func (r testRepos) insertCandidate(t *testing.T, ctx context.Context, c repository.ReceiptCandidate) repository.ReceiptCandidate {
	t.Helper()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	require.NoError(t, database.WithTx(ctx, r.db, func(dtx *sql.Tx) error {
		return r.candidates.InsertTx(ctx, dtx, c)
	}))
	return c
}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}
