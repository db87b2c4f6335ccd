package testdata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/receiptsync/internal/database"
	"github.com/jask/receiptsync/internal/database/repository"
)

func TestSeedIsIdempotentPerSeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	migrations, err := filepath.Abs("../database/migrations")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(dbPath, migrations))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repos := Repos{
		Transactions: repository.NewBankTransactionRepo(db),
		Candidates:   repository.NewCandidateRepo(db),
		Rules:        repository.NewMerchantRuleRepo(db),
	}

	require.NoError(t, Seed(ctx, db, repos, 1))

	var txs, cands int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_transactions`).Scan(&txs))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipt_candidates`).Scan(&cands))
	require.Positive(t, txs)
	require.Positive(t, cands)

	// same seed, same rows; the duplicate guards swallow the rerun
	require.NoError(t, Seed(ctx, db, repos, 1))
	var txs2 int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_transactions`).Scan(&txs2))
	require.Equal(t, txs, txs2)
}
