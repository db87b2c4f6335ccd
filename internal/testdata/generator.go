package testdata

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/jask/receiptsync/internal/database"
	"github.com/jask/receiptsync/internal/database/repository"
)

// Repos bundles the repositories Seed writes through.
type Repos struct {
	Transactions *repository.BankTransactionRepo
	Candidates   *repository.CandidateRepo
	Rules        *repository.MerchantRuleRepo
}

var merchants = []struct {
	descriptor string
	name       string
	category   string
}{
	{"UBER EATS* SUSHI", "Uber Eats", "Takeaway"},
	{"AMAZON.COM*XYZ", "Amazon", "Shopping"},
	{"WOOLWORTHS 1234", "Woolworths", "Groceries"},
	{"SPOTIFY P1234", "Spotify", "Subscriptions"},
	{"APPLE.COM/BILL", "Apple", "Subscriptions"},
}

// Seed writes a deterministic sample dataset: bank transactions with receipt
// candidates that should match them, a few deliberately unmatched strays,
// and merchant rules covering the sample descriptors. The same seed always
// produces the same rows, so repeated calls hit the duplicate guards and
// insert nothing new.
func Seed(ctx context.Context, db *sql.DB, repos Repos, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var ruleCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merchant_rules`).Scan(&ruleCount); err != nil {
		return fmt.Errorf("count rules: %w", err)
	}
	for _, m := range merchants {
		if ruleCount > 0 {
			break
		}
		err := repos.Rules.Add(ctx, repository.MerchantRule{
			ID:          uuid.NewString(),
			Pattern:     m.descriptor[:6],
			PatternType: "prefix",
			Category:    m.category,
			Confidence:  0.9,
		})
		if err != nil {
			return fmt.Errorf("seed rule %q: %w", m.descriptor, err)
		}
	}

	return database.WithTx(ctx, db, func(tx *sql.Tx) error {
		for i := 0; i < 20; i++ {
			m := merchants[rng.Intn(len(merchants))]
			amount := int64(rng.Intn(20000) + 500)
			day := base.AddDate(0, 0, rng.Intn(20))

			bt := repository.BankTransaction{
				ID:             uuid.NewString(),
				AccountRef:     "sample-checking",
				SourceTxID:     fmt.Sprintf("seed-tx-%d", i),
				PostedDate:     day,
				AmountCents:    -amount,
				Currency:       "USD",
				RawDescription: m.descriptor,
				MatchStatus:    repository.MatchStatusUnmatched,
			}
			if err := repos.Transactions.InsertTx(ctx, tx, bt); err != nil {
				if err == repository.ErrDuplicate {
					continue
				}
				return err
			}

			// two in three transactions get a matchable receipt, sometimes a
			// day off to exercise the date window
			if rng.Intn(3) < 2 {
				category := m.category
				rc := repository.ReceiptCandidate{
					ID:             uuid.NewString(),
					Source:         repository.SourceOrderAPI,
					SourceNativeID: fmt.Sprintf("seed-rc-%d", i),
					MerchantName:   m.name,
					AmountCents:    amount,
					Currency:       "USD",
					PurchaseDate:   day.AddDate(0, 0, -rng.Intn(2)),
					Category:       &category,
				}
				if err := repos.Candidates.InsertTx(ctx, tx, rc); err != nil && err != repository.ErrDuplicate {
					return err
				}
			}
		}

		// strays with no counterpart on either side
		stray := repository.ReceiptCandidate{
			ID:             uuid.NewString(),
			Source:         repository.SourceEmail,
			SourceNativeID: "seed-rc-stray",
			MerchantName:   "Corner Cafe",
			AmountCents:    1250,
			Currency:       "USD",
			PurchaseDate:   base,
		}
		if err := repos.Candidates.InsertTx(ctx, tx, stray); err != nil && err != repository.ErrDuplicate {
			return err
		}
		return nil
	})
}
