package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

const bankTxColumns = `id, account_ref, source_tx_id, posted_date, amount_cents, currency, raw_description, match_status, sync_job_id, created_at, updated_at`

// BankTransactionRepo handles bank_transactions.
type BankTransactionRepo struct {
	db *sql.DB
}

func NewBankTransactionRepo(db *sql.DB) *BankTransactionRepo { return &BankTransactionRepo{db: db} }

// InsertTx inserts one row inside an existing transaction. Returns
// ErrDuplicate when the (account_ref, source_tx_id) pair already exists so
// re-syncs can skip rather than abort.
func (r *BankTransactionRepo) InsertTx(ctx context.Context, tx *sql.Tx, t BankTransaction) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO bank_transactions(
	 id, account_ref, source_tx_id, posted_date, amount_cents, currency,
	 raw_description, match_status, sync_job_id, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`,
		t.ID, t.AccountRef, t.SourceTxID, t.PostedDate, t.AmountCents, t.Currency,
		t.RawDescription, t.MatchStatus, t.SyncJobID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicate
	}
	return err
}

func (r *BankTransactionRepo) Get(ctx context.Context, id string) (*BankTransaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bankTxColumns+` FROM bank_transactions WHERE id = ?`, id)
	t, err := scanBankTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *BankTransactionRepo) ListByIDs(ctx context.Context, ids []string) ([]BankTransaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.list(ctx, `SELECT `+bankTxColumns+` FROM bank_transactions WHERE id IN (`+placeholders+`) ORDER BY posted_date`, args...)
}

// ListUnmatched returns transactions that have never been matched plus those
// previously left ambiguous; both are fair game for a new match run.
func (r *BankTransactionRepo) ListUnmatched(ctx context.Context) ([]BankTransaction, error) {
	return r.list(ctx, `SELECT `+bankTxColumns+` FROM bank_transactions WHERE match_status IN (?, ?) ORDER BY posted_date`,
		MatchStatusUnmatched, MatchStatusAmbiguous)
}

func (r *BankTransactionRepo) UpdateMatchStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE bank_transactions SET match_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

func (r *BankTransactionRepo) list(ctx context.Context, query string, args ...interface{}) ([]BankTransaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BankTransaction
	for rows.Next() {
		t, err := scanBankTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// scanner handles both Row and Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBankTransaction(row scanner) (BankTransaction, error) {
	var t BankTransaction
	var jobID sql.NullString
	var posted time.Time
	if err := row.Scan(&t.ID, &t.AccountRef, &t.SourceTxID, &posted, &t.AmountCents,
		&t.Currency, &t.RawDescription, &t.MatchStatus, &jobID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return BankTransaction{}, err
	}
	t.PostedDate = posted.UTC()
	if jobID.Valid {
		t.SyncJobID = &jobID.String
	}
	return t, nil
}
