package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

const candidateColumns = `id, source, source_native_id, merchant_name, amount_cents, currency, purchase_date, category, line_items, raw_payload_ref, created_at`

// CandidateRepo handles receipt_candidates.
type CandidateRepo struct {
	db *sql.DB
}

func NewCandidateRepo(db *sql.DB) *CandidateRepo { return &CandidateRepo{db: db} }

// InsertTx inserts one candidate inside an existing transaction. Returns
// ErrDuplicate when the (source, source_native_id) pair already exists.
func (r *CandidateRepo) InsertTx(ctx context.Context, tx *sql.Tx, c ReceiptCandidate) error {
	var items *string
	if len(c.LineItems) > 0 {
		b, err := json.Marshal(c.LineItems)
		if err != nil {
			return err
		}
		s := string(b)
		items = &s
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO receipt_candidates(
	 id, source, source_native_id, merchant_name, amount_cents, currency,
	 purchase_date, category, line_items, raw_payload_ref, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`,
		c.ID, string(c.Source), c.SourceNativeID, c.MerchantName, c.AmountCents,
		c.Currency, c.PurchaseDate, c.Category, items, c.RawPayloadRef)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicate
	}
	return err
}

func (r *CandidateRepo) Get(ctx context.Context, id string) (*ReceiptCandidate, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM receipt_candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// PoolFor returns all candidates in the given currency whose purchase date
// falls within the window around postedDate. Amount filtering is left to the
// matching engine, which also needs sub-amount candidates for split charges.
func (r *CandidateRepo) PoolFor(ctx context.Context, postedDate time.Time, window time.Duration, currency string) ([]ReceiptCandidate, error) {
	from := postedDate.Add(-window)
	to := postedDate.Add(window)
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+candidateColumns+` FROM receipt_candidates
	WHERE purchase_date >= ? AND purchase_date <= ? AND currency = ?
	ORDER BY purchase_date;
	`, from, to, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceiptCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCandidate(row scanner) (ReceiptCandidate, error) {
	var c ReceiptCandidate
	var src string
	var category, items, payload sql.NullString
	var purchased time.Time
	if err := row.Scan(&c.ID, &src, &c.SourceNativeID, &c.MerchantName, &c.AmountCents,
		&c.Currency, &purchased, &category, &items, &payload, &c.CreatedAt); err != nil {
		return ReceiptCandidate{}, err
	}
	c.Source = Source(src)
	c.PurchaseDate = purchased.UTC()
	if category.Valid {
		c.Category = &category.String
	}
	if payload.Valid {
		c.RawPayloadRef = &payload.String
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &c.LineItems); err != nil {
			return ReceiptCandidate{}, err
		}
	}
	return c, nil
}
