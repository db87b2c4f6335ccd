package repository

import (
	"context"
	"database/sql"
)

const conflictColumns = `id, transaction_id, rule_category, match_category, effective_category, state, created_at, resolved_at`

// ConflictRepo handles categorization conflicts and per-transaction
// category overrides.
type ConflictRepo struct {
	db *sql.DB
}

func NewConflictRepo(db *sql.DB) *ConflictRepo { return &ConflictRepo{db: db} }

func (r *ConflictRepo) Insert(ctx context.Context, c Conflict) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO conflicts(id, transaction_id, rule_category, match_category, effective_category, state, created_at, resolved_at)
	VALUES(?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?);
	`, c.ID, c.TransactionID, c.RuleCategory, c.MatchCategory, c.EffectiveCategory, c.State, c.ResolvedAt)
	return err
}

func (r *ConflictRepo) Get(ctx context.Context, id string) (*Conflict, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// List returns conflicts, optionally filtered by state.
func (r *ConflictRepo) List(ctx context.Context, state string) ([]Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	var args []interface{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Resolve closes a conflict with the given state and effective category.
func (r *ConflictRepo) Resolve(ctx context.Context, id, state, effectiveCategory string) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE conflicts SET state = ?, effective_category = ?, resolved_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, state, effectiveCategory, id)
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

// SetOverride records an explicit per-transaction category override.
func (r *ConflictRepo) SetOverride(ctx context.Context, transactionID, category string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO category_overrides(transaction_id, category, created_at)
	VALUES(?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(transaction_id) DO UPDATE SET category = excluded.category;
	`, transactionID, category)
	return err
}

// Override returns the explicit category override for a transaction, if any.
func (r *ConflictRepo) Override(ctx context.Context, transactionID string) (*string, error) {
	var category string
	err := r.db.QueryRowContext(ctx, `SELECT category FROM category_overrides WHERE transaction_id = ?`, transactionID).Scan(&category)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &category, nil
}

func scanConflict(row scanner) (Conflict, error) {
	var c Conflict
	var effective sql.NullString
	var resolved sql.NullTime
	if err := row.Scan(&c.ID, &c.TransactionID, &c.RuleCategory, &c.MatchCategory,
		&effective, &c.State, &c.CreatedAt, &resolved); err != nil {
		return Conflict{}, err
	}
	if effective.Valid {
		c.EffectiveCategory = &effective.String
	}
	if resolved.Valid {
		t := resolved.Time
		c.ResolvedAt = &t
	}
	return c, nil
}
