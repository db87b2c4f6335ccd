package repository

import (
	"context"
	"database/sql"
)

// CursorRepo handles per-source sync watermarks. The cursor only moves
// inside the same transaction that persisted its batch, so a failed batch
// never advances it.
type CursorRepo struct {
	db *sql.DB
}

func NewCursorRepo(db *sql.DB) *CursorRepo { return &CursorRepo{db: db} }

// Get returns the last committed cursor for a source; empty string means the
// source has never completed a batch and a full backfill is due.
func (r *CursorRepo) Get(ctx context.Context, source Source) (string, error) {
	var cursor string
	err := r.db.QueryRowContext(ctx, `SELECT cursor FROM sync_cursors WHERE source = ?`, string(source)).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, err
}

// SetTx advances the cursor inside an existing transaction.
func (r *CursorRepo) SetTx(ctx context.Context, tx *sql.Tx, source Source, cursor string) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO sync_cursors(source, cursor, updated_at)
	VALUES(?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(source) DO UPDATE SET cursor = excluded.cursor, updated_at = CURRENT_TIMESTAMP;
	`, string(source), cursor)
	return err
}
