package repository

import (
	"context"
	"database/sql"
)

// MatchRepo handles match_results and their candidate links.
type MatchRepo struct {
	db *sql.DB
}

func NewMatchRepo(db *sql.DB) *MatchRepo { return &MatchRepo{db: db} }

// SupersedeTx closes the active result for a transaction, if any. Paired
// with InsertTx inside one database transaction this makes re-matching
// replace rather than duplicate.
func (r *MatchRepo) SupersedeTx(ctx context.Context, tx *sql.Tx, transactionID string) error {
	_, err := tx.ExecContext(ctx, `
	UPDATE match_results SET superseded_at = CURRENT_TIMESTAMP
	WHERE transaction_id = ? AND superseded_at IS NULL;
	`, transactionID)
	return err
}

// InsertTx stores a new active result and its candidate links in order.
func (r *MatchRepo) InsertTx(ctx context.Context, tx *sql.Tx, m MatchResult) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO match_results(id, transaction_id, strategy, confidence, reviewed, created_at)
	VALUES(?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, m.ID, m.TransactionID, m.Strategy, m.Confidence, m.Reviewed)
	if err != nil {
		return err
	}
	for i, cid := range m.CandidateIDs {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO match_result_candidates(match_result_id, candidate_id, position)
		VALUES(?, ?, ?);
		`, m.ID, cid, i); err != nil {
			return err
		}
	}
	return nil
}

// Active returns the non-superseded result for a transaction, or nil.
func (r *MatchRepo) Active(ctx context.Context, transactionID string) (*MatchResult, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT id, transaction_id, strategy, confidence, reviewed, created_at
	FROM match_results WHERE transaction_id = ? AND superseded_at IS NULL;
	`, transactionID)
	var m MatchResult
	if err := row.Scan(&m.ID, &m.TransactionID, &m.Strategy, &m.Confidence, &m.Reviewed, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ids, err := r.candidateIDs(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.CandidateIDs = ids
	return &m, nil
}

// MarkReviewed flags the active result for a transaction as human-reviewed.
func (r *MatchRepo) MarkReviewed(ctx context.Context, transactionID string) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE match_results SET reviewed = 1
	WHERE transaction_id = ? AND superseded_at IS NULL;
	`, transactionID)
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

// CountForTransaction returns how many results, active or superseded, exist
// for a transaction.
func (r *MatchRepo) CountForTransaction(ctx context.Context, transactionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM match_results WHERE transaction_id = ?`, transactionID).Scan(&n)
	return n, err
}

func (r *MatchRepo) candidateIDs(ctx context.Context, matchID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT candidate_id FROM match_result_candidates
	WHERE match_result_id = ? ORDER BY position;
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
