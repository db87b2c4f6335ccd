package repository

import (
	"context"
	"database/sql"
)

// MerchantRuleRepo stores pattern-based categorization rules.
type MerchantRuleRepo struct{ db *sql.DB }

func NewMerchantRuleRepo(db *sql.DB) *MerchantRuleRepo { return &MerchantRuleRepo{db: db} }

func (r *MerchantRuleRepo) Add(ctx context.Context, mr MerchantRule) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO merchant_rules(id, pattern, pattern_type, category, confidence, created_at)
	VALUES(?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, mr.ID, mr.Pattern, mr.PatternType, mr.Category, mr.Confidence)
	return err
}

// Match finds the best rule for a description: exact first, then prefix,
// then highest-confidence contains. Returns nil when nothing applies.
func (r *MerchantRuleRepo) Match(ctx context.Context, description string) (*MerchantRule, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT id, pattern, pattern_type, category, confidence, created_at
	FROM merchant_rules WHERE pattern_type = 'exact' AND pattern = ?
	`, description)
	if mr, err := scanMerchantRule(row); err == nil {
		return mr, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	row = r.db.QueryRowContext(ctx, `
	SELECT id, pattern, pattern_type, category, confidence, created_at
	FROM merchant_rules WHERE pattern_type = 'prefix' AND ? LIKE pattern || '%'
	ORDER BY confidence DESC LIMIT 1
	`, description)
	if mr, err := scanMerchantRule(row); err == nil {
		return mr, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	row = r.db.QueryRowContext(ctx, `
	SELECT id, pattern, pattern_type, category, confidence, created_at
	FROM merchant_rules WHERE pattern_type = 'contains' AND ? LIKE '%' || pattern || '%'
	ORDER BY confidence DESC LIMIT 1
	`, description)
	if mr, err := scanMerchantRule(row); err == nil {
		return mr, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	return nil, nil
}

func scanMerchantRule(row *sql.Row) (*MerchantRule, error) {
	var mr MerchantRule
	if err := row.Scan(&mr.ID, &mr.Pattern, &mr.PatternType, &mr.Category, &mr.Confidence, &mr.CreatedAt); err != nil {
		return nil, err
	}
	return &mr, nil
}
