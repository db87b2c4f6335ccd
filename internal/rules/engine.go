// Package rules is the pattern-based categorization collaborator. It stands
// on merchant rules stored in the database and knows nothing about matching.
package rules

import (
	"context"
	"strings"

	"github.com/jask/receiptsync/internal/database/repository"
)

// Categorizer suggests a category for a transaction.
type Categorizer interface {
	Categorize(ctx context.Context, tx repository.BankTransaction) (string, error)
}

// Engine applies merchant rules against the raw description.
type Engine struct {
	Rules *repository.MerchantRuleRepo
}

// Categorize returns the best rule category for a transaction, or "" when no
// rule applies.
func (e *Engine) Categorize(ctx context.Context, tx repository.BankTransaction) (string, error) {
	desc := strings.ToUpper(strings.TrimSpace(tx.RawDescription))
	if desc == "" {
		return "", nil
	}
	mr, err := e.Rules.Match(ctx, desc)
	if err != nil {
		return "", err
	}
	if mr == nil {
		return "", nil
	}
	return mr.Category, nil
}
