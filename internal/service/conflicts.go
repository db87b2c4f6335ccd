package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jask/receiptsync/internal/config"
	"github.com/jask/receiptsync/internal/database/repository"
	"github.com/jask/receiptsync/internal/rules"
)

// ConflictResolver reconciles rule-derived and match-derived categorization.
// An explicit user override always wins; without one the configured priority
// order decides, or the conflict is left open for manual review when
// auto-resolution is disabled.
type ConflictResolver struct {
	Conflicts   *repository.ConflictRepo
	Categorizer rules.Categorizer
	Policy      config.ConflictsConfig
}

// Evaluate compares the match-derived category against the rule-derived one
// for a freshly matched transaction and records a conflict when they
// disagree. Agreement, or either side missing, is not a conflict.
func (r *ConflictResolver) Evaluate(ctx context.Context, tx repository.BankTransaction, matchCategory string) error {
	ruleCategory, err := r.Categorizer.Categorize(ctx, tx)
	if err != nil {
		return fmt.Errorf("rule categorization: %w", err)
	}
	if ruleCategory == "" || matchCategory == "" || ruleCategory == matchCategory {
		return nil
	}

	conflict := repository.Conflict{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		RuleCategory:  ruleCategory,
		MatchCategory: matchCategory,
		State:         repository.ConflictOpen,
	}

	override, err := r.Conflicts.Override(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("load override: %w", err)
	}
	switch {
	case override != nil:
		conflict.State = repository.ConflictResolvedByOverride
		conflict.EffectiveCategory = override
	case r.Policy.AutoResolve:
		winner := r.pickByPriority(ruleCategory, matchCategory)
		conflict.State = repository.ConflictResolvedByPriority
		conflict.EffectiveCategory = &winner
	}

	if err := r.Conflicts.Insert(ctx, conflict); err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

// Resolve closes an open conflict. A non-empty overrideCategory records a
// per-transaction override and wins outright; otherwise the configured
// priority order picks between the two recorded categories.
func (r *ConflictResolver) Resolve(ctx context.Context, conflictID, overrideCategory string) error {
	conflict, err := r.Conflicts.Get(ctx, conflictID)
	if err != nil {
		return err
	}

	if overrideCategory != "" {
		if err := r.Conflicts.SetOverride(ctx, conflict.TransactionID, overrideCategory); err != nil {
			return fmt.Errorf("record override: %w", err)
		}
		return r.Conflicts.Resolve(ctx, conflictID, repository.ConflictResolvedByOverride, overrideCategory)
	}

	winner := r.pickByPriority(conflict.RuleCategory, conflict.MatchCategory)
	return r.Conflicts.Resolve(ctx, conflictID, repository.ConflictResolvedByPriority, winner)
}

// pickByPriority chooses between the rule and match categories following the
// configured provenance order. An unconfigured order favors the match.
func (r *ConflictResolver) pickByPriority(ruleCategory, matchCategory string) string {
	for _, p := range r.Policy.Priority {
		switch p {
		case "match":
			return matchCategory
		case "rule":
			return ruleCategory
		}
	}
	return matchCategory
}
