package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jask/receiptsync/internal/config"
	"github.com/jask/receiptsync/internal/database/repository"
	"github.com/jask/receiptsync/internal/rules"
)

func newResolver(r testRepos, autoResolve bool) *ConflictResolver {
	policy := config.Default().Conflicts
	policy.AutoResolve = autoResolve
	return &ConflictResolver{
		Conflicts:   r.conflicts,
		Categorizer: &rules.Engine{Rules: r.rules},
		Policy:      policy,
	}
}

func addRule(t *testing.T, ctx context.Context, r testRepos, pattern, category string) {
	t.Helper()
	require.NoError(t, r.rules.Add(ctx, repository.MerchantRule{
		ID:          uuid.NewString(),
		Pattern:     pattern,
		PatternType: "contains",
		Category:    category,
		Confidence:  0.9,
	}))
}

func TestEvaluateAgreementRecordsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	addRule(t, ctx, r, "CORNER CAFE", "Dining")
	tx := cafeTx(r, t, ctx)

	require.NoError(t, newResolver(r, true).Evaluate(ctx, tx, "Dining"))

	list, err := r.conflicts.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestEvaluateNoRuleCategoryIsNotAConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	tx := cafeTx(r, t, ctx)
	require.NoError(t, newResolver(r, true).Evaluate(ctx, tx, "Dining"))

	list, err := r.conflicts.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestEvaluateAutoResolvesByPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	addRule(t, ctx, r, "CORNER CAFE", "Groceries")
	tx := cafeTx(r, t, ctx)

	require.NoError(t, newResolver(r, true).Evaluate(ctx, tx, "Dining"))

	list, err := r.conflicts.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	c := list[0]
	require.Equal(t, "Groceries", c.RuleCategory)
	require.Equal(t, "Dining", c.MatchCategory)
	require.Equal(t, repository.ConflictResolvedByPriority, c.State)
	require.NotNil(t, c.EffectiveCategory)
	require.Equal(t, "Dining", *c.EffectiveCategory, "match outranks rule in the default order")
}

func TestEvaluateLeavesConflictOpenWithoutAutoResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	addRule(t, ctx, r, "CORNER CAFE", "Groceries")
	tx := cafeTx(r, t, ctx)

	require.NoError(t, newResolver(r, false).Evaluate(ctx, tx, "Dining"))

	list, err := r.conflicts.List(ctx, repository.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Nil(t, list[0].EffectiveCategory)
}

func TestEvaluateOverrideBeatsEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	addRule(t, ctx, r, "CORNER CAFE", "Groceries")
	tx := cafeTx(r, t, ctx)
	require.NoError(t, r.conflicts.SetOverride(ctx, tx.ID, "Takeaway"))

	require.NoError(t, newResolver(r, true).Evaluate(ctx, tx, "Dining"))

	list, err := r.conflicts.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, repository.ConflictResolvedByOverride, list[0].State)
	require.Equal(t, "Takeaway", *list[0].EffectiveCategory)
}

func TestResolveWithExplicitOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	addRule(t, ctx, r, "CORNER CAFE", "Groceries")
	tx := cafeTx(r, t, ctx)
	resolver := newResolver(r, false)
	require.NoError(t, resolver.Evaluate(ctx, tx, "Dining"))

	list, err := r.conflicts.List(ctx, repository.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, resolver.Resolve(ctx, list[0].ID, "Takeaway"))

	resolved, err := r.conflicts.Get(ctx, list[0].ID)
	require.NoError(t, err)
	require.Equal(t, repository.ConflictResolvedByOverride, resolved.State)
	require.Equal(t, "Takeaway", *resolved.EffectiveCategory)

	// the override sticks to the transaction for later evaluations
	override, err := r.conflicts.Override(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, override)
	require.Equal(t, "Takeaway", *override)
}

func TestResolveByPriorityOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	addRule(t, ctx, r, "CORNER CAFE", "Groceries")
	tx := cafeTx(r, t, ctx)
	resolver := newResolver(r, false)
	require.NoError(t, resolver.Evaluate(ctx, tx, "Dining"))

	list, err := r.conflicts.List(ctx, repository.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, resolver.Resolve(ctx, list[0].ID, ""))

	resolved, err := r.conflicts.Get(ctx, list[0].ID)
	require.NoError(t, err)
	require.Equal(t, repository.ConflictResolvedByPriority, resolved.State)
	require.Equal(t, "Dining", *resolved.EffectiveCategory)
}

func TestResolveUnknownConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	err := newResolver(r, false).Resolve(ctx, "nope", "Takeaway")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMatcherRecordsConflictOnDisagreement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRepos(t)

	addRule(t, ctx, r, "CORNER CAFE", "Groceries")
	tx := cafeTx(r, t, ctx)
	matched := candidate(repository.SourceOrderAPI, "o1", "Corner Cafe", 4500, "2026-08-10")
	dining := "Dining"
	matched.Category = &dining
	r.insertCandidate(t, ctx, matched)

	m := newMatcher(r)
	m.Resolver = newResolver(r, true)
	runMatch(t, ctx, r, m)

	got, err := r.transactions.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, repository.MatchStatusMatched, got.MatchStatus)

	list, err := r.conflicts.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, tx.ID, list[0].TransactionID)
	require.Equal(t, "Dining", *list[0].EffectiveCategory)
}
