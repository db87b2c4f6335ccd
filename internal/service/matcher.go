package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/jask/receiptsync/internal/config"
	"github.com/jask/receiptsync/internal/database"
	"github.com/jask/receiptsync/internal/database/repository"
)

// MatchingEngine links bank transactions to receipt candidates. Re-running
// it over an already-matched transaction recomputes and supersedes the prior
// result rather than appending a second one.
type MatchingEngine struct {
	DB           *sql.DB
	Transactions *repository.BankTransactionRepo
	Candidates   *repository.CandidateRepo
	Matches      *repository.MatchRepo
	Jobs         *repository.JobRepo
	Resolver     *ConflictResolver
	Config       config.MatchingConfig
}

// Run executes a match job over the given transactions, or over every
// unmatched and ambiguous transaction when txIDs is empty. A scoring or
// persistence error on one transaction is counted and skipped; only failures
// to persist the job record itself fail the job.
func (e *MatchingEngine) Run(ctx context.Context, jobID string, txIDs []string) error {
	if err := e.Jobs.SetStatus(ctx, jobID, repository.JobStatusRunning, nil); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	var txs []repository.BankTransaction
	var err error
	if len(txIDs) > 0 {
		txs, err = e.Transactions.ListByIDs(ctx, txIDs)
	} else {
		txs, err = e.Transactions.ListUnmatched(ctx)
	}
	if err != nil {
		return e.fail(ctx, jobID, fmt.Errorf("load transactions: %w", err))
	}

	for _, tx := range txs {
		cancelled, err := e.Jobs.CancelRequested(ctx, jobID)
		if err != nil {
			return e.fail(ctx, jobID, fmt.Errorf("read cancel flag: %w", err))
		}
		if cancelled {
			return e.fail(ctx, jobID, ErrCancelled)
		}

		if err := e.matchOne(ctx, tx); err != nil {
			log.Printf("match: transaction %s: %v", tx.ID, err)
			if perr := e.Jobs.AddProgress(ctx, jobID, 0, 1); perr != nil {
				return e.fail(ctx, jobID, fmt.Errorf("update progress: %w", perr))
			}
			continue
		}
		if err := e.Jobs.AddProgress(ctx, jobID, 1, 0); err != nil {
			return e.fail(ctx, jobID, fmt.Errorf("update progress: %w", err))
		}
	}

	return e.Jobs.SetStatus(ctx, jobID, repository.JobStatusSucceeded, nil)
}

type scored struct {
	candidate repository.ReceiptCandidate
	score     float64
	exact     bool
	diff      int64
}

func (e *MatchingEngine) matchOne(ctx context.Context, tx repository.BankTransaction) error {
	cfg := e.Config
	window := time.Duration(cfg.DateWindowDays) * 24 * time.Hour

	pool, err := e.Candidates.PoolFor(ctx, tx.PostedDate, window, tx.Currency)
	if err != nil {
		return fmt.Errorf("candidate pool: %w", err)
	}
	if len(pool) == 0 {
		return e.persistNoMatch(ctx, tx, repository.MatchStatusUnmatched)
	}

	target := tx.AmountCents
	if target < 0 {
		target = -target
	}

	all := make([]scored, 0, len(pool))
	for _, cand := range pool {
		all = append(all, e.score(tx, cand, target))
	}

	band := cfg.FuzzyBandCents
	if band < cfg.AmountToleranceCents {
		band = cfg.AmountToleranceCents
	}
	var singles []scored
	for _, s := range all {
		if s.diff <= band {
			singles = append(singles, s)
		}
	}
	sort.SliceStable(singles, func(i, j int) bool { return singles[i].score > singles[j].score })

	if len(singles) > 0 && singles[0].score >= cfg.ConfidenceThreshold {
		if len(singles) > 1 && singles[0].score-singles[1].score < cfg.AmbiguityMargin {
			// two candidates too close to call; never resolved by arbitrary tie-break
			return e.persistNoMatch(ctx, tx, repository.MatchStatusAmbiguous)
		}
		return e.persistMatch(ctx, tx, singles[0].strategyFor(cfg.AmountToleranceCents), singles[0].score, []repository.ReceiptCandidate{singles[0].candidate})
	}

	// split-charge fallback: same-source candidates summing to the amount
	if subset := e.findSplit(all, target); len(subset) > 0 {
		confidence := subset[0].score
		cands := make([]repository.ReceiptCandidate, 0, len(subset))
		for _, s := range subset {
			if s.score < confidence {
				confidence = s.score
			}
			cands = append(cands, s.candidate)
		}
		return e.persistMatch(ctx, tx, repository.StrategyExactAmountDate, confidence, cands)
	}

	return e.persistNoMatch(ctx, tx, repository.MatchStatusAmbiguous)
}

func (s scored) strategyFor(tolerance int64) string {
	switch {
	case s.exact:
		return repository.StrategyExactAmountDate
	case s.diff <= tolerance:
		// amount is as good as exact; the text score carried the call
		return repository.StrategyMerchantText
	default:
		return repository.StrategyFuzzyAmountWindow
	}
}

// score combines amount exactness, date proximity, and merchant-name text
// similarity. An exact amount on the exact date is a perfect match and
// short-circuits the weighted blend.
func (e *MatchingEngine) score(tx repository.BankTransaction, cand repository.ReceiptCandidate, target int64) scored {
	cfg := e.Config

	diff := cand.AmountCents - target
	if diff < 0 {
		diff = -diff
	}
	sameDay := cand.PurchaseDate.Format(time.DateOnly) == tx.PostedDate.Format(time.DateOnly)
	if diff <= cfg.AmountToleranceCents && sameDay {
		return scored{candidate: cand, score: 1.0, exact: true, diff: diff}
	}

	var amountScore float64
	switch {
	case diff <= cfg.AmountToleranceCents:
		amountScore = 1.0
	case cfg.FuzzyBandCents > 0 && diff <= cfg.FuzzyBandCents:
		amountScore = 1.0 - float64(diff)/float64(cfg.FuzzyBandCents)
	}

	var dateScore float64
	days := daysApart(tx.PostedDate, cand.PurchaseDate)
	if cfg.DateWindowDays > 0 && days <= cfg.DateWindowDays {
		dateScore = 1.0 - float64(days)/float64(cfg.DateWindowDays+1)
	} else if days == 0 {
		dateScore = 1.0
	}

	textScore := textSimilarity(normalizeText(tx.RawDescription), normalizeText(cand.MerchantName))

	total := cfg.AmountWeight + cfg.DateWeight + cfg.TextWeight
	if total == 0 {
		total = 1
	}
	score := (cfg.AmountWeight*amountScore + cfg.DateWeight*dateScore + cfg.TextWeight*textScore) / total
	return scored{candidate: cand, score: score, diff: diff}
}

// findSplit looks for same-source candidates that together explain the
// transaction amount. Subset size and per-source search width are bounded;
// among valid subsets the one whose weakest member scores highest wins.
func (e *MatchingEngine) findSplit(all []scored, target int64) []scored {
	const maxGroup = 12
	maxSize := e.Config.MaxSplitCandidates
	if maxSize < 2 {
		return nil
	}
	tol := e.Config.AmountToleranceCents

	groups := map[repository.Source][]scored{}
	for _, s := range all {
		groups[s.candidate.Source] = append(groups[s.candidate.Source], s)
	}

	var best []scored
	var bestMin float64
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool { return group[i].score > group[j].score })
		if len(group) > maxGroup {
			group = group[:maxGroup]
		}
		var pick func(start int, sum int64, chosen []scored)
		pick = func(start int, sum int64, chosen []scored) {
			if len(chosen) >= 2 && abs64(sum-target) <= tol {
				minScore := chosen[0].score
				for _, s := range chosen {
					if s.score < minScore {
						minScore = s.score
					}
				}
				if best == nil || minScore > bestMin {
					best = append([]scored(nil), chosen...)
					bestMin = minScore
				}
				return
			}
			if len(chosen) >= maxSize || sum > target+tol {
				return
			}
			for i := start; i < len(group); i++ {
				pick(i+1, sum+group[i].candidate.AmountCents, append(chosen, group[i]))
			}
		}
		pick(0, 0, nil)
	}
	return best
}

// persistMatch supersedes any prior result and writes the new one, flipping
// the transaction to matched, all in one transaction. Conflict evaluation
// runs after the match is durable.
func (e *MatchingEngine) persistMatch(ctx context.Context, tx repository.BankTransaction, strategy string, confidence float64, cands []repository.ReceiptCandidate) error {
	result := repository.MatchResult{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Strategy:      strategy,
		Confidence:    confidence,
	}
	for _, c := range cands {
		result.CandidateIDs = append(result.CandidateIDs, c.ID)
	}
	err := database.WithTx(ctx, e.DB, func(dtx *sql.Tx) error {
		if err := e.Matches.SupersedeTx(ctx, dtx, tx.ID); err != nil {
			return err
		}
		if err := e.Matches.InsertTx(ctx, dtx, result); err != nil {
			return err
		}
		return e.Transactions.UpdateMatchStatusTx(ctx, dtx, tx.ID, repository.MatchStatusMatched)
	})
	if err != nil {
		return fmt.Errorf("persist match: %w", err)
	}

	if e.Resolver != nil {
		if cat := matchCategory(cands); cat != "" {
			if err := e.Resolver.Evaluate(ctx, tx, cat); err != nil {
				return fmt.Errorf("resolve categorization conflict: %w", err)
			}
		}
	}
	return nil
}

// AssignManual replaces whatever the scorer decided for a transaction with a
// hand-picked candidate set. The result carries full confidence and is marked
// reviewed immediately, and a category hint from the candidates still goes
// through conflict evaluation.
func (e *MatchingEngine) AssignManual(ctx context.Context, txID string, candidateIDs []string) error {
	if len(candidateIDs) == 0 {
		return fmt.Errorf("at least one candidate is required")
	}
	tx, err := e.Transactions.Get(ctx, txID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if tx == nil {
		return fmt.Errorf("transaction %s: %w", txID, repository.ErrNotFound)
	}

	cands := make([]repository.ReceiptCandidate, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		c, err := e.Candidates.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load candidate %s: %w", id, err)
		}
		if c == nil {
			return fmt.Errorf("candidate %s: %w", id, repository.ErrNotFound)
		}
		cands = append(cands, *c)
	}

	result := repository.MatchResult{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Strategy:      repository.StrategyManual,
		Confidence:    1.0,
		Reviewed:      true,
		CandidateIDs:  candidateIDs,
	}
	err = database.WithTx(ctx, e.DB, func(dtx *sql.Tx) error {
		if err := e.Matches.SupersedeTx(ctx, dtx, tx.ID); err != nil {
			return err
		}
		if err := e.Matches.InsertTx(ctx, dtx, result); err != nil {
			return err
		}
		return e.Transactions.UpdateMatchStatusTx(ctx, dtx, tx.ID, repository.MatchStatusMatched)
	})
	if err != nil {
		return fmt.Errorf("persist manual match: %w", err)
	}

	if e.Resolver != nil {
		if cat := matchCategory(cands); cat != "" {
			if err := e.Resolver.Evaluate(ctx, *tx, cat); err != nil {
				return fmt.Errorf("resolve categorization conflict: %w", err)
			}
		}
	}
	return nil
}

// persistNoMatch records the terminal per-transaction outcome when nothing
// clears selection: any prior result is superseded and the status set, so a
// re-run against changed candidates stays idempotent.
func (e *MatchingEngine) persistNoMatch(ctx context.Context, tx repository.BankTransaction, status string) error {
	err := database.WithTx(ctx, e.DB, func(dtx *sql.Tx) error {
		if err := e.Matches.SupersedeTx(ctx, dtx, tx.ID); err != nil {
			return err
		}
		return e.Transactions.UpdateMatchStatusTx(ctx, dtx, tx.ID, status)
	})
	if err != nil {
		return fmt.Errorf("persist %s outcome: %w", status, err)
	}
	return nil
}

// matchCategory picks the first category hint carried by the matched
// candidates.
func matchCategory(cands []repository.ReceiptCandidate) string {
	for _, c := range cands {
		if c.Category != nil && *c.Category != "" {
			return *c.Category
		}
	}
	return ""
}

func (e *MatchingEngine) fail(ctx context.Context, jobID string, cause error) error {
	summary := cause.Error()
	if err := e.Jobs.SetStatus(ctx, jobID, repository.JobStatusFailed, &summary); err != nil {
		log.Printf("match: job %s: recording failure %q failed too: %v", jobID, summary, err)
	}
	return cause
}

// normalizeText lowercases and strips punctuation so "UBER *EATS" and
// "Uber Eats" compare equal.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// textSimilarity returns 1 for containment, otherwise a levenshtein ratio.
func textSimilarity(description, merchant string) float64 {
	if description == "" || merchant == "" {
		return 0
	}
	if strings.Contains(description, merchant) {
		return 1
	}
	dist := levenshtein.ComputeDistance(description, merchant)
	longest := len(description)
	if len(merchant) > longest {
		longest = len(merchant)
	}
	sim := 1 - float64(dist)/float64(longest)
	if sim < 0 {
		return 0
	}
	return sim
}

func daysApart(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
