package repository

import "time"

// Source identifies where a record was pulled from.
type Source string

const (
	SourceBankFeed  Source = "bank-feed"
	SourceOrderAPI  Source = "order-api"
	SourceAppExport Source = "app-export"
	SourceEmail     Source = "email"
)

// ReceiptSources lists the sources that produce receipt candidates.
// The bank feed produces transactions, never candidates.
var ReceiptSources = []Source{SourceOrderAPI, SourceAppExport, SourceEmail}

// Match statuses for a bank transaction.
const (
	MatchStatusUnmatched = "unmatched"
	MatchStatusMatched   = "matched"
	MatchStatusAmbiguous = "ambiguous"
)

// Matching strategies recorded on a match result.
const (
	StrategyExactAmountDate   = "exact-amount-date"
	StrategyFuzzyAmountWindow = "fuzzy-amount-window"
	StrategyMerchantText      = "merchant-text-similarity"
	StrategyManual            = "manual"
)

// Job types and statuses.
const (
	JobTypeSync  = "sync"
	JobTypeMatch = "match"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusStale     = "stale"
)

// Conflict resolution states.
const (
	ConflictOpen               = "open"
	ConflictResolvedByOverride = "resolved-by-override"
	ConflictResolvedByPriority = "resolved-by-priority"
)

// BankTransaction represents a bank_transactions row. Immutable once synced
// except for match_status, which only the matching engine touches.
type BankTransaction struct {
	ID             string
	AccountRef     string
	SourceTxID     string
	PostedDate     time.Time
	AmountCents    int64
	Currency       string
	RawDescription string
	MatchStatus    string
	SyncJobID      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LineItem is one entry of a receipt's ordered item list.
type LineItem struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Quantity    int    `json:"quantity"`
}

// ReceiptCandidate represents a receipt_candidates row: a normalized
// purchase record from any non-bank source. Amount and currency are always
// present even when line items are not.
type ReceiptCandidate struct {
	ID             string
	Source         Source
	SourceNativeID string
	MerchantName   string
	AmountCents    int64
	Currency       string
	PurchaseDate   time.Time
	Category       *string
	LineItems      []LineItem
	RawPayloadRef  *string
	CreatedAt      time.Time
}

// MatchResult links one bank transaction to one or more receipt candidates.
// A nil SupersededAt marks the active result for its transaction.
type MatchResult struct {
	ID            string
	TransactionID string
	CandidateIDs  []string
	Strategy      string
	Confidence    float64
	Reviewed      bool
	CreatedAt     time.Time
	SupersededAt  *time.Time
}

// Job represents one asynchronous sync or match run.
type Job struct {
	ID              string
	Type            string
	Source          Source
	Status          string
	Processed       int64
	Failed          int64
	ErrorSummary    *string
	CancelRequested bool
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the job can no longer make progress.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusStale:
		return true
	}
	return false
}

// Conflict records a disagreement between rule-derived and match-derived
// categorization for one transaction.
type Conflict struct {
	ID                string
	TransactionID     string
	RuleCategory      string
	MatchCategory     string
	EffectiveCategory *string
	State             string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

// SyncCursor marks how far a source has been synced.
type SyncCursor struct {
	Source    Source
	Cursor    string
	UpdatedAt time.Time
}

// MerchantRule is one pattern-based categorization rule.
type MerchantRule struct {
	ID          string
	Pattern     string
	PatternType string
	Category    string
	Confidence  float64
	CreatedAt   time.Time
}
