package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/jask/receiptsync/internal/config"
	"github.com/jask/receiptsync/internal/credentials"
	"github.com/jask/receiptsync/internal/database"
	"github.com/jask/receiptsync/internal/database/repository"
	"github.com/jask/receiptsync/internal/httpx"
	"github.com/jask/receiptsync/internal/rules"
	"github.com/jask/receiptsync/internal/service"
	"github.com/jask/receiptsync/internal/source"
	"github.com/jask/receiptsync/internal/testdata"
)

// app holds everything a command needs, wired once in main.
type app struct {
	ctx context.Context
	cfg config.Config
	db  *sql.DB

	transactions *repository.BankTransactionRepo
	candidates   *repository.CandidateRepo
	matches      *repository.MatchRepo
	jobs         *repository.JobRepo
	conflicts    *repository.ConflictRepo
	cursors      *repository.CursorRepo
	rules        *repository.MerchantRuleRepo

	tracker  *service.JobTracker
	sync     *service.SyncOrchestrator
	matcher  *service.MatchingEngine
	resolver *service.ConflictResolver
}

var cli struct {
	Sync      syncCmd      `cmd:"" help:"Pull new records from one source and persist them."`
	Match     matchCmd     `cmd:"" help:"Match bank transactions against receipt candidates."`
	Matches   matchesCmd   `cmd:"" help:"Inspect and correct individual match results."`
	Jobs      jobsCmd      `cmd:"" help:"Inspect and manage jobs."`
	Conflicts conflictsCmd `cmd:"" help:"Inspect and resolve categorization conflicts."`
	Rules     rulesCmd     `cmd:"" help:"Manage merchant categorization rules."`
	Seed      seedCmd      `cmd:"" hidden:"" help:"Insert a deterministic sample dataset for local development."`
}

type seedCmd struct {
	Seed int64 `default:"1" help:"Random seed; the same seed always produces the same rows."`
}

func (c *seedCmd) Run(a *app) error {
	return testdata.Seed(a.ctx, a.db, testdata.Repos{
		Transactions: a.transactions,
		Candidates:   a.candidates,
		Rules:        a.rules,
	}, c.Seed)
}

type syncCmd struct {
	Source string `arg:"" enum:"bank-feed,order-api,app-export,email" help:"Source to sync."`
}

func (c *syncCmd) Run(a *app) error {
	src := repository.Source(c.Source)
	client, err := a.sourceClient(src)
	if err != nil {
		return err
	}

	job, err := a.tracker.Start(a.ctx, repository.JobTypeSync, src)
	if err != nil {
		if errors.Is(err, repository.ErrJobConflict) {
			return fmt.Errorf("a sync job for %s is already active; cancel it or sweep stale jobs first", src)
		}
		return err
	}
	log.Printf("sync %s: job %s", src, job.ID)

	if err := a.sync.Run(a.ctx, job.ID, client); err != nil {
		return err
	}
	return a.printJob(job.ID)
}

type matchCmd struct {
	TxIDs []string `arg:"" optional:"" help:"Transaction IDs to match. Empty matches everything unmatched or ambiguous."`
}

func (c *matchCmd) Run(a *app) error {
	job, err := a.tracker.Start(a.ctx, repository.JobTypeMatch, "")
	if err != nil {
		if errors.Is(err, repository.ErrJobConflict) {
			return fmt.Errorf("a match job is already active; cancel it or sweep stale jobs first")
		}
		return err
	}
	log.Printf("match: job %s", job.ID)

	if err := a.matcher.Run(a.ctx, job.ID, c.TxIDs); err != nil {
		return err
	}
	return a.printJob(job.ID)
}

type matchesCmd struct {
	Show   matchesShowCmd   `cmd:"" help:"Show the active match for a transaction."`
	Review matchesReviewCmd `cmd:"" help:"Mark a transaction's active match as reviewed."`
	Assign matchesAssignCmd `cmd:"" help:"Manually link a transaction to specific candidates."`
}

type matchesShowCmd struct {
	TxID string `arg:"" help:"Transaction ID."`
}

func (c *matchesShowCmd) Run(a *app) error {
	m, err := a.matches.Active(a.ctx, c.TxID)
	if err != nil {
		return err
	}
	if m == nil {
		fmt.Printf("no active match for %s\n", c.TxID)
		return nil
	}
	fmt.Printf("match %s: strategy=%s confidence=%.2f reviewed=%t candidates=%s\n",
		m.ID, m.Strategy, m.Confidence, m.Reviewed, strings.Join(m.CandidateIDs, ","))
	return nil
}

type matchesReviewCmd struct {
	TxID string `arg:"" help:"Transaction ID."`
}

func (c *matchesReviewCmd) Run(a *app) error {
	if err := a.matches.MarkReviewed(a.ctx, c.TxID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("no active match for %s", c.TxID)
		}
		return err
	}
	return nil
}

type matchesAssignCmd struct {
	TxID         string   `arg:"" help:"Transaction ID."`
	CandidateIDs []string `arg:"" help:"Candidate IDs to link, in order."`
}

func (c *matchesAssignCmd) Run(a *app) error {
	if err := a.matcher.AssignManual(a.ctx, c.TxID, c.CandidateIDs); err != nil {
		return err
	}
	show := matchesShowCmd{TxID: c.TxID}
	return show.Run(a)
}

type jobsCmd struct {
	List   jobsListCmd   `cmd:"" default:"1" help:"List active jobs."`
	Status jobsStatusCmd `cmd:"" help:"Show one job."`
	Cancel jobsCancelCmd `cmd:"" help:"Request cooperative cancellation of a job."`
	Sweep  jobsSweepCmd  `cmd:"" help:"Mark abandoned jobs stale, freeing their source slots."`
}

type jobsListCmd struct{}

func (c *jobsListCmd) Run(a *app) error {
	jobs, err := a.tracker.ListActive(a.ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no active jobs")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%s  %-5s %-10s %-8s processed=%d failed=%d updated=%s\n",
			j.ID, j.Type, j.Source, j.Status, j.Processed, j.Failed, j.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

type jobsStatusCmd struct {
	ID string `arg:"" help:"Job ID."`
}

func (c *jobsStatusCmd) Run(a *app) error { return a.printJob(c.ID) }

type jobsCancelCmd struct {
	ID string `arg:"" help:"Job ID."`
}

func (c *jobsCancelCmd) Run(a *app) error {
	if err := a.tracker.Cancel(a.ctx, c.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("job %s is not active", c.ID)
		}
		return err
	}
	fmt.Printf("cancel requested for %s; the job stops at its next batch boundary\n", c.ID)
	return nil
}

type jobsSweepCmd struct {
	OlderThan time.Duration `help:"Override the configured staleness window."`
}

func (c *jobsSweepCmd) Run(a *app) error {
	n, err := a.tracker.MarkStale(a.ctx, c.OlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("marked %d job(s) stale\n", n)
	return nil
}

type conflictsCmd struct {
	List    conflictsListCmd    `cmd:"" default:"1" help:"List conflicts."`
	Resolve conflictsResolveCmd `cmd:"" help:"Resolve one conflict."`
}

type conflictsListCmd struct {
	State string `help:"Filter by state (open, resolved-by-priority, resolved-by-override)."`
}

func (c *conflictsListCmd) Run(a *app) error {
	list, err := a.conflicts.List(a.ctx, c.State)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no conflicts")
		return nil
	}
	for _, cf := range list {
		effective := "-"
		if cf.EffectiveCategory != nil {
			effective = *cf.EffectiveCategory
		}
		fmt.Printf("%s  tx=%s rule=%q match=%q effective=%q state=%s\n",
			cf.ID, cf.TransactionID, cf.RuleCategory, cf.MatchCategory, effective, cf.State)
	}
	return nil
}

type conflictsResolveCmd struct {
	ID       string `arg:"" help:"Conflict ID."`
	Category string `help:"Explicit category override. Empty applies the configured priority order."`
}

func (c *conflictsResolveCmd) Run(a *app) error {
	if err := a.resolver.Resolve(a.ctx, c.ID, c.Category); err != nil {
		return err
	}
	return nil
}

type rulesCmd struct {
	Add rulesAddCmd `cmd:"" help:"Add a merchant categorization rule."`
}

type rulesAddCmd struct {
	Pattern    string  `arg:"" help:"Merchant pattern, matched against the raw description."`
	Category   string  `arg:"" help:"Category the rule assigns."`
	Type       string  `enum:"exact,prefix,contains" default:"contains" help:"How the pattern matches."`
	Confidence float64 `default:"0.9" help:"Rule confidence, used to break ties between rules."`
}

func (c *rulesAddCmd) Run(a *app) error {
	return a.rules.Add(a.ctx, repository.MerchantRule{
		ID:          uuid.NewString(),
		Pattern:     strings.ToUpper(c.Pattern),
		PatternType: c.Type,
		Category:    c.Category,
		Confidence:  c.Confidence,
	})
}

func (a *app) printJob(id string) error {
	j, err := a.tracker.Status(a.ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("job %s: %s %s status=%s processed=%d failed=%d\n",
		j.ID, j.Type, j.Source, j.Status, j.Processed, j.Failed)
	if j.ErrorSummary != nil {
		fmt.Printf("  error: %s\n", *j.ErrorSummary)
	}
	return nil
}

// sourceClient builds the rate-limited client for one source from config.
func (a *app) sourceClient(src repository.Source) (source.Client, error) {
	var sc config.SourceConfig
	switch src {
	case repository.SourceBankFeed:
		sc = a.cfg.Sources.BankFeed
	case repository.SourceOrderAPI:
		sc = a.cfg.Sources.OrderAPI
	case repository.SourceAppExport:
		sc = a.cfg.Sources.AppExport
	case repository.SourceEmail:
		sc = a.cfg.Sources.Email
	default:
		return nil, fmt.Errorf("unknown source %q", src)
	}
	if sc.BaseURL == "" {
		return nil, fmt.Errorf("sources.%s.base_url is not configured", src)
	}

	var refresher credentials.Refresher
	if sc.TokenURL != "" {
		refresher = credentials.HTTPRefresher(nil, sc.TokenURL, sc.RefreshTokenEnv)
	}
	tokens := credentials.NewStore(string(src), sc.TokenEnv, refresher)
	hc := httpx.New(tokens, httpx.Options{
		MinInterval: sc.MinInterval,
		Timeout:     sc.Timeout,
		MaxRetries:  sc.MaxRetries,
	})

	switch src {
	case repository.SourceBankFeed:
		return source.NewBankFeedClient(sc.BaseURL, hc, sc.PageSize, sc.BackfillFrom), nil
	case repository.SourceOrderAPI:
		return source.NewOrderAPIClient(sc.BaseURL, hc, sc.PageSize, sc.BackfillFrom), nil
	case repository.SourceAppExport:
		return source.NewAppExportClient(sc.BaseURL, hc, sc.PageSize), nil
	default:
		return source.NewEmailClient(sc.BaseURL, hc, sc.PageSize, "USD"), nil
	}
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("mkdir db dir: %v", err)
	}

	if err := database.RunMigrations(cfg.Database.Path, cfg.Database.MigrationsPath); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	a := &app{ctx: ctx, cfg: cfg, db: db}
	a.transactions = repository.NewBankTransactionRepo(db)
	a.candidates = repository.NewCandidateRepo(db)
	a.matches = repository.NewMatchRepo(db)
	a.jobs = repository.NewJobRepo(db)
	a.conflicts = repository.NewConflictRepo(db)
	a.cursors = repository.NewCursorRepo(db)
	a.rules = repository.NewMerchantRuleRepo(db)

	a.tracker = &service.JobTracker{Jobs: a.jobs, StalenessWindow: cfg.Jobs.StalenessWindow}
	a.sync = &service.SyncOrchestrator{DB: db, Transactions: a.transactions, Candidates: a.candidates, Cursors: a.cursors, Jobs: a.jobs}
	a.resolver = &service.ConflictResolver{
		Conflicts:   a.conflicts,
		Categorizer: &rules.Engine{Rules: a.rules},
		Policy:      cfg.Conflicts,
	}
	a.matcher = &service.MatchingEngine{
		DB:           db,
		Transactions: a.transactions,
		Candidates:   a.candidates,
		Matches:      a.matches,
		Jobs:         a.jobs,
		Resolver:     a.resolver,
		Config:       cfg.Matching,
	}

	kctx := kong.Parse(&cli,
		kong.Name("receiptsync"),
		kong.Description("Sync bank transactions and receipts, then match them."),
	)
	kctx.FatalIfErrorf(kctx.Run(a))
}
