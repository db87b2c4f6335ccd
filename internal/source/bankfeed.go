package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jask/receiptsync/internal/database/repository"
	"github.com/jask/receiptsync/internal/httpx"
)

// BankFeedClient pulls posted transactions from the bank-feed API. The feed
// paginates with an opaque page token; token presence, not item count,
// decides whether another page follows.
type BankFeedClient struct {
	baseURL      string
	http         *httpx.Client
	pageSize     int
	backfillFrom string // YYYY-MM-DD, first sync only
}

func NewBankFeedClient(baseURL string, client *httpx.Client, pageSize int, backfillFrom string) *BankFeedClient {
	return &BankFeedClient{baseURL: baseURL, http: client, pageSize: pageSize, backfillFrom: backfillFrom}
}

func (c *BankFeedClient) Source() repository.Source { return repository.SourceBankFeed }

type feedTransaction struct {
	ID          string `json:"id"`
	Account     string `json:"account"`
	PostedDate  string `json:"posted_date"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type feedPage struct {
	Transactions  []json.RawMessage `json:"transactions"`
	NextPageToken string            `json:"next_page_token"`
}

func (c *BankFeedClient) FetchSince(ctx context.Context, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("page_token", cursor)
	} else {
		q.Set("from", c.backfillFrom)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transactions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var fp feedPage
	if err := json.NewDecoder(resp.Body).Decode(&fp); err != nil {
		return nil, fmt.Errorf("decode feed page: %w", err)
	}

	page := &Page{
		NextCursor: fp.NextPageToken,
		HasMore:    fp.NextPageToken != "",
	}
	for _, raw := range fp.Transactions {
		t, err := c.normalize(raw)
		if err != nil {
			log.Printf("bank-feed: skipping malformed transaction: %v", err)
			page.Skipped++
			continue
		}
		page.Transactions = append(page.Transactions, t)
	}
	return page, nil
}

func (c *BankFeedClient) normalize(raw json.RawMessage) (repository.BankTransaction, error) {
	var ft feedTransaction
	if err := json.Unmarshal(raw, &ft); err != nil {
		return repository.BankTransaction{}, err
	}
	if ft.ID == "" || ft.Account == "" {
		return repository.BankTransaction{}, fmt.Errorf("missing id or account")
	}
	if ft.Currency == "" {
		return repository.BankTransaction{}, fmt.Errorf("transaction %s: missing currency", ft.ID)
	}
	posted, err := time.Parse(time.DateOnly, ft.PostedDate)
	if err != nil {
		return repository.BankTransaction{}, fmt.Errorf("transaction %s: %w", ft.ID, err)
	}
	return repository.BankTransaction{
		ID:             uuid.NewString(),
		AccountRef:     ft.Account,
		SourceTxID:     ft.ID,
		PostedDate:     posted.UTC(),
		AmountCents:    ft.AmountMinor,
		Currency:       ft.Currency,
		RawDescription: ft.Description,
		MatchStatus:    repository.MatchStatusUnmatched,
	}, nil
}
