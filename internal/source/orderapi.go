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

// OrderAPIClient pulls orders from the e-commerce order API. Totals arrive
// as decimal strings with a declared currency code and are converted to
// minor units by that code's fraction digits.
type OrderAPIClient struct {
	baseURL      string
	http         *httpx.Client
	pageSize     int
	backfillFrom string
}

func NewOrderAPIClient(baseURL string, client *httpx.Client, pageSize int, backfillFrom string) *OrderAPIClient {
	return &OrderAPIClient{baseURL: baseURL, http: client, pageSize: pageSize, backfillFrom: backfillFrom}
}

func (c *OrderAPIClient) Source() repository.Source { return repository.SourceOrderAPI }

type orderItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Quantity    int    `json:"quantity"`
}

type order struct {
	OrderID  string      `json:"order_id"`
	Merchant string      `json:"merchant"`
	Total    string      `json:"total"`
	Currency string      `json:"currency"`
	PlacedAt string      `json:"placed_at"`
	Category string      `json:"category"`
	Items    []orderItem `json:"items"`
}

type orderPage struct {
	Orders     []json.RawMessage `json:"orders"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

func (c *OrderAPIClient) FetchSince(ctx context.Context, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	} else {
		q.Set("placed_after", c.backfillFrom)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/orders?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var op orderPage
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, fmt.Errorf("decode order page: %w", err)
	}

	page := &Page{
		NextCursor: op.NextCursor,
		HasMore:    op.HasMore,
	}
	for _, raw := range op.Orders {
		cand, err := c.normalize(raw)
		if err != nil {
			log.Printf("order-api: skipping malformed order: %v", err)
			page.Skipped++
			continue
		}
		page.Candidates = append(page.Candidates, cand)
	}
	return page, nil
}

func (c *OrderAPIClient) normalize(raw json.RawMessage) (repository.ReceiptCandidate, error) {
	var o order
	if err := json.Unmarshal(raw, &o); err != nil {
		return repository.ReceiptCandidate{}, err
	}
	if o.OrderID == "" {
		return repository.ReceiptCandidate{}, fmt.Errorf("missing order_id")
	}
	if o.Currency == "" {
		return repository.ReceiptCandidate{}, fmt.Errorf("order %s: missing currency", o.OrderID)
	}
	total, err := minorUnits(o.Total, o.Currency)
	if err != nil {
		return repository.ReceiptCandidate{}, fmt.Errorf("order %s: %w", o.OrderID, err)
	}
	placed, err := time.Parse(time.RFC3339, o.PlacedAt)
	if err != nil {
		return repository.ReceiptCandidate{}, fmt.Errorf("order %s: %w", o.OrderID, err)
	}

	var items []repository.LineItem
	for _, it := range o.Items {
		cents, err := minorUnits(it.Amount, o.Currency)
		if err != nil {
			// a broken line item loses the item, not the order
			log.Printf("order-api: order %s: dropping line item %q: %v", o.OrderID, it.Description, err)
			continue
		}
		items = append(items, repository.LineItem{Description: it.Description, AmountCents: cents, Quantity: it.Quantity})
	}

	return repository.ReceiptCandidate{
		ID:             uuid.NewString(),
		Source:         repository.SourceOrderAPI,
		SourceNativeID: o.OrderID,
		MerchantName:   o.Merchant,
		AmountCents:    total,
		Currency:       o.Currency,
		PurchaseDate:   placed.UTC(),
		Category:       nullableStr(o.Category),
		LineItems:      items,
	}, nil
}
