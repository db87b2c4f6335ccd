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

// AppExportClient reads the app store's purchase-export document. The export
// service serves windows of the document by offset, so the cursor is a
// decimal record offset. Export entries are loosely structured; whatever
// optional fields are missing stay empty on the candidate.
type AppExportClient struct {
	baseURL  string
	http     *httpx.Client
	pageSize int
}

func NewAppExportClient(baseURL string, client *httpx.Client, pageSize int) *AppExportClient {
	return &AppExportClient{baseURL: baseURL, http: client, pageSize: pageSize}
}

func (c *AppExportClient) Source() repository.Source { return repository.SourceAppExport }

type exportEntry struct {
	PurchaseID  string `json:"purchase_id"`
	App         string `json:"app"`
	Seller      string `json:"seller"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	PurchasedAt string `json:"purchased_at"`
	Genre       string `json:"genre"`
}

type exportWindow struct {
	Entries []json.RawMessage `json:"entries"`
	Total   int               `json:"total"`
}

func (c *AppExportClient) FetchSince(ctx context.Context, cursor string) (*Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("bad app-export cursor %q: %w", cursor, err)
		}
		offset = n
	}

	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/export/purchases?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var win exportWindow
	if err := json.NewDecoder(resp.Body).Decode(&win); err != nil {
		return nil, fmt.Errorf("decode export window: %w", err)
	}

	next := offset + len(win.Entries)
	page := &Page{
		NextCursor: strconv.Itoa(next),
		HasMore:    next < win.Total && len(win.Entries) > 0,
	}
	for _, raw := range win.Entries {
		cand, err := c.normalize(raw)
		if err != nil {
			log.Printf("app-export: skipping malformed entry: %v", err)
			page.Skipped++
			continue
		}
		page.Candidates = append(page.Candidates, cand)
	}
	return page, nil
}

func (c *AppExportClient) normalize(raw json.RawMessage) (repository.ReceiptCandidate, error) {
	var e exportEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return repository.ReceiptCandidate{}, err
	}
	if e.PurchaseID == "" {
		return repository.ReceiptCandidate{}, fmt.Errorf("missing purchase_id")
	}
	if e.Currency == "" {
		return repository.ReceiptCandidate{}, fmt.Errorf("purchase %s: missing currency", e.PurchaseID)
	}
	price, err := minorUnits(e.Price, e.Currency)
	if err != nil {
		return repository.ReceiptCandidate{}, fmt.Errorf("purchase %s: %w", e.PurchaseID, err)
	}
	purchased, err := time.Parse(time.RFC3339, e.PurchasedAt)
	if err != nil {
		return repository.ReceiptCandidate{}, fmt.Errorf("purchase %s: %w", e.PurchaseID, err)
	}

	merchant := e.Seller
	if merchant == "" {
		merchant = e.App
	}
	return repository.ReceiptCandidate{
		ID:             uuid.NewString(),
		Source:         repository.SourceAppExport,
		SourceNativeID: e.PurchaseID,
		MerchantName:   merchant,
		AmountCents:    price,
		Currency:       e.Currency,
		PurchaseDate:   purchased.UTC(),
		Category:       nullableStr(e.Genre),
	}, nil
}
