package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/jask/receiptsync/internal/database/repository"
	"github.com/jask/receiptsync/internal/httpx"
)

// EmailClient pulls receipt emails from the mail gateway and scrapes each
// HTML body into a candidate. Receipt markup varies wildly between senders;
// the parser extracts what it can and leaves the rest empty rather than
// failing the message.
type EmailClient struct {
	baseURL         string
	http            *httpx.Client
	pageSize        int
	defaultCurrency string // assumed when the receipt markup declares none
}

func NewEmailClient(baseURL string, client *httpx.Client, pageSize int, defaultCurrency string) *EmailClient {
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &EmailClient{baseURL: baseURL, http: client, pageSize: pageSize, defaultCurrency: defaultCurrency}
}

func (c *EmailClient) Source() repository.Source { return repository.SourceEmail }

type mailMessage struct {
	ID         string `json:"id"`
	ReceivedAt string `json:"received_at"`
	Subject    string `json:"subject"`
	HTMLBody   string `json:"html_body"`
}

type mailPage struct {
	Messages []mailMessage `json:"messages"`
}

func (c *EmailClient) FetchSince(ctx context.Context, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("label", "receipts")
	if cursor != "" {
		q.Set("after", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var mp mailPage
	if err := json.NewDecoder(resp.Body).Decode(&mp); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}

	page := &Page{NextCursor: cursor, HasMore: len(mp.Messages) == c.pageSize && c.pageSize > 0}
	for _, msg := range mp.Messages {
		page.NextCursor = msg.ID
		cand, err := c.normalize(msg)
		if err != nil {
			log.Printf("email: skipping message %s: %v", msg.ID, err)
			page.Skipped++
			continue
		}
		page.Candidates = append(page.Candidates, cand)
	}
	if len(mp.Messages) == 0 {
		page.HasMore = false
	}
	return page, nil
}

var totalPattern = regexp.MustCompile(`(?i)total[^0-9$€£]*[$€£]?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)

func (c *EmailClient) normalize(msg mailMessage) (repository.ReceiptCandidate, error) {
	received, err := time.Parse(time.RFC3339, msg.ReceivedAt)
	if err != nil {
		return repository.ReceiptCandidate{}, fmt.Errorf("received_at: %w", err)
	}

	doc, err := html.Parse(strings.NewReader(msg.HTMLBody))
	if err != nil {
		return repository.ReceiptCandidate{}, fmt.Errorf("parse html: %w", err)
	}

	r := scrapeReceipt(doc)
	if r.currency == "" {
		r.currency = c.defaultCurrency
	}
	if r.merchant == "" {
		r.merchant = strings.TrimSpace(msg.Subject)
	}
	if r.total == "" {
		// fall back to a text scan of the whole body
		if m := totalPattern.FindStringSubmatch(collectText(doc)); m != nil {
			r.total = m[1]
		}
	}
	if r.total == "" {
		return repository.ReceiptCandidate{}, fmt.Errorf("no total found")
	}
	totalCents, err := minorUnits(r.total, r.currency)
	if err != nil {
		return repository.ReceiptCandidate{}, fmt.Errorf("total: %w", err)
	}

	var items []repository.LineItem
	for _, it := range r.items {
		cents, err := minorUnits(it.amount, r.currency)
		if err != nil {
			continue // broken row loses the row, not the receipt
		}
		items = append(items, repository.LineItem{Description: it.description, AmountCents: cents, Quantity: 1})
	}

	return repository.ReceiptCandidate{
		ID:             uuid.NewString(),
		Source:         repository.SourceEmail,
		SourceNativeID: msg.ID,
		MerchantName:   r.merchant,
		AmountCents:    totalCents,
		Currency:       r.currency,
		PurchaseDate:   received.UTC(),
		RawPayloadRef:  nullableStr(msg.ID),
		LineItems:      items,
	}, nil
}

type scrapedItem struct {
	description string
	amount      string
}

type scrapedReceipt struct {
	merchant string
	currency string
	total    string
	items    []scrapedItem
}

var amountPattern = regexp.MustCompile(`[0-9][0-9,]*(?:\.[0-9]+)?`)

// scrapeReceipt walks the parsed document once, picking up the conventions
// most receipt templates share: meta tags for merchant/currency, an element
// class containing "total", and two-column table rows for line items.
func scrapeReceipt(doc *html.Node) scrapedReceipt {
	var r scrapedReceipt
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				name, content := attr(n, "name"), attr(n, "content")
				switch name {
				case "merchant":
					r.merchant = content
				case "currency":
					r.currency = content
				}
			case "h1", "title":
				if r.merchant == "" {
					r.merchant = strings.TrimSpace(collectText(n))
				}
			case "tr":
				if desc, amount, ok := scrapeRow(n); ok {
					r.items = append(r.items, scrapedItem{description: desc, amount: amount})
				}
			default:
				if r.total == "" && strings.Contains(strings.ToLower(attr(n, "class")), "total") {
					if m := amountPattern.FindString(collectText(n)); m != "" {
						r.total = m
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return r
}

var summaryRowPattern = regexp.MustCompile(`(?i)^(sub)?total|^tax|^shipping|^discount`)

// scrapeRow treats a <tr> with at least two <td> cells as description+amount.
// Summary rows (total, tax, shipping) are not line items.
func scrapeRow(tr *html.Node) (desc, amount string, ok bool) {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			cells = append(cells, strings.TrimSpace(collectText(c)))
		}
	}
	if len(cells) < 2 {
		return "", "", false
	}
	if summaryRowPattern.MatchString(cells[0]) {
		return "", "", false
	}
	last := cells[len(cells)-1]
	m := amountPattern.FindString(last)
	if m == "" {
		return "", "", false
	}
	return cells[0], m, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
