package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppExportOffsetPagination(t *testing.T) {
	t.Parallel()

	entries := []map[string]any{
		{"purchase_id": "p1", "app": "Notes Pro", "price": "4.99", "currency": "USD", "purchased_at": "2026-08-01T09:00:00Z", "genre": "Productivity"},
		{"purchase_id": "p2", "seller": "Games Inc", "app": "Puzzler", "price": "9.99", "currency": "USD", "purchased_at": "2026-08-02T09:00:00Z"},
		{"purchase_id": "p3", "app": "Weather+", "price": "1.99", "currency": "USD", "purchased_at": "2026-08-03T09:00:00Z"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(entries) {
			end = len(entries)
		}
		var window []map[string]any
		if offset < len(entries) {
			window = entries[offset:end]
		}
		raw := make([]json.RawMessage, 0, len(window))
		for _, e := range window {
			b, _ := json.Marshal(e)
			raw = append(raw, b)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"entries": raw, "total": len(entries)})
	}))
	defer srv.Close()

	c := NewAppExportClient(srv.URL, testHTTPClient(), 2)
	ctx := context.Background()

	page1, err := c.FetchSince(ctx, "")
	require.NoError(t, err)
	require.Len(t, page1.Candidates, 2)
	require.True(t, page1.HasMore)
	require.Equal(t, "2", page1.NextCursor)

	page2, err := c.FetchSince(ctx, page1.NextCursor)
	require.NoError(t, err)
	require.Len(t, page2.Candidates, 1)
	require.False(t, page2.HasMore)

	// seller beats app name when both are present
	require.Equal(t, "Notes Pro", page1.Candidates[0].MerchantName)
	require.Equal(t, "Games Inc", page1.Candidates[1].MerchantName)

	// genre is optional; absent leaves the category nil
	require.NotNil(t, page1.Candidates[0].Category)
	require.Nil(t, page1.Candidates[1].Category)
	require.Empty(t, page1.Candidates[0].LineItems)
}

func TestAppExportEmptyWindowStopsPagination(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// total overstates what the export actually serves
		_ = json.NewEncoder(w).Encode(map[string]any{"entries": []json.RawMessage{}, "total": 10})
	}))
	defer srv.Close()

	c := NewAppExportClient(srv.URL, testHTTPClient(), 5)
	page, err := c.FetchSince(context.Background(), "0")
	require.NoError(t, err)
	require.Empty(t, page.Candidates)
	require.False(t, page.HasMore, "an empty window must terminate the loop")
}

func TestAppExportRejectsBadCursor(t *testing.T) {
	t.Parallel()

	c := NewAppExportClient("http://unused.invalid", testHTTPClient(), 5)
	_, err := c.FetchSince(context.Background(), "not-a-number")
	require.Error(t, err)
}
