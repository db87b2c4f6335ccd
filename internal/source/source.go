// Package source holds the closed set of external-source clients. Each
// variant pulls source-native records through a rate-limited HTTP client and
// normalizes them into the engine's common shapes; new sources are added as
// new variants, never by runtime type inspection.
package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/currency"

	"github.com/jask/receiptsync/internal/database/repository"
)

// Client is one external source. FetchSince returns a finite page stream,
// restartable from any cursor the previous call handed back.
type Client interface {
	Source() repository.Source
	FetchSince(ctx context.Context, cursor string) (*Page, error)
}

// Page is one batch of normalized records. Bank-feed pages carry
// Transactions; receipt sources carry Candidates. Skipped counts malformed
// records that were logged and dropped without aborting the page.
type Page struct {
	Transactions []repository.BankTransaction
	Candidates   []repository.ReceiptCandidate
	NextCursor   string
	HasMore      bool
	Skipped      int
}

// minorUnits converts a decimal amount string to minor units using the
// declared ISO currency code's fraction digits. The code decides the scale;
// magnitude is never used to guess.
func minorUnits(amount, code string) (int64, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)

	s := strings.TrimSpace(amount)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > scale {
		return 0, fmt.Errorf("amount %q has more than %d fraction digits for %s", amount, scale, code)
	}
	frac += strings.Repeat("0", scale-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", amount, err)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("amount %q: %w", amount, err)
		}
	}
	pow := int64(1)
	for i := 0; i < scale; i++ {
		pow *= 10
	}
	v := w*pow + f
	if neg {
		v = -v
	}
	return v, nil
}

func nullableStr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
