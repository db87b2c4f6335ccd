package httpx

import (
	"errors"
	"fmt"
)

// Kind classifies a client failure for the caller's retry decision.
type Kind string

const (
	// KindRateLimited means the retry budget for 429 responses is exhausted.
	KindRateLimited Kind = "rate_limited"
	// KindAuthExpired means a 401 persisted after one token refresh; the
	// credential is considered invalid.
	KindAuthExpired Kind = "auth_expired"
	// KindTransient covers 5xx, transport errors and timeouts after the
	// retry budget is exhausted.
	KindTransient Kind = "transient"
	// KindPermanent covers 4xx other than 401/429; never retried.
	KindPermanent Kind = "permanent"
)

// Error is a structured client failure.
type Error struct {
	Kind   Kind
	Status int
	URL    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (status %d): %v", e.Kind, e.URL, e.Status, e.Cause)
	}
	return fmt.Sprintf("[%s] %s (status %d)", e.Kind, e.URL, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
