// Package retrieve is the boundary between the attribution engine and ledger
// adapters. Adapters implement Fetcher; Client layers pagination, rate
// limiting, retries, in-flight coalescing and a record cache on top.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AIAleph/flowtrace/internal/chain"
)

// Errors a Fetcher reports. Adapters wrap them so errors.Is works.
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrUnavailable    = errors.New("upstream unavailable")
	ErrNotFound       = errors.New("address not found")
	ErrInvalidAddress = errors.New("invalid address")
)

// ErrDataUnavailable is returned once retries for an address are exhausted.
var ErrDataUnavailable = errors.New("data unavailable")

// RateLimitError is a rate-limit response that carries the server's
// Retry-After hint, when one was sent.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Page is one slice of an address's history. An empty NextCursor means the
// history is exhausted.
type Page struct {
	Records    []chain.Record
	NextCursor string
}

// Fetcher retrieves the transaction history touching an address. One
// implementation exists per ledger; the engine never branches on the chain.
type Fetcher interface {
	Fetch(ctx context.Context, addr chain.Address, cursor string) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, addr chain.Address, cursor string) (Page, error)

func (f FetcherFunc) Fetch(ctx context.Context, addr chain.Address, cursor string) (Page, error) {
	return f(ctx, addr, cursor)
}

// Status classifies the outcome of resolving one address.
type Status int

const (
	// StatusResolved means the history was retrieved (possibly empty).
	StatusResolved Status = iota
	// StatusUnavailable means retrieval failed after retries.
	StatusUnavailable
	// StatusInvalid means the upstream rejected the address.
	StatusInvalid
	// StatusSkipped means the run's deadline expired before resolution.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusUnavailable:
		return "unavailable"
	case StatusInvalid:
		return "invalid"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the resolution of one address.
type Result struct {
	Records []chain.Record
	Status  Status
	Err     error
	// Partial is set when the page cap stopped pagination early.
	Partial bool
}
