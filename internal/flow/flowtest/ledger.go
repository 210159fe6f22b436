// Package flowtest provides an in-memory ledger for exercising the
// attribution engine without network access.
package flowtest

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/flow"
	"github.com/AIAleph/flowtrace/internal/retrieve"
)

// Addr maps a short name to a stable ETH address. Names order the same way
// their addresses do when they have equal length.
func Addr(name string) chain.Address {
	h := hex.EncodeToString([]byte(name))
	if len(h) > 40 {
		h = h[:40]
	}
	return chain.MustAddress(chain.ETH, "0x"+strings.Repeat("0", 40-len(h))+h)
}

// Out is one output of a multi-output transfer.
type Out struct {
	To    string
	Value int64
}

// Ledger is a thread-safe record store keyed by the addresses records touch.
type Ledger struct {
	mu      sync.Mutex
	records []chain.Record
	status  map[chain.Address]retrieve.Status
	partial map[chain.Address]bool
	calls   map[chain.Address]int
}

func New() *Ledger {
	return &Ledger{
		status:  make(map[chain.Address]retrieve.Status),
		partial: make(map[chain.Address]bool),
		calls:   make(map[chain.Address]int),
	}
}

// Send records a single transfer and returns its id.
func (l *Ledger) Send(from, to string, value int64) string {
	return l.SendMany(from, Out{To: to, Value: value})
}

// SendMany records one transfer from a single input to several outputs.
func (l *Ledger) SendMany(from string, outs ...Out) string {
	var total int64
	r := chain.Record{Chain: chain.ETH}
	for _, o := range outs {
		total += o.Value
		r.Outputs = append(r.Outputs, chain.Transfer{Address: Addr(o.To), Value: chain.NewAmount(o.Value)})
	}
	r.Inputs = []chain.Transfer{{Address: Addr(from), Value: chain.NewAmount(total)}}
	return l.Add(r)
}

// Add stores r, assigning an id and timestamp when missing.
func (l *Ledger) Add(r chain.Record) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.records) + 1
	if r.ID == "" {
		r.ID = fmt.Sprintf("tx%04d", n)
	}
	if r.Chain == "" {
		r.Chain = chain.ETH
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Unix(1_600_000_000+int64(n)*60, 0).UTC()
	}
	l.records = append(l.records, r)
	return r.ID
}

// Fail makes retrieval of name end with the given status.
func (l *Ledger) Fail(name string, s retrieve.Status) {
	l.mu.Lock()
	l.status[Addr(name)] = s
	l.mu.Unlock()
}

// Partial marks name's history as cut by the page cap.
func (l *Ledger) Partial(name string) {
	l.mu.Lock()
	l.partial[Addr(name)] = true
	l.mu.Unlock()
}

// Calls reports how many times a was resolved or fetched.
func (l *Ledger) Calls(a chain.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[a]
}

// History returns the records touching a, in insertion order.
func (l *Ledger) History(a chain.Address) []chain.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []chain.Record
	for _, r := range l.records {
		if r.Touches(a) {
			out = append(out, r)
		}
	}
	return out
}

func (l *Ledger) result(a chain.Address) retrieve.Result {
	l.mu.Lock()
	l.calls[a]++
	s, failed := l.status[a]
	partial := l.partial[a]
	l.mu.Unlock()
	if failed {
		return retrieve.Result{Status: s, Err: fmt.Errorf("%s: %w", a, errFor(s))}
	}
	return retrieve.Result{Status: retrieve.StatusResolved, Records: l.History(a), Partial: partial}
}

func errFor(s retrieve.Status) error {
	switch s {
	case retrieve.StatusInvalid:
		return retrieve.ErrInvalidAddress
	case retrieve.StatusSkipped:
		return context.DeadlineExceeded
	default:
		return retrieve.ErrDataUnavailable
	}
}

// Resolver resolves every address directly, without retries or caching.
func (l *Ledger) Resolver() flow.Resolver {
	return flow.ResolverFunc(func(ctx context.Context, addrs []chain.Address) map[chain.Address]retrieve.Result {
		out := make(map[chain.Address]retrieve.Result, len(addrs))
		for _, a := range addrs {
			out[a] = l.result(a)
		}
		return out
	})
}

// Fetcher serves each history as a single page, mapping failure statuses to
// the fetcher error taxonomy.
func (l *Ledger) Fetcher() retrieve.Fetcher {
	return retrieve.FetcherFunc(func(ctx context.Context, a chain.Address, cursor string) (retrieve.Page, error) {
		if err := ctx.Err(); err != nil {
			return retrieve.Page{}, err
		}
		res := l.result(a)
		switch res.Status {
		case retrieve.StatusResolved:
			return retrieve.Page{Records: res.Records}, nil
		case retrieve.StatusInvalid:
			return retrieve.Page{}, retrieve.ErrInvalidAddress
		default:
			return retrieve.Page{}, retrieve.ErrUnavailable
		}
	})
}
