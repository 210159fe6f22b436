// Package graph turns normalized records into an append-only directed
// multigraph of value transfers with forward and reverse indexes.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AIAleph/flowtrace/internal/chain"
)

var ErrMalformedRecord = errors.New("malformed record")

// FlowEdge is one value transfer implied by a record. Edges between the same
// pair from different records are kept apart for provenance.
type FlowEdge struct {
	Source    chain.Address `json:"source"`
	Dest      chain.Address `json:"dest"`
	Chain     chain.ID      `json:"chain"`
	Value     chain.Amount  `json:"value"`
	RecordID  string        `json:"record_id"`
	Timestamp time.Time     `json:"timestamp"`
}

type edgeKey struct {
	src, dst chain.Address
	record   string
}

// Rejection names a skipped record and why.
type Rejection struct {
	RecordID string
	Err      error
}

// Delta reports what a single Ingest call changed.
type Delta struct {
	Added      []FlowEdge
	Duplicates int
	Rejected   []Rejection
}

// Builder accumulates edges. It is owned by a single analysis run and is not
// safe for concurrent use.
type Builder struct {
	tolerance chain.Amount
	out       map[chain.Address][]FlowEdge
	in        map[chain.Address][]FlowEdge
	seen      map[edgeKey]struct{}
	records   map[string]struct{}
	edges     int
}

// NewBuilder returns an empty graph. tolerance is the conservation shortfall
// accepted before a record is rejected.
func NewBuilder(tolerance chain.Amount) *Builder {
	return &Builder{
		tolerance: tolerance,
		out:       make(map[chain.Address][]FlowEdge),
		in:        make(map[chain.Address][]FlowEdge),
		seen:      make(map[edgeKey]struct{}),
		records:   make(map[string]struct{}),
	}
}

// Ingest adds one edge per distinct (input, output) address pair of every
// record, weighted by the output's value. Malformed records are skipped and
// reported; the rest of the batch is still ingested.
func (b *Builder) Ingest(records []chain.Record) Delta {
	var d Delta
	for _, r := range records {
		if err := b.validate(r); err != nil {
			d.Rejected = append(d.Rejected, Rejection{RecordID: r.ID, Err: err})
			continue
		}
		b.records[r.ID] = struct{}{}
		sources := distinctInputs(r)
		outs := mergeOutputs(r)
		for _, src := range sources {
			for _, o := range outs {
				// Change paid back to one of the spenders is not a transfer.
				if r.SpentBy(o.Address) || o.Value.IsZero() {
					continue
				}
				k := edgeKey{src: src, dst: o.Address, record: r.ID}
				if _, dup := b.seen[k]; dup {
					d.Duplicates++
					continue
				}
				b.seen[k] = struct{}{}
				e := FlowEdge{
					Source:    src,
					Dest:      o.Address,
					Chain:     r.Chain,
					Value:     o.Value,
					RecordID:  r.ID,
					Timestamp: r.Timestamp,
				}
				b.out[src] = append(b.out[src], e)
				b.in[o.Address] = append(b.in[o.Address], e)
				b.edges++
				d.Added = append(d.Added, e)
			}
		}
	}
	return d
}

func (b *Builder) validate(r chain.Record) error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if len(r.Inputs) == 0 || len(r.Outputs) == 0 {
		return fmt.Errorf("%w: %s has no inputs or outputs", ErrMalformedRecord, r.ID)
	}
	for _, t := range append(append([]chain.Transfer(nil), r.Inputs...), r.Outputs...) {
		if t.Address.IsZero() {
			return fmt.Errorf("%w: %s has an empty address", ErrMalformedRecord, r.ID)
		}
		if t.Address.Chain() != r.Chain {
			return fmt.Errorf("%w: %s mixes chains %s and %s", ErrMalformedRecord, r.ID, r.Chain, t.Address.Chain())
		}
	}
	if !r.Conserves(b.tolerance) {
		return fmt.Errorf("%w: %s spends %s but pays %s + fee %s", ErrMalformedRecord, r.ID, r.InputTotal(), r.OutputTotal(), r.Fee)
	}
	return nil
}

func distinctInputs(r chain.Record) []chain.Address {
	seen := make(map[chain.Address]struct{}, len(r.Inputs))
	out := make([]chain.Address, 0, len(r.Inputs))
	for _, t := range r.Inputs {
		if _, ok := seen[t.Address]; ok {
			continue
		}
		seen[t.Address] = struct{}{}
		out = append(out, t.Address)
	}
	return out
}

// mergeOutputs sums outputs paying the same address, keeping first-seen order.
func mergeOutputs(r chain.Record) []chain.Transfer {
	idx := make(map[chain.Address]int, len(r.Outputs))
	out := make([]chain.Transfer, 0, len(r.Outputs))
	for _, t := range r.Outputs {
		if i, ok := idx[t.Address]; ok {
			out[i].Value = out[i].Value.Add(t.Value)
			continue
		}
		idx[t.Address] = len(out)
		out = append(out, t)
	}
	return out
}

// Out returns a's outgoing edges ordered by timestamp, record id, then dest.
func (b *Builder) Out(a chain.Address) []FlowEdge {
	es := append([]FlowEdge(nil), b.out[a]...)
	sortEdges(es, func(e FlowEdge) chain.Address { return e.Dest })
	return es
}

// In returns a's incoming edges ordered by timestamp, record id, then source.
func (b *Builder) In(a chain.Address) []FlowEdge {
	es := append([]FlowEdge(nil), b.in[a]...)
	sortEdges(es, func(e FlowEdge) chain.Address { return e.Source })
	return es
}

func sortEdges(es []FlowEdge, peer func(FlowEdge) chain.Address) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.RecordID != b.RecordID {
			return a.RecordID < b.RecordID
		}
		return peer(a).Less(peer(b))
	})
}

// OutDegree is the number of outgoing edges recorded for a.
func (b *Builder) OutDegree(a chain.Address) int { return len(b.out[a]) }

func (b *Builder) EdgeCount() int   { return b.edges }
func (b *Builder) RecordCount() int { return len(b.records) }
