// Package flow propagates attributed value from a root address through the
// transfer graph, one hop level at a time.
package flow

import (
	"sort"
	"strings"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/graph"
)

// Tolerance is the floating slack allowed when checking fraction sums.
const Tolerance = 1e-9

// Flag marks structural observations on a node.
type Flag uint8

const (
	FlagCircular Flag = 1 << iota
	FlagMixer
	FlagTruncated
	FlagDataUnavailable
	FlagSink
)

var flagNames = []struct {
	f    Flag
	name string
}{
	{FlagCircular, "circular"},
	{FlagMixer, "mixer"},
	{FlagTruncated, "truncated"},
	{FlagDataUnavailable, "data_unavailable"},
	{FlagSink, "sink"},
}

func (f Flag) Has(x Flag) bool { return f&x != 0 }

// Names lists the set flags in a fixed order.
func (f Flag) Names() []string {
	var out []string
	for _, n := range flagNames {
		if f.Has(n.f) {
			out = append(out, n.name)
		}
	}
	return out
}

func (f Flag) String() string { return strings.Join(f.Names(), "|") }

func (f Flag) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Completeness summarizes how much of the reachable flow was resolved.
type Completeness string

const (
	Complete    Completeness = "complete"
	Truncated   Completeness = "truncated"
	PartialData Completeness = "partial_data"
)

// Path is the ordered edge sequence from the root to a node.
type Path []graph.FlowEdge

// Nodes returns the addresses the path passes, root first.
func (p Path) Nodes() []chain.Address {
	if len(p) == 0 {
		return nil
	}
	out := make([]chain.Address, 0, len(p)+1)
	out = append(out, p[0].Source)
	for _, e := range p {
		out = append(out, e.Dest)
	}
	return out
}

// Visit keys the per-hop attribution of an address.
type Visit struct {
	Address chain.Address
	Hop     int
}

// Arrival is one branch of attributed value reaching a node. Via lists every
// address the branch (or the branches merged into it) passed before arriving,
// root first.
type Arrival struct {
	Hop      int
	Fraction float64
	Path     Path
	Via      []chain.Address
}

// Node is the attribution state of one address.
//
// Aggregated is the sum of all inflow over every hop at which the address was
// reached. Of it, Forwarded was sent along out-edges (Returned is the part of
// that which went back onto its own path) and Retained stayed at the node
// because it is a sink, a pseudo-sink or past a budget.
type Node struct {
	Address    chain.Address
	MinHop     int
	Aggregated float64
	Forwarded  float64
	Retained   float64
	Returned   float64
	Flags      Flag
	// Parents holds inflow at MinHop by immediate predecessor.
	Parents  map[chain.Address]float64
	Arrivals []Arrival
	// Partial is set when the node's history hit the page cap.
	Partial bool
	Err     error

	edges     []graph.FlowEdge
	shares    []float64
	attempted bool
	resolved  bool
}

// Edges returns the out-edges used for expansion, fixed once the node's hop
// level was ingested.
func (n *Node) Edges() []graph.FlowEdge { return n.edges }

// Resolved reports whether the node's history was retrieved.
func (n *Node) Resolved() bool { return n.resolved }

// Link is the attribution carried directly from one address to another, over
// every edge and branch between them.
type Link struct {
	From      chain.Address
	To        chain.Address
	Fraction  float64
	Value     chain.Amount
	RecordIDs []string
}

type linkKey struct{ from, to chain.Address }

// State is the result of one propagation. It is owned by a single run.
type State struct {
	Root    chain.Address
	Nodes   map[chain.Address]*Node
	Visits  map[Visit]float64
	Returns map[Visit]float64
	Graph   *graph.Builder
	// Malformed lists records the builder rejected.
	Malformed []graph.Rejection
	// Fetched counts addresses admitted for retrieval, root included.
	Fetched int
	MaxDepth int

	links map[linkKey]*Link
}

func newState(root chain.Address, g *graph.Builder, maxDepth int) *State {
	return &State{
		Root:     root,
		Nodes:    make(map[chain.Address]*Node),
		Visits:   make(map[Visit]float64),
		Returns:  make(map[Visit]float64),
		Graph:    g,
		MaxDepth: maxDepth,
		links:    make(map[linkKey]*Link),
	}
}

func (s *State) touch(a chain.Address, hop int) *Node {
	n, ok := s.Nodes[a]
	if !ok {
		n = &Node{Address: a, MinHop: hop, Parents: make(map[chain.Address]float64)}
		s.Nodes[a] = n
	}
	return n
}

func (s *State) addLink(e graph.FlowEdge, f float64) {
	k := linkKey{e.Source, e.Dest}
	l, ok := s.links[k]
	if !ok {
		l = &Link{From: e.Source, To: e.Dest}
		s.links[k] = l
	}
	l.Fraction += f
	for _, id := range l.RecordIDs {
		if id == e.RecordID {
			return
		}
	}
	l.RecordIDs = append(l.RecordIDs, e.RecordID)
	l.Value = l.Value.Add(e.Value)
}

// Node returns the state of a, or nil when it was never reached.
func (s *State) Node(a chain.Address) *Node { return s.Nodes[a] }

// Link returns the attribution carried from one address to another.
func (s *State) Link(from, to chain.Address) (Link, bool) {
	l, ok := s.links[linkKey{from, to}]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// Successors lists the links leaving a, largest fraction first.
func (s *State) Successors(a chain.Address) []Link {
	var out []Link
	for k, l := range s.links {
		if k.from == a {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fraction != out[j].Fraction {
			return out[i].Fraction > out[j].Fraction
		}
		return out[i].To.Less(out[j].To)
	})
	return out
}

// Sorted returns every reached node ordered by min hop, then address.
func (s *State) Sorted() []*Node {
	out := make([]*Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinHop != out[j].MinHop {
			return out[i].MinHop < out[j].MinHop
		}
		return out[i].Address.Less(out[j].Address)
	})
	return out
}

// Completeness is partial_data when any node lacked data, truncated when any
// budget cut flow short, complete otherwise.
func (s *State) Completeness() Completeness {
	c := Complete
	for _, n := range s.Nodes {
		if n.Flags.Has(FlagDataUnavailable) {
			return PartialData
		}
		if n.Flags.Has(FlagTruncated) {
			c = Truncated
		}
	}
	return c
}
