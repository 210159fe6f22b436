package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/graph"
	"github.com/AIAleph/flowtrace/internal/logging"
	"github.com/AIAleph/flowtrace/internal/retrieve"
)

// ErrRootUnavailable aborts a run whose root history could not be retrieved.
var ErrRootUnavailable = errors.New("root unavailable")

const (
	DefaultMaxDepth        = 5
	DefaultMaxNodes        = 200
	DefaultMixingThreshold = 0.1
	DefaultMixerFanOut     = 8
	DefaultMaxBranches     = 32
)

// Resolver retrieves one hop level. It returns only once every address has
// an outcome; a missing entry counts as skipped.
type Resolver interface {
	Resolve(ctx context.Context, addrs []chain.Address) map[chain.Address]retrieve.Result
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, addrs []chain.Address) map[chain.Address]retrieve.Result

func (f ResolverFunc) Resolve(ctx context.Context, addrs []chain.Address) map[chain.Address]retrieve.Result {
	return f(ctx, addrs)
}

// Config holds the structural heuristics of a Propagator.
type Config struct {
	// MixingThreshold is the largest coefficient of variation of out-edge
	// values that still counts as near-uniform. Zero takes the default; a
	// negative value admits only exactly uniform fan-outs.
	MixingThreshold float64
	// MixerFanOut is the out-degree a node must exceed to be a mixer.
	MixerFanOut int
	// MaxBranches bounds distinct branches kept per node and hop level.
	MaxBranches int
	// Tolerance is the conservation shortfall accepted per record.
	Tolerance chain.Amount
}

func (c Config) withDefaults() Config {
	switch {
	case c.MixingThreshold == 0:
		c.MixingThreshold = DefaultMixingThreshold
	case c.MixingThreshold < 0:
		c.MixingThreshold = 0
	}
	if c.MixerFanOut <= 0 {
		c.MixerFanOut = DefaultMixerFanOut
	}
	if c.MaxBranches <= 1 {
		c.MaxBranches = DefaultMaxBranches
	}
	return c
}

// Propagator walks the graph level by level. One Propagator may serve
// concurrent runs; all per-run data lives in the returned State.
type Propagator struct {
	r   Resolver
	cfg Config
	log *slog.Logger
}

func NewPropagator(r Resolver, cfg Config) *Propagator {
	return &Propagator{r: r, cfg: cfg.withDefaults(), log: logging.Component("flow")}
}

type branch struct {
	at       chain.Address
	fraction float64
	path     Path
	seen     []chain.Address
}

func (b branch) key() string {
	var sb strings.Builder
	for i, a := range b.seen {
		if i > 0 {
			sb.WriteByte('>')
		}
		sb.WriteString(a.String())
	}
	return sb.String()
}

func (b branch) visited(a chain.Address) bool {
	for _, s := range b.seen {
		if s == a {
			return true
		}
	}
	return false
}

// via is every visited address except the one the branch sits at.
func (b branch) via() []chain.Address {
	out := make([]chain.Address, 0, len(b.seen))
	for _, s := range b.seen {
		if s != b.at {
			out = append(out, s)
		}
	}
	return out
}

type level struct {
	hop    int
	order  []chain.Address
	groups map[chain.Address][]branch
	inflow map[chain.Address]float64
}

// Propagate traces the root's value up to maxDepth hops, retrieving at most
// maxNodes addresses (root included). Only a failure to resolve the root is
// returned as an error; every other failure is recorded on the node.
func (p *Propagator) Propagate(ctx context.Context, root chain.Address, maxDepth, maxNodes int) (*State, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	start := time.Now()
	st := newState(root, graph.NewBuilder(p.cfg.Tolerance), maxDepth)
	frontier := []branch{{at: root, fraction: 1, seen: []chain.Address{root}}}

	for hop := 0; len(frontier) > 0; hop++ {
		lv := p.group(frontier, hop)
		p.arrive(st, lv)
		if err := p.resolve(ctx, st, lv, maxNodes); err != nil {
			return nil, err
		}
		p.freeze(st, lv)
		frontier = p.advance(st, lv, maxDepth)
	}

	p.log.Info("propagate_done",
		"root", root.String(),
		"nodes", len(st.Nodes),
		"fetched", st.Fetched,
		"edges", st.Graph.EdgeCount(),
		"malformed", len(st.Malformed),
		"completeness", string(st.Completeness()),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return st, nil
}

// group buckets branches by address, merging branches that followed the same
// node sequence and folding the smallest ones once MaxBranches is exceeded.
func (p *Propagator) group(frontier []branch, hop int) level {
	lv := level{hop: hop, groups: make(map[chain.Address][]branch), inflow: make(map[chain.Address]float64)}
	for _, b := range frontier {
		if _, ok := lv.groups[b.at]; !ok {
			lv.order = append(lv.order, b.at)
		}
		lv.groups[b.at] = append(lv.groups[b.at], b)
	}
	sort.Slice(lv.order, func(i, j int) bool { return lv.order[i].Less(lv.order[j]) })
	for _, a := range lv.order {
		bs := capBranches(mergeSame(lv.groups[a]), p.cfg.MaxBranches)
		lv.groups[a] = bs
		for _, b := range bs {
			lv.inflow[a] += b.fraction
		}
	}
	return lv
}

func mergeSame(bs []branch) []branch {
	idx := make(map[string]int, len(bs))
	out := make([]branch, 0, len(bs))
	for _, b := range bs {
		k := b.key()
		if i, ok := idx[k]; ok {
			if b.fraction > out[i].fraction {
				out[i].path = b.path
			}
			out[i].fraction += b.fraction
			continue
		}
		idx[k] = len(out)
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].fraction != out[j].fraction {
			return out[i].fraction > out[j].fraction
		}
		return out[i].key() < out[j].key()
	})
	return out
}

// capBranches keeps the limit-1 largest branches and folds the rest into one.
// The folded branch remembers every address any of them visited, so cycle
// detection on it errs toward reporting a return.
func capBranches(bs []branch, limit int) []branch {
	if len(bs) <= limit {
		return bs
	}
	keep := append([]branch(nil), bs[:limit-1]...)
	rest := bs[limit-1:]
	folded := branch{at: rest[0].at, path: rest[0].path}
	seen := make(map[chain.Address]struct{})
	for _, b := range rest {
		folded.fraction += b.fraction
		for _, a := range b.seen {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			folded.seen = append(folded.seen, a)
		}
	}
	return append(keep, folded)
}

func (p *Propagator) arrive(st *State, lv level) {
	for _, a := range lv.order {
		n := st.touch(a, lv.hop)
		in := lv.inflow[a]
		n.Aggregated += in
		st.Visits[Visit{a, lv.hop}] += in
		for _, b := range lv.groups[a] {
			if lv.hop == n.MinHop && len(b.path) > 0 {
				n.Parents[b.path[len(b.path)-1].Source] += b.fraction
			}
			n.Arrivals = append(n.Arrivals, Arrival{
				Hop:      lv.hop,
				Fraction: b.fraction,
				Path:     b.path,
				Via:      b.via(),
			})
		}
	}
}

// resolve admits the level's unresolved addresses against the fetch budget,
// largest inflow first, and retrieves them in one batch.
func (p *Propagator) resolve(ctx context.Context, st *State, lv level, maxNodes int) error {
	var pending []chain.Address
	for _, a := range lv.order {
		if !st.Nodes[a].attempted {
			pending = append(pending, a)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		fi, fj := lv.inflow[pending[i]], lv.inflow[pending[j]]
		if fi != fj {
			return fi > fj
		}
		return pending[i].Less(pending[j])
	})

	var admit []chain.Address
	for _, a := range pending {
		n := st.Nodes[a]
		n.attempted = true
		root := a == st.Root
		if !root && (st.Fetched >= maxNodes || ctx.Err() != nil) {
			n.Flags |= FlagTruncated
			continue
		}
		admit = append(admit, a)
		st.Fetched++
	}
	if len(admit) == 0 {
		return nil
	}

	results := p.r.Resolve(ctx, admit)
	sort.Slice(admit, func(i, j int) bool { return admit[i].Less(admit[j]) })
	for _, a := range admit {
		n := st.Nodes[a]
		res, ok := results[a]
		if !ok {
			res = retrieve.Result{Status: retrieve.StatusSkipped, Err: ctx.Err()}
		}
		if a == st.Root && res.Status != retrieve.StatusResolved {
			return rootError(a, res)
		}
		switch res.Status {
		case retrieve.StatusResolved:
			n.resolved = true
			n.Partial = res.Partial
			d := st.Graph.Ingest(res.Records)
			st.Malformed = append(st.Malformed, d.Rejected...)
			for _, r := range d.Rejected {
				p.log.Debug("record_rejected", "address", a.String(), "record", r.RecordID, "error", r.Err.Error())
			}
		case retrieve.StatusSkipped:
			n.Flags |= FlagTruncated
			n.Err = res.Err
		default:
			n.Flags |= FlagDataUnavailable
			n.Err = res.Err
		}
	}
	return nil
}

func rootError(root chain.Address, res retrieve.Result) error {
	cause := res.Err
	if cause == nil {
		cause = errors.New(res.Status.String())
	}
	if res.Status == retrieve.StatusInvalid {
		return fmt.Errorf("%w: %w: %s: %w", ErrRootUnavailable, chain.ErrInvalidAddressFormat, root, cause)
	}
	return fmt.Errorf("%w: %s: %w", ErrRootUnavailable, root, cause)
}

// freeze fixes the out-edges of every node resolved at this level, after all
// of the level's records are in, so the result does not depend on the order
// histories arrived in.
func (p *Propagator) freeze(st *State, lv level) {
	for _, a := range lv.order {
		n := st.Nodes[a]
		if !n.resolved || n.shares != nil {
			continue
		}
		n.edges = st.Graph.Out(a)
		n.shares = shares(n.edges)
		if len(n.edges) > p.cfg.MixerFanOut && variation(n.edges) <= p.cfg.MixingThreshold {
			n.Flags |= FlagMixer
		}
	}
}

func shares(es []graph.FlowEdge) []float64 {
	out := make([]float64, len(es))
	var total chain.Amount
	for _, e := range es {
		total = total.Add(e.Value)
	}
	if total.IsZero() {
		return out
	}
	for i, e := range es {
		out[i] = e.Value.Decimal().DivRound(total.Decimal(), 18).InexactFloat64()
	}
	return out
}

// variation is the coefficient of variation of edge values.
func variation(es []graph.FlowEdge) float64 {
	if len(es) == 0 {
		return 0
	}
	var mean float64
	vs := make([]float64, len(es))
	for i, e := range es {
		vs[i] = e.Value.Float64()
		mean += vs[i]
	}
	mean /= float64(len(vs))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range vs {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq/float64(len(vs))) / mean
}

// advance expands or retains every group of the level and returns the next
// frontier.
func (p *Propagator) advance(st *State, lv level, maxDepth int) []branch {
	var next []branch
	for _, a := range lv.order {
		n := st.Nodes[a]
		in := lv.inflow[a]
		switch {
		case n.Flags.Has(FlagDataUnavailable):
			n.Retained += in
		case !n.resolved:
			n.Flags |= FlagTruncated
			n.Retained += in
		case len(n.edges) == 0:
			if n.Partial {
				n.Flags |= FlagTruncated
			} else {
				n.Flags |= FlagSink
			}
			n.Retained += in
		case lv.hop >= maxDepth:
			n.Flags |= FlagTruncated
			n.Retained += in
		default:
			next = append(next, p.expand(st, n, lv.hop, lv.groups[a])...)
		}
	}
	return next
}

func (p *Propagator) expand(st *State, n *Node, hop int, bs []branch) []branch {
	var next []branch
	for _, b := range bs {
		for i, e := range n.edges {
			f := b.fraction * n.shares[i]
			n.Forwarded += f
			st.addLink(e, f)
			if b.visited(e.Dest) {
				n.Returned += f
				n.Flags |= FlagCircular
				if d := st.Nodes[e.Dest]; d != nil {
					d.Flags |= FlagCircular
				}
				st.Returns[Visit{e.Dest, hop + 1}] += f
				continue
			}
			path := make(Path, len(b.path), len(b.path)+1)
			copy(path, b.path)
			seen := make([]chain.Address, len(b.seen), len(b.seen)+1)
			copy(seen, b.seen)
			next = append(next, branch{
				at:       e.Dest,
				fraction: f,
				path:     append(path, e),
				seen:     append(seen, e.Dest),
			})
		}
	}
	return next
}
