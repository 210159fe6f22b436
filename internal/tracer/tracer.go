// Package tracer runs one fund-flow attribution: it resolves histories level
// by level through a ledger fetcher, propagates the root's value, scores the
// terminal nodes and exports the tree.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/flow"
	"github.com/AIAleph/flowtrace/internal/logging"
	"github.com/AIAleph/flowtrace/internal/metrics"
	"github.com/AIAleph/flowtrace/internal/retrieve"
	"github.com/AIAleph/flowtrace/internal/score"
	"github.com/AIAleph/flowtrace/internal/tree"
)

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrRootUnavailable is returned when the root's own history cannot be
	// retrieved; nothing can be attributed without it.
	ErrRootUnavailable = flow.ErrRootUnavailable
)

const (
	DefaultDeadline    = 30 * time.Second
	DefaultConcurrency = 4
)

// Options bound and tune one analysis. Zero budgets take the package
// defaults. MixingThreshold and the penalties are used as given, zero
// included, so callers start from DefaultOptions.
type Options struct {
	MaxDepth        int
	MaxNodes        int
	MaxCandidates   int
	Deadline        time.Duration
	MixingThreshold float64
	DecayBase       float64

	MixerFanOut      int
	MixerPenalty     float64
	CircularPenalty  float64
	PseudoSinkWeight float64
	MaxBranches      int
	MaxPaths         int
	ExportNodes      int
	// Concurrency bounds fetches in flight within one hop level.
	Concurrency int
	Retry       retrieve.Options
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxDepth:         flow.DefaultMaxDepth,
		MaxNodes:         flow.DefaultMaxNodes,
		MaxCandidates:    score.DefaultMaxCandidates,
		Deadline:         DefaultDeadline,
		MixingThreshold:  flow.DefaultMixingThreshold,
		DecayBase:        score.DefaultDecayBase,
		MixerFanOut:      flow.DefaultMixerFanOut,
		MixerPenalty:     score.DefaultMixerPenalty,
		CircularPenalty:  score.DefaultCircularPenalty,
		PseudoSinkWeight: score.DefaultPseudoSinkWeight,
		MaxBranches:      flow.DefaultMaxBranches,
		MaxPaths:         score.DefaultMaxPaths,
		ExportNodes:      tree.DefaultMaxNodes,
		Concurrency:      DefaultConcurrency,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = d.MaxNodes
	}
	if o.Deadline <= 0 {
		o.Deadline = d.Deadline
	}
	if o.ExportNodes <= 0 {
		o.ExportNodes = d.ExportNodes
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	return o
}

// given maps an explicit zero onto the negative value the flow and score
// configs read as zero.
func given(v float64) float64 {
	if v == 0 {
		return -1
	}
	return v
}

// Malformed is a record skipped during graph building.
type Malformed struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// Stats summarizes what a run touched. Root counts are over the root's own
// history: records paying it, records it paid from and the value it sent.
type Stats struct {
	Records            int           `json:"records"`
	Edges              int           `json:"edges"`
	Fetched            int           `json:"fetched"`
	Nodes              int           `json:"nodes"`
	RootIncoming       int           `json:"root_incoming"`
	RootOutgoing       int           `json:"root_outgoing"`
	RootOutgoingVolume chain.Amount  `json:"root_outgoing_volume"`
	Elapsed            time.Duration `json:"elapsed_ns"`
}

type Result struct {
	Root         chain.Address     `json:"root"`
	Candidates   []score.Candidate `json:"candidates"`
	Inconclusive []score.Candidate `json:"inconclusive"`
	Tree         tree.View         `json:"tree"`
	Completeness flow.Completeness `json:"completeness"`
	Malformed    []Malformed       `json:"malformed,omitempty"`
	Stats        Stats             `json:"stats"`
}

// Analyzer runs analyses over one fetcher. Concurrent runs share its record
// cache and in-flight coalescing but nothing else.
type Analyzer struct {
	client *retrieve.Client
	opts   Options
	log    *slog.Logger
}

func New(f retrieve.Fetcher, opts Options) *Analyzer {
	metrics.Init()
	opts = opts.withDefaults()
	return &Analyzer{
		client: retrieve.NewClient(f, opts.Retry),
		opts:   opts,
		log:    logging.Component("tracer"),
	}
}

// Analyze traces a single root through a fresh Analyzer.
func Analyze(ctx context.Context, root chain.Address, f retrieve.Fetcher, opts Options) (*Result, error) {
	return New(f, opts).Analyze(ctx, root)
}

// Registry maps each supported ledger to its fetcher.
type Registry map[chain.ID]retrieve.Fetcher

// AnalyzeAddress detects the ledger of raw, normalizes it and analyzes it
// with the registered fetcher.
func AnalyzeAddress(ctx context.Context, raw string, reg Registry, opts Options) (*Result, error) {
	id, err := chain.Detect(raw)
	if err != nil {
		return nil, err
	}
	f, ok := reg[id]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, id)
	}
	root, err := chain.NewAddress(id, raw)
	if err != nil {
		return nil, err
	}
	return Analyze(ctx, root, f, opts)
}

func (a *Analyzer) Analyze(ctx context.Context, root chain.Address) (*Result, error) {
	if root.IsZero() {
		return nil, fmt.Errorf("%w: empty root", chain.ErrInvalidAddressFormat)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.opts.Deadline)
	defer cancel()

	resolver := flow.ResolverFunc(func(ctx context.Context, addrs []chain.Address) map[chain.Address]retrieve.Result {
		return a.client.ResolveAll(ctx, addrs, a.opts.Concurrency)
	})
	p := flow.NewPropagator(resolver, flow.Config{
		MixingThreshold: given(a.opts.MixingThreshold),
		MixerFanOut:     a.opts.MixerFanOut,
		MaxBranches:     a.opts.MaxBranches,
	})
	st, err := p.Propagate(ctx, root, a.opts.MaxDepth, a.opts.MaxNodes)
	if err != nil {
		a.log.Warn("analysis_failed", "root", root.String(), "chain", string(root.Chain()), "error", err.Error())
		return nil, err
	}

	ranked := score.NewEngine(score.Config{
		DecayBase:        a.opts.DecayBase,
		MaxCandidates:    a.opts.MaxCandidates,
		MixerPenalty:     given(a.opts.MixerPenalty),
		CircularPenalty:  given(a.opts.CircularPenalty),
		PseudoSinkWeight: a.opts.PseudoSinkWeight,
		MaxPaths:         a.opts.MaxPaths,
	}).Score(st)

	res := &Result{
		Root:         root,
		Candidates:   ranked.Candidates,
		Inconclusive: ranked.Inconclusive,
		Tree:         tree.Export(st, a.opts.ExportNodes),
		Completeness: st.Completeness(),
		Stats:        stats(st),
	}
	for _, m := range st.Malformed {
		res.Malformed = append(res.Malformed, Malformed{RecordID: m.RecordID, Reason: m.Err.Error()})
	}
	res.Stats.Elapsed = time.Since(start)

	metrics.AnalysisDuration.Observe(res.Stats.Elapsed.Seconds())
	metrics.NodesVisited.Observe(float64(res.Stats.Nodes))
	metrics.AnalysisTotal.WithLabelValues(string(res.Completeness)).Inc()
	a.log.Info("analysis_done",
		"root", root.String(),
		"chain", string(root.Chain()),
		"candidates", len(res.Candidates),
		"inconclusive", len(res.Inconclusive),
		"completeness", string(res.Completeness),
		"fetched", res.Stats.Fetched,
		"elapsed_ms", res.Stats.Elapsed.Milliseconds(),
	)
	return res, nil
}

func stats(st *flow.State) Stats {
	s := Stats{
		Records: st.Graph.RecordCount(),
		Edges:   st.Graph.EdgeCount(),
		Fetched: st.Fetched,
		Nodes:   len(st.Nodes),
	}
	in := make(map[string]struct{})
	for _, e := range st.Graph.In(st.Root) {
		in[e.RecordID] = struct{}{}
	}
	out := make(map[string]struct{})
	for _, e := range st.Graph.Out(st.Root) {
		out[e.RecordID] = struct{}{}
		s.RootOutgoingVolume = s.RootOutgoingVolume.Add(e.Value)
	}
	s.RootIncoming, s.RootOutgoing = len(in), len(out)
	return s
}
