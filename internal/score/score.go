// Package score ranks the terminal nodes of a propagation as probable end
// receivers.
package score

import (
	"math"
	"sort"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/flow"
)

const (
	DefaultDecayBase        = 0.8
	DefaultMaxCandidates    = 10
	DefaultMixerPenalty     = 0.5
	DefaultCircularPenalty  = 0.25
	DefaultPseudoSinkWeight = 0.5
	DefaultMaxPaths         = 5
)

// Reason says why a candidate holds value.
type Reason string

const (
	ReasonSink            Reason = "sink"
	ReasonTruncated       Reason = "truncated"
	ReasonDataUnavailable Reason = "data_unavailable"
)

// Config tunes the scoring formula. Zero fields take the defaults; a
// negative penalty turns that penalty off.
type Config struct {
	// DecayBase is b in decay(h) = b^h, within (0,1].
	DecayBase float64
	// MaxCandidates bounds each returned list.
	MaxCandidates    int
	MixerPenalty     float64
	CircularPenalty  float64
	PseudoSinkWeight float64
	MaxPaths         int
}

func (c Config) withDefaults() Config {
	if c.DecayBase <= 0 || c.DecayBase > 1 {
		c.DecayBase = DefaultDecayBase
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = DefaultMaxCandidates
	}
	c.MixerPenalty = orDefault(c.MixerPenalty, DefaultMixerPenalty)
	c.CircularPenalty = orDefault(c.CircularPenalty, DefaultCircularPenalty)
	if c.PseudoSinkWeight <= 0 || c.PseudoSinkWeight > 1 {
		c.PseudoSinkWeight = DefaultPseudoSinkWeight
	}
	if c.MaxPaths <= 0 {
		c.MaxPaths = DefaultMaxPaths
	}
	return c
}

func orDefault(v, def float64) float64 {
	switch {
	case v == 0:
		return def
	case v < 0:
		return 0
	}
	return v
}

// Candidate is a node reported as a probable end receiver.
type Candidate struct {
	Address chain.Address `json:"address"`
	// AggregatedFraction is all inflow the node received; Fraction is the
	// retained part the score is computed from.
	AggregatedFraction float64     `json:"aggregated_fraction"`
	Fraction           float64     `json:"fraction"`
	HopDistance        int         `json:"hop_distance"`
	Paths              []flow.Path `json:"paths"`
	MixingPenalty      float64     `json:"mixing_penalty"`
	Score              float64     `json:"score"`
	Inconclusive       bool        `json:"inconclusive"`
	Reason             Reason      `json:"reason"`
}

// Ranking is the scored output: confident candidates and pseudo-sinks kept
// apart.
type Ranking struct {
	Candidates   []Candidate
	Inconclusive []Candidate
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine { return &Engine{cfg: cfg.withDefaults()} }

// Score rates every node that retained value, excluding the root.
func (e *Engine) Score(st *flow.State) Ranking {
	var r Ranking
	for _, n := range st.Sorted() {
		if n.Address == st.Root || n.Retained <= 0 {
			continue
		}
		c := e.candidate(st, n)
		if c.Inconclusive {
			r.Inconclusive = append(r.Inconclusive, c)
		} else {
			r.Candidates = append(r.Candidates, c)
		}
	}
	Sort(r.Candidates)
	Sort(r.Inconclusive)
	r.Candidates = truncate(r.Candidates, e.cfg.MaxCandidates)
	r.Inconclusive = truncate(r.Inconclusive, e.cfg.MaxCandidates)
	return r
}

func truncate(cs []Candidate, n int) []Candidate {
	if len(cs) > n {
		return cs[:n]
	}
	return cs
}

func (e *Engine) candidate(st *flow.State, n *flow.Node) Candidate {
	c := Candidate{
		Address:            n.Address,
		AggregatedFraction: n.Aggregated,
		Fraction:           n.Retained,
		HopDistance:        n.MinHop,
		Reason:             reason(n.Flags),
	}
	c.Inconclusive = c.Reason != ReasonSink
	c.MixingPenalty = e.penalty(st, n)
	bonus := 1.0
	if c.Inconclusive {
		bonus = e.cfg.PseudoSinkWeight
	}
	c.Score = clamp(c.Fraction * e.Decay(c.HopDistance) * (1 - c.MixingPenalty) * bonus)
	c.Paths = e.paths(n)
	return c
}

func reason(f flow.Flag) Reason {
	switch {
	case f.Has(flow.FlagDataUnavailable):
		return ReasonDataUnavailable
	case f.Has(flow.FlagTruncated):
		return ReasonTruncated
	default:
		return ReasonSink
	}
}

// Decay is DecayBase^h.
func (e *Engine) Decay(h int) float64 { return math.Pow(e.cfg.DecayBase, float64(h)) }

// penalty accumulates over the distinct mixer and circular nodes on the
// contributing path set (root excluded, candidate included), capped at 1.
func (e *Engine) penalty(st *flow.State, n *flow.Node) float64 {
	seen := map[chain.Address]struct{}{n.Address: {}}
	for _, ar := range n.Arrivals {
		for _, a := range ar.Via {
			if a != st.Root {
				seen[a] = struct{}{}
			}
		}
	}
	var p float64
	for a := range seen {
		m := st.Node(a)
		if m == nil {
			continue
		}
		if m.Flags.Has(flow.FlagMixer) {
			p += e.cfg.MixerPenalty
		}
		if m.Flags.Has(flow.FlagCircular) {
			p += e.cfg.CircularPenalty
		}
	}
	return math.Min(p, 1)
}

// paths keeps the MaxPaths largest arrivals, shortest first on ties.
func (e *Engine) paths(n *flow.Node) []flow.Path {
	ars := append([]flow.Arrival(nil), n.Arrivals...)
	sort.SliceStable(ars, func(i, j int) bool {
		if ars[i].Fraction != ars[j].Fraction {
			return ars[i].Fraction > ars[j].Fraction
		}
		return ars[i].Hop < ars[j].Hop
	})
	if len(ars) > e.cfg.MaxPaths {
		ars = ars[:e.cfg.MaxPaths]
	}
	out := make([]flow.Path, len(ars))
	for i, ar := range ars {
		out[i] = ar.Path
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Less is the ranking order: score desc, aggregated fraction desc, hop asc,
// then address. It is total over distinct addresses.
func Less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.AggregatedFraction != b.AggregatedFraction {
		return a.AggregatedFraction > b.AggregatedFraction
	}
	if a.HopDistance != b.HopDistance {
		return a.HopDistance < b.HopDistance
	}
	return a.Address.Less(b.Address)
}

// Sort orders cs in place by Less.
func Sort(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return Less(cs[i], cs[j]) })
}
