// Package tree projects a propagation into a size-bounded, deterministically
// ordered tree for reporting and visualization.
package tree

import (
	"sort"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/flow"
)

const DefaultMaxNodes = 100

type Role string

const (
	RoleSource          Role = "source"
	RoleIntermediate    Role = "intermediate"
	RoleCandidate       Role = "candidate"
	RoleMixer           Role = "mixer"
	RoleCircular        Role = "circular"
	RoleDataUnavailable Role = "data_unavailable"
)

type Node struct {
	Address  chain.Address  `json:"address"`
	Hop      int            `json:"hop"`
	Fraction float64        `json:"aggregated_fraction"`
	Retained float64        `json:"retained_fraction,omitempty"`
	Role     Role           `json:"role"`
	Flags    []string       `json:"flags,omitempty"`
	Parent   *chain.Address `json:"parent,omitempty"`
}

type Edge struct {
	From      chain.Address `json:"from"`
	To        chain.Address `json:"to"`
	Fraction  float64       `json:"fraction"`
	Value     chain.Amount  `json:"value"`
	RecordIDs []string      `json:"record_ids"`
}

// View is the exported tree. Pruned is set when nodes were left out to fit
// the size bound.
type View struct {
	Nodes  []Node `json:"nodes"`
	Edges  []Edge `json:"edges"`
	Pruned bool   `json:"pruned"`
}

// ahead ranks nodes on aggregated fraction, then hop, then address.
func ahead(a, b *flow.Node) bool {
	if a.Aggregated != b.Aggregated {
		return a.Aggregated > b.Aggregated
	}
	if a.MinHop != b.MinHop {
		return a.MinHop < b.MinHop
	}
	return a.Address.Less(b.Address)
}

// Parent returns the predecessor that carried the most inflow into n at its
// first hop, ties going to the lower address.
func Parent(n *flow.Node) (chain.Address, bool) {
	var (
		best chain.Address
		top  float64
		ok   bool
	)
	for a, f := range n.Parents {
		if !ok || f > top || (f == top && a.Less(best)) {
			best, top, ok = a, f, true
		}
	}
	return best, ok
}

// Export keeps at most maxNodes non-root nodes. Nodes are admitted in rank
// order together with whatever they need to hang in the tree: their tree
// ancestors and every sibling of theirs or of an ancestor that ranks ahead.
// Selection stops at the first node that no longer fits, so no kept node
// ranks below a dropped one unless a higher-ranked kept node needed it.
func Export(st *flow.State, maxNodes int) View {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	root := st.Node(st.Root)
	if root == nil {
		return View{}
	}
	children := make(map[chain.Address][]*flow.Node)
	parents := make(map[chain.Address]chain.Address)
	var ranked []*flow.Node
	for _, n := range st.Sorted() {
		if n.Address == st.Root {
			continue
		}
		p, ok := Parent(n)
		if !ok {
			continue
		}
		parents[n.Address] = p
		children[p] = append(children[p], n)
		ranked = append(ranked, n)
	}
	for _, cs := range children {
		sort.Slice(cs, func(i, j int) bool { return ahead(cs[i], cs[j]) })
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ahead(ranked[i], ranked[j]) })

	kept := map[chain.Address]bool{st.Root: true}
	var picked []*flow.Node
	for _, n := range ranked {
		if kept[n.Address] {
			continue
		}
		need := requires(st, n, parents, children, kept)
		if len(picked)+len(need) > maxNodes {
			break
		}
		for _, m := range need {
			kept[m.Address] = true
		}
		picked = append(picked, need...)
	}

	ordered := order(root, picked, parents)
	v := View{Pruned: len(picked) < len(ranked)}
	for _, n := range ordered {
		out := Node{
			Address:  n.Address,
			Hop:      n.MinHop,
			Fraction: n.Aggregated,
			Retained: n.Retained,
			Role:     role(st, n),
			Flags:    n.Flags.Names(),
		}
		if p, ok := parents[n.Address]; ok {
			out.Parent = &p
			if l, ok := st.Link(p, n.Address); ok {
				v.Edges = append(v.Edges, Edge{
					From:      l.From,
					To:        l.To,
					Fraction:  l.Fraction,
					Value:     l.Value,
					RecordIDs: append([]string(nil), l.RecordIDs...),
				})
			}
		}
		v.Nodes = append(v.Nodes, out)
	}
	return v
}

// requires lists n and every node not yet kept that n needs in the tree.
func requires(st *flow.State, n *flow.Node, parents map[chain.Address]chain.Address, children map[chain.Address][]*flow.Node, kept map[chain.Address]bool) []*flow.Node {
	var out []*flow.Node
	seen := make(map[chain.Address]bool)
	for cur := n; cur != nil && !kept[cur.Address]; {
		p := parents[cur.Address]
		for _, sib := range children[p] {
			if sib.Address == cur.Address {
				break
			}
			if !kept[sib.Address] && !seen[sib.Address] {
				seen[sib.Address] = true
				out = append(out, sib)
			}
		}
		if !seen[cur.Address] {
			seen[cur.Address] = true
			out = append(out, cur)
		}
		cur = st.Node(p)
	}
	return out
}

// order lays the kept nodes out breadth-first by hop. Within a hop, nodes
// follow the output position of their parent, then rank.
func order(root *flow.Node, picked []*flow.Node, parents map[chain.Address]chain.Address) []*flow.Node {
	byHop := make(map[int][]*flow.Node)
	var hops []int
	for _, n := range picked {
		if _, ok := byHop[n.MinHop]; !ok {
			hops = append(hops, n.MinHop)
		}
		byHop[n.MinHop] = append(byHop[n.MinHop], n)
	}
	sort.Ints(hops)

	out := []*flow.Node{root}
	pos := map[chain.Address]int{root.Address: 0}
	for _, h := range hops {
		ns := byHop[h]
		sort.Slice(ns, func(i, j int) bool {
			pi, pj := pos[parents[ns[i].Address]], pos[parents[ns[j].Address]]
			if pi != pj {
				return pi < pj
			}
			return ahead(ns[i], ns[j])
		})
		for _, n := range ns {
			pos[n.Address] = len(out)
			out = append(out, n)
		}
	}
	return out
}

func role(st *flow.State, n *flow.Node) Role {
	switch {
	case n.Address == st.Root:
		return RoleSource
	case n.Flags.Has(flow.FlagDataUnavailable):
		return RoleDataUnavailable
	case n.Flags.Has(flow.FlagMixer):
		return RoleMixer
	case n.Flags.Has(flow.FlagCircular):
		return RoleCircular
	case n.Retained > 0:
		return RoleCandidate
	default:
		return RoleIntermediate
	}
}
