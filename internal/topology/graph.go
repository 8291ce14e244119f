package topology

import (
	"fmt"
	"sort"
	"strconv"
)

// Graph is the arena form of a validated topology: nodes indexed by
// integer with adjacency lists, built once per execution snapshot.
type Graph struct {
	Nodes []Node

	index map[string]int
	out   [][]int
	in    [][]int
	cond  map[[2]int]string
	entry int
	depth []int
}

// BuildGraph indexes a topology into arena form. The config must already
// have passed Validate; structural defects surface as errors here only as
// a backstop.
func BuildGraph(cfg *Config) (*Graph, error) {
	g := &Graph{
		Nodes: cfg.Nodes,
		index: make(map[string]int, len(cfg.Nodes)),
		out:   make([][]int, len(cfg.Nodes)),
		in:    make([][]int, len(cfg.Nodes)),
		cond:  make(map[[2]int]string),
	}
	for i, n := range cfg.Nodes {
		if _, dup := g.index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		g.index[n.ID] = i
	}
	for _, e := range cfg.Edges {
		src, ok := g.index[e.Source]
		if !ok {
			return nil, fmt.Errorf("edge source %q not in topology", e.Source)
		}
		tgt, ok := g.index[e.Target]
		if !ok {
			return nil, fmt.Errorf("edge target %q not in topology", e.Target)
		}
		g.out[src] = append(g.out[src], tgt)
		g.in[tgt] = append(g.in[tgt], src)
		if e.Condition != "" {
			g.cond[[2]int{src, tgt}] = e.Condition
		}
	}
	entry, ok := g.index[cfg.EntryPoint]
	if !ok {
		return nil, fmt.Errorf("entry point %q not in topology", cfg.EntryPoint)
	}
	g.entry = entry
	g.computeDepths()
	return g, nil
}

// Index returns the arena index of a node id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Entry returns the entry point's arena index.
func (g *Graph) Entry() int { return g.entry }

// Out returns the direct successors of node i in edge-declaration order.
func (g *Graph) Out(i int) []int { return g.out[i] }

// In returns the direct predecessors of node i.
func (g *Graph) In(i int) []int { return g.in[i] }

// Depth returns the BFS depth of node i from the entry point.
func (g *Graph) Depth(i int) int { return g.depth[i] }

// EdgePriority reads the numeric priority off the edge's condition label;
// a missing or non-numeric label is priority 0.
func (g *Graph) EdgePriority(src, tgt int) float64 {
	label, ok := g.cond[[2]int{src, tgt}]
	if !ok {
		return 0
	}
	p, err := strconv.ParseFloat(label, 64)
	if err != nil {
		return 0
	}
	return p
}

// Terminals returns the out-degree-0 nodes in topological order.
func (g *Graph) Terminals() []int {
	var terms []int
	for _, i := range g.TopoOrder() {
		if len(g.out[i]) == 0 {
			terms = append(terms, i)
		}
	}
	return terms
}

// Descendants returns every node reachable from i via out-edges,
// excluding i itself.
func (g *Graph) Descendants(i int) []int {
	seen := make([]bool, len(g.Nodes))
	var result []int
	queue := append([]int(nil), g.out[i]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		result = append(result, n)
		queue = append(queue, g.out[n]...)
	}
	sort.Ints(result)
	return result
}

// TopoOrder returns the node indices in topological order (Kahn's
// algorithm), breaking ties by declaration order.
func (g *Graph) TopoOrder() []int {
	indegree := make([]int, len(g.Nodes))
	for _, succs := range g.out {
		for _, t := range succs {
			indegree[t]++
		}
	}
	var order, ready []int
	for i := range g.Nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, i)
		for _, t := range g.out[i] {
			indegree[t]--
			if indegree[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	return order
}

// GlobalSupervisor returns the arena index of the GLOBAL_SUPERVISOR node,
// or -1 when the topology has none.
func (g *Graph) GlobalSupervisor() int {
	for i := range g.Nodes {
		if g.Nodes[i].Kind == KindGlobalSupervisor {
			return i
		}
	}
	return -1
}

func (g *Graph) computeDepths() {
	g.depth = make([]int, len(g.Nodes))
	for i := range g.depth {
		g.depth[i] = -1
	}
	g.depth[g.entry] = 0
	queue := []int{g.entry}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, t := range g.out[i] {
			if g.depth[t] >= 0 {
				continue
			}
			g.depth[t] = g.depth[i] + 1
			queue = append(queue, t)
		}
	}
}
