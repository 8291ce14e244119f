package topology

import (
	"fmt"
	"strings"
)

// MaxNodes and MaxDepth bound accepted topologies.
const (
	MaxNodes = 100
	MaxDepth = 10
)

// Validation error codes.
const (
	CodeCycle               = "CYCLE"
	CodeUnreachable         = "UNREACHABLE"
	CodeDuplicateID         = "DUPLICATE_ID"
	CodeDanglingEdge        = "DANGLING_EDGE"
	CodeUnknownModel        = "UNKNOWN_MODEL"
	CodeUnknownTool         = "UNKNOWN_TOOL"
	CodeTooDeep             = "TOO_DEEP"
	CodeEmptySupervisor     = "EMPTY_SUPERVISOR"
	CodeNoEntryPoint        = "NO_ENTRY_POINT"
	CodeMultipleEntryPoints = "MULTIPLE_ENTRY_POINTS"
)

// ModelResolver answers whether a (provider, model) pair is registered.
type ModelResolver interface {
	HasModel(provider, modelID string) bool
}

// ToolResolver answers whether a tool name is registered.
type ToolResolver interface {
	HasTool(name string) bool
}

// Issue is a single validation defect.
type Issue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult lists every defect found in a topology.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors"`
}

// ValidationError wraps a failed ValidationResult as an error.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Result.Errors))
	for i, issue := range e.Result.Errors {
		msgs[i] = issue.Message
	}
	return "invalid topology: " + strings.Join(msgs, "; ")
}

// Validate checks a topology against all structural rules and resolves
// model/tool references. It does not short-circuit: every defect found is
// reported.
func Validate(cfg *Config, models ModelResolver, tools ToolResolver) ValidationResult {
	var errs []Issue
	add := func(code, path, format string, args ...any) {
		errs = append(errs, Issue{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if len(cfg.Nodes) == 0 {
		add(CodeNoEntryPoint, "", "topology has no nodes")
		return ValidationResult{Valid: false, Errors: errs}
	}
	if len(cfg.Nodes) > MaxNodes {
		add(CodeTooDeep, "", "topology has %d nodes, maximum is %d", len(cfg.Nodes), MaxNodes)
	}

	// Node id uniqueness.
	nodes := make(map[string]*Node, len(cfg.Nodes))
	for i := range cfg.Nodes {
		n := &cfg.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			add(CodeDuplicateID, n.ID, "duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
	}

	// Edge endpoints and adjacency.
	adjacency := make(map[string][]string)
	indegree := make(map[string]int)
	for _, e := range cfg.Edges {
		if _, ok := nodes[e.Source]; !ok {
			add(CodeDanglingEdge, e.Source+"->"+e.Target, "edge source %q is not a defined node", e.Source)
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			add(CodeDanglingEdge, e.Source+"->"+e.Target, "edge target %q is not a defined node", e.Target)
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		indegree[e.Target]++
	}

	// Exactly one in-degree-0 node, matching entry_point, of kind GLOBAL_SUPERVISOR.
	var roots []string
	for _, n := range cfg.Nodes {
		if indegree[n.ID] == 0 {
			roots = append(roots, n.ID)
		}
	}
	switch {
	case len(roots) == 0:
		add(CodeNoEntryPoint, "", "every node has incoming edges, no entry point")
	case len(roots) > 1:
		add(CodeMultipleEntryPoints, strings.Join(roots, ","), "multiple entry points: %s", strings.Join(roots, ", "))
	default:
		root := roots[0]
		if cfg.EntryPoint != root {
			add(CodeNoEntryPoint, cfg.EntryPoint, "entry_point %q does not match the source node %q", cfg.EntryPoint, root)
		}
		if n := nodes[root]; n != nil && n.Kind != KindGlobalSupervisor {
			add(CodeNoEntryPoint, root, "entry point %q must be a GLOBAL_SUPERVISOR, got %s", root, n.Kind)
		}
	}

	errs = append(errs, detectCycles(nodes, adjacency)...)

	// Reachability and depth from the declared entry point, when it exists.
	if entry, ok := nodes[cfg.EntryPoint]; ok {
		depth := bfsDepths(entry.ID, adjacency)
		for _, n := range cfg.Nodes {
			if _, reached := depth[n.ID]; !reached {
				add(CodeUnreachable, n.ID, "node %q is unreachable from entry point %q", n.ID, entry.ID)
			}
		}
		for id, d := range depth {
			if d > MaxDepth {
				add(CodeTooDeep, id, "node %q is at depth %d, maximum is %d", id, d, MaxDepth)
			}
		}
	}

	// Agent model/tool references.
	for _, n := range cfg.Nodes {
		if n.Kind != KindAgent {
			continue
		}
		if models != nil && !models.HasModel(n.Agent.Model.Provider, n.Agent.Model.ModelID) {
			add(CodeUnknownModel, n.ID, "node %q references unknown model %s/%s",
				n.ID, n.Agent.Model.Provider, n.Agent.Model.ModelID)
		}
		for _, t := range n.Agent.Tools {
			if tools != nil && !tools.HasTool(t) {
				add(CodeUnknownTool, n.ID, "node %q references unknown tool %q", n.ID, t)
			}
		}
	}

	// Every node supervisor must coordinate at least one agent.
	for _, n := range cfg.Nodes {
		if n.Kind != KindNodeSupervisor {
			continue
		}
		if !hasAgentDescendant(n.ID, adjacency, nodes) {
			add(CodeEmptySupervisor, n.ID, "supervisor %q has no AGENT descendant", n.ID)
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// detectCycles runs a three-color DFS; a back-edge to a grey node is a
// cycle, reported with its path.
func detectCycles(nodes map[string]*Node, adjacency map[string][]string) []Issue {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var path []string
	var issues []Issue

	var dfs func(id string) bool
	dfs = func(id string) bool {
		switch color[id] {
		case grey:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			issues = append(issues, Issue{
				Code:    CodeCycle,
				Path:    strings.Join(cycle, "->"),
				Message: "cycle detected: " + strings.Join(cycle, " -> "),
			})
			return true
		case black:
			return false
		}
		color[id] = grey
		path = append(path, id)
		for _, next := range adjacency[id] {
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for id := range nodes {
		if color[id] == white && dfs(id) {
			break
		}
	}
	return issues
}

// bfsDepths returns the shortest depth of every node reachable from start.
func bfsDepths(start string, adjacency map[string][]string) map[string]int {
	depth := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[id] {
			if _, seen := depth[next]; seen {
				continue
			}
			depth[next] = depth[id] + 1
			queue = append(queue, next)
		}
	}
	return depth
}

func hasAgentDescendant(id string, adjacency map[string][]string, nodes map[string]*Node) bool {
	seen := map[string]bool{id: true}
	queue := append([]string(nil), adjacency[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		if n, ok := nodes[next]; ok && n.Kind == KindAgent {
			return true
		}
		queue = append(queue, adjacency[next]...)
	}
	return false
}
