package topology

import "encoding/json"

// NodeKind distinguishes coordinating nodes from working nodes.
type NodeKind string

const (
	KindGlobalSupervisor NodeKind = "GLOBAL_SUPERVISOR"
	KindNodeSupervisor   NodeKind = "NODE_SUPERVISOR"
	KindAgent            NodeKind = "AGENT"
)

// Strategy selects how a supervisor dispatches its ready children.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "ROUND_ROBIN"
	StrategyPriority     Strategy = "PRIORITY"
	StrategyAdaptive     Strategy = "ADAPTIVE"
	StrategyHierarchical Strategy = "HIERARCHICAL"
	StrategyParallel     Strategy = "PARALLEL"
	StrategySequential   Strategy = "SEQUENTIAL"
)

// ModelRef points into the provider/model registry.
type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
}

// AgentConfig is the LLM-facing configuration of a node.
type AgentConfig struct {
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	Model        ModelRef `json:"model_ref"`
	Tools        []string `json:"tools,omitempty"`
	Temperature  float64  `json:"temperature"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// Node is a vertex in the team topology.
type Node struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     NodeKind    `json:"kind"`
	Agent    AgentConfig `json:"agent_config"`
	Strategy Strategy    `json:"coordination_strategy,omitempty"`
}

// Edge is a directed data dependency between two nodes. Condition carries
// the optional label; PRIORITY strategies read it as a numeric priority.
type Edge struct {
	Source    string `json:"source_id"`
	Target    string `json:"target_id"`
	Condition string `json:"condition_label,omitempty"`
}

// Config is the declarative team topology.
type Config struct {
	Nodes        []Node          `json:"nodes"`
	Edges        []Edge          `json:"edges"`
	EntryPoint   string          `json:"entry_point"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Clone returns a deep copy, used to snapshot a team's topology at trigger
// time so later team edits never affect a running execution.
func (c *Config) Clone() *Config {
	out := &Config{
		Nodes:      make([]Node, len(c.Nodes)),
		Edges:      make([]Edge, len(c.Edges)),
		EntryPoint: c.EntryPoint,
	}
	copy(out.Edges, c.Edges)
	for i, n := range c.Nodes {
		cn := n
		cn.Agent.Tools = append([]string(nil), n.Agent.Tools...)
		out.Nodes[i] = cn
	}
	if c.OutputSchema != nil {
		out.OutputSchema = append(json.RawMessage(nil), c.OutputSchema...)
	}
	return out
}

// IsSupervisor reports whether the node coordinates rather than works.
func (n *Node) IsSupervisor() bool {
	return n.Kind == KindGlobalSupervisor || n.Kind == KindNodeSupervisor
}
