// Package flowchart defines the directed graph model executed by the engine:
// typed nodes joined by labeled connectors. Graphs are validated once at load
// time; the scheduler assumes a Validate'd graph.
package flowchart

import (
	"fmt"
	"sort"
)

// NodeType enumerates the executable node kinds.
type NodeType string

const (
	NodeTypeTask     NodeType = "task"
	NodeTypeDecision NodeType = "decision"
	NodeTypeMemory   NodeType = "memory"
	NodeTypeRAG      NodeType = "rag"
	NodeTypeSkill    NodeType = "skill"
)

// ElseConnectorID is the distinguished default route out of a decision node.
const ElseConnectorID = "else"

// Flowchart is a directed graph of typed nodes. Immutable once a run
// references it; runs capture the version they executed against.
type Flowchart struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Version    int         `json:"version"`
	Nodes      []Node      `json:"nodes"`
	Connectors []Connector `json:"connectors"`
}

// Node is a single executable step.
type Node struct {
	ID          string         `json:"id"`
	FlowchartID string         `json:"flowchart_id"`
	Type        NodeType       `json:"node_type"`
	RefID       string         `json:"ref_id,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Connector is a directed edge. ConnectorID labels decision routes; Suppress
// edges veto downstream readiness; IterationLimit permits bounded cycles.
type Connector struct {
	ID             string `json:"id"`
	FlowchartID    string `json:"flowchart_id"`
	From           string `json:"from_node"`
	To             string `json:"to_node"`
	ConnectorID    string `json:"connector_id,omitempty"`
	ConditionText  string `json:"condition_text,omitempty"`
	Suppress       bool   `json:"suppress,omitempty"`
	IterationLimit int    `json:"iteration_limit,omitempty"`
}

// Validate checks structural integrity: unique ids, resolvable endpoints,
// labeled decision routes, and cycles gated behind an iteration limit.
func (f *Flowchart) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("flowchart id is required")
	}
	nodes := make(map[string]Node, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return fmt.Errorf("flowchart %s: node id is required", f.ID)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("flowchart %s: duplicate node id %q", f.ID, n.ID)
		}
		switch n.Type {
		case NodeTypeTask, NodeTypeDecision, NodeTypeMemory, NodeTypeRAG, NodeTypeSkill:
		default:
			return fmt.Errorf("flowchart %s: node %q has unknown type %q", f.ID, n.ID, n.Type)
		}
		nodes[n.ID] = n
	}
	seen := make(map[string]bool, len(f.Connectors))
	for _, c := range f.Connectors {
		if c.ID == "" {
			return fmt.Errorf("flowchart %s: connector id is required", f.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("flowchart %s: duplicate connector id %q", f.ID, c.ID)
		}
		seen[c.ID] = true
		from, ok := nodes[c.From]
		if !ok {
			return fmt.Errorf("flowchart %s: connector %q references unknown from_node %q", f.ID, c.ID, c.From)
		}
		if _, ok := nodes[c.To]; !ok {
			return fmt.Errorf("flowchart %s: connector %q references unknown to_node %q", f.ID, c.ID, c.To)
		}
		if from.Type == NodeTypeDecision && c.ConnectorID == "" {
			return fmt.Errorf("flowchart %s: connector %q leaves decision node %q without a connector_id", f.ID, c.ID, c.From)
		}
		if c.IterationLimit < 0 {
			return fmt.Errorf("flowchart %s: connector %q has negative iteration_limit", f.ID, c.ID)
		}
	}
	if err := f.checkCycles(); err != nil {
		return err
	}
	return nil
}

// checkCycles rejects cycles that have no iteration_limit on any connector in
// the loop itself. Bounded cycles are legal; the scheduler enforces the limit.
func (f *Flowchart) checkCycles() error {
	adjacent := make(map[string][]Connector)
	for _, c := range f.Connectors {
		adjacent[c.From] = append(adjacent[c.From], c)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(f.Nodes))
	depth := make(map[string]int, len(f.Nodes))
	var stack []Connector

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		depth[id] = len(stack)
		for _, c := range adjacent[id] {
			switch color[c.To] {
			case gray:
				// The loop is the gray-path segment from the target back to
				// here plus this closing edge; only a limit on one of those
				// bounds it. Limits on edges leading into the loop do not.
				bounded := c.IterationLimit > 0
				for _, loop := range stack[depth[c.To]:] {
					if loop.IterationLimit > 0 {
						bounded = true
					}
				}
				if !bounded {
					return fmt.Errorf("flowchart %s: unbounded cycle through node %q; set iteration_limit on a connector in the loop", f.ID, c.To)
				}
			case white:
				stack = append(stack, c)
				if err := visit(c.To); err != nil {
					return err
				}
				stack = stack[:len(stack)-1]
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range f.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CycleConnectors returns the ids of connectors that participate in a cycle:
// edges whose target can reach their source again. The scheduler excludes
// these from first-activation readiness joins; they take effect when the loop
// re-fires.
func (f *Flowchart) CycleConnectors() map[string]bool {
	adjacent := make(map[string][]string, len(f.Nodes))
	for _, c := range f.Connectors {
		adjacent[c.From] = append(adjacent[c.From], c.To)
	}
	reaches := func(from, to string) bool {
		seen := map[string]bool{from: true}
		queue := []string{from}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if id == to {
				return true
			}
			for _, next := range adjacent[id] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		return false
	}

	cycle := map[string]bool{}
	for _, c := range f.Connectors {
		if reaches(c.To, c.From) {
			cycle[c.ID] = true
		}
	}
	return cycle
}

// Node returns the node with the given id.
func (f *Flowchart) Node(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EntryNodes returns the nodes a run starts from: nodes with no inbound
// connectors, plus a deterministic seed for any region only enterable through
// a cycle. Sorted by id.
func (f *Flowchart) EntryNodes() []Node {
	inbound := make(map[string]bool)
	adjacent := make(map[string][]string, len(f.Nodes))
	for _, c := range f.Connectors {
		inbound[c.To] = true
		adjacent[c.From] = append(adjacent[c.From], c.To)
	}

	reached := map[string]bool{}
	var mark func(id string)
	mark = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		for _, next := range adjacent[id] {
			mark(next)
		}
	}

	var entries []Node
	for _, n := range f.Nodes {
		if !inbound[n.ID] {
			entries = append(entries, n)
			mark(n.ID)
		}
	}

	// A component that is all cycle has no inbound-free node; seed it with its
	// smallest node id until every node is covered.
	for {
		best := ""
		for _, n := range f.Nodes {
			if !reached[n.ID] && (best == "" || n.ID < best) {
				best = n.ID
			}
		}
		if best == "" {
			break
		}
		n, _ := f.Node(best)
		entries = append(entries, n)
		mark(best)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Outgoing returns connectors leaving the given node.
func (f *Flowchart) Outgoing(nodeID string) []Connector {
	var out []Connector
	for _, c := range f.Connectors {
		if c.From == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Inbound returns connectors arriving at the given node.
func (f *Flowchart) Inbound(nodeID string) []Connector {
	var in []Connector
	for _, c := range f.Connectors {
		if c.To == nodeID {
			in = append(in, c)
		}
	}
	return in
}

// ConfigString reads a string value from a node config.
func (n Node) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	if v, ok := n.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigInt reads an integer value from a node config. JSON decoding yields
// float64, so both forms are accepted.
func (n Node) ConfigInt(key string) int {
	if n.Config == nil {
		return 0
	}
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Priority returns the enqueue priority for the node, lower first, default 0.
func (n Node) Priority() int {
	return n.ConfigInt("priority")
}

// TimeoutSeconds returns the per-node execution deadline, 0 meaning the
// global default applies.
func (n Node) TimeoutSeconds() int {
	return n.ConfigInt("timeout_seconds")
}

// OnNoMatchComplete reports whether a decision node treats an unmatched
// routing result as branch success.
func (n Node) OnNoMatchComplete() bool {
	return n.ConfigString("on_no_match") == "complete_ok"
}
