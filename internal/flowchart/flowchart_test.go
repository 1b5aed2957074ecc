package flowchart

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func taskNode(id string) Node {
	return Node{ID: id, Type: NodeTypeTask}
}

func edge(id, from, to string) Connector {
	return Connector{ID: id, From: from, To: to}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	fc := &Flowchart{
		ID:         "fc",
		Nodes:      []Node{taskNode("a"), taskNode("b"), taskNode("c")},
		Connectors: []Connector{edge("e1", "a", "b"), edge("e2", "b", "c")},
	}
	require.NoError(t, fc.Validate())
}

func TestValidateRejectsStructuralDefects(t *testing.T) {
	cases := []struct {
		name string
		fc   Flowchart
		want string
	}{
		{
			name: "missing flowchart id",
			fc:   Flowchart{Nodes: []Node{taskNode("a")}},
			want: "flowchart id is required",
		},
		{
			name: "duplicate node id",
			fc:   Flowchart{ID: "fc", Nodes: []Node{taskNode("a"), taskNode("a")}},
			want: `duplicate node id "a"`,
		},
		{
			name: "unknown node type",
			fc:   Flowchart{ID: "fc", Nodes: []Node{{ID: "a", Type: "teleport"}}},
			want: `unknown type "teleport"`,
		},
		{
			name: "dangling connector endpoint",
			fc: Flowchart{
				ID:         "fc",
				Nodes:      []Node{taskNode("a")},
				Connectors: []Connector{edge("e1", "a", "ghost")},
			},
			want: `unknown to_node "ghost"`,
		},
		{
			name: "duplicate connector id",
			fc: Flowchart{
				ID:         "fc",
				Nodes:      []Node{taskNode("a"), taskNode("b")},
				Connectors: []Connector{edge("e1", "a", "b"), edge("e1", "a", "b")},
			},
			want: `duplicate connector id "e1"`,
		},
		{
			name: "negative iteration limit",
			fc: Flowchart{
				ID:         "fc",
				Nodes:      []Node{taskNode("a"), taskNode("b")},
				Connectors: []Connector{{ID: "e1", From: "a", To: "b", IterationLimit: -1}},
			},
			want: "negative iteration_limit",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fc.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateRequiresConnectorIDOnDecisionRoutes(t *testing.T) {
	fc := &Flowchart{
		ID: "fc",
		Nodes: []Node{
			{ID: "d", Type: NodeTypeDecision},
			taskNode("b"),
		},
		Connectors: []Connector{edge("e1", "d", "b")},
	}
	err := fc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "without a connector_id")
}

func TestValidateRejectsUnboundedCycle(t *testing.T) {
	fc := &Flowchart{
		ID:    "fc",
		Nodes: []Node{taskNode("a"), taskNode("b")},
		Connectors: []Connector{
			edge("e1", "a", "b"),
			edge("e2", "b", "a"),
		},
	}
	err := fc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unbounded cycle")
}

func TestValidateAcceptsBoundedCycle(t *testing.T) {
	fc := &Flowchart{
		ID:    "fc",
		Nodes: []Node{taskNode("a"), taskNode("b")},
		Connectors: []Connector{
			edge("e1", "a", "b"),
			{ID: "e2", From: "b", To: "a", IterationLimit: 3},
		},
	}
	require.NoError(t, fc.Validate())
}

func TestValidateIgnoresLimitOnEdgeOutsideTheLoop(t *testing.T) {
	// a->b carries a limit but the cycle is b<->c; the loop itself is unbounded.
	fc := &Flowchart{
		ID:    "fc",
		Nodes: []Node{taskNode("a"), taskNode("b"), taskNode("c")},
		Connectors: []Connector{
			{ID: "e1", From: "a", To: "b", IterationLimit: 5},
			edge("e2", "b", "c"),
			edge("e3", "c", "b"),
		},
	}
	err := fc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unbounded cycle")
}

func TestValidateSelfLoopNeedsOwnLimit(t *testing.T) {
	fc := &Flowchart{
		ID:    "fc",
		Nodes: []Node{taskNode("a"), taskNode("b")},
		Connectors: []Connector{
			{ID: "e1", From: "a", To: "b", IterationLimit: 5},
			edge("e2", "b", "b"),
		},
	}
	err := fc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unbounded cycle")

	fc.Connectors[1].IterationLimit = 2
	require.NoError(t, fc.Validate())
}

func TestCycleConnectorsMarksLoopEdgesOnly(t *testing.T) {
	fc := &Flowchart{
		ID:    "fc",
		Nodes: []Node{taskNode("a"), taskNode("b"), taskNode("c"), taskNode("d")},
		Connectors: []Connector{
			edge("e1", "a", "b"),
			edge("e2", "b", "c"),
			{ID: "e3", From: "c", To: "b", IterationLimit: 2},
			edge("e4", "c", "d"),
		},
	}
	cycles := fc.CycleConnectors()
	require.False(t, cycles["e1"])
	require.True(t, cycles["e2"])
	require.True(t, cycles["e3"])
	require.False(t, cycles["e4"])
}

func TestEntryNodesSeedPureCycle(t *testing.T) {
	// Every node has inbound edges; the smallest id seeds the component.
	fc := &Flowchart{
		ID:    "fc",
		Nodes: []Node{taskNode("m"), taskNode("b")},
		Connectors: []Connector{
			edge("e1", "b", "m"),
			{ID: "e2", From: "m", To: "b", IterationLimit: 2},
		},
	}
	entries := fc.EntryNodes()
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].ID)
}

func TestEntryNodesSortedWithoutInbound(t *testing.T) {
	fc := &Flowchart{
		ID:         "fc",
		Nodes:      []Node{taskNode("z"), taskNode("a"), taskNode("m")},
		Connectors: []Connector{edge("e1", "a", "m")},
	}
	entries := fc.EntryNodes()
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].ID)
	require.Equal(t, "z", entries[1].ID)
}

func TestOutgoingAndInbound(t *testing.T) {
	fc := &Flowchart{
		ID:    "fc",
		Nodes: []Node{taskNode("a"), taskNode("b"), taskNode("c")},
		Connectors: []Connector{
			edge("e1", "a", "b"),
			edge("e2", "a", "c"),
			edge("e3", "b", "c"),
		},
	}
	require.Len(t, fc.Outgoing("a"), 2)
	require.Len(t, fc.Inbound("c"), 2)
	require.Empty(t, fc.Outgoing("c"))
}

func TestNodeConfigHelpers(t *testing.T) {
	n := Node{ID: "n", Type: NodeTypeDecision, Config: map[string]any{
		"prompt":          "do the thing",
		"priority":        float64(2),
		"timeout_seconds": 30,
		"on_no_match":     "complete_ok",
	}}
	require.Equal(t, "do the thing", n.ConfigString("prompt"))
	require.Equal(t, 2, n.Priority())
	require.Equal(t, 30, n.TimeoutSeconds())
	require.True(t, n.OnNoMatchComplete())

	empty := Node{ID: "e"}
	require.Equal(t, "", empty.ConfigString("prompt"))
	require.Equal(t, 0, empty.Priority())
	require.False(t, empty.OnNoMatchComplete())
}
