package noderun

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmctl/internal/budget"
	"llmctl/internal/errors"
	"llmctl/internal/flowchart"
	"llmctl/internal/provider"
	"llmctl/internal/store"
	"llmctl/internal/workspace"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    int
	lastReq  *provider.Request
	result   *provider.Result
	err      error
	onCancel bool
}

func (f *fakeDispatcher) Name() string { return "fake" }

func (f *fakeDispatcher) Dispatch(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()
	if f.onCancel {
		<-ctx.Done()
		return nil, errors.Wrap(errors.CodeProviderTimeout, ctx.Err(), "dispatch interrupted")
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &provider.Result{
		ContractVersion: provider.ContractVersion,
		Status:          provider.StatusSuccess,
		Stdout:          "pong",
		Provider:        "fake",
		InputTokens:     10,
		OutputTokens:    2,
		StopReason:      "end_turn",
	}, nil
}

func newTestRuntime(t *testing.T, dispatcher Dispatcher) (*Runtime, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	rt, err := New(Config{
		Store:      st,
		Dispatcher: dispatcher,
		Workspaces: workspace.NewManager(t.TempDir(), time.Hour),
		Budgeter:   budget.New(budget.Config{WindowTokens: 1000}),
	})
	require.NoError(t, err)
	return rt, st
}

func testRun(t *testing.T, st store.Store) *store.FlowchartRun {
	t.Helper()
	run := &store.FlowchartRun{ID: "run-1", FlowchartID: "fc-1", Version: 1, Status: store.RunRunning}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func TestRunNodePersistsSuccessAndArtifact(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{
		ID:   "ping",
		Type: flowchart.NodeTypeTask,
		Config: map[string]any{
			"prompt": "say ping",
		},
	}
	fc := &flowchart.Flowchart{ID: "fc-1", Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.NoError(t, err)
	require.Equal(t, store.NodeRunSucceeded, nr.Status)
	require.Equal(t, 1, nr.ExecutionIndex)
	require.Equal(t, "pong", nr.Stdout)
	require.False(t, nr.Degraded)

	artifacts, err := st.ArtifactsByNodeRun(context.Background(), nr.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, store.ArtifactTask, artifacts[0].Type)
	require.Equal(t, store.ArtifactKey(run.ID, nr.ID, store.ArtifactTask), artifacts[0].IdempotencyKey)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(artifacts[0].Payload, &payload))
	require.Equal(t, "task", payload["node_type"])
	output, ok := payload["output_state"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "pong", output["raw_output"])
	require.Equal(t, "task", output["node_type"])
}

func TestRunNodeMaterializesInstructionBundle(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New(errors.CodeInternal, "keep workspace")}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	require.NoError(t, st.PutAgent(context.Background(), &store.Agent{
		ID:       "agent-1",
		Name:     "researcher",
		Markdown: "You research things.",
	}))

	node := flowchart.Node{
		ID:    "work",
		Type:  flowchart.NodeTypeTask,
		RefID: "agent-1",
		Config: map[string]any{
			"prompt": "dig in",
			"task":   "Collect sources.",
		},
	}
	fc := &flowchart.Flowchart{ID: "fc-1", Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.Error(t, err)

	// A failed dispatch keeps the workspace for inspection.
	dir, _ := nr.ProviderMetadata["workspace_dir"].(string)
	require.NotEmpty(t, dir)
	entry, err := os.ReadFile(filepath.Join(dir, ".llmctl", "instructions", "INSTRUCTIONS.md"))
	require.NoError(t, err)
	require.Contains(t, string(entry), "## Agent: researcher")
	require.Contains(t, string(entry), "Collect sources.")
	_, err = os.Stat(filepath.Join(dir, ".llmctl", "instructions", "manifest.json"))
	require.NoError(t, err)
}

func TestRunNodeRequiresPrompt(t *testing.T) {
	rt, st := newTestRuntime(t, &fakeDispatcher{})
	run := testRun(t, st)

	node := flowchart.Node{ID: "empty", Type: flowchart.NodeTypeTask}
	fc := &flowchart.Flowchart{ID: "fc-1", Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	require.Equal(t, store.NodeRunFailed, nr.Status)
	require.False(t, errors.IsRetryable(err))
}

func TestResumeNeverResubmitsRegisteredDispatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{
		ID:   "once",
		Type: flowchart.NodeTypeTask,
		Config: map[string]any{
			"prompt":      "say ping",
			"dispatch_id": "D-1",
		},
	}
	fc := &flowchart.Flowchart{ID: "fc-1", Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.NoError(t, err)
	require.Equal(t, 1, dispatcher.calls)

	// Redelivery of the same node run must not reach the provider again.
	resumed, err := rt.Resume(context.Background(), fc, run, node, nr)
	require.Equal(t, errors.CodeDispatch, errors.CodeOf(err))
	require.False(t, errors.IsRetryable(err))
	require.Equal(t, 1, dispatcher.calls)
	require.Equal(t, nr.ID, resumed.ID)

	var dupErr *errors.Error
	require.True(t, errors.As(err, &dupErr))
	require.Equal(t, true, dupErr.Details["artifact_exists"])
}

func TestDuplicateWithoutArtifactStaysRetryable(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{
		ID:     "uncertain",
		Type:   flowchart.NodeTypeTask,
		Config: map[string]any{"prompt": "x"},
	}
	fc := &flowchart.Flowchart{ID: "fc-1", Nodes: []flowchart.Node{node}}

	// Simulate a crash after key registration but before any artifact: the
	// key exists, the artifact does not.
	nr := &store.NodeRun{ID: "nr-1", RunID: run.ID, NodeID: node.ID, Status: store.NodeRunRunning,
		ProviderMetadata: map[string]any{"dispatch_id": "D-9"}}
	require.NoError(t, st.CreateNodeRun(context.Background(), nr))
	_, err := st.RegisterDispatch(context.Background(), nr.ExecutionID, "D-9", time.Now())
	require.NoError(t, err)

	_, err = rt.Resume(context.Background(), fc, run, node, nr)
	require.Equal(t, errors.CodeDispatch, errors.CodeOf(err))
	require.True(t, errors.IsRetryable(err))
	require.Zero(t, dispatcher.calls)
}

func TestDecisionOutputParsedIntoRoutingState(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &provider.Result{
		Status: provider.StatusSuccess,
		Stdout: `Routing as follows: {"matched_connector_ids": ["yes", "bogus"], "evaluations": [{"connector_id": "yes", "matched": true}], "route_key": "yes"}`,
	}}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{
		ID:     "d",
		Type:   flowchart.NodeTypeDecision,
		Config: map[string]any{"prompt": "route it"},
	}
	fc := &flowchart.Flowchart{
		ID:    "fc-1",
		Nodes: []flowchart.Node{node, {ID: "b", Type: flowchart.NodeTypeTask}},
		Connectors: []flowchart.Connector{
			{ID: "e1", From: "d", To: "b", ConnectorID: "yes"},
		},
	}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.NoError(t, err)
	require.NotNil(t, nr.RoutingState)
	// Unknown connector ids are dropped.
	require.Equal(t, []string{"yes"}, nr.RoutingState.MatchedConnectorIDs)
	require.Equal(t, "yes", nr.RoutingState.RouteKey)
	require.False(t, nr.Degraded)

	artifacts, err := st.ArtifactsByNodeRun(context.Background(), nr.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, store.ArtifactDecision, artifacts[0].Type)
}

func TestNonZeroExitFailsButKeepsArtifact(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &provider.Result{
		Status:   provider.StatusSuccess,
		Stdout:   "partial work",
		ExitCode: 3,
	}}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{
		ID:     "t",
		Type:   flowchart.NodeTypeTask,
		Config: map[string]any{"prompt": "do it"},
	}
	fc := &flowchart.Flowchart{Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.Equal(t, errors.CodeInternal, errors.CodeOf(err))
	require.Equal(t, store.NodeRunFailed, nr.Status)
	require.Equal(t, 3, nr.ExitCode)

	artifacts, aerr := st.ArtifactsByNodeRun(context.Background(), nr.ID)
	require.NoError(t, aerr)
	require.Len(t, artifacts, 1)
}

func TestContradictoryDecisionOutputFailsValidation(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &provider.Result{
		Status: provider.StatusSuccess,
		Stdout: `{"matched_connector_ids": [], "evaluations": [], "no_match": false}`,
	}}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{
		ID:     "d",
		Type:   flowchart.NodeTypeDecision,
		Config: map[string]any{"prompt": "route it"},
	}
	fc := &flowchart.Flowchart{Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	require.False(t, errors.IsRetryable(err))
	require.Equal(t, store.NodeRunFailed, nr.Status)
}

func TestUnparseableDecisionOutputDegradesToNoMatch(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &provider.Result{
		Status: provider.StatusSuccess,
		Stdout: "I cannot decide.",
	}}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{
		ID:     "d",
		Type:   flowchart.NodeTypeDecision,
		Config: map[string]any{"prompt": "route it", "on_no_match": "complete_ok"},
	}
	fc := &flowchart.Flowchart{Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.NoError(t, err)
	require.True(t, nr.RoutingState.NoMatch)
	require.Equal(t, "__no_match__", nr.RoutingState.RouteKey)
	require.True(t, nr.Degraded)
	require.Equal(t, "deterministic_fallback_used", nr.DegradedReason)
}

func TestFallbackMarkersMakeRunDegraded(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &provider.Result{
		Status: provider.StatusSuccess,
		Stdout: "late but fine",
		Metadata: map[string]any{
			"fallback_attempted": true,
			"fallback_reason":    "provider_unavailable",
		},
	}}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{ID: "t", Type: flowchart.NodeTypeTask, Config: map[string]any{"prompt": "go"}}
	fc := &flowchart.Flowchart{Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(context.Background(), fc, run, node)
	require.NoError(t, err)
	require.Equal(t, store.NodeRunSucceeded, nr.Status)
	require.True(t, nr.Degraded)
	require.Equal(t, "provider_unavailable", nr.DegradedReason)
}

func TestCancelledDispatchMarksInFlight(t *testing.T) {
	dispatcher := &fakeDispatcher{onCancel: true}
	rt, st := newTestRuntime(t, dispatcher)
	run := testRun(t, st)

	node := flowchart.Node{ID: "slow", Type: flowchart.NodeTypeTask, Config: map[string]any{"prompt": "wait"}}
	fc := &flowchart.Flowchart{Nodes: []flowchart.Node{node}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	nr, err := rt.RunNode(ctx, fc, run, node)
	require.Error(t, err)
	require.True(t, nr.CancelledDuringFlight)

	persisted, getErr := st.GetNodeRun(context.Background(), nr.ID)
	require.NoError(t, getErr)
	require.Equal(t, store.NodeRunFailed, persisted.Status)
	require.True(t, persisted.CancelledDuringFlight)
}

func TestThreadHistoryCompactedIntoSummary(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	st := store.NewMemStore()
	rt, err := New(Config{
		Store:      st,
		Dispatcher: dispatcher,
		Budgeter: budget.New(budget.Config{
			WindowTokens:        1000,
			PreserveRecentTurns: 2,
		}),
	})
	require.NoError(t, err)
	run := testRun(t, st)

	ctx := context.Background()
	require.NoError(t, st.CreateThread(ctx, &store.ChatThread{ID: "th-1", ContextWindowTokens: 1000}))
	for i := 0; i < 200; i++ {
		require.NoError(t, st.AppendMessage(ctx, &store.ChatMessage{
			ThreadID: "th-1",
			Role:     "user",
			Content:  "please keep investigating the flaky importer and report what you find",
		}))
	}

	node := flowchart.Node{
		ID:     "chat",
		Type:   flowchart.NodeTypeTask,
		Config: map[string]any{"prompt": "continue", "thread_id": "th-1"},
	}
	fc := &flowchart.Flowchart{Nodes: []flowchart.Node{node}}

	nr, err := rt.RunNode(ctx, fc, run, node)
	require.NoError(t, err)
	require.Equal(t, store.NodeRunSucceeded, nr.Status)

	thread, err := st.GetThread(ctx, "th-1")
	require.NoError(t, err)
	require.NotEmpty(t, thread.CompactionSummary)
	require.LessOrEqual(t, len(thread.CompactionSummary), 2400)
}
