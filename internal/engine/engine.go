// Package engine is the flowchart scheduler: it walks the validated graph,
// drives node execution attempts with the retry policy, applies decision
// routing and suppress semantics, enforces iteration limits on cycles, and
// owns run lifecycle state. Node execution itself is delegated to an
// AttemptRunner so the scheduler never touches providers directly.
package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmctl/internal/errors"
	"llmctl/internal/flowchart"
	"llmctl/internal/logging"
	"llmctl/internal/store"
)

// RouteKeyNoMatch is recorded when a decision matched nothing and the node is
// configured to complete the branch anyway.
const RouteKeyNoMatch = "__no_match__"

// AttemptRunner executes one node attempt end to end: it creates the NodeRun
// row, dispatches, and persists the outcome. The returned NodeRun reflects
// the persisted terminal state of the attempt.
type AttemptRunner interface {
	RunNode(ctx context.Context, fc *flowchart.Flowchart, run *store.FlowchartRun, node flowchart.Node) (*store.NodeRun, error)
}

// Engine schedules flowchart runs.
type Engine struct {
	store   store.Store
	runner  AttemptRunner
	metrics *Metrics
	events  broadcaster
	logger  logging.Logger

	retryDelays  []time.Duration
	jitterFactor float64
	// sleep is swappable so tests skip backoff waits.
	sleep func(time.Duration)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an engine.
func New(s store.Store, runner AttemptRunner) *Engine {
	return &Engine{
		store:        s,
		runner:       runner,
		metrics:      defaultMetrics(),
		logger:       logging.NewComponentLogger("Engine"),
		retryDelays:  []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second},
		jitterFactor: 0.25,
		sleep:        time.Sleep,
		cancels:      map[string]context.CancelFunc{},
	}
}

// Subscribe registers an event listener.
func (e *Engine) Subscribe(l Listener) { e.events.subscribe(l) }

// LoadFlowchart decodes and validates a stored flowchart document.
func (e *Engine) LoadFlowchart(ctx context.Context, id string) (*flowchart.Flowchart, error) {
	doc, err := e.store.GetFlowchartJSON(ctx, id)
	if err != nil {
		return nil, err
	}
	var fc flowchart.Flowchart
	if err := json.Unmarshal(doc, &fc); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, err, "malformed flowchart %s", id)
	}
	if err := fc.Validate(); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, err, "flowchart %s rejected", id)
	}
	return &fc, nil
}

// StartRun creates a run for the flowchart and executes it to completion.
func (e *Engine) StartRun(ctx context.Context, flowchartID, initiator string) (*store.FlowchartRun, error) {
	fc, err := e.LoadFlowchart(ctx, flowchartID)
	if err != nil {
		return nil, err
	}

	run := &store.FlowchartRun{
		ID:          uuid.NewString(),
		FlowchartID: fc.ID,
		Version:     fc.Version,
		Status:      store.RunQueued,
		Initiator:   initiator,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if err := e.execute(ctx, fc, run); err != nil {
		return run, err
	}
	return run, nil
}

// Cancel requests cancellation of a running flowchart run. In-flight node
// dispatches observe context cancellation; queued nodes never start.
func (e *Engine) Cancel(runID string) {
	e.mu.Lock()
	cancel := e.cancels[runID]
	e.mu.Unlock()
	if cancel != nil {
		e.events.publish(Event{Type: EventRunCancelling, RunID: runID})
		cancel()
	}
}

// connector resolution states
type edgeState int

const (
	edgePending edgeState = iota
	edgeFired
	edgeDead
)

type execState struct {
	fc         *flowchart.Flowchart
	run        *store.FlowchartRun
	cycles     map[string]bool
	edges      map[string]edgeState
	fireCounts map[string]int
	suppressed map[string]bool
	executed   map[string]bool
	ready      []string
	readySet   map[string]bool
}

func (e *Engine) execute(ctx context.Context, fc *flowchart.Flowchart, run *store.FlowchartRun) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
	}()

	run.Status = store.RunRunning
	run.StartedAt = time.Now().UTC()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.metrics.runStarted()
	e.events.publish(Event{Type: EventRunStarted, RunID: run.ID})

	st := &execState{
		fc:         fc,
		run:        run,
		cycles:     fc.CycleConnectors(),
		edges:      map[string]edgeState{},
		fireCounts: map[string]int{},
		suppressed: map[string]bool{},
		executed:   map[string]bool{},
		readySet:   map[string]bool{},
	}
	for _, n := range fc.EntryNodes() {
		st.push(n.ID)
	}

	var runErr *errors.Error
	for len(st.ready) > 0 {
		if runCtx.Err() != nil {
			break
		}
		nodeID := st.pop()
		node, _ := fc.Node(nodeID)

		if st.suppressed[nodeID] {
			e.events.publish(Event{Type: EventNodeSkipped, RunID: run.ID, NodeID: nodeID, Detail: "suppressed"})
			st.executed[nodeID] = true
			for _, c := range fc.Outgoing(nodeID) {
				e.resolveEdge(st, c, false)
			}
			continue
		}

		nr, err := e.runWithRetries(runCtx, st, node)
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				// Cancelled via Cancel, not by the caller's context.
				break
			}
			runErr = asEngineError(err)
			break
		}

		st.executed[nodeID] = true
		if err := e.fireOutgoing(st, node, nr); err != nil {
			runErr = asEngineError(err)
			break
		}
	}

	return e.finishRun(ctx, runCtx, run, runErr)
}

// finishRun writes the terminal run state. The parent ctx is used for the
// write so a cancelled run still persists.
func (e *Engine) finishRun(ctx, runCtx context.Context, run *store.FlowchartRun, runErr *errors.Error) error {
	now := time.Now().UTC()
	run.FinishedAt = now
	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		run.Status = store.RunCancelled
		run.CancelledAt = &now
	case runErr != nil:
		run.Status = store.RunFailed
		run.ErrorCode = string(runErr.Code)
		run.ErrorMsg = runErr.Message
	default:
		run.Status = store.RunSucceeded
	}

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.metrics.runFinished(string(run.Status))
	e.events.publish(Event{
		Type:   EventRunFinished,
		RunID:  run.ID,
		Status: string(run.Status),
		Detail: run.ErrorCode,
	})
	e.logger.Info("run %s finished %s", run.ID, run.Status)

	if runErr != nil {
		return runErr
	}
	return nil
}

// runWithRetries executes node attempts until success, a non-retryable
// failure, or the retry budget for the error code is exhausted. Every attempt
// is its own NodeRun row.
func (e *Engine) runWithRetries(ctx context.Context, st *execState, node flowchart.Node) (*store.NodeRun, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		e.events.publish(Event{Type: EventNodeStarted, RunID: st.run.ID, NodeID: node.ID})
		started := time.Now()
		nr, err := e.runner.RunNode(ctx, st.fc, st.run, node)

		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		e.metrics.observeNode(string(node.Type), status, time.Since(started))

		if nr != nil {
			e.events.publish(Event{
				Type:      EventNodeFinished,
				RunID:     st.run.ID,
				NodeID:    node.ID,
				NodeRunID: nr.ID,
				Status:    string(nr.Status),
			})
		}
		if err == nil {
			return nr, nil
		}

		lastErr = err
		code := errors.CodeOf(err)
		e.metrics.incFailure(string(node.Type), string(code))
		if !errors.IsRetryable(err) || attempt >= e.maxRetriesFor(code) {
			return nil, lastErr
		}

		delay := e.backoff(attempt)
		e.metrics.incRetry(string(node.Type))
		e.events.publish(Event{
			Type:   EventNodeRetry,
			RunID:  st.run.ID,
			NodeID: node.ID,
			Detail: string(code),
		})
		e.logger.Warn("node %s attempt %d failed (%s), retrying in %v", node.ID, attempt+1, code, delay)
		e.sleep(delay)
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
}

// maxRetriesFor encodes the per-code retry budget: provider timeouts retry
// once, other retryable codes up to three times.
func (e *Engine) maxRetriesFor(code errors.Code) int {
	switch code {
	case errors.CodeProviderTimeout:
		return 1
	case errors.CodeDispatch, errors.CodeValidation:
		return 0
	default:
		return len(e.retryDelays)
	}
}

func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.retryDelays[len(e.retryDelays)-1]
	if attempt < len(e.retryDelays) {
		delay = e.retryDelays[attempt]
	}
	if e.jitterFactor > 0 {
		jitter := float64(delay) * e.jitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
	}
	return delay
}

// fireOutgoing resolves the node's outgoing connectors after a successful
// attempt and enforces iteration limits on cycle edges.
func (e *Engine) fireOutgoing(st *execState, node flowchart.Node, nr *store.NodeRun) error {
	outgoing := st.fc.Outgoing(node.ID)

	fired := map[string]bool{}
	if node.Type == flowchart.NodeTypeDecision {
		matched := map[string]bool{}
		if nr.RoutingState != nil {
			for _, id := range nr.RoutingState.MatchedConnectorIDs {
				matched[id] = true
			}
		}
		anyMatched := false
		var elseEdge *flowchart.Connector
		for i, c := range outgoing {
			if c.ConnectorID == flowchart.ElseConnectorID {
				elseEdge = &outgoing[i]
				continue
			}
			if matched[c.ConnectorID] {
				fired[c.ID] = true
				anyMatched = true
			}
		}
		if !anyMatched {
			switch {
			case node.OnNoMatchComplete():
				// complete_ok short-circuits before any else route: the branch
				// ends here without routing anywhere.
			case elseEdge != nil:
				fired[elseEdge.ID] = true
			default:
				return errors.New(errors.CodeDecisionNoMatch,
					"decision node %s matched no connector and has no else route", node.ID)
			}
		}
	} else {
		for _, c := range outgoing {
			fired[c.ID] = true
		}
	}

	for _, c := range outgoing {
		isFired := fired[c.ID]
		if isFired {
			st.fireCounts[c.ID]++
			if c.IterationLimit > 0 && st.fireCounts[c.ID] > c.IterationLimit {
				return errors.New(errors.CodeIterationLimitExceeded,
					"connector %s exceeded iteration limit %d", c.ID, c.IterationLimit)
			}
		}
		e.resolveEdge(st, c, isFired)
	}
	return nil
}

// resolveEdge records the connector outcome and re-evaluates the target.
func (e *Engine) resolveEdge(st *execState, c flowchart.Connector, fired bool) {
	if fired {
		st.edges[c.ID] = edgeFired
		if c.Suppress {
			st.suppressed[c.To] = true
		}
		// Re-firing into an already-executed node re-activates it (bounded
		// cycles); the join was satisfied on the first pass.
		if st.executed[c.To] && !c.Suppress {
			st.push(c.To)
			return
		}
	} else {
		st.edges[c.ID] = edgeDead
	}
	e.evaluateNode(st, c.To)
}

// evaluateNode makes the target ready once every inbound connector is
// resolved. A node whose inbound all died is skipped, propagating dead edges
// downstream.
func (e *Engine) evaluateNode(st *execState, nodeID string) {
	if st.executed[nodeID] || st.readySet[nodeID] {
		return
	}
	anyFired := false
	for _, c := range st.fc.Inbound(nodeID) {
		switch st.edges[c.ID] {
		case edgePending:
			// Cycle edges resolve only when the loop re-fires; they do not
			// gate first activation.
			if st.cycles[c.ID] {
				continue
			}
			return
		case edgeFired:
			if !c.Suppress {
				anyFired = true
			}
		}
	}
	if st.suppressed[nodeID] || anyFired {
		st.push(nodeID)
		return
	}
	// All inbound dead: the node never runs and its outputs die too.
	e.events.publish(Event{Type: EventNodeSkipped, RunID: st.run.ID, NodeID: nodeID, Detail: "unreached"})
	st.executed[nodeID] = true
	for _, c := range st.fc.Outgoing(nodeID) {
		e.resolveEdge(st, c, false)
	}
}

func (st *execState) push(nodeID string) {
	if st.readySet[nodeID] {
		return
	}
	st.readySet[nodeID] = true
	st.ready = append(st.ready, nodeID)
}

// pop removes the ready node with the lowest (priority, id).
func (st *execState) pop() string {
	sort.Slice(st.ready, func(i, j int) bool {
		a, _ := st.fc.Node(st.ready[i])
		b, _ := st.fc.Node(st.ready[j])
		if a.Priority() != b.Priority() {
			return a.Priority() < b.Priority()
		}
		return a.ID < b.ID
	})
	id := st.ready[0]
	st.ready = st.ready[1:]
	delete(st.readySet, id)
	st.executed[id] = false
	return id
}

func asEngineError(err error) *errors.Error {
	var engineErr *errors.Error
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return errors.Wrap(errors.CodeInternal, err, "node execution failed")
}
