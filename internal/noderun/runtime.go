// Package noderun executes one node attempt end to end: it creates the
// NodeRun row and registers the dispatch key in one transaction, composes the
// prompt envelope within the context budget, materializes the workspace and
// instruction bundle, dispatches through the provider router, and persists
// the outcome plus its artifact atomically.
package noderun

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"llmctl/internal/budget"
	"llmctl/internal/envelope"
	"llmctl/internal/errors"
	"llmctl/internal/flowchart"
	"llmctl/internal/instruction"
	"llmctl/internal/logging"
	"llmctl/internal/mcpconfig"
	"llmctl/internal/provider"
	"llmctl/internal/retrieval"
	"llmctl/internal/store"
	"llmctl/internal/token"
	"llmctl/internal/workspace"
)

// Dispatcher is the provider surface the runtime dispatches through. The
// router satisfies it.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, req *provider.Request) (*provider.Result, error)
}

// Config wires a Runtime.
type Config struct {
	Store      store.Store
	Dispatcher Dispatcher
	Registry   *provider.DispatchRegistry
	Workspaces *workspace.Manager
	Budgeter   *budget.Budgeter
	Retriever  *retrieval.Retriever
	MCP        *mcpconfig.Registry

	// DefaultTimeout bounds a dispatch when the node config carries no
	// timeout_seconds. Defaults to 600s.
	DefaultTimeout time.Duration
	RetrievalTopK  int
	Logger         logging.Logger
}

// Runtime executes node attempts. It implements the scheduler's AttemptRunner.
type Runtime struct {
	store      store.Store
	dispatcher Dispatcher
	registry   *provider.DispatchRegistry
	workspaces *workspace.Manager
	budgeter   *budget.Budgeter
	retriever  *retrieval.Retriever
	mcp        *mcpconfig.Registry

	defaultTimeout time.Duration
	topK           int
	retryCfg       errors.RetryConfig
	logger         logging.Logger
}

// New constructs a runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.Store == nil || cfg.Dispatcher == nil {
		return nil, errors.New(errors.CodeValidation, "runtime needs a store and a dispatcher")
	}
	if cfg.Registry == nil {
		cfg.Registry = provider.NewDispatchRegistry(0)
	}
	if cfg.Budgeter == nil {
		cfg.Budgeter = budget.New(budget.Config{})
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 600 * time.Second
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 5
	}
	return &Runtime{
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		registry:       cfg.Registry,
		workspaces:     cfg.Workspaces,
		budgeter:       cfg.Budgeter,
		retriever:      cfg.Retriever,
		mcp:            cfg.MCP,
		defaultTimeout: cfg.DefaultTimeout,
		topK:           cfg.RetrievalTopK,
		retryCfg:       errors.DefaultRetryConfig(),
		logger:         logging.OrNop(cfg.Logger),
	}, nil
}

// atomically runs fn in one transaction, retrying storage_conflict with the
// engine backoff schedule.
func (r *Runtime) atomically(ctx context.Context, fn func(tx store.Tx) error) error {
	return errors.Retry(ctx, r.retryCfg, r.logger, func(ctx context.Context) error {
		return r.store.ExecuteAtomic(ctx, fn)
	})
}

// RunNode creates a fresh NodeRun, registers its dispatch key, and executes
// the attempt. Each call is a new attempt with its own execution id and index.
func (r *Runtime) RunNode(ctx context.Context, fc *flowchart.Flowchart, run *store.FlowchartRun, node flowchart.Node) (*store.NodeRun, error) {
	dispatchID := node.ConfigString("dispatch_id")
	if dispatchID == "" {
		dispatchID = uuid.NewString()
	}

	nr := &store.NodeRun{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		NodeID:    node.ID,
		Status:    store.NodeRunRunning,
		StartedAt: time.Now().UTC(),
		ProviderMetadata: map[string]any{
			"dispatch_id": dispatchID,
		},
	}

	var fresh bool
	err := r.atomically(ctx, func(tx store.Tx) error {
		if err := tx.CreateNodeRun(ctx, nr); err != nil {
			return err
		}
		got, err := r.registry.Register(ctx, tx, nr.ExecutionID, dispatchID)
		if err != nil {
			return err
		}
		fresh = got
		if !fresh {
			nr.Status = store.NodeRunFailed
			nr.FinishedAt = time.Now().UTC()
			nr.Error = &store.RunError{Kind: string(errors.CodeDispatch), Msg: "duplicate dispatch " + dispatchID}
			return tx.UpdateNodeRun(ctx, nr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nr, r.duplicateError(ctx, dispatchID)
	}
	return r.dispatch(ctx, fc, run, node, nr, dispatchID)
}

// Resume re-drives an existing NodeRun after a queue redelivery. The dispatch
// key decides whether the external call already happened: an already
// registered pair is never re-submitted.
func (r *Runtime) Resume(ctx context.Context, fc *flowchart.Flowchart, run *store.FlowchartRun, node flowchart.Node, nr *store.NodeRun) (*store.NodeRun, error) {
	dispatchID, _ := nr.ProviderMetadata["dispatch_id"].(string)
	if dispatchID == "" {
		return nil, errors.New(errors.CodeValidation, "node run %s carries no dispatch id", nr.ID)
	}

	var fresh bool
	err := r.atomically(ctx, func(tx store.Tx) error {
		got, err := r.registry.Register(ctx, tx, nr.ExecutionID, dispatchID)
		if err != nil {
			return err
		}
		fresh = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nr, r.duplicateError(ctx, dispatchID)
	}
	return r.dispatch(ctx, fc, run, node, nr, dispatchID)
}

// duplicateError builds the dispatch_error for an already-registered key. The
// error stays non-retryable once an artifact proves the original dispatch
// completed; without one a later resubmission is safe.
func (r *Runtime) duplicateError(ctx context.Context, dispatchID string) error {
	exists, err := r.store.ArtifactExistsForDispatch(ctx, dispatchID)
	if err != nil {
		return err
	}
	dup := errors.New(errors.CodeDispatch, "dispatch %s already submitted", dispatchID)
	if exists {
		return dup.WithDetails(map[string]any{"artifact_exists": true})
	}
	return dup.WithRetryable(true)
}

type prepared struct {
	agentName     string
	agentMarkdown string
	taskMarkdown  string
	attachments   []*store.Attachment
	mcpDoc        []byte
	snippets      []retrieval.Snippet
}

func (r *Runtime) dispatch(ctx context.Context, fc *flowchart.Flowchart, run *store.FlowchartRun, node flowchart.Node, nr *store.NodeRun, dispatchID string) (*store.NodeRun, error) {
	if nr.ProviderMetadata == nil {
		nr.ProviderMetadata = map[string]any{"dispatch_id": dispatchID}
	}
	env, prep, err := r.compose(ctx, node)
	if err != nil {
		return nr, r.failNodeRun(ctx, nr, err)
	}

	bundle, err := instruction.Compile(instruction.Input{
		RunMode:       "api",
		Provider:      r.dispatcher.Name(),
		AgentName:     prep.agentName,
		AgentMarkdown: prep.agentMarkdown,
		TaskMarkdown:  prep.taskMarkdown,
		GeneratedAt:   nr.StartedAt.Format(time.RFC3339),
	})
	if err != nil {
		return nr, r.failNodeRun(ctx, nr, err)
	}

	var ws *workspace.Workspace
	if r.workspaces != nil {
		ws, err = r.workspaces.Acquire(run.ID, node.ID, nr.ExecutionIndex, bundle, prep.attachments)
		if err != nil {
			return nr, r.failNodeRun(ctx, nr, err)
		}
		nr.ProviderMetadata["workspace_dir"] = ws.Dir
		nr.ProviderMetadata["manifest_hash"] = bundle.ManifestHash
	}

	timeout := r.defaultTimeout
	if secs := node.TimeoutSeconds(); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	req := &provider.Request{
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		ExecutionID: nr.ExecutionID,
		DispatchID:  dispatchID,
		Envelope:    env,
		MCPConfigs:  prep.mcpDoc,
		Timeout:     timeout,
	}
	if ws != nil {
		req.WorkspaceDir = ws.Dir
	}

	result, dispErr := r.dispatcher.Dispatch(ctx, req)
	if dispErr != nil {
		return nr, r.failNodeRun(ctx, nr, dispErr)
	}

	nr.Status = store.NodeRunSucceeded
	nr.FinishedAt = time.Now().UTC()
	nr.Stdout = result.Stdout
	nr.Stderr = result.Stderr
	nr.ExitCode = result.ExitCode
	for k, v := range result.Metadata {
		nr.ProviderMetadata[k] = v
	}
	// A non-zero exit fails the attempt even when the output itself is well
	// formed; the artifact below is still persisted.
	if result.ExitCode != 0 {
		nr.Status = store.NodeRunFailed
		nr.Error = &store.RunError{
			Kind: string(errors.CodeInternal),
			Msg:  fmt.Sprintf("provider exited with code %d", result.ExitCode),
		}
	}

	deterministicFallback := false
	if node.Type == flowchart.NodeTypeDecision {
		var routingErr error
		nr.RoutingState, deterministicFallback, routingErr = parseRouting(result.Stdout, fc.Outgoing(node.ID))
		if routingErr != nil {
			return nr, r.failNodeRun(ctx, nr, routingErr)
		}
		if node.OnNoMatchComplete() && nr.RoutingState.NoMatch {
			nr.RoutingState.RouteKey = "__no_match__"
		}
	}
	nr.Degraded, nr.DegradedReason = degradedMarkers(nr.ProviderMetadata, deterministicFallback)

	artifact, err := r.buildArtifact(nr, node, result, dispatchID)
	if err != nil {
		return nr, r.failNodeRun(ctx, nr, err)
	}
	err = r.atomically(ctx, func(tx store.Tx) error {
		if err := tx.UpdateNodeRun(ctx, nr); err != nil {
			return err
		}
		return tx.InsertArtifact(ctx, artifact)
	})
	if err != nil {
		return nr, err
	}

	if nr.Status == store.NodeRunFailed {
		return nr, errors.New(errors.CodeInternal, "node %s exited with code %d", node.ID, result.ExitCode)
	}

	if ws != nil && !nr.Degraded {
		if relErr := r.workspaces.Release(ws); relErr != nil {
			r.logger.Warn("release workspace failed: %v", relErr)
		}
	}
	r.logger.Debug("node %s execution %d finished (%d in / %d out tokens)",
		node.ID, nr.ExecutionID, result.InputTokens, result.OutputTokens)
	return nr, nil
}

// failNodeRun persists the failed attempt. The write uses a cancel-immune
// context so a cancelled dispatch still records cancelled_during_flight.
func (r *Runtime) failNodeRun(ctx context.Context, nr *store.NodeRun, cause error) error {
	engineErr := asError(cause)

	nr.Status = store.NodeRunFailed
	nr.FinishedAt = time.Now().UTC()
	nr.Error = &store.RunError{
		Kind:      string(engineErr.Code),
		Msg:       engineErr.Message,
		Retryable: engineErr.Retryable,
	}
	if ctx.Err() != nil {
		nr.CancelledDuringFlight = true
	}
	for k, v := range engineErr.Details {
		nr.ProviderMetadata[k] = v
	}
	nr.Degraded, nr.DegradedReason = degradedMarkers(nr.ProviderMetadata, false)

	writeCtx := context.WithoutCancel(ctx)
	if err := r.store.UpdateNodeRun(writeCtx, nr); err != nil {
		r.logger.Error("persist failed node run %s: %v", nr.ID, err)
	}
	return engineErr
}

// compose assembles the prompt envelope within the context budget: packed
// conversation history (compacted when over the trigger), retrieved snippets,
// and rendered MCP tool context.
func (r *Runtime) compose(ctx context.Context, node flowchart.Node) (*envelope.Envelope, *prepared, error) {
	prep := &prepared{taskMarkdown: node.ConfigString("task")}

	prompt := node.ConfigString("prompt")
	if strings.TrimSpace(prompt) == "" {
		return nil, nil, errors.New(errors.CodeValidation, "node %s has no prompt", node.ID)
	}
	env, err := envelope.Parse(prompt)
	if err != nil {
		return nil, nil, err
	}

	if node.RefID != "" {
		agent, err := r.store.GetAgent(ctx, node.RefID)
		if err != nil {
			return nil, nil, errors.Wrap(errors.CodeValidation, err, "node %s references unknown agent %s", node.ID, node.RefID)
		}
		prep.agentName = agent.Name
		prep.agentMarkdown = agent.Markdown
		if env.AgentProfile == "" {
			env.AgentProfile = agent.Markdown
		}
	}

	// The non-compactable envelope parts are charged against the window
	// before the history/rag/mcp split.
	fixed := token.Count(env.SystemContract) + token.Count(env.AgentProfile) + token.Count(env.UserRequest)

	var sections []string

	var messages []*store.ChatMessage
	if threadID := node.ConfigString("thread_id"); threadID != "" {
		history, err := r.packThread(ctx, threadID, fixed, &messages)
		if err != nil {
			return nil, nil, err
		}
		if history != "" {
			sections = append(sections, "## Conversation\n\n"+history)
		}
	}

	if r.retriever != nil && wantsRetrieval(node) {
		snippets, err := r.retrieve(ctx, node, messages, env.UserRequest)
		if err != nil {
			return nil, nil, err
		}
		prep.snippets = snippets
		if packed := r.budgeter.PackSnippets(snippets, fixed); packed != "" {
			sections = append(sections, "## Retrieved context\n\n"+packed)
		}
	}

	if r.mcp != nil {
		doc, err := r.mcp.RenderAll(ctx)
		if err != nil {
			return nil, nil, err
		}
		prep.mcpDoc = doc
		if packed := r.budgeter.PackMCP(string(doc), fixed); packed != "" && packed != "{}" {
			sections = append(sections, "## Tools\n\n"+packed)
		}
	}

	if len(sections) > 0 {
		joined := strings.Join(sections, "\n\n")
		if env.TaskContext == "" {
			env.TaskContext = joined
		} else {
			env.TaskContext = env.TaskContext + "\n\n" + joined
		}
	}

	if node.Type == flowchart.NodeTypeDecision && env.OutputContract == "" {
		env.OutputContract = decisionContract
	}

	if ids := node.Config["attachment_ids"]; ids != nil {
		atts, err := r.resolveAttachments(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		prep.attachments = atts
	}

	if err := env.Validate(); err != nil {
		return nil, nil, err
	}
	return env, prep, nil
}

// packThread loads the thread, compacts its history if it crossed the
// trigger, persists the new summary, and returns the packed history text.
func (r *Runtime) packThread(ctx context.Context, threadID string, fixed int, out *[]*store.ChatMessage) (string, error) {
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return "", errors.Wrap(errors.CodeValidation, err, "unknown thread %s", threadID)
	}
	messages, err := r.store.Messages(ctx, threadID)
	if err != nil {
		return "", err
	}

	summary := thread.CompactionSummary
	if r.budgeter.NeedsCompaction(messages, fixed) {
		kept, newSummary, err := r.budgeter.Compact(ctx, messages, summary, fixed, nil)
		if err != nil {
			return "", err
		}
		thread.CompactionSummary = newSummary
		if err := r.store.UpdateThread(ctx, thread); err != nil {
			return "", err
		}
		messages, summary = kept, newSummary
	}

	*out = messages
	return r.budgeter.PackHistory(messages, summary, fixed), nil
}

func wantsRetrieval(node flowchart.Node) bool {
	return node.Type == flowchart.NodeTypeRAG || node.ConfigString("use_rag") == "true"
}

func (r *Runtime) retrieve(ctx context.Context, node flowchart.Node, messages []*store.ChatMessage, userRequest string) ([]retrieval.Snippet, error) {
	collections, err := r.store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	query := r.retriever.QueryText(messages)
	if query == "" {
		query = userRequest
	}
	topK := r.topK
	if k := node.ConfigInt("top_k"); k > 0 {
		topK = k
	}
	return r.retriever.Retrieve(ctx, collections, query, topK)
}

func (r *Runtime) resolveAttachments(ctx context.Context, raw any) ([]*store.Attachment, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.New(errors.CodeValidation, "attachment_ids must be a list")
	}
	var atts []*store.Attachment
	for _, item := range list {
		id, ok := item.(string)
		if !ok {
			return nil, errors.New(errors.CodeValidation, "attachment_ids must be strings")
		}
		att, err := r.store.GetAttachment(ctx, id)
		if err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "unknown attachment %s", id)
		}
		atts = append(atts, att)
	}
	return atts, nil
}

// decisionContract is the output contract handed to decision nodes.
const decisionContract = `Respond with only a JSON object: {"matched_connector_ids": ["..."], ` +
	`"evaluations": [{"connector_id": "...", "matched": true, "reason": "..."}], ` +
	`"no_match": false, "route_key": "..."}. Match zero or more of the node's outgoing ` +
	`connectors; when nothing applies, leave matched_connector_ids empty and set ` +
	`no_match to true.`

// parseRouting decodes the decision output, repairing malformed JSON first.
// An unparseable output degrades to a deterministic no-match rather than
// failing the attempt; the second return reports that fallback. A parsed
// output declaring no_match=false with an empty matched list is contradictory
// and fails validation.
func parseRouting(raw string, outgoing []flowchart.Connector) (*store.RoutingState, bool, error) {
	valid := map[string]bool{}
	for _, c := range outgoing {
		if c.ConnectorID != "" && c.ConnectorID != flowchart.ElseConnectorID {
			valid[c.ConnectorID] = true
		}
	}

	// no_match decodes through a pointer so an omitted field is not confused
	// with a declared false.
	var wire struct {
		MatchedConnectorIDs []string                  `json:"matched_connector_ids"`
		Evaluations         []store.RoutingEvaluation `json:"evaluations"`
		NoMatch             *bool                     `json:"no_match"`
		RouteKey            string                    `json:"route_key"`
	}
	parsed := false
	if text := extractObject(raw); text != "" {
		if json.Unmarshal([]byte(text), &wire) == nil {
			parsed = true
		} else if fixed, err := jsonrepair.JSONRepair(text); err == nil {
			if json.Unmarshal([]byte(fixed), &wire) == nil {
				parsed = true
			}
		}
	}
	if !parsed {
		return &store.RoutingState{NoMatch: true}, true, nil
	}
	if len(wire.MatchedConnectorIDs) == 0 && wire.NoMatch != nil && !*wire.NoMatch {
		return nil, false, errors.New(errors.CodeValidation,
			"decision output declares no_match=false with empty matched_connector_ids")
	}
	decoded := store.RoutingState{
		MatchedConnectorIDs: wire.MatchedConnectorIDs,
		Evaluations:         wire.Evaluations,
		RouteKey:            wire.RouteKey,
	}

	matched := decoded.MatchedConnectorIDs[:0]
	for _, id := range decoded.MatchedConnectorIDs {
		if valid[id] {
			matched = append(matched, id)
		}
	}
	sort.Strings(matched)
	decoded.MatchedConnectorIDs = matched
	decoded.NoMatch = len(matched) == 0
	if decoded.RouteKey == "" && len(matched) > 0 {
		decoded.RouteKey = matched[0]
	}
	return &decoded, false, nil
}

// extractObject returns the outermost {...} span of the text, tolerating
// prose around the JSON.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// degradedMarkers derives the degraded flag and reason. Reason precedence:
// fallback_reason, then deterministic_fallback_used, then
// api_failure_category.
func degradedMarkers(meta map[string]any, deterministicFallback bool) (bool, string) {
	fallbackAttempted, _ := meta["fallback_attempted"].(bool)
	reason, _ := meta["fallback_reason"].(string)
	category, _ := meta["api_failure_category"].(string)

	switch {
	case reason != "":
		return true, reason
	case deterministicFallback:
		return true, "deterministic_fallback_used"
	case category != "":
		return true, category
	case fallbackAttempted:
		return true, ""
	}
	return false, ""
}

// artifactPayload is the persisted artifact body. The four top-level fields
// are always present; routing_state is null outside decision nodes.
type artifactPayload struct {
	NodeType     string              `json:"node_type"`
	InputContext map[string]any      `json:"input_context"`
	OutputState  map[string]any      `json:"output_state"`
	RoutingState *store.RoutingState `json:"routing_state"`
}

func (r *Runtime) buildArtifact(nr *store.NodeRun, node flowchart.Node, result *provider.Result, dispatchID string) (*store.NodeArtifact, error) {
	outputState := map[string]any{
		"node_type":     string(node.Type),
		"raw_output":    result.Stdout,
		"stop_reason":   result.StopReason,
		"exit_code":     result.ExitCode,
		"input_tokens":  result.InputTokens,
		"output_tokens": result.OutputTokens,
	}
	if nr.RoutingState != nil {
		outputState["matched_connector_ids"] = nr.RoutingState.MatchedConnectorIDs
		outputState["evaluations"] = nr.RoutingState.Evaluations
		outputState["no_match"] = nr.RoutingState.NoMatch
	}
	payload, err := json.Marshal(artifactPayload{
		NodeType: string(node.Type),
		InputContext: map[string]any{
			"dispatch_id": dispatchID,
			"provider":    result.Provider,
			"model":       result.Model,
		},
		OutputState:  outputState,
		RoutingState: nr.RoutingState,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal artifact payload: %w", err)
	}

	artifactType := store.ArtifactTask
	switch node.Type {
	case flowchart.NodeTypeDecision:
		artifactType = store.ArtifactDecision
	case flowchart.NodeTypeMemory:
		artifactType = store.ArtifactMemory
	case flowchart.NodeTypeRAG:
		artifactType = store.ArtifactRAG
	}

	return &store.NodeArtifact{
		ID:             uuid.NewString(),
		NodeRunID:      nr.ID,
		Type:           artifactType,
		Payload:        payload,
		IdempotencyKey: store.ArtifactKey(nr.RunID, nr.ID, artifactType),
		DispatchID:     dispatchID,
	}, nil
}

func asError(err error) *errors.Error {
	var engineErr *errors.Error
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return errors.Wrap(errors.CodeInternal, err, "node attempt failed")
}
