package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the aggregate state of a flowchart run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// NodeRunStatus is the state of one node execution attempt.
type NodeRunStatus string

const (
	NodeRunQueued    NodeRunStatus = "queued"
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunSucceeded NodeRunStatus = "succeeded"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunSkipped   NodeRunStatus = "skipped"
)

// FlowchartRun is one execution of a flowchart.
type FlowchartRun struct {
	ID          string     `json:"id"`
	FlowchartID string     `json:"flowchart_id"`
	Version     int        `json:"flowchart_version"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
	Initiator   string     `json:"initiator,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_msg,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// RunError is the error recorded on a failed node run.
type RunError struct {
	Kind      string `json:"kind"`
	Msg       string `json:"msg"`
	Retryable bool   `json:"retryable"`
}

// RoutingEvaluation records how one outgoing connector was judged by a
// decision node.
type RoutingEvaluation struct {
	ConnectorID string `json:"connector_id"`
	Matched     bool   `json:"matched"`
	Reason      string `json:"reason,omitempty"`
}

// RoutingState is the decision output the scheduler routes on.
type RoutingState struct {
	MatchedConnectorIDs []string            `json:"matched_connector_ids"`
	Evaluations         []RoutingEvaluation `json:"evaluations"`
	NoMatch             bool                `json:"no_match"`
	RouteKey            string              `json:"route_key,omitempty"`
}

// NodeRun is one attempt to execute a node within a run. Historical node runs
// are never mutated; retries create new rows with the next execution index.
type NodeRun struct {
	ID                    string         `json:"id"`
	RunID                 string         `json:"run_id"`
	NodeID                string         `json:"node_id"`
	ExecutionID           int64          `json:"execution_id"`
	ExecutionIndex        int            `json:"execution_index"`
	Status                NodeRunStatus  `json:"status"`
	Stdout                string         `json:"stdout,omitempty"`
	Stderr                string         `json:"stderr,omitempty"`
	ExitCode              int            `json:"exit_code"`
	StartedAt             time.Time      `json:"started_at,omitempty"`
	FinishedAt            time.Time      `json:"finished_at,omitempty"`
	Error                 *RunError      `json:"error,omitempty"`
	ProviderMetadata      map[string]any `json:"provider_metadata,omitempty"`
	RoutingState          *RoutingState  `json:"routing_state,omitempty"`
	Degraded              bool           `json:"degraded,omitempty"`
	DegradedReason        string         `json:"degraded_reason,omitempty"`
	CancelledDuringFlight bool           `json:"cancelled_during_flight,omitempty"`
}

// ArtifactType enumerates the persisted node artifact kinds.
type ArtifactType string

const (
	ArtifactPlan     ArtifactType = "plan"
	ArtifactTask     ArtifactType = "task"
	ArtifactDecision ArtifactType = "decision"
	ArtifactMemory   ArtifactType = "memory"
	ArtifactRAG      ArtifactType = "rag"
)

// NodeArtifact is a JSON record produced by a node run.
type NodeArtifact struct {
	ID             string          `json:"id"`
	NodeRunID      string          `json:"node_run_id"`
	Type           ArtifactType    `json:"artifact_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	DispatchID     string          `json:"dispatch_id,omitempty"`
}

// ArtifactKey builds the stable idempotency key for an artifact.
func ArtifactKey(runID, nodeRunID string, artifactType ArtifactType) string {
	return fmt.Sprintf("flowchart_run:%s:node_run:%s:artifact:%s", runID, nodeRunID, artifactType)
}

// Agent is a role/agent definition consumed by the instruction compiler.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Markdown    string `json:"markdown"`
}

// Attachment is a content-addressed file referenced by nodes. Ownership is
// shared; the reference table governs deletion.
type Attachment struct {
	ID          string `json:"id"`
	FileName    string `json:"file_name"`
	FilePath    string `json:"file_path"`
	ContentType string `json:"content_type,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// MCPServer is a registered tool server launch config, stored as raw JSON.
type MCPServer struct {
	ServerKey  string          `json:"server_key"`
	ConfigJSON json.RawMessage `json:"config_json"`
}

// RAGCollection names a vector-search partition.
type RAGCollection struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	VectorBackend string `json:"vector_backend,omitempty"`
	Health        string `json:"health,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Enabled       bool   `json:"enabled"`
}

// ChatThread owns an ordered message history plus its compaction summary.
type ChatThread struct {
	ID                  string `json:"id"`
	ContextWindowTokens int    `json:"context_window_tokens"`
	CompactionSummary   string `json:"history_compaction_summary,omitempty"`
}

// ChatMessage is one turn in a thread, strictly ordered by Seq.
type ChatMessage struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
