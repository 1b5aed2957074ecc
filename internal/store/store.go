// Package store is the persistent layer for flowcharts, runs, node runs,
// artifacts, attachments, MCP server configs, chat threads, and dispatch keys.
// Two implementations exist: an in-memory store for tests and dry runs, and a
// Postgres store on pgx with JSONB payloads. All multi-row writes around a
// node-run transition happen inside one ExecuteAtomic call; contention
// surfaces as a retryable storage_conflict error.
package store

import (
	"context"
	"time"
)

// Tx is the transactional surface. Every method observes and mutates state
// inside the enclosing transaction.
type Tx interface {
	// Flowcharts.
	PutFlowchartJSON(ctx context.Context, id string, doc []byte) error
	GetFlowchartJSON(ctx context.Context, id string) ([]byte, error)

	// Runs.
	CreateRun(ctx context.Context, run *FlowchartRun) error
	GetRun(ctx context.Context, id string) (*FlowchartRun, error)
	UpdateRun(ctx context.Context, run *FlowchartRun) error

	// Node runs. CreateNodeRun assigns ExecutionID (global monotonic) and
	// ExecutionIndex (contiguous per run+node, starting at 1).
	CreateNodeRun(ctx context.Context, nr *NodeRun) error
	UpdateNodeRun(ctx context.Context, nr *NodeRun) error
	GetNodeRun(ctx context.Context, id string) (*NodeRun, error)
	NodeRuns(ctx context.Context, runID string) ([]*NodeRun, error)
	NodeRunCount(ctx context.Context, runID, nodeID string) (int, error)

	// Artifacts. InsertArtifact enforces idempotency-key uniqueness.
	InsertArtifact(ctx context.Context, artifact *NodeArtifact) error
	ArtifactsByNodeRun(ctx context.Context, nodeRunID string) ([]*NodeArtifact, error)
	ArtifactExists(ctx context.Context, idempotencyKey string) (bool, error)
	ArtifactExistsForDispatch(ctx context.Context, dispatchID string) (bool, error)

	// Dispatch idempotency keys. RegisterDispatch returns false when the
	// (executionID, dispatchID) pair was already recorded inside the
	// retention window.
	RegisterDispatch(ctx context.Context, executionID int64, dispatchID string, firstSeen time.Time) (bool, error)
	PruneDispatches(ctx context.Context, olderThan time.Time) (int, error)

	// MCP server registry.
	PutMCPServer(ctx context.Context, server *MCPServer) error
	GetMCPServer(ctx context.Context, serverKey string) (*MCPServer, error)
	ListMCPServers(ctx context.Context) ([]*MCPServer, error)

	// Integration settings.
	PutSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, error)

	// Attachments and their reference counts.
	PutAttachment(ctx context.Context, att *Attachment) error
	GetAttachment(ctx context.Context, id string) (*Attachment, error)
	AddAttachmentRef(ctx context.Context, attachmentID, ownerKind, ownerID string) error
	RemoveAttachmentRef(ctx context.Context, attachmentID, ownerKind, ownerID string) (remaining int, err error)

	// RAG collections.
	PutCollection(ctx context.Context, col *RAGCollection) error
	ListCollections(ctx context.Context) ([]*RAGCollection, error)

	// Agents.
	PutAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// Chat threads and ordered messages. AppendMessage assigns Seq.
	CreateThread(ctx context.Context, thread *ChatThread) error
	GetThread(ctx context.Context, id string) (*ChatThread, error)
	UpdateThread(ctx context.Context, thread *ChatThread) error
	AppendMessage(ctx context.Context, msg *ChatMessage) error
	Messages(ctx context.Context, threadID string) ([]*ChatMessage, error)
}

// Store exposes autocommit access plus atomic multi-row transactions.
type Store interface {
	Tx

	// ExecuteAtomic runs fn inside one transaction; any error rolls back.
	// Contention is returned as storage_conflict and may be retried.
	ExecuteAtomic(ctx context.Context, fn func(tx Tx) error) error

	Close()
}

// ErrNotFound is the sentinel message suffix used by both implementations.
const ErrNotFound = "not found"
