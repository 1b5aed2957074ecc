// Package provider dispatches compiled prompts to LLM backends. Each backend
// is an Adapter behind a common request/result contract; the Router layers
// failure classification, a single same-provider retry, and dispatch
// idempotency on top.
package provider

import (
	"context"
	"time"

	"llmctl/internal/envelope"
)

// ContractVersion is stamped on every ExecutionResult so consumers can detect
// incompatible payloads.
const ContractVersion = "1"

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Request is the typed dispatch request handed to an adapter.
type Request struct {
	NodeID      string
	NodeType    string
	ExecutionID int64
	// DispatchID is chosen before the external call and recorded
	// transactionally so retries detect duplicates.
	DispatchID string
	Envelope   *envelope.Envelope
	Model      string
	MaxTokens  int
	// MCPConfigs is the rendered mcp_servers document made available to the
	// provider runtime.
	MCPConfigs   []byte
	Env          map[string]string
	WorkspaceDir string
	Timeout      time.Duration
}

// Result is the ExecutionResult returned by an adapter.
type Result struct {
	ContractVersion string
	Status          string
	ExitCode        int
	StartedAt       time.Time
	FinishedAt      time.Time
	Stdout          string
	Stderr          string
	Provider        string
	Model           string
	InputTokens     int64
	OutputTokens    int64
	StopReason      string
	// Metadata carries provider-specific detail plus the router's fallback
	// and uncertainty markers.
	Metadata map[string]any
}

// Meta returns the metadata map, allocating it on first use.
func (r *Result) Meta() map[string]any {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return r.Metadata
}

// Adapter is one LLM backend.
type Adapter interface {
	Name() string
	Dispatch(ctx context.Context, req *Request) (*Result, error)
}
