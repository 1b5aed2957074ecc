package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"llmctl/internal/errors"
)

// MemStore is the in-memory Store used by tests and CLI dry-run paths. A
// single mutex serializes transactions; ExecuteAtomic snapshots state and
// restores it when fn fails, giving real rollback semantics.
type MemStore struct {
	mu sync.Mutex

	flowcharts  map[string][]byte
	runs        map[string]*FlowchartRun
	nodeRuns    map[string]*NodeRun
	artifacts   map[string]*NodeArtifact // keyed by idempotency key
	dispatches  map[string]time.Time     // "execution:dispatch" -> first seen
	mcpServers  map[string]*MCPServer
	settings    map[string]string
	attachments map[string]*Attachment
	attRefs     map[string]map[string]bool // attachment id -> "kind:owner"
	collections map[string]*RAGCollection
	agents      map[string]*Agent
	threads     map[string]*ChatThread
	messages    map[string][]*ChatMessage

	nextExecutionID int64

	// conflictsToInject makes the next N transactions fail with a retryable
	// storage_conflict, exercising the scheduler retry path in tests.
	conflictsToInject int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		flowcharts:  map[string][]byte{},
		runs:        map[string]*FlowchartRun{},
		nodeRuns:    map[string]*NodeRun{},
		artifacts:   map[string]*NodeArtifact{},
		dispatches:  map[string]time.Time{},
		mcpServers:  map[string]*MCPServer{},
		settings:    map[string]string{},
		attachments: map[string]*Attachment{},
		attRefs:     map[string]map[string]bool{},
		collections: map[string]*RAGCollection{},
		agents:      map[string]*Agent{},
		threads:     map[string]*ChatThread{},
		messages:    map[string][]*ChatMessage{},
	}
}

// InjectConflicts makes the next n transactions fail with storage_conflict.
func (m *MemStore) InjectConflicts(n int) {
	m.mu.Lock()
	m.conflictsToInject = n
	m.mu.Unlock()
}

func (m *MemStore) Close() {}

// ExecuteAtomic runs fn under the store lock with snapshot/restore rollback.
func (m *MemStore) ExecuteAtomic(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflictsToInject > 0 {
		m.conflictsToInject--
		return errors.New(errors.CodeStorageConflict, "simulated transaction contention")
	}

	snap := m.snapshot()
	if err := fn(lockedTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	flowcharts  map[string][]byte
	runs        map[string]*FlowchartRun
	nodeRuns    map[string]*NodeRun
	artifacts   map[string]*NodeArtifact
	dispatches  map[string]time.Time
	mcpServers  map[string]*MCPServer
	settings    map[string]string
	attachments map[string]*Attachment
	attRefs     map[string]map[string]bool
	collections map[string]*RAGCollection
	agents      map[string]*Agent
	threads     map[string]*ChatThread
	messages    map[string][]*ChatMessage
	nextExecID  int64
}

func (m *MemStore) snapshot() memSnapshot {
	snap := memSnapshot{
		flowcharts:  make(map[string][]byte, len(m.flowcharts)),
		runs:        make(map[string]*FlowchartRun, len(m.runs)),
		nodeRuns:    make(map[string]*NodeRun, len(m.nodeRuns)),
		artifacts:   make(map[string]*NodeArtifact, len(m.artifacts)),
		dispatches:  make(map[string]time.Time, len(m.dispatches)),
		mcpServers:  make(map[string]*MCPServer, len(m.mcpServers)),
		settings:    make(map[string]string, len(m.settings)),
		attachments: make(map[string]*Attachment, len(m.attachments)),
		attRefs:     make(map[string]map[string]bool, len(m.attRefs)),
		collections: make(map[string]*RAGCollection, len(m.collections)),
		agents:      make(map[string]*Agent, len(m.agents)),
		threads:     make(map[string]*ChatThread, len(m.threads)),
		messages:    make(map[string][]*ChatMessage, len(m.messages)),
		nextExecID:  m.nextExecutionID,
	}
	for k, v := range m.flowcharts {
		snap.flowcharts[k] = v
	}
	for k, v := range m.runs {
		clone := *v
		snap.runs[k] = &clone
	}
	for k, v := range m.nodeRuns {
		clone := *v
		snap.nodeRuns[k] = &clone
	}
	for k, v := range m.artifacts {
		clone := *v
		snap.artifacts[k] = &clone
	}
	for k, v := range m.dispatches {
		snap.dispatches[k] = v
	}
	for k, v := range m.mcpServers {
		clone := *v
		snap.mcpServers[k] = &clone
	}
	for k, v := range m.settings {
		snap.settings[k] = v
	}
	for k, v := range m.attachments {
		clone := *v
		snap.attachments[k] = &clone
	}
	for k, refs := range m.attRefs {
		cloneRefs := make(map[string]bool, len(refs))
		for r := range refs {
			cloneRefs[r] = true
		}
		snap.attRefs[k] = cloneRefs
	}
	for k, v := range m.collections {
		clone := *v
		snap.collections[k] = &clone
	}
	for k, v := range m.agents {
		clone := *v
		snap.agents[k] = &clone
	}
	for k, v := range m.threads {
		clone := *v
		snap.threads[k] = &clone
	}
	for k, msgs := range m.messages {
		cloneMsgs := make([]*ChatMessage, len(msgs))
		for i, msg := range msgs {
			clone := *msg
			cloneMsgs[i] = &clone
		}
		snap.messages[k] = cloneMsgs
	}
	return snap
}

func (m *MemStore) restore(snap memSnapshot) {
	m.flowcharts = snap.flowcharts
	m.runs = snap.runs
	m.nodeRuns = snap.nodeRuns
	m.artifacts = snap.artifacts
	m.dispatches = snap.dispatches
	m.mcpServers = snap.mcpServers
	m.settings = snap.settings
	m.attachments = snap.attachments
	m.attRefs = snap.attRefs
	m.collections = snap.collections
	m.agents = snap.agents
	m.threads = snap.threads
	m.messages = snap.messages
	m.nextExecutionID = snap.nextExecID
}

// lockedTx is the Tx view handed to ExecuteAtomic callbacks; the store lock is
// already held.
type lockedTx struct {
	m *MemStore
}

// Autocommit methods on MemStore take the lock and delegate to the same
// internals.
func (m *MemStore) locked(fn func(tx lockedTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(lockedTx{m})
}

func (m *MemStore) PutFlowchartJSON(ctx context.Context, id string, doc []byte) error {
	return m.locked(func(tx lockedTx) error { return tx.PutFlowchartJSON(ctx, id, doc) })
}

func (m *MemStore) GetFlowchartJSON(ctx context.Context, id string) (out []byte, err error) {
	err = m.locked(func(tx lockedTx) error { out, err = tx.GetFlowchartJSON(ctx, id); return err })
	return out, err
}

func (m *MemStore) CreateRun(ctx context.Context, run *FlowchartRun) error {
	return m.locked(func(tx lockedTx) error { return tx.CreateRun(ctx, run) })
}

func (m *MemStore) GetRun(ctx context.Context, id string) (run *FlowchartRun, err error) {
	err = m.locked(func(tx lockedTx) error { run, err = tx.GetRun(ctx, id); return err })
	return run, err
}

func (m *MemStore) UpdateRun(ctx context.Context, run *FlowchartRun) error {
	return m.locked(func(tx lockedTx) error { return tx.UpdateRun(ctx, run) })
}

func (m *MemStore) CreateNodeRun(ctx context.Context, nr *NodeRun) error {
	return m.locked(func(tx lockedTx) error { return tx.CreateNodeRun(ctx, nr) })
}

func (m *MemStore) UpdateNodeRun(ctx context.Context, nr *NodeRun) error {
	return m.locked(func(tx lockedTx) error { return tx.UpdateNodeRun(ctx, nr) })
}

func (m *MemStore) GetNodeRun(ctx context.Context, id string) (nr *NodeRun, err error) {
	err = m.locked(func(tx lockedTx) error { nr, err = tx.GetNodeRun(ctx, id); return err })
	return nr, err
}

func (m *MemStore) NodeRuns(ctx context.Context, runID string) (out []*NodeRun, err error) {
	err = m.locked(func(tx lockedTx) error { out, err = tx.NodeRuns(ctx, runID); return err })
	return out, err
}

func (m *MemStore) NodeRunCount(ctx context.Context, runID, nodeID string) (n int, err error) {
	err = m.locked(func(tx lockedTx) error { n, err = tx.NodeRunCount(ctx, runID, nodeID); return err })
	return n, err
}

func (m *MemStore) InsertArtifact(ctx context.Context, artifact *NodeArtifact) error {
	return m.locked(func(tx lockedTx) error { return tx.InsertArtifact(ctx, artifact) })
}

func (m *MemStore) ArtifactsByNodeRun(ctx context.Context, nodeRunID string) (out []*NodeArtifact, err error) {
	err = m.locked(func(tx lockedTx) error { out, err = tx.ArtifactsByNodeRun(ctx, nodeRunID); return err })
	return out, err
}

func (m *MemStore) ArtifactExists(ctx context.Context, key string) (ok bool, err error) {
	err = m.locked(func(tx lockedTx) error { ok, err = tx.ArtifactExists(ctx, key); return err })
	return ok, err
}

func (m *MemStore) ArtifactExistsForDispatch(ctx context.Context, dispatchID string) (ok bool, err error) {
	err = m.locked(func(tx lockedTx) error { ok, err = tx.ArtifactExistsForDispatch(ctx, dispatchID); return err })
	return ok, err
}

func (m *MemStore) RegisterDispatch(ctx context.Context, executionID int64, dispatchID string, firstSeen time.Time) (ok bool, err error) {
	err = m.locked(func(tx lockedTx) error {
		ok, err = tx.RegisterDispatch(ctx, executionID, dispatchID, firstSeen)
		return err
	})
	return ok, err
}

func (m *MemStore) PruneDispatches(ctx context.Context, olderThan time.Time) (n int, err error) {
	err = m.locked(func(tx lockedTx) error { n, err = tx.PruneDispatches(ctx, olderThan); return err })
	return n, err
}

func (m *MemStore) PutMCPServer(ctx context.Context, server *MCPServer) error {
	return m.locked(func(tx lockedTx) error { return tx.PutMCPServer(ctx, server) })
}

func (m *MemStore) GetMCPServer(ctx context.Context, serverKey string) (s *MCPServer, err error) {
	err = m.locked(func(tx lockedTx) error { s, err = tx.GetMCPServer(ctx, serverKey); return err })
	return s, err
}

func (m *MemStore) ListMCPServers(ctx context.Context) (out []*MCPServer, err error) {
	err = m.locked(func(tx lockedTx) error { out, err = tx.ListMCPServers(ctx); return err })
	return out, err
}

func (m *MemStore) PutSetting(ctx context.Context, key, value string) error {
	return m.locked(func(tx lockedTx) error { return tx.PutSetting(ctx, key, value) })
}

func (m *MemStore) GetSetting(ctx context.Context, key string) (v string, err error) {
	err = m.locked(func(tx lockedTx) error { v, err = tx.GetSetting(ctx, key); return err })
	return v, err
}

func (m *MemStore) PutAttachment(ctx context.Context, att *Attachment) error {
	return m.locked(func(tx lockedTx) error { return tx.PutAttachment(ctx, att) })
}

func (m *MemStore) GetAttachment(ctx context.Context, id string) (att *Attachment, err error) {
	err = m.locked(func(tx lockedTx) error { att, err = tx.GetAttachment(ctx, id); return err })
	return att, err
}

func (m *MemStore) AddAttachmentRef(ctx context.Context, attachmentID, ownerKind, ownerID string) error {
	return m.locked(func(tx lockedTx) error { return tx.AddAttachmentRef(ctx, attachmentID, ownerKind, ownerID) })
}

func (m *MemStore) RemoveAttachmentRef(ctx context.Context, attachmentID, ownerKind, ownerID string) (remaining int, err error) {
	err = m.locked(func(tx lockedTx) error {
		remaining, err = tx.RemoveAttachmentRef(ctx, attachmentID, ownerKind, ownerID)
		return err
	})
	return remaining, err
}

func (m *MemStore) PutCollection(ctx context.Context, col *RAGCollection) error {
	return m.locked(func(tx lockedTx) error { return tx.PutCollection(ctx, col) })
}

func (m *MemStore) ListCollections(ctx context.Context) (out []*RAGCollection, err error) {
	err = m.locked(func(tx lockedTx) error { out, err = tx.ListCollections(ctx); return err })
	return out, err
}

func (m *MemStore) PutAgent(ctx context.Context, agent *Agent) error {
	return m.locked(func(tx lockedTx) error { return tx.PutAgent(ctx, agent) })
}

func (m *MemStore) GetAgent(ctx context.Context, id string) (agent *Agent, err error) {
	err = m.locked(func(tx lockedTx) error { agent, err = tx.GetAgent(ctx, id); return err })
	return agent, err
}

func (m *MemStore) CreateThread(ctx context.Context, thread *ChatThread) error {
	return m.locked(func(tx lockedTx) error { return tx.CreateThread(ctx, thread) })
}

func (m *MemStore) GetThread(ctx context.Context, id string) (thread *ChatThread, err error) {
	err = m.locked(func(tx lockedTx) error { thread, err = tx.GetThread(ctx, id); return err })
	return thread, err
}

func (m *MemStore) UpdateThread(ctx context.Context, thread *ChatThread) error {
	return m.locked(func(tx lockedTx) error { return tx.UpdateThread(ctx, thread) })
}

func (m *MemStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	return m.locked(func(tx lockedTx) error { return tx.AppendMessage(ctx, msg) })
}

func (m *MemStore) Messages(ctx context.Context, threadID string) (out []*ChatMessage, err error) {
	err = m.locked(func(tx lockedTx) error { out, err = tx.Messages(ctx, threadID); return err })
	return out, err
}

// Tx implementation. The store lock is held by the caller.

func (t lockedTx) PutFlowchartJSON(_ context.Context, id string, doc []byte) error {
	t.m.flowcharts[id] = append([]byte(nil), doc...)
	return nil
}

func (t lockedTx) GetFlowchartJSON(_ context.Context, id string) ([]byte, error) {
	doc, ok := t.m.flowcharts[id]
	if !ok {
		return nil, fmt.Errorf("flowchart %s %s", id, ErrNotFound)
	}
	return append([]byte(nil), doc...), nil
}

func (t lockedTx) CreateRun(_ context.Context, run *FlowchartRun) error {
	if _, exists := t.m.runs[run.ID]; exists {
		return errors.New(errors.CodeStorageConflict, "run %s already exists", run.ID)
	}
	clone := *run
	t.m.runs[run.ID] = &clone
	return nil
}

func (t lockedTx) GetRun(_ context.Context, id string) (*FlowchartRun, error) {
	run, ok := t.m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s %s", id, ErrNotFound)
	}
	clone := *run
	return &clone, nil
}

func (t lockedTx) UpdateRun(_ context.Context, run *FlowchartRun) error {
	if _, ok := t.m.runs[run.ID]; !ok {
		return fmt.Errorf("run %s %s", run.ID, ErrNotFound)
	}
	clone := *run
	t.m.runs[run.ID] = &clone
	return nil
}

func (t lockedTx) CreateNodeRun(_ context.Context, nr *NodeRun) error {
	if _, exists := t.m.nodeRuns[nr.ID]; exists {
		return errors.New(errors.CodeStorageConflict, "node run %s already exists", nr.ID)
	}
	index := 0
	for _, existing := range t.m.nodeRuns {
		if existing.RunID == nr.RunID && existing.NodeID == nr.NodeID {
			index++
		}
	}
	t.m.nextExecutionID++
	nr.ExecutionID = t.m.nextExecutionID
	nr.ExecutionIndex = index + 1
	clone := *nr
	t.m.nodeRuns[nr.ID] = &clone
	return nil
}

func (t lockedTx) UpdateNodeRun(_ context.Context, nr *NodeRun) error {
	if _, ok := t.m.nodeRuns[nr.ID]; !ok {
		return fmt.Errorf("node run %s %s", nr.ID, ErrNotFound)
	}
	clone := *nr
	t.m.nodeRuns[nr.ID] = &clone
	return nil
}

func (t lockedTx) GetNodeRun(_ context.Context, id string) (*NodeRun, error) {
	nr, ok := t.m.nodeRuns[id]
	if !ok {
		return nil, fmt.Errorf("node run %s %s", id, ErrNotFound)
	}
	clone := *nr
	return &clone, nil
}

func (t lockedTx) NodeRuns(_ context.Context, runID string) ([]*NodeRun, error) {
	var out []*NodeRun
	for _, nr := range t.m.nodeRuns {
		if nr.RunID == runID {
			clone := *nr
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

func (t lockedTx) NodeRunCount(_ context.Context, runID, nodeID string) (int, error) {
	count := 0
	for _, nr := range t.m.nodeRuns {
		if nr.RunID == runID && nr.NodeID == nodeID {
			count++
		}
	}
	return count, nil
}

func (t lockedTx) InsertArtifact(_ context.Context, artifact *NodeArtifact) error {
	if artifact.IdempotencyKey == "" {
		return errors.New(errors.CodeValidation, "artifact idempotency key is required")
	}
	if _, exists := t.m.artifacts[artifact.IdempotencyKey]; exists {
		return errors.New(errors.CodeStorageConflict, "artifact %s already exists", artifact.IdempotencyKey)
	}
	clone := *artifact
	t.m.artifacts[artifact.IdempotencyKey] = &clone
	return nil
}

func (t lockedTx) ArtifactsByNodeRun(_ context.Context, nodeRunID string) ([]*NodeArtifact, error) {
	var out []*NodeArtifact
	for _, a := range t.m.artifacts {
		if a.NodeRunID == nodeRunID {
			clone := *a
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out, nil
}

func (t lockedTx) ArtifactExists(_ context.Context, key string) (bool, error) {
	_, ok := t.m.artifacts[key]
	return ok, nil
}

func (t lockedTx) ArtifactExistsForDispatch(_ context.Context, dispatchID string) (bool, error) {
	for _, a := range t.m.artifacts {
		if a.DispatchID == dispatchID {
			return true, nil
		}
	}
	return false, nil
}

func dispatchKey(executionID int64, dispatchID string) string {
	return fmt.Sprintf("%d:%s", executionID, dispatchID)
}

func (t lockedTx) RegisterDispatch(_ context.Context, executionID int64, dispatchID string, firstSeen time.Time) (bool, error) {
	key := dispatchKey(executionID, dispatchID)
	if _, exists := t.m.dispatches[key]; exists {
		return false, nil
	}
	t.m.dispatches[key] = firstSeen
	return true, nil
}

func (t lockedTx) PruneDispatches(_ context.Context, olderThan time.Time) (int, error) {
	pruned := 0
	for key, seen := range t.m.dispatches {
		if seen.Before(olderThan) {
			delete(t.m.dispatches, key)
			pruned++
		}
	}
	return pruned, nil
}

func (t lockedTx) PutMCPServer(_ context.Context, server *MCPServer) error {
	clone := *server
	t.m.mcpServers[server.ServerKey] = &clone
	return nil
}

func (t lockedTx) GetMCPServer(_ context.Context, serverKey string) (*MCPServer, error) {
	server, ok := t.m.mcpServers[serverKey]
	if !ok {
		return nil, fmt.Errorf("mcp server %s %s", serverKey, ErrNotFound)
	}
	clone := *server
	return &clone, nil
}

func (t lockedTx) ListMCPServers(_ context.Context) ([]*MCPServer, error) {
	out := make([]*MCPServer, 0, len(t.m.mcpServers))
	for _, server := range t.m.mcpServers {
		clone := *server
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerKey < out[j].ServerKey })
	return out, nil
}

func (t lockedTx) PutSetting(_ context.Context, key, value string) error {
	t.m.settings[key] = value
	return nil
}

func (t lockedTx) GetSetting(_ context.Context, key string) (string, error) {
	value, ok := t.m.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s %s", key, ErrNotFound)
	}
	return value, nil
}

func (t lockedTx) PutAttachment(_ context.Context, att *Attachment) error {
	clone := *att
	t.m.attachments[att.ID] = &clone
	return nil
}

func (t lockedTx) GetAttachment(_ context.Context, id string) (*Attachment, error) {
	att, ok := t.m.attachments[id]
	if !ok {
		return nil, fmt.Errorf("attachment %s %s", id, ErrNotFound)
	}
	clone := *att
	return &clone, nil
}

func ownerKey(ownerKind, ownerID string) string {
	return ownerKind + ":" + ownerID
}

func (t lockedTx) AddAttachmentRef(_ context.Context, attachmentID, ownerKind, ownerID string) error {
	if _, ok := t.m.attachments[attachmentID]; !ok {
		return fmt.Errorf("attachment %s %s", attachmentID, ErrNotFound)
	}
	refs := t.m.attRefs[attachmentID]
	if refs == nil {
		refs = map[string]bool{}
		t.m.attRefs[attachmentID] = refs
	}
	refs[ownerKey(ownerKind, ownerID)] = true
	return nil
}

func (t lockedTx) RemoveAttachmentRef(_ context.Context, attachmentID, ownerKind, ownerID string) (int, error) {
	refs := t.m.attRefs[attachmentID]
	delete(refs, ownerKey(ownerKind, ownerID))
	return len(refs), nil
}

func (t lockedTx) PutCollection(_ context.Context, col *RAGCollection) error {
	clone := *col
	t.m.collections[col.ID] = &clone
	return nil
}

func (t lockedTx) ListCollections(_ context.Context) ([]*RAGCollection, error) {
	out := make([]*RAGCollection, 0, len(t.m.collections))
	for _, col := range t.m.collections {
		clone := *col
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t lockedTx) PutAgent(_ context.Context, agent *Agent) error {
	clone := *agent
	t.m.agents[agent.ID] = &clone
	return nil
}

func (t lockedTx) GetAgent(_ context.Context, id string) (*Agent, error) {
	agent, ok := t.m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s %s", id, ErrNotFound)
	}
	clone := *agent
	return &clone, nil
}

func (t lockedTx) CreateThread(_ context.Context, thread *ChatThread) error {
	if _, exists := t.m.threads[thread.ID]; exists {
		return errors.New(errors.CodeStorageConflict, "thread %s already exists", thread.ID)
	}
	clone := *thread
	t.m.threads[thread.ID] = &clone
	return nil
}

func (t lockedTx) GetThread(_ context.Context, id string) (*ChatThread, error) {
	thread, ok := t.m.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s %s", id, ErrNotFound)
	}
	clone := *thread
	return &clone, nil
}

func (t lockedTx) UpdateThread(_ context.Context, thread *ChatThread) error {
	if _, ok := t.m.threads[thread.ID]; !ok {
		return fmt.Errorf("thread %s %s", thread.ID, ErrNotFound)
	}
	clone := *thread
	t.m.threads[thread.ID] = &clone
	return nil
}

func (t lockedTx) AppendMessage(_ context.Context, msg *ChatMessage) error {
	if _, ok := t.m.threads[msg.ThreadID]; !ok {
		return fmt.Errorf("thread %s %s", msg.ThreadID, ErrNotFound)
	}
	msg.Seq = len(t.m.messages[msg.ThreadID]) + 1
	clone := *msg
	t.m.messages[msg.ThreadID] = append(t.m.messages[msg.ThreadID], &clone)
	return nil
}

func (t lockedTx) Messages(_ context.Context, threadID string) ([]*ChatMessage, error) {
	msgs := t.m.messages[threadID]
	out := make([]*ChatMessage, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}
