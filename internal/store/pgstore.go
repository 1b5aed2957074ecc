package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"llmctl/internal/errors"
	"llmctl/internal/logging"
)

// PGStore is the Postgres-backed Store on pgx. Entity payloads that the engine
// treats as opaque (artifacts, provider metadata, routing state) live in JSONB
// columns; everything the scheduler filters or orders on is a plain column.
type PGStore struct {
	pgTx
	pool *pgxpool.Pool
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting one method
// set serve autocommit and transactional access.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q      pgQuerier
	logger logging.Logger
}

// NewPGStore constructs a Postgres store over an existing pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	logger := logging.NewComponentLogger("PGStore")
	return &PGStore{
		pgTx: pgTx{q: pool, logger: logger},
		pool: pool,
	}
}

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates every runtime table if missing. Safe to run at every
// startup and from the migrate command.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	const query = `
CREATE TABLE IF NOT EXISTS flowcharts (
    id TEXT PRIMARY KEY,
    doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS flowchart_runs (
    id TEXT PRIMARY KEY,
    flowchart_id TEXT NOT NULL,
    flowchart_version INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    initiator TEXT NOT NULL DEFAULT '',
    error_code TEXT NOT NULL DEFAULT '',
    error_msg TEXT NOT NULL DEFAULT '',
    cancelled_at TIMESTAMPTZ
);
CREATE SEQUENCE IF NOT EXISTS node_run_execution_seq;
CREATE TABLE IF NOT EXISTS node_runs (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    execution_id BIGINT NOT NULL DEFAULT nextval('node_run_execution_seq'),
    execution_index INTEGER NOT NULL,
    status TEXT NOT NULL,
    stdout TEXT NOT NULL DEFAULT '',
    stderr TEXT NOT NULL DEFAULT '',
    exit_code INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    error JSONB,
    provider_metadata JSONB,
    routing_state JSONB,
    degraded BOOLEAN NOT NULL DEFAULT FALSE,
    degraded_reason TEXT NOT NULL DEFAULT '',
    cancelled_during_flight BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (run_id, node_id, execution_index)
);
CREATE INDEX IF NOT EXISTS idx_node_runs_run_id ON node_runs (run_id);
CREATE TABLE IF NOT EXISTS node_artifacts (
    idempotency_key TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    node_run_id TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    payload JSONB NOT NULL,
    dispatch_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_node_artifacts_node_run_id ON node_artifacts (node_run_id);
CREATE INDEX IF NOT EXISTS idx_node_artifacts_dispatch_id ON node_artifacts (dispatch_id);
CREATE TABLE IF NOT EXISTS dispatch_keys (
    execution_id BIGINT NOT NULL,
    dispatch_id TEXT NOT NULL,
    first_seen TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (execution_id, dispatch_id)
);
CREATE TABLE IF NOT EXISTS mcp_servers (
    server_key TEXT PRIMARY KEY,
    config JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS attachments (
    id TEXT PRIMARY KEY,
    file_name TEXT NOT NULL,
    file_path TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS attachment_refs (
    attachment_id TEXT NOT NULL,
    owner_kind TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    PRIMARY KEY (attachment_id, owner_kind, owner_id)
);
CREATE TABLE IF NOT EXISTS rag_collections (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    vector_backend TEXT NOT NULL DEFAULT '',
    health TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    markdown TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_threads (
    id TEXT PRIMARY KEY,
    context_window_tokens INTEGER NOT NULL DEFAULT 0,
    compaction_summary TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chat_messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (thread_id, seq)
);
`
	_, err := s.pool.Exec(ctx, query)
	return err
}

// SupportedSchemaVersion is the newest runtime schema this build can apply.
const SupportedSchemaVersion = 1

const schemaVersionKey = "flowchart_runtime_schema_version"

// MigrateSchema applies the runtime schema behind a compatibility gate: a
// database already stamped with a newer version is refused with
// compatibility_blocked before anything is touched.
func (s *PGStore) MigrateSchema(ctx context.Context) error {
	if current, err := s.GetSetting(ctx, schemaVersionKey); err == nil {
		if v, convErr := strconv.Atoi(current); convErr == nil && v > SupportedSchemaVersion {
			return errors.New(errors.CodeCompatibilityBlocked,
				"database schema version %d is newer than supported version %d", v, SupportedSchemaVersion)
		}
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	return s.PutSetting(ctx, schemaVersionKey, strconv.Itoa(SupportedSchemaVersion))
}

// ExecuteAtomic runs fn inside one Postgres transaction. Unique-constraint
// violations and serialization failures surface as storage_conflict so the
// scheduler can retry the transition.
func (s *PGStore) ExecuteAtomic(ctx context.Context, fn func(tx Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPGError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx, logger: s.logger}); err != nil {
		return mapPGError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPGError(err)
	}
	return nil
}

// mapPGError converts Postgres contention errors to the retryable
// storage_conflict code; everything else passes through.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return errors.Wrap(errors.CodeStorageConflict, err, "unique constraint %s", pgErr.ConstraintName)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errors.Wrap(errors.CodeStorageConflict, err, "transaction contention")
		}
	}
	return err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(dst *time.Time, src *time.Time) {
	if src != nil {
		*dst = *src
	}
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *pgTx) PutFlowchartJSON(ctx context.Context, id string, doc []byte) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO flowcharts (id, doc) VALUES ($1, $2::jsonb)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
`, id, doc)
	return err
}

func (t *pgTx) GetFlowchartJSON(ctx context.Context, id string) ([]byte, error) {
	var doc []byte
	err := t.q.QueryRow(ctx, `SELECT doc FROM flowcharts WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("flowchart %s %s", id, ErrNotFound)
		}
		return nil, err
	}
	return doc, nil
}

func (t *pgTx) CreateRun(ctx context.Context, run *FlowchartRun) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO flowchart_runs (id, flowchart_id, flowchart_version, status, started_at, finished_at, initiator, error_code, error_msg, cancelled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, run.ID, run.FlowchartID, run.Version, run.Status,
		nullableTime(run.StartedAt), nullableTime(run.FinishedAt),
		run.Initiator, run.ErrorCode, run.ErrorMsg, run.CancelledAt)
	return mapPGError(err)
}

func (t *pgTx) GetRun(ctx context.Context, id string) (*FlowchartRun, error) {
	var (
		run        FlowchartRun
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := t.q.QueryRow(ctx, `
SELECT id, flowchart_id, flowchart_version, status, started_at, finished_at, initiator, error_code, error_msg, cancelled_at
FROM flowchart_runs WHERE id = $1
`, id).Scan(&run.ID, &run.FlowchartID, &run.Version, &run.Status,
		&startedAt, &finishedAt, &run.Initiator, &run.ErrorCode, &run.ErrorMsg, &run.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s %s", id, ErrNotFound)
		}
		return nil, err
	}
	scanTime(&run.StartedAt, startedAt)
	scanTime(&run.FinishedAt, finishedAt)
	return &run, nil
}

func (t *pgTx) UpdateRun(ctx context.Context, run *FlowchartRun) error {
	tag, err := t.q.Exec(ctx, `
UPDATE flowchart_runs
SET status = $2, started_at = $3, finished_at = $4, error_code = $5, error_msg = $6, cancelled_at = $7
WHERE id = $1
`, run.ID, run.Status, nullableTime(run.StartedAt), nullableTime(run.FinishedAt),
		run.ErrorCode, run.ErrorMsg, run.CancelledAt)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s %s", run.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateNodeRun(ctx context.Context, nr *NodeRun) error {
	errJSON, err := marshalNullable(nullableValue(nr.Error))
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	metaJSON, err := marshalNullable(nullableMap(nr.ProviderMetadata))
	if err != nil {
		return fmt.Errorf("encode provider metadata: %w", err)
	}
	routingJSON, err := marshalNullable(nullableValue(nr.RoutingState))
	if err != nil {
		return fmt.Errorf("encode routing state: %w", err)
	}

	// Index assignment rides the UNIQUE (run_id, node_id, execution_index)
	// constraint: concurrent creators collide with 23505 and one retries.
	row := t.q.QueryRow(ctx, `
INSERT INTO node_runs (id, run_id, node_id, execution_index, status, stdout, stderr, exit_code,
    started_at, finished_at, error, provider_metadata, routing_state, degraded, degraded_reason, cancelled_during_flight)
VALUES ($1, $2, $3,
    (SELECT COALESCE(MAX(execution_index), 0) + 1 FROM node_runs WHERE run_id = $2 AND node_id = $3),
    $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12::jsonb, $13, $14, $15)
RETURNING execution_id, execution_index
`, nr.ID, nr.RunID, nr.NodeID, nr.Status, nr.Stdout, nr.Stderr, nr.ExitCode,
		nullableTime(nr.StartedAt), nullableTime(nr.FinishedAt),
		errJSON, metaJSON, routingJSON, nr.Degraded, nr.DegradedReason, nr.CancelledDuringFlight)
	if err := row.Scan(&nr.ExecutionID, &nr.ExecutionIndex); err != nil {
		return mapPGError(err)
	}
	return nil
}

func (t *pgTx) UpdateNodeRun(ctx context.Context, nr *NodeRun) error {
	errJSON, err := marshalNullable(nullableValue(nr.Error))
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	metaJSON, err := marshalNullable(nullableMap(nr.ProviderMetadata))
	if err != nil {
		return fmt.Errorf("encode provider metadata: %w", err)
	}
	routingJSON, err := marshalNullable(nullableValue(nr.RoutingState))
	if err != nil {
		return fmt.Errorf("encode routing state: %w", err)
	}

	tag, err := t.q.Exec(ctx, `
UPDATE node_runs
SET status = $2, stdout = $3, stderr = $4, exit_code = $5, started_at = $6, finished_at = $7,
    error = $8::jsonb, provider_metadata = $9::jsonb, routing_state = $10::jsonb,
    degraded = $11, degraded_reason = $12, cancelled_during_flight = $13
WHERE id = $1
`, nr.ID, nr.Status, nr.Stdout, nr.Stderr, nr.ExitCode,
		nullableTime(nr.StartedAt), nullableTime(nr.FinishedAt),
		errJSON, metaJSON, routingJSON, nr.Degraded, nr.DegradedReason, nr.CancelledDuringFlight)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node run %s %s", nr.ID, ErrNotFound)
	}
	return nil
}

const nodeRunColumns = `id, run_id, node_id, execution_id, execution_index, status, stdout, stderr, exit_code,
    started_at, finished_at, error, provider_metadata, routing_state, degraded, degraded_reason, cancelled_during_flight`

func scanNodeRun(row pgx.Row) (*NodeRun, error) {
	var (
		nr          NodeRun
		startedAt   *time.Time
		finishedAt  *time.Time
		errJSON     []byte
		metaJSON    []byte
		routingJSON []byte
	)
	err := row.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.ExecutionID, &nr.ExecutionIndex,
		&nr.Status, &nr.Stdout, &nr.Stderr, &nr.ExitCode,
		&startedAt, &finishedAt, &errJSON, &metaJSON, &routingJSON,
		&nr.Degraded, &nr.DegradedReason, &nr.CancelledDuringFlight)
	if err != nil {
		return nil, err
	}
	scanTime(&nr.StartedAt, startedAt)
	scanTime(&nr.FinishedAt, finishedAt)
	if len(errJSON) > 0 {
		if err := json.Unmarshal(errJSON, &nr.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &nr.ProviderMetadata); err != nil {
			return nil, fmt.Errorf("decode provider metadata: %w", err)
		}
	}
	if len(routingJSON) > 0 {
		if err := json.Unmarshal(routingJSON, &nr.RoutingState); err != nil {
			return nil, fmt.Errorf("decode routing state: %w", err)
		}
	}
	return &nr, nil
}

func (t *pgTx) GetNodeRun(ctx context.Context, id string) (*NodeRun, error) {
	nr, err := scanNodeRun(t.q.QueryRow(ctx,
		`SELECT `+nodeRunColumns+` FROM node_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("node run %s %s", id, ErrNotFound)
		}
		return nil, err
	}
	return nr, nil
}

func (t *pgTx) NodeRuns(ctx context.Context, runID string) ([]*NodeRun, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+nodeRunColumns+` FROM node_runs WHERE run_id = $1 ORDER BY execution_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeRun
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nr)
	}
	return out, rows.Err()
}

func (t *pgTx) NodeRunCount(ctx context.Context, runID, nodeID string) (int, error) {
	var count int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM node_runs WHERE run_id = $1 AND node_id = $2`, runID, nodeID).Scan(&count)
	return count, err
}

func (t *pgTx) InsertArtifact(ctx context.Context, artifact *NodeArtifact) error {
	if artifact.IdempotencyKey == "" {
		return errors.New(errors.CodeValidation, "artifact idempotency key is required")
	}
	_, err := t.q.Exec(ctx, `
INSERT INTO node_artifacts (idempotency_key, id, node_run_id, artifact_type, payload, dispatch_id)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
`, artifact.IdempotencyKey, artifact.ID, artifact.NodeRunID, artifact.Type,
		[]byte(artifact.Payload), artifact.DispatchID)
	return mapPGError(err)
}

func (t *pgTx) ArtifactsByNodeRun(ctx context.Context, nodeRunID string) ([]*NodeArtifact, error) {
	rows, err := t.q.Query(ctx, `
SELECT idempotency_key, id, node_run_id, artifact_type, payload, dispatch_id
FROM node_artifacts WHERE node_run_id = $1 ORDER BY idempotency_key
`, nodeRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeArtifact
	for rows.Next() {
		var (
			a       NodeArtifact
			payload []byte
		)
		if err := rows.Scan(&a.IdempotencyKey, &a.ID, &a.NodeRunID, &a.Type, &payload, &a.DispatchID); err != nil {
			return nil, err
		}
		a.Payload = json.RawMessage(payload)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (t *pgTx) ArtifactExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM node_artifacts WHERE idempotency_key = $1)`, key).Scan(&exists)
	return exists, err
}

func (t *pgTx) ArtifactExistsForDispatch(ctx context.Context, dispatchID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM node_artifacts WHERE dispatch_id = $1 AND dispatch_id <> '')`, dispatchID).Scan(&exists)
	return exists, err
}

func (t *pgTx) RegisterDispatch(ctx context.Context, executionID int64, dispatchID string, firstSeen time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
INSERT INTO dispatch_keys (execution_id, dispatch_id, first_seen)
VALUES ($1, $2, $3)
ON CONFLICT (execution_id, dispatch_id) DO NOTHING
`, executionID, dispatchID, firstSeen)
	if err != nil {
		return false, mapPGError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) PruneDispatches(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM dispatch_keys WHERE first_seen < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) PutMCPServer(ctx context.Context, server *MCPServer) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO mcp_servers (server_key, config) VALUES ($1, $2::jsonb)
ON CONFLICT (server_key) DO UPDATE SET config = EXCLUDED.config
`, server.ServerKey, []byte(server.ConfigJSON))
	return err
}

func (t *pgTx) GetMCPServer(ctx context.Context, serverKey string) (*MCPServer, error) {
	var (
		server MCPServer
		config []byte
	)
	err := t.q.QueryRow(ctx,
		`SELECT server_key, config FROM mcp_servers WHERE server_key = $1`, serverKey).
		Scan(&server.ServerKey, &config)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("mcp server %s %s", serverKey, ErrNotFound)
		}
		return nil, err
	}
	server.ConfigJSON = json.RawMessage(config)
	return &server, nil
}

func (t *pgTx) ListMCPServers(ctx context.Context) ([]*MCPServer, error) {
	rows, err := t.q.Query(ctx, `SELECT server_key, config FROM mcp_servers ORDER BY server_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MCPServer
	for rows.Next() {
		var (
			server MCPServer
			config []byte
		)
		if err := rows.Scan(&server.ServerKey, &config); err != nil {
			return nil, err
		}
		server.ConfigJSON = json.RawMessage(config)
		out = append(out, &server)
	}
	return out, rows.Err()
}

func (t *pgTx) PutSetting(ctx context.Context, key, value string) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`, key, value)
	return err
}

func (t *pgTx) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := t.q.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("setting %s %s", key, ErrNotFound)
		}
		return "", err
	}
	return value, nil
}

func (t *pgTx) PutAttachment(ctx context.Context, att *Attachment) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO attachments (id, file_name, file_path, content_type, content_hash)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET file_name = EXCLUDED.file_name, file_path = EXCLUDED.file_path,
    content_type = EXCLUDED.content_type, content_hash = EXCLUDED.content_hash
`, att.ID, att.FileName, att.FilePath, att.ContentType, att.ContentHash)
	return err
}

func (t *pgTx) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	var att Attachment
	err := t.q.QueryRow(ctx, `
SELECT id, file_name, file_path, content_type, content_hash FROM attachments WHERE id = $1
`, id).Scan(&att.ID, &att.FileName, &att.FilePath, &att.ContentType, &att.ContentHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("attachment %s %s", id, ErrNotFound)
		}
		return nil, err
	}
	return &att, nil
}

func (t *pgTx) AddAttachmentRef(ctx context.Context, attachmentID, ownerKind, ownerID string) error {
	if _, err := t.GetAttachment(ctx, attachmentID); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx, `
INSERT INTO attachment_refs (attachment_id, owner_kind, owner_id) VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`, attachmentID, ownerKind, ownerID)
	return err
}

func (t *pgTx) RemoveAttachmentRef(ctx context.Context, attachmentID, ownerKind, ownerID string) (int, error) {
	_, err := t.q.Exec(ctx, `
DELETE FROM attachment_refs WHERE attachment_id = $1 AND owner_kind = $2 AND owner_id = $3
`, attachmentID, ownerKind, ownerID)
	if err != nil {
		return 0, err
	}
	var remaining int
	err = t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM attachment_refs WHERE attachment_id = $1`, attachmentID).Scan(&remaining)
	return remaining, err
}

func (t *pgTx) PutCollection(ctx context.Context, col *RAGCollection) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO rag_collections (id, name, vector_backend, health, kind, enabled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, vector_backend = EXCLUDED.vector_backend,
    health = EXCLUDED.health, kind = EXCLUDED.kind, enabled = EXCLUDED.enabled
`, col.ID, col.Name, col.VectorBackend, col.Health, col.Kind, col.Enabled)
	return err
}

func (t *pgTx) ListCollections(ctx context.Context) ([]*RAGCollection, error) {
	rows, err := t.q.Query(ctx, `
SELECT id, name, vector_backend, health, kind, enabled FROM rag_collections ORDER BY name
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RAGCollection
	for rows.Next() {
		var col RAGCollection
		if err := rows.Scan(&col.ID, &col.Name, &col.VectorBackend, &col.Health, &col.Kind, &col.Enabled); err != nil {
			return nil, err
		}
		out = append(out, &col)
	}
	return out, rows.Err()
}

func (t *pgTx) PutAgent(ctx context.Context, agent *Agent) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO agents (id, name, description, markdown) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, markdown = EXCLUDED.markdown
`, agent.ID, agent.Name, agent.Description, agent.Markdown)
	return err
}

func (t *pgTx) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	err := t.q.QueryRow(ctx,
		`SELECT id, name, description, markdown FROM agents WHERE id = $1`, id).
		Scan(&agent.ID, &agent.Name, &agent.Description, &agent.Markdown)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agent %s %s", id, ErrNotFound)
		}
		return nil, err
	}
	return &agent, nil
}

func (t *pgTx) CreateThread(ctx context.Context, thread *ChatThread) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO chat_threads (id, context_window_tokens, compaction_summary) VALUES ($1, $2, $3)
`, thread.ID, thread.ContextWindowTokens, thread.CompactionSummary)
	return mapPGError(err)
}

func (t *pgTx) GetThread(ctx context.Context, id string) (*ChatThread, error) {
	var thread ChatThread
	err := t.q.QueryRow(ctx, `
SELECT id, context_window_tokens, compaction_summary FROM chat_threads WHERE id = $1
`, id).Scan(&thread.ID, &thread.ContextWindowTokens, &thread.CompactionSummary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("thread %s %s", id, ErrNotFound)
		}
		return nil, err
	}
	return &thread, nil
}

func (t *pgTx) UpdateThread(ctx context.Context, thread *ChatThread) error {
	tag, err := t.q.Exec(ctx, `
UPDATE chat_threads SET context_window_tokens = $2, compaction_summary = $3 WHERE id = $1
`, thread.ID, thread.ContextWindowTokens, thread.CompactionSummary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("thread %s %s", thread.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	if _, err := t.GetThread(ctx, msg.ThreadID); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// UNIQUE (thread_id, seq) turns a concurrent append into storage_conflict.
	err := t.q.QueryRow(ctx, `
INSERT INTO chat_messages (id, thread_id, seq, role, content, created_at)
VALUES ($1, $2,
    (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE thread_id = $2),
    $3, $4, $5)
RETURNING seq
`, msg.ID, msg.ThreadID, msg.Role, msg.Content, msg.CreatedAt).Scan(&msg.Seq)
	return mapPGError(err)
}

func (t *pgTx) Messages(ctx context.Context, threadID string) ([]*ChatMessage, error) {
	rows, err := t.q.Query(ctx, `
SELECT id, thread_id, seq, role, content, created_at FROM chat_messages WHERE thread_id = $1 ORDER BY seq
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Seq, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func nullableValue[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}

func nullableMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
