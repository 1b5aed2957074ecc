package mcpconfig

import (
	"context"
	"encoding/json"
	"fmt"

	"llmctl/internal/logging"
	"llmctl/internal/store"
)

// Registry persists MCP server configs keyed by server key.
type Registry struct {
	store  store.Store
	logger logging.Logger
}

// NewRegistry constructs a registry over the given store.
func NewRegistry(s store.Store) *Registry {
	return &Registry{
		store:  s,
		logger: logging.NewComponentLogger("MCPRegistry"),
	}
}

// Put validates and stores one server config, replacing any existing entry
// under the same key.
func (r *Registry) Put(ctx context.Context, key string, cfg ServerConfig) error {
	if err := cfg.Validate(key); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", key, err)
	}
	if err := r.store.PutMCPServer(ctx, &store.MCPServer{ServerKey: key, ConfigJSON: data}); err != nil {
		return err
	}
	r.logger.Info("registered MCP server %s", key)
	return nil
}

// PutRaw stores raw JSON that may carry fields this build does not know.
// The known subset is still validated.
func (r *Registry) PutRaw(ctx context.Context, key string, raw json.RawMessage) error {
	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decode server %s: %w", key, err)
	}
	if err := cfg.Validate(key); err != nil {
		return err
	}
	return r.store.PutMCPServer(ctx, &store.MCPServer{ServerKey: key, ConfigJSON: raw})
}

// Get returns one server config.
func (r *Registry) Get(ctx context.Context, key string) (ServerConfig, error) {
	rec, err := r.store.GetMCPServer(ctx, key)
	if err != nil {
		return ServerConfig{}, err
	}
	var cfg ServerConfig
	if err := json.Unmarshal(rec.ConfigJSON, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("decode server %s: %w", key, err)
	}
	return cfg, nil
}

// All returns every registered server keyed by server key.
func (r *Registry) All(ctx context.Context) (map[string]ServerConfig, error) {
	records, err := r.store.ListMCPServers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ServerConfig, len(records))
	for _, rec := range records {
		var cfg ServerConfig
		if err := json.Unmarshal(rec.ConfigJSON, &cfg); err != nil {
			return nil, fmt.Errorf("decode server %s: %w", rec.ServerKey, err)
		}
		out[rec.ServerKey] = cfg
	}
	return out, nil
}

// RenderAll produces the wrapper document for every registered server, the
// payload behind the print-mcp-configs command.
func (r *Registry) RenderAll(ctx context.Context) ([]byte, error) {
	servers, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	return Render(servers)
}
