// Package skillpkg exports and imports skill packages: a versioned JSON
// document bundling agent definitions and the MCP server configs they rely
// on. Import is dry-run by default; a compatibility gate refuses documents
// from a newer format so an old engine never half-applies fields it cannot
// read.
package skillpkg

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"llmctl/internal/errors"
	"llmctl/internal/logging"
	"llmctl/internal/mcpconfig"
	"llmctl/internal/store"
)

// FormatVersion is the package format this engine writes and the newest it
// accepts.
const FormatVersion = 1

// Package is the exported document.
type Package struct {
	FormatVersion int                               `json:"format_version"`
	ExportedAt    string                            `json:"exported_at"`
	Agents        []*store.Agent                    `json:"agents,omitempty"`
	MCPServers    map[string]mcpconfig.ServerConfig `json:"mcp_servers,omitempty"`
}

// Report describes what an import did, or would do without --apply.
type Report struct {
	DryRun         bool     `json:"dry_run"`
	AgentsWritten  []string `json:"agents_written"`
	ServersWritten []string `json:"servers_written"`
}

// Export collects the named agents plus every registered MCP server into a
// package. An unknown agent id is a validation error.
func Export(ctx context.Context, s store.Store, agentIDs []string) (*Package, error) {
	pkg := &Package{
		FormatVersion: FormatVersion,
		ExportedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	for _, id := range agentIDs {
		agent, err := s.GetAgent(ctx, id)
		if err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "unknown agent %s", id)
		}
		pkg.Agents = append(pkg.Agents, agent)
	}
	sort.Slice(pkg.Agents, func(i, j int) bool { return pkg.Agents[i].ID < pkg.Agents[j].ID })

	servers, err := s.ListMCPServers(ctx)
	if err != nil {
		return nil, err
	}
	for _, server := range servers {
		parsed, err := mcpconfig.Parse(server.ConfigJSON, server.ServerKey)
		if err != nil {
			return nil, err
		}
		for key, cfg := range parsed {
			if pkg.MCPServers == nil {
				pkg.MCPServers = map[string]mcpconfig.ServerConfig{}
			}
			pkg.MCPServers[key] = cfg
		}
	}
	return pkg, nil
}

// Encode serializes the package with sorted keys and 2-space indentation.
func (p *Package) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses and gate-checks a package document. A document from a newer
// format version fails with compatibility_blocked and is never partially
// applied.
func Decode(data []byte) (*Package, error) {
	var pkg Package
	if err := json.Unmarshal(bytes.TrimSpace(data), &pkg); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, err, "malformed skill package")
	}
	if pkg.FormatVersion < 1 {
		return nil, errors.New(errors.CodeValidation, "skill package is missing format_version")
	}
	if pkg.FormatVersion > FormatVersion {
		return nil, errors.New(errors.CodeCompatibilityBlocked,
			"skill package format %d is newer than supported format %d", pkg.FormatVersion, FormatVersion)
	}
	return &pkg, nil
}

// Import validates the package and, when apply is set, writes it in one
// transaction. Without apply nothing is written and the report carries what
// would change.
func Import(ctx context.Context, s store.Store, pkg *Package, apply bool, logger logging.Logger) (*Report, error) {
	logger = logging.OrNop(logger)
	report := &Report{DryRun: !apply}

	for _, agent := range pkg.Agents {
		if strings.TrimSpace(agent.ID) == "" || strings.TrimSpace(agent.Markdown) == "" {
			return nil, errors.New(errors.CodeValidation, "agent %q needs an id and markdown", agent.Name)
		}
		report.AgentsWritten = append(report.AgentsWritten, agent.ID)
	}
	serverKeys := make([]string, 0, len(pkg.MCPServers))
	for key, cfg := range pkg.MCPServers {
		if err := cfg.Validate(key); err != nil {
			return nil, err
		}
		serverKeys = append(serverKeys, key)
	}
	sort.Strings(serverKeys)
	report.ServersWritten = serverKeys

	if !apply {
		logger.Info("dry run: %d agents, %d mcp servers validated", len(report.AgentsWritten), len(serverKeys))
		return report, nil
	}

	err := s.ExecuteAtomic(ctx, func(tx store.Tx) error {
		for _, agent := range pkg.Agents {
			if err := tx.PutAgent(ctx, agent); err != nil {
				return err
			}
		}
		for _, key := range serverKeys {
			raw, err := json.Marshal(pkg.MCPServers[key])
			if err != nil {
				return err
			}
			if err := tx.PutMCPServer(ctx, &store.MCPServer{ServerKey: key, ConfigJSON: raw}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("imported %d agents and %d mcp servers", len(report.AgentsWritten), len(serverKeys))
	return report, nil
}
