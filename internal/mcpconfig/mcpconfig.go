// Package mcpconfig owns the canonical MCP server launch configuration: a
// JSON object per server holding command, args, env, and optionally a
// transport and url. Configs are stored raw so unknown fields written by
// newer clients survive round trips.
package mcpconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"llmctl/internal/errors"
)

// ServerConfig is the canonical launch config for one MCP server.
type ServerConfig struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Transport string            `json:"transport,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// Document is the wrapper form sharing one file across servers.
type Document struct {
	Servers map[string]ServerConfig `json:"mcp_servers"`
}

var serverKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateKey checks a server key for registry use.
func ValidateKey(key string) error {
	if !serverKeyPattern.MatchString(key) {
		return errors.New(errors.CodeValidation,
			"invalid server key %q: lowercase alphanumerics, hyphen and underscore only", key)
	}
	return nil
}

// Validate checks structural requirements: stdio servers need a command,
// remote transports need a url.
func (c ServerConfig) Validate(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	transport := strings.ToLower(strings.TrimSpace(c.Transport))
	switch transport {
	case "", "stdio":
		if strings.TrimSpace(c.Command) == "" {
			return errors.New(errors.CodeValidation, "server %q: stdio transport requires a command", key)
		}
	case "http", "sse":
		if strings.TrimSpace(c.URL) == "" {
			return errors.New(errors.CodeValidation, "server %q: %s transport requires a url", key, transport)
		}
	default:
		return errors.New(errors.CodeValidation, "server %q: unknown transport %q", key, c.Transport)
	}
	return nil
}

// Parse accepts either a bare server config or the mcp_servers wrapper and
// returns the contained servers. A bare config must be accompanied by a key.
func Parse(data []byte, bareKey string) (map[string]ServerConfig, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New(errors.CodeValidation, "empty MCP config")
	}

	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err == nil && len(doc.Servers) > 0 {
		for key, cfg := range doc.Servers {
			if err := cfg.Validate(key); err != nil {
				return nil, err
			}
		}
		return doc.Servers, nil
	}

	var cfg ServerConfig
	if err := json.Unmarshal(trimmed, &cfg); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, err, "malformed MCP config")
	}
	if bareKey == "" {
		return nil, errors.New(errors.CodeValidation, "bare MCP config requires a server key")
	}
	if err := cfg.Validate(bareKey); err != nil {
		return nil, err
	}
	return map[string]ServerConfig{bareKey: cfg}, nil
}

// Render produces the wrapper document with sorted keys and 2-space
// indentation, the only serialization the engine emits.
func Render(servers map[string]ServerConfig) ([]byte, error) {
	keys := make([]string, 0, len(servers))
	for key := range servers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("{\n  \"mcp_servers\": {")
	for i, key := range keys {
		cfgJSON, err := json.MarshalIndent(servers[key], "    ", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode server %s: %w", key, err)
		}
		if i > 0 {
			buf.WriteString(",")
		}
		fmt.Fprintf(&buf, "\n    %q: %s", key, cfgJSON)
	}
	if len(keys) > 0 {
		buf.WriteString("\n  ")
	}
	buf.WriteString("}\n}\n")
	return buf.Bytes(), nil
}

// MigrateLegacyRow converts one row of the retired tabular layout (name,
// binary, whitespace-joined arguments, KEY=VALUE env pairs) to the canonical
// form. Runs once during schema migration and never at request time.
func MigrateLegacyRow(name, binary, argText, envText string) (string, ServerConfig, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "-")
	if err := ValidateKey(key); err != nil {
		return "", ServerConfig{}, err
	}

	cfg := ServerConfig{Command: strings.TrimSpace(binary)}
	if fields := strings.Fields(argText); len(fields) > 0 {
		cfg.Args = fields
	}
	for _, pair := range strings.Split(envText, "\n") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return "", ServerConfig{}, errors.New(errors.CodeValidation,
				"server %q: malformed env entry %q", key, pair)
		}
		if cfg.Env == nil {
			cfg.Env = map[string]string{}
		}
		cfg.Env[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	if err := cfg.Validate(key); err != nil {
		return "", ServerConfig{}, err
	}
	return key, cfg, nil
}
