// Package instruction compiles the per-dispatch instruction bundle: an
// INSTRUCTIONS.md entry file, any agent and skill markdown, and a
// manifest.json carrying a sha256 per file plus a hash over the manifest
// itself. Compilation is pure: the same inputs always produce the same bytes,
// so manifest hashes are comparable across hosts.
package instruction

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"llmctl/internal/errors"
)

const (
	EntryFileName    = "INSTRUCTIONS.md"
	ManifestFileName = "manifest.json"

	// BundleDirName is the workspace-relative directory bundles land in.
	BundleDirName = ".llmctl/instructions"
)

// Markdown file names must be plain: no path separators, no leading dot.
var fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+\.md$`)

// frontierEntryFiles maps an external CLI tool to the entry file name it
// discovers on its own.
var frontierEntryFiles = map[string]string{
	"codex":  "AGENTS.md",
	"gemini": "GEMINI.md",
	"claude": "CLAUDE.md",
}

// Input is everything the compiler consumes. GeneratedAt is caller-supplied
// so equal inputs always compile to equal bytes.
type Input struct {
	RunMode       string
	Provider      string
	AgentName     string
	AgentMarkdown string
	TaskMarkdown  string
	GeneratedAt   string
	// ExtraFiles are additional markdown files (skills, attachments rendered
	// to markdown) keyed by file name.
	ExtraFiles map[string]string
	// FrontierTool, when set, adds the tool's own entry file as an alias of
	// INSTRUCTIONS.md. Non-frontier providers get AliasFileName instead,
	// defaulting to AGENT.md.
	FrontierTool  string
	AliasFileName string
}

// DefaultAliasFileName is the entry alias for non-frontier providers.
const DefaultAliasFileName = "AGENT.md"

// Manifest is the content of manifest.json. ManifestHash covers the files
// map, so two bundles with identical content hash identically regardless of
// when or where they were compiled.
type Manifest struct {
	Files        map[string]string `json:"files"`
	ManifestHash string            `json:"manifest_hash"`
	GeneratedAt  string            `json:"generated_at,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	RunMode      string            `json:"run_mode,omitempty"`
}

// Bundle is the compiler output: file bytes plus the serialized manifest and
// its hash.
type Bundle struct {
	Files        map[string][]byte
	ManifestJSON []byte
	ManifestHash string
}

// ValidateFileName checks a bundle member name.
func ValidateFileName(name string) error {
	if !fileNamePattern.MatchString(name) || strings.HasPrefix(name, ".") {
		return errors.New(errors.CodeValidation, "invalid instruction file name %q", name)
	}
	return nil
}

// FrontierEntryFile returns the entry file name a frontier tool reads, or ""
// for unknown tools.
func FrontierEntryFile(tool string) string {
	return frontierEntryFiles[strings.ToLower(strings.TrimSpace(tool))]
}

// Compile builds the bundle. File content is assembled with a stable section
// order; the manifest lists files sorted by name.
func Compile(input Input) (*Bundle, error) {
	files := map[string][]byte{}

	entry := renderEntry(input)
	files[EntryFileName] = entry

	for name, content := range input.ExtraFiles {
		if err := ValidateFileName(name); err != nil {
			return nil, err
		}
		if name == EntryFileName || name == ManifestFileName {
			return nil, errors.New(errors.CodeValidation, "instruction file name %q is reserved", name)
		}
		files[name] = []byte(content)
	}

	if tool := strings.TrimSpace(input.FrontierTool); tool != "" {
		alias := FrontierEntryFile(tool)
		if alias == "" {
			return nil, errors.New(errors.CodeValidation, "unknown frontier tool %q", tool)
		}
		if _, taken := files[alias]; !taken {
			files[alias] = entry
		}
	} else if alias := strings.TrimSpace(input.AliasFileName); alias != "" || input.Provider != "" {
		if alias == "" {
			alias = DefaultAliasFileName
		}
		if err := ValidateFileName(alias); err != nil {
			return nil, err
		}
		if _, taken := files[alias]; !taken {
			files[alias] = entry
		}
	}

	manifest := Manifest{
		Files:       map[string]string{},
		GeneratedAt: input.GeneratedAt,
		Provider:    input.Provider,
		RunMode:     input.RunMode,
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		manifest.Files[name] = hex.EncodeToString(sum[:])
	}
	manifest.ManifestHash = hashFiles(names, manifest.Files)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(manifest); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	return &Bundle{
		Files:        files,
		ManifestJSON: buf.Bytes(),
		ManifestHash: manifest.ManifestHash,
	}, nil
}

// hashFiles digests "name:sha256" lines in sorted order.
func hashFiles(sortedNames []string, sums map[string]string) string {
	h := sha256.New()
	for _, name := range sortedNames {
		fmt.Fprintf(h, "%s:%s\n", name, sums[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func renderEntry(input Input) []byte {
	var b strings.Builder
	b.WriteString("# Instructions\n")
	if name := strings.TrimSpace(input.AgentName); name != "" {
		fmt.Fprintf(&b, "\n## Agent: %s\n", name)
	}
	if md := strings.TrimSpace(input.AgentMarkdown); md != "" {
		b.WriteString("\n")
		b.WriteString(md)
		b.WriteString("\n")
	}
	if md := strings.TrimSpace(input.TaskMarkdown); md != "" {
		b.WriteString("\n## Task\n\n")
		b.WriteString(md)
		b.WriteString("\n")
	}
	if len(input.ExtraFiles) > 0 {
		names := make([]string, 0, len(input.ExtraFiles))
		for name := range input.ExtraFiles {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\n## Additional files\n\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return []byte(b.String())
}

// Materialize writes the bundle under dir/.llmctl/instructions/ and returns
// the bundle directory.
func (b *Bundle) Materialize(dir string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(BundleDirName))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	for name, content := range b.Files {
		if err := os.WriteFile(filepath.Join(target, name), content, 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(target, ManifestFileName), b.ManifestJSON, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return target, nil
}
