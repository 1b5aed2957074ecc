package instruction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileIsDeterministic(t *testing.T) {
	input := Input{
		AgentName:     "researcher",
		AgentMarkdown: "You research things.",
		TaskMarkdown:  "Find the answer.",
		ExtraFiles: map[string]string{
			"skill-search.md": "How to search.",
			"notes.md":        "Background notes.",
		},
	}
	first, err := Compile(input)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Compile(input)
		require.NoError(t, err)
		require.Equal(t, first.ManifestHash, again.ManifestHash)
		require.Equal(t, first.ManifestJSON, again.ManifestJSON)
		require.Equal(t, first.Files[EntryFileName], again.Files[EntryFileName])
	}
}

func TestCompileManifestHashesMatchContent(t *testing.T) {
	bundle, err := Compile(Input{
		AgentMarkdown: "agent",
		RunMode:       "flowchart",
		Provider:      "anthropic",
		GeneratedAt:   "2026-08-24T00:00:00Z",
		ExtraFiles:    map[string]string{"extra.md": "x"},
	})
	require.NoError(t, err)

	var manifest Manifest
	require.NoError(t, json.Unmarshal(bundle.ManifestJSON, &manifest))
	require.Equal(t, "flowchart", manifest.RunMode)
	require.Equal(t, "anthropic", manifest.Provider)
	require.Equal(t, "2026-08-24T00:00:00Z", manifest.GeneratedAt)
	require.Equal(t, bundle.ManifestHash, manifest.ManifestHash)

	for name, wantSum := range manifest.Files {
		sum := sha256.Sum256(bundle.Files[name])
		require.Equal(t, hex.EncodeToString(sum[:]), wantSum, name)
	}
	require.Contains(t, manifest.Files, EntryFileName)
	require.Contains(t, manifest.Files, "extra.md")
}

func TestNonFrontierProviderGetsAliasEntryFile(t *testing.T) {
	bundle, err := Compile(Input{AgentMarkdown: "x", Provider: "local"})
	require.NoError(t, err)
	require.Equal(t, bundle.Files[EntryFileName], bundle.Files[DefaultAliasFileName])

	custom, err := Compile(Input{AgentMarkdown: "x", Provider: "local", AliasFileName: "RUNBOOK.md"})
	require.NoError(t, err)
	require.Equal(t, custom.Files[EntryFileName], custom.Files["RUNBOOK.md"])
	require.NotContains(t, custom.Files, DefaultAliasFileName)

	_, err = Compile(Input{AgentMarkdown: "x", Provider: "local", AliasFileName: ".hidden.md"})
	require.Error(t, err)
}

func TestCompileContentChangesManifestHash(t *testing.T) {
	a, err := Compile(Input{AgentMarkdown: "one"})
	require.NoError(t, err)
	b, err := Compile(Input{AgentMarkdown: "two"})
	require.NoError(t, err)
	require.NotEqual(t, a.ManifestHash, b.ManifestHash)
}

func TestFrontierToolAddsAliasEntryFile(t *testing.T) {
	for tool, alias := range map[string]string{
		"codex":  "AGENTS.md",
		"gemini": "GEMINI.md",
		"claude": "CLAUDE.md",
	} {
		bundle, err := Compile(Input{AgentMarkdown: "x", FrontierTool: tool})
		require.NoError(t, err, tool)
		require.Equal(t, bundle.Files[EntryFileName], bundle.Files[alias], tool)
	}

	_, err := Compile(Input{AgentMarkdown: "x", FrontierTool: "cursor"})
	require.Error(t, err)
}

func TestCompileRejectsBadFileNames(t *testing.T) {
	for _, name := range []string{
		"../escape.md", "no-extension", ".hidden.md", "sub/dir.md", "UPPER.txt",
	} {
		_, err := Compile(Input{ExtraFiles: map[string]string{name: "x"}})
		require.Error(t, err, name)
	}

	_, err := Compile(Input{ExtraFiles: map[string]string{EntryFileName: "x"}})
	require.Error(t, err, "reserved entry name")
	_, err = Compile(Input{ExtraFiles: map[string]string{ManifestFileName + ".md": "x"}})
	require.NoError(t, err, "manifest.json.md is just a weird but legal name")
}

func TestMaterializeWritesBundleDir(t *testing.T) {
	bundle, err := Compile(Input{AgentMarkdown: "agent", ExtraFiles: map[string]string{"extra.md": "x"}})
	require.NoError(t, err)

	workspace := t.TempDir()
	dir, err := bundle.Materialize(workspace)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(workspace, ".llmctl", "instructions"), dir)

	entry, err := os.ReadFile(filepath.Join(dir, EntryFileName))
	require.NoError(t, err)
	require.Equal(t, bundle.Files[EntryFileName], entry)

	manifest, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)
	require.Equal(t, bundle.ManifestJSON, manifest)
}
