package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckArgvRejectsForbiddenHeads(t *testing.T) {
	for _, argv := range [][]string{
		{"codex", "exec"},
		{"gemini", "-p", "hi"},
		{"claude", "--print"},
		{"/usr/local/bin/claude", "-p"},
		{"CODEX"},
	} {
		require.Error(t, CheckArgv(argv), "%v", argv)
	}
	for _, argv := range [][]string{
		{"npx", "-y", "some-tool"},
		{"python3", "script.py"},
		{"claudette"},
		nil,
	} {
		require.NoError(t, CheckArgv(argv), "%v", argv)
	}
}

func TestScanDirFindsLiteralExecOfForbiddenBinaries(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write("bad/dispatch.go", `package bad

import "os/exec"

func run() {
	cmd := exec.Command("claude", "-p", "hello")
	_ = cmd
}
`)
	write("alsobad/run.go", `package alsobad

import (
	"context"
	"os/exec"
)

func run(ctx context.Context) {
	_ = exec.CommandContext(ctx, "/opt/bin/codex", "exec")
}
`)
	write("fine/ok.go", `package fine

import "os/exec"

func run() {
	_ = exec.Command("npx", "-y", "mcp-server-fetch")
}
`)
	write("_reference/skip.go", `package ref

import "os/exec"

func run() { _ = exec.Command("gemini") }
`)

	violations, err := ScanDir(root)
	require.NoError(t, err)
	require.Len(t, violations, 2)

	found := map[string]bool{}
	for _, v := range violations {
		found[v.Binary] = true
		require.Greater(t, v.Line, 0)
	}
	require.True(t, found["claude"])
	require.True(t, found["codex"])
}
