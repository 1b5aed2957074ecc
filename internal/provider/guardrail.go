package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"llmctl/internal/errors"
)

// The engine must never shell out to external provider CLIs. Dispatch goes
// through SDK or HTTP adapters only.
var forbiddenBinaries = map[string]bool{
	"codex":  true,
	"gemini": true,
	"claude": true,
}

// CheckArgv rejects a command whose head token is one of the forbidden
// provider binaries, including path-qualified forms.
func CheckArgv(argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	head := strings.ToLower(filepath.Base(strings.TrimSpace(argv[0])))
	if forbiddenBinaries[head] {
		return errors.New(errors.CodeDispatch,
			"shelling out to %q is forbidden; use a provider adapter", head)
	}
	return nil
}

// execLiteralPattern matches exec.Command / exec.CommandContext calls whose
// first argument is a string literal.
var execLiteralPattern = regexp.MustCompile(
	`exec\.Command(?:Context)?\s*\(\s*(?:[A-Za-z_][A-Za-z0-9_.]*\s*,\s*)?"([^"]+)"`)

// Violation is one guardrail finding from a source scan.
type Violation struct {
	File   string
	Line   int
	Binary string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d: exec of forbidden binary %q", v.File, v.Line, v.Binary)
}

// ScanDir walks Go sources under root and reports exec calls whose literal
// command head is a forbidden binary. Vendored and reference trees are
// skipped.
func ScanDir(root string) ([]Violation, error) {
	var violations []Violation
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == "vendor" || name == ".git" || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for i, line := range strings.Split(string(data), "\n") {
			m := execLiteralPattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			head := strings.ToLower(filepath.Base(m[1]))
			if forbiddenBinaries[head] {
				violations = append(violations, Violation{File: path, Line: i + 1, Binary: head})
			}
		}
		return nil
	})
	return violations, err
}
