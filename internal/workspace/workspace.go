// Package workspace manages the per-dispatch working directories handed to
// providers: one directory per node run holding the instruction bundle and
// any materialized attachments. Directories outlive the dispatch until the
// retention cleanup removes them, so failures stay inspectable.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"llmctl/internal/errors"
	"llmctl/internal/instruction"
	"llmctl/internal/logging"
	"llmctl/internal/store"
)

// Manager creates and cleans workspaces under a single root.
type Manager struct {
	root      string
	retention time.Duration
	logger    logging.Logger
}

// Workspace is one acquired directory.
type Workspace struct {
	Dir       string
	BundleDir string
}

// NewManager constructs a manager rooted at root.
func NewManager(root string, retention time.Duration) *Manager {
	return &Manager{
		root:      root,
		retention: retention,
		logger:    logging.NewComponentLogger("Workspace"),
	}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// Acquire creates the directory for a node run attempt and materializes the
// instruction bundle plus attachments into it.
func (m *Manager) Acquire(runID, nodeID string, executionIndex int, bundle *instruction.Bundle, attachments []*store.Attachment) (*Workspace, error) {
	if runID == "" || nodeID == "" || executionIndex < 1 {
		return nil, errors.New(errors.CodeValidation, "workspace needs run id, node id and a positive execution index")
	}

	dir := filepath.Join(m.root,
		"run-"+sanitize(runID),
		fmt.Sprintf("node-%s-%d", sanitize(nodeID), executionIndex))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", dir, err)
	}

	ws := &Workspace{Dir: dir}
	if bundle != nil {
		bundleDir, err := bundle.Materialize(dir)
		if err != nil {
			return nil, err
		}
		ws.BundleDir = bundleDir
	}

	for _, att := range attachments {
		if err := m.copyAttachment(dir, att); err != nil {
			return nil, err
		}
	}

	m.logger.Debug("acquired workspace %s", dir)
	return ws, nil
}

func (m *Manager) copyAttachment(dir string, att *store.Attachment) error {
	name := filepath.Base(att.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return errors.New(errors.CodeValidation, "attachment %s has no usable file name", att.ID)
	}

	src, err := os.Open(att.FilePath)
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", att.ID, err)
	}
	defer src.Close()

	attDir := filepath.Join(dir, "attachments")
	if err := os.MkdirAll(attDir, 0o755); err != nil {
		return fmt.Errorf("create attachments dir: %w", err)
	}
	dst, err := os.Create(filepath.Join(attDir, name))
	if err != nil {
		return fmt.Errorf("create attachment copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy attachment %s: %w", att.ID, err)
	}
	return nil
}

// Release removes one workspace immediately. Used after a clean success;
// failed dispatches rely on retention cleanup instead.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil || ws.Dir == "" {
		return nil
	}
	if !strings.HasPrefix(ws.Dir, m.root+string(filepath.Separator)) {
		return errors.New(errors.CodeValidation, "refusing to remove %s outside workspace root", ws.Dir)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Dir, err)
	}
	m.logger.Debug("released workspace %s", ws.Dir)
	return nil
}

// Cleanup removes run directories whose newest content is older than the
// retention window. Returns the number of directories removed.
func (m *Manager) Cleanup(now time.Time) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.Add(-m.retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "run-") {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		newest, err := newestModTime(dir)
		if err != nil {
			m.logger.Warn("stat %s failed: %v", dir, err)
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("remove %s failed: %v", dir, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("cleaned up %d expired workspace dirs", removed)
	}
	return removed, nil
}

func newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
