package attachments

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"llmctl/internal/store"
)

func TestAddComputesHashAndRegistersOwner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	svc := NewService(s, t.TempDir())

	att, err := svc.Add(ctx, "report.md", strings.NewReader("hello"), "node", "N1")
	require.NoError(t, err)
	require.Equal(t, "report.md", att.FileName)
	// sha256("hello")
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", att.ContentHash)

	data, err := os.ReadFile(att.FilePath)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestUnlinkDeletesFileOnlyAtZeroRefs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	svc := NewService(s, t.TempDir())

	att, err := svc.Add(ctx, "shared.txt", strings.NewReader("x"), "node", "N1")
	require.NoError(t, err)
	require.NoError(t, svc.Link(ctx, att.ID, "thread", "T1"))

	require.NoError(t, svc.Unlink(ctx, att.ID, "node", "N1"))
	_, err = os.Stat(att.FilePath)
	require.NoError(t, err, "file must survive while a reference remains")

	require.NoError(t, svc.Unlink(ctx, att.ID, "thread", "T1"))
	_, err = os.Stat(att.FilePath)
	require.True(t, os.IsNotExist(err), "file must be deleted at refcount zero")
}

func TestResolveFailsOnMissingAttachment(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemStore(), t.TempDir())

	att, err := svc.Add(ctx, "a.txt", strings.NewReader("a"), "node", "N1")
	require.NoError(t, err)

	got, err := svc.Resolve(ctx, []string{att.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = svc.Resolve(ctx, []string{att.ID, "missing"})
	require.Error(t, err)
}
