package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmctl/internal/store"
)

func TestDispatchRegistryFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	reg := NewDispatchRegistry(24 * time.Hour)

	var first, second bool
	require.NoError(t, s.ExecuteAtomic(ctx, func(tx store.Tx) error {
		var err error
		first, err = reg.Register(ctx, tx, 42, "D-1")
		return err
	}))
	require.True(t, first)
	require.True(t, reg.Seen(42, "D-1"))

	require.NoError(t, s.ExecuteAtomic(ctx, func(tx store.Tx) error {
		var err error
		second, err = reg.Register(ctx, tx, 42, "D-1")
		return err
	}))
	require.False(t, second)
}

func TestDispatchRegistryDetectsPersistedDuplicatesAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	// First process registers and dies; only the store remembers.
	old := NewDispatchRegistry(24 * time.Hour)
	require.NoError(t, s.ExecuteAtomic(ctx, func(tx store.Tx) error {
		ok, err := old.Register(ctx, tx, 42, "D-1")
		require.True(t, ok)
		return err
	}))

	fresh := NewDispatchRegistry(24 * time.Hour)
	require.False(t, fresh.Seen(42, "D-1"), "cache does not survive restart")

	var ok bool
	require.NoError(t, s.ExecuteAtomic(ctx, func(tx store.Tx) error {
		var err error
		ok, err = fresh.Register(ctx, tx, 42, "D-1")
		return err
	}))
	require.False(t, ok, "the persisted key must still win")
}

func TestDispatchRegistryPrune(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	reg := NewDispatchRegistry(time.Hour)

	_, err := s.RegisterDispatch(ctx, 1, "old", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = s.RegisterDispatch(ctx, 2, "fresh", time.Now())
	require.NoError(t, err)

	require.NoError(t, reg.Prune(ctx, s))

	ok, err := s.RegisterDispatch(ctx, 1, "old", time.Now())
	require.NoError(t, err)
	require.True(t, ok, "pruned key can be reused")
	ok, err = s.RegisterDispatch(ctx, 2, "fresh", time.Now())
	require.NoError(t, err)
	require.False(t, ok, "fresh key survives pruning")
}
