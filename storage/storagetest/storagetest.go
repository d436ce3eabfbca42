// Package storagetest holds the behaviour every storage.Store must share.
// Backends run it from their own tests.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/binkos/mls-messenger-sample/storage"
)

var (
	groupA = []byte{0x01}
	groupB = []byte{0x01, 0x02}
)

func entry(epoch uint64, secrets string) *storage.EpochEntry {
	return &storage.EpochEntry{Epoch: epoch, Secrets: []byte(secrets)}
}

// Run exercises a store created fresh for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, newStore(t)) })
	t.Run("Isolation", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, groupA)
	require.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := s.Ledger(ctx, groupA)
	require.Nil(t, err)
	require.Empty(t, entries)

	require.Nil(t, s.Prune(ctx, groupA, 10))
	require.Nil(t, s.Delete(ctx, groupA))
}

func testPutGet(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.Nil(t, s.Put(ctx, groupA, []byte("state-1"), nil))
	state, err := s.Get(ctx, groupA)
	require.Nil(t, err)
	require.Equal(t, []byte("state-1"), state)

	require.Nil(t, s.Put(ctx, groupA, []byte("state-2"), nil))
	state, err = s.Get(ctx, groupA)
	require.Nil(t, err)
	require.Equal(t, []byte("state-2"), state)
}

func testLedger(t *testing.T, s storage.Store) {
	ctx := context.Background()

	// Written out of order, listed in epoch order
	require.Nil(t, s.Put(ctx, groupA, []byte("s"), entry(300, "c")))
	require.Nil(t, s.Put(ctx, groupA, []byte("s"), entry(1, "a")))
	require.Nil(t, s.Put(ctx, groupA, []byte("s"), entry(2, "b")))

	entries, err := s.Ledger(ctx, groupA)
	require.Nil(t, err)
	require.Equal(t, []storage.EpochEntry{*entry(1, "a"), *entry(2, "b"), *entry(300, "c")}, entries)

	// The same epoch again replaces its entry
	require.Nil(t, s.Put(ctx, groupA, []byte("s"), entry(2, "b2")))
	entries, err = s.Ledger(ctx, groupA)
	require.Nil(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, []byte("b2"), entries[1].Secrets)
}

func testPrune(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for epoch := uint64(1); epoch <= 5; epoch++ {
		require.Nil(t, s.Put(ctx, groupA, []byte("s"), entry(epoch, "x")))
	}

	require.Nil(t, s.Prune(ctx, groupA, 4))
	entries, err := s.Ledger(ctx, groupA)
	require.Nil(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(4), entries[0].Epoch)
	require.Equal(t, uint64(5), entries[1].Epoch)

	// Pruning leaves the state alone
	state, err := s.Get(ctx, groupA)
	require.Nil(t, err)
	require.Equal(t, []byte("s"), state)
}

func testIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.Nil(t, s.Put(ctx, groupA, []byte("a"), entry(1, "a1")))
	require.Nil(t, s.Put(ctx, groupB, []byte("b"), entry(1, "b1")))
	require.Nil(t, s.Put(ctx, groupB, []byte("b"), entry(2, "b2")))

	entries, err := s.Ledger(ctx, groupA)
	require.Nil(t, err)
	require.Equal(t, []storage.EpochEntry{*entry(1, "a1")}, entries)

	require.Nil(t, s.Prune(ctx, groupB, 3))
	entries, err = s.Ledger(ctx, groupA)
	require.Nil(t, err)
	require.Len(t, entries, 1)

	require.Nil(t, s.Delete(ctx, groupA))
	state, err := s.Get(ctx, groupB)
	require.Nil(t, err)
	require.Equal(t, []byte("b"), state)
}

func testDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.Nil(t, s.Put(ctx, groupA, []byte("s"), entry(1, "x")))
	require.Nil(t, s.Put(ctx, groupA, []byte("s"), entry(2, "y")))
	require.Nil(t, s.Delete(ctx, groupA))

	_, err := s.Get(ctx, groupA)
	require.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := s.Ledger(ctx, groupA)
	require.Nil(t, err)
	require.Empty(t, entries)
}
