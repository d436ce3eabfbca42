package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/binkos/mls-messenger-sample/storage"
	"github.com/binkos/mls-messenger-sample/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	s, err := Open(":memory:")
	require.Nil(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "groups.db")
	groupID := []byte{0xaa}

	s, err := Open(path)
	require.Nil(t, err)
	require.Equal(t, path, s.DBPath())
	require.Nil(t, s.Put(ctx, groupID, []byte("state"), &storage.EpochEntry{Epoch: 7, Secrets: []byte("old")}))
	require.Nil(t, s.Close())

	s, err = Open(path)
	require.Nil(t, err)
	defer s.Close()

	state, err := s.Get(ctx, groupID)
	require.Nil(t, err)
	require.Equal(t, []byte("state"), state)

	entries, err := s.Ledger(ctx, groupID)
	require.Nil(t, err)
	require.Len(t, entries, 1)
}

func TestCorruption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	groupID := []byte{0xaa}

	require.Nil(t, s.Put(ctx, groupID, []byte("state"), &storage.EpochEntry{Epoch: 1, Secrets: []byte("x")}))

	_, err := s.db.ExecContext(ctx, `UPDATE groups SET state = ? WHERE group_id = ?`, []byte("garbage"), groupKey(groupID))
	require.Nil(t, err)

	_, err = s.Get(ctx, groupID)
	require.ErrorIs(t, err, storage.ErrCorrupted)

	_, err = s.db.ExecContext(ctx, `UPDATE ledger SET secrets = ? WHERE group_id = ?`, []byte{0x12}, groupKey(groupID))
	require.Nil(t, err)

	_, err = s.Ledger(ctx, groupID)
	require.ErrorIs(t, err, storage.ErrCorrupted)
}
