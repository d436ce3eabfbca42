package leveldbstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	mlsstorage "github.com/binkos/mls-messenger-sample/storage"
	"github.com/binkos/mls-messenger-sample/storage/storagetest"
)

func newMemStore(t *testing.T) (*Store, *leveldb.DB) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })
	return Wrap(db), db
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) mlsstorage.Store {
		s, _ := newMemStore(t)
		return s
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "groups")
	groupID := []byte{0xaa}

	s, err := Open(path)
	require.Nil(t, err)
	require.Nil(t, s.Put(ctx, groupID, []byte("state"), &mlsstorage.EpochEntry{Epoch: 7, Secrets: []byte("old")}))
	require.Nil(t, s.Close())

	s, err = Open(path)
	require.Nil(t, err)
	defer s.Close()

	state, err := s.Get(ctx, groupID)
	require.Nil(t, err)
	require.Equal(t, []byte("state"), state)

	entries, err := s.Ledger(ctx, groupID)
	require.Nil(t, err)
	require.Equal(t, []mlsstorage.EpochEntry{{Epoch: 7, Secrets: []byte("old")}}, entries)
}

func TestCorruption(t *testing.T) {
	ctx := context.Background()
	s, db := newMemStore(t)
	groupID := []byte{0xaa}

	require.Nil(t, s.Put(ctx, groupID, []byte("state"), &mlsstorage.EpochEntry{Epoch: 1, Secrets: []byte("x")}))

	sealed, err := db.Get(stateKey(groupID), nil)
	require.Nil(t, err)
	sealed[len(sealed)-1] ^= 0xff
	require.Nil(t, db.Put(stateKey(groupID), sealed, nil))

	_, err = s.Get(ctx, groupID)
	require.ErrorIs(t, err, mlsstorage.ErrCorrupted)

	require.Nil(t, db.Put(ledgerKey(groupID, 2), []byte("garbage"), nil))
	_, err = s.Ledger(ctx, groupID)
	require.ErrorIs(t, err, mlsstorage.ErrCorrupted)

	require.Nil(t, db.Put(append(ledgerPrefix(groupID), 0x01), []byte("garbage"), nil))
	_, err = s.Ledger(ctx, groupID)
	require.ErrorIs(t, err, mlsstorage.ErrCorrupted)
}
