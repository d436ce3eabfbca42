package dsstore

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/binkos/mls-messenger-sample/storage"
	"github.com/binkos/mls-messenger-sample/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return NewMemory()
	})
}

func TestEpochKeyOrder(t *testing.T) {
	groupID := []byte{0x01}
	require.True(t, epochKey(groupID, 9).Less(epochKey(groupID, 10)))
	require.True(t, epochsPrefix(groupID).IsAncestorOf(epochKey(groupID, 1)))
	require.False(t, epochsPrefix(groupID).IsAncestorOf(stateKey(groupID)))
}

func TestCorruption(t *testing.T) {
	ctx := context.Background()
	d := dssync.MutexWrap(ds.NewMapDatastore())
	s := New(d)
	groupID := []byte{0xaa}

	require.Nil(t, s.Put(ctx, groupID, []byte("state"), &storage.EpochEntry{Epoch: 1, Secrets: []byte("x")}))

	require.Nil(t, d.Put(ctx, stateKey(groupID), []byte("garbage")))
	_, err := s.Get(ctx, groupID)
	require.ErrorIs(t, err, storage.ErrCorrupted)

	require.Nil(t, d.Put(ctx, epochsPrefix(groupID).ChildString("not-an-epoch"), []byte("x")))
	_, err = s.Ledger(ctx, groupID)
	require.ErrorIs(t, err, storage.ErrCorrupted)
}
