// Package dsstore implements storage.Store on any go-datastore Batching
// datastore.  NewMemory gives the in-memory store used by default.
package dsstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/binkos/mls-messenger-sample/storage"
)

type Store struct {
	ds ds.Batching
}

func New(d ds.Batching) *Store {
	return &Store{ds: d}
}

// NewMemory returns a store backed by a thread-safe map datastore.
func NewMemory() *Store {
	return New(dssync.MutexWrap(ds.NewMapDatastore()))
}

func groupPrefix(groupID []byte) ds.Key {
	return ds.NewKey("/groups/" + hex.EncodeToString(groupID))
}

func stateKey(groupID []byte) ds.Key {
	return groupPrefix(groupID).ChildString("state")
}

func epochsPrefix(groupID []byte) ds.Key {
	return groupPrefix(groupID).ChildString("epochs")
}

// Zero padding keeps key order equal to epoch order.
func epochKey(groupID []byte, epoch uint64) ds.Key {
	return epochsPrefix(groupID).ChildString(fmt.Sprintf("%020d", epoch))
}

func (s *Store) Get(ctx context.Context, groupID []byte) ([]byte, error) {
	sealed, err := s.ds.Get(ctx, stateKey(groupID))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return storage.Open(sealed)
}

func (s *Store) Put(ctx context.Context, groupID, state []byte, entry *storage.EpochEntry) error {
	sealed, err := storage.Seal(state)
	if err != nil {
		return err
	}

	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return err
	}

	if err := batch.Put(ctx, stateKey(groupID), sealed); err != nil {
		return err
	}

	if entry != nil {
		sealedEntry, err := storage.Seal(entry.Secrets)
		if err != nil {
			return err
		}

		if err := batch.Put(ctx, epochKey(groupID, entry.Epoch), sealedEntry); err != nil {
			return err
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return err
	}
	return s.ds.Sync(ctx, groupPrefix(groupID))
}

func (s *Store) ledger(ctx context.Context, groupID []byte, keysOnly bool) ([]query.Entry, error) {
	results, err := s.ds.Query(ctx, query.Query{
		Prefix:   epochsPrefix(groupID).String(),
		Orders:   []query.Order{query.OrderByKey{}},
		KeysOnly: keysOnly,
	})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	return results.Rest()
}

func parseEpoch(key string) (uint64, error) {
	epoch, err := strconv.ParseUint(ds.RawKey(key).BaseNamespace(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: ledger key %q", storage.ErrCorrupted, key)
	}
	return epoch, nil
}

func (s *Store) Ledger(ctx context.Context, groupID []byte) ([]storage.EpochEntry, error) {
	found, err := s.ledger(ctx, groupID, false)
	if err != nil {
		return nil, err
	}

	entries := make([]storage.EpochEntry, 0, len(found))
	for _, e := range found {
		epoch, err := parseEpoch(e.Key)
		if err != nil {
			return nil, err
		}

		secrets, err := storage.Open(e.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, storage.EpochEntry{Epoch: epoch, Secrets: secrets})
	}
	return entries, nil
}

func (s *Store) Prune(ctx context.Context, groupID []byte, before uint64) error {
	found, err := s.ledger(ctx, groupID, true)
	if err != nil {
		return err
	}

	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return err
	}

	for _, e := range found {
		epoch, err := parseEpoch(e.Key)
		if err != nil {
			return err
		}
		if epoch >= before {
			break
		}

		if err := batch.Delete(ctx, ds.RawKey(e.Key)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

func (s *Store) Delete(ctx context.Context, groupID []byte) error {
	found, err := s.ledger(ctx, groupID, true)
	if err != nil {
		return err
	}

	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return err
	}

	if err := batch.Delete(ctx, stateKey(groupID)); err != nil {
		return err
	}
	for _, e := range found {
		if err := batch.Delete(ctx, ds.RawKey(e.Key)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

func (s *Store) Close() error {
	return s.ds.Close()
}

var _ storage.Store = (*Store)(nil)
