// Package leveldbstore implements storage.Store on a LevelDB database.
package leveldbstore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/binkos/mls-messenger-sample/storage"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys are "g/<hex group id>" for state and
// "l/<hex group id>/<big-endian epoch>" for ledger entries, so a prefix scan
// walks a group's ledger in epoch order.
type Store struct {
	db *leveldb.DB
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(db), nil
}

// Wrap uses an already open leveldb.DB.  Writes are synchronous.
func Wrap(db *leveldb.DB) *Store {
	return &Store{db: db}
}

var syncWrite = &opt.WriteOptions{Sync: true}

func stateKey(groupID []byte) []byte {
	return []byte("g/" + hex.EncodeToString(groupID))
}

func ledgerPrefix(groupID []byte) []byte {
	return []byte("l/" + hex.EncodeToString(groupID) + "/")
}

func ledgerKey(groupID []byte, epoch uint64) []byte {
	key := ledgerPrefix(groupID)
	return binary.BigEndian.AppendUint64(key, epoch)
}

func (s *Store) Get(ctx context.Context, groupID []byte) ([]byte, error) {
	sealed, err := s.db.Get(stateKey(groupID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
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

	batch := new(leveldb.Batch)
	batch.Put(stateKey(groupID), sealed)

	if entry != nil {
		sealedEntry, err := storage.Seal(entry.Secrets)
		if err != nil {
			return err
		}
		batch.Put(ledgerKey(groupID, entry.Epoch), sealedEntry)
	}

	return s.db.Write(batch, syncWrite)
}

func (s *Store) Ledger(ctx context.Context, groupID []byte) ([]storage.EpochEntry, error) {
	prefix := ledgerPrefix(groupID)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	entries := []storage.EpochEntry{}
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+8 {
			return nil, storage.ErrCorrupted
		}

		secrets, err := storage.Open(iter.Value())
		if err != nil {
			return nil, err
		}

		entries = append(entries, storage.EpochEntry{
			Epoch:   binary.BigEndian.Uint64(key[len(prefix):]),
			Secrets: secrets,
		})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Prune(ctx context.Context, groupID []byte, before uint64) error {
	rg := &util.Range{
		Start: ledgerPrefix(groupID),
		Limit: ledgerKey(groupID, before),
	}

	iter := s.db.NewIterator(rg, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, syncWrite)
}

func (s *Store) Delete(ctx context.Context, groupID []byte) error {
	iter := s.db.NewIterator(util.BytesPrefix(ledgerPrefix(groupID)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	batch.Delete(stateKey(groupID))
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}

	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, syncWrite)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
