// Package storage defines the durable store behind group state: one sealed
// state record per group plus a ledger of retained per-epoch secrets.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	mh "github.com/multiformats/go-multihash"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrCorrupted = errors.New("storage: integrity check failed")
)

// EpochEntry is the retained decryption material of one past epoch.
type EpochEntry struct {
	Epoch   uint64
	Secrets []byte
}

// Store maps a group id to its serialized state and epoch ledger.
//
// Put must be durable when it returns: the caller releases messages derived
// from the new state only afterwards.  Writing the state and the ledger
// entry is atomic, and an entry for an epoch that already exists replaces
// it.
type Store interface {
	Get(ctx context.Context, groupID []byte) ([]byte, error)
	Put(ctx context.Context, groupID, state []byte, entry *EpochEntry) error

	// Ledger lists the entries for a group in ascending epoch order.
	Ledger(ctx context.Context, groupID []byte) ([]EpochEntry, error)

	// Prune drops ledger entries for epochs before the given one.
	Prune(ctx context.Context, groupID []byte, before uint64) error

	Delete(ctx context.Context, groupID []byte) error
	Close() error
}

// Seal prefixes a value with its SHA2-256 multihash so that Open can detect
// damage to the stored bytes.
func Seal(value []byte) ([]byte, error) {
	digest, err := mh.Sum(value, mh.SHA2_256, -1)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(digest)+len(value))
	out = append(out, digest...)
	return append(out, value...), nil
}

// Open verifies and strips the digest added by Seal.
func Open(sealed []byte) ([]byte, error) {
	n, digest, err := mh.MHFromBytes(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	decoded, err := mh.Decode(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	value := sealed[n:]
	expected, err := mh.Sum(value, decoded.Code, decoded.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	if !bytes.Equal(expected, digest) {
		return nil, ErrCorrupted
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}
