package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// Serialized forms of the group state and of retired epochs, as handed to
// the state store.  Both carry a format version so a store written by an
// incompatible build is reported as corrupt instead of misread.

const secretsFormatVersion uint8 = 1

// struct {
//     uint8 version;
//     State state;
// } StateRecord;
type stateRecord struct {
	Version uint8
	State   State
}

func marshalState(s *State) ([]byte, error) {
	return syntax.Marshal(stateRecord{Version: secretsFormatVersion, State: *s})
}

func unmarshalState(data []byte) (*State, error) {
	var rec stateRecord
	if err := unmarshalExact(data, &rec); err != nil {
		return nil, fmt.Errorf("mls.secrets: %w: %v", ErrStateCorrupted, err)
	}

	if rec.Version != secretsFormatVersion {
		return nil, fmt.Errorf("mls.secrets: %w: format version %d", ErrStateCorrupted, rec.Version)
	}

	s := &rec.State
	if !s.CipherSuite.supported() {
		return nil, fmt.Errorf("mls.secrets: %w: %v", ErrUnsupportedCipherSuite, s.CipherSuite)
	}

	s.Tree.Suite = s.CipherSuite
	if err := s.Tree.validate(); err != nil {
		return nil, fmt.Errorf("mls.secrets: %w: %v", ErrStateCorrupted, err)
	}

	if s.TreePriv.PathSecrets == nil {
		s.TreePriv.PathSecrets = map[NodeIndex]Bytes1{}
	}

	if !s.TreePriv.Consistent(s.Tree) {
		return nil, fmt.Errorf("mls.secrets: %w: tree keys do not match tree", ErrStateCorrupted)
	}

	if s.Keys.ApplicationKeys == nil {
		return nil, fmt.Errorf("mls.secrets: %w: missing application keys", ErrStateCorrupted)
	}

	return s, nil
}

// struct {
//     uint8 version;
//     EpochReader reader;
// } EpochRecord;
type epochRecord struct {
	Version uint8
	Reader  epochReader
}

func marshalEpochReader(r *epochReader) ([]byte, error) {
	return syntax.Marshal(epochRecord{Version: secretsFormatVersion, Reader: *r})
}

func unmarshalEpochReader(data []byte) (*epochReader, error) {
	var rec epochRecord
	if err := unmarshalExact(data, &rec); err != nil {
		return nil, fmt.Errorf("mls.secrets: %w: %v", ErrStateCorrupted, err)
	}

	if rec.Version != secretsFormatVersion {
		return nil, fmt.Errorf("mls.secrets: %w: format version %d", ErrStateCorrupted, rec.Version)
	}

	r := &rec.Reader
	r.Tree.Suite = r.Suite
	if err := r.Tree.validate(); err != nil {
		return nil, fmt.Errorf("mls.secrets: %w: %v", ErrStateCorrupted, err)
	}
	return r, nil
}
