package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// marshalAll concatenates the encodings of vals, in order.
func marshalAll(vals ...interface{}) ([]byte, error) {
	s := syntax.NewWriteStream()
	for _, val := range vals {
		if err := s.Write(val); err != nil {
			return nil, err
		}
	}
	return s.Data(), nil
}

// unmarshalExact decodes data into val and rejects trailing bytes.  Anything
// that crosses the package boundary is decoded through here.
func unmarshalExact(data []byte, val interface{}) error {
	read, err := syntax.Unmarshal(data, val)
	if err != nil {
		return fmt.Errorf("mls: %w: %v", ErrMalformedMessage, err)
	}

	if read != len(data) {
		return fmt.Errorf("mls: %w: %d trailing bytes", ErrMalformedMessage, len(data)-read)
	}
	return nil
}

type Bytes1 []byte

func (b Bytes1) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Data []byte `tls:"head=1"`
	}{b})
}

func (b *Bytes1) UnmarshalTLS(data []byte) (int, error) {
	tmp := struct {
		Data []byte `tls:"head=1"`
	}{}
	read, err := syntax.Unmarshal(data, &tmp)
	if err != nil {
		return read, err
	}

	*b = dup(tmp.Data)
	return read, nil
}
