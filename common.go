package mls

import (
	"crypto/rand"
	"fmt"
)

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}

	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}

func randomBytes(size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("mls: entropy source failure: %w", err)
	}
	return out, nil
}
