package mls

import (
	"fmt"
	"time"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeLifetime ExtensionType = 0x0002
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("Extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

func (el ExtensionList) clone() ExtensionList {
	out := ExtensionList{Entries: make([]Extension, len(el.Entries))}
	for i, ext := range el.Entries {
		out.Entries[i] = Extension{ext.ExtensionType, dup(ext.ExtensionData)}
	}
	return out
}

//////////

// struct {
//     uint64 not_before;
//     uint64 not_after;
// } Lifetime;
type LifetimeExtension struct {
	NotBefore uint64
	NotAfter  uint64
}

func (lt LifetimeExtension) Type() ExtensionType {
	return ExtensionTypeLifetime
}

func newLifetime(now time.Time, lifetime time.Duration) LifetimeExtension {
	return LifetimeExtension{
		NotBefore: uint64(now.Unix()),
		NotAfter:  uint64(now.Add(lifetime).Unix()),
	}
}

func (lt LifetimeExtension) Contains(t time.Time) bool {
	unix := t.Unix()
	return unix >= 0 && uint64(unix) >= lt.NotBefore && uint64(unix) <= lt.NotAfter
}
