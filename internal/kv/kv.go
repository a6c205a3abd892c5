package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in storage
const Separator = ":"

// Key is a hierarchical path such as {"hash", "00af31c2"}
type Key []string

func (k Key) String() string {
	return strings.Join(k, Separator)
}

// encode validates and joins the segments
func (k Key) encode() ([]byte, error) {
	for _, seg := range k {
		if strings.Contains(seg, Separator) {
			return nil, fmt.Errorf("kv: key segment %q contains %q", seg, Separator)
		}
	}
	return []byte(k.String()), nil
}

// prefixBytes encodes k as a scan prefix. A non-empty prefix ends with the
// separator so {"a","b"} does not match "a:bc".
func (k Key) prefixBytes() ([]byte, error) {
	if len(k) == 0 {
		return nil, nil
	}
	b, err := k.encode()
	if err != nil {
		return nil, err
	}
	return append(b, Separator...), nil
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), Separator))
}

// Entry is a key-value pair returned by List and used by BatchSet
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface the fingerprint database is written against
type Store interface {
	// Get returns ErrNotFound if the key is absent
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	// List iterates entries under prefix in lexicographic key order
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]
	// BatchSet stores all entries in one write batch
	BatchSet(ctx context.Context, entries []Entry) error
	Close() error
}
