package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number that totally orders
// all writes across the engine's lifetime. Assigned under the single-writer
// section, so ties never occur.
type SeqN = uint64

// Kind distinguishes a live value from a tombstone.
type Kind uint8

const (
	KindSet Kind = iota
	KindDelete
)

// Entry is one versioned write: a key, its value (empty for tombstones),
// the sequence number that ordered it, and the record kind.
type Entry struct {
	Key   Key
	Value Value
	Seq   SeqN
	Kind  Kind
}

// Tombstone reports whether the entry marks a deletion.
func (e Entry) Tombstone() bool {
	return e.Kind == KindDelete
}

// Compare orders entries for merging: ascending by key, and for equal keys
// descending by sequence number so the newest version comes first.
func Compare(a, b Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	}
	return 0
}
