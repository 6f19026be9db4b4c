// Package memtable holds the most recent writes in a concurrent ordered
// skipmap. Each key maps to a copy-on-write list of versions so readers
// observe a consistent snapshot while the single writer keeps inserting.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/Hk669/snailDB/pkg/types"
)

const perEntryOverhead = 17 // seq + kind + two length prefixes

type ordered = skipmap.FuncMap[[]byte, versions]

// version is one write to a key. Lists are kept newest-first.
type version struct {
	seq   types.SeqN
	kind  types.Kind
	value types.Value
}

type versions []version

// Memtable is the mutable in-memory write buffer. Exactly one writer at a
// time (the engine's write section); any number of concurrent readers.
// After Seal it is permanently read-only and freely shared.
type Memtable struct {
	data   *ordered
	size   atomic.Uint64
	sealed atomic.Bool

	// walSeg is the id of the WAL segment backing this memtable,
	// reclaimable once the flushed SSTable is in the manifest.
	walSeg uint64
}

func New(walSeg uint64) *Memtable {
	return &Memtable{
		data: skipmap.NewFunc[[]byte, versions](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		walSeg: walSeg,
	}
}

// Put records a live value for key. No-op if seq is not newer than the
// newest stored version, which makes WAL replay idempotent.
func (mt *Memtable) Put(key, value []byte, seq types.SeqN) {
	mt.apply(key, value, seq, types.KindSet)
}

// Delete records a tombstone for key under the same idempotence rule.
func (mt *Memtable) Delete(key []byte, seq types.SeqN) {
	mt.apply(key, nil, seq, types.KindDelete)
}

func (mt *Memtable) apply(key, value []byte, seq types.SeqN, kind types.Kind) {
	old, _ := mt.data.Load(key)
	if len(old) > 0 && old[0].seq >= seq {
		return
	}

	next := make(versions, 0, len(old)+1)
	next = append(next, version{seq: seq, kind: kind, value: value})
	next = append(next, old...)
	mt.data.Store(key, next)

	mt.size.Add(uint64(len(key)+len(value)) + perEntryOverhead)
}

// Get returns the newest entry for key with sequence <= snapshotSeq.
// A tombstone is returned like any other entry; interpreting it is the
// caller's job.
func (mt *Memtable) Get(key []byte, snapshotSeq types.SeqN) (types.Entry, bool) {
	vs, ok := mt.data.Load(key)
	if !ok {
		return types.Entry{}, false
	}
	for _, v := range vs {
		if v.seq <= snapshotSeq {
			return types.Entry{Key: key, Value: v.value, Seq: v.seq, Kind: v.kind}, true
		}
	}
	return types.Entry{}, false
}

// Scan collects, in ascending key order, the newest visible entry per key
// in [lo, hi). Nil bounds mean unbounded. Tombstones are included.
func (mt *Memtable) Scan(lo, hi []byte, snapshotSeq types.SeqN) []types.Entry {
	var out []types.Entry
	mt.data.Range(func(key []byte, vs versions) bool {
		if lo != nil && bytes.Compare(key, lo) < 0 {
			return true
		}
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			return false
		}
		for _, v := range vs {
			if v.seq <= snapshotSeq {
				out = append(out, types.Entry{Key: key, Value: v.value, Seq: v.seq, Kind: v.kind})
				break
			}
		}
		return true
	})
	return out
}

// All returns every newest version, tombstones included, in key order.
// Used by flush, which runs only after the memtable is sealed.
func (mt *Memtable) All() []types.Entry {
	out := make([]types.Entry, 0, mt.data.Len())
	mt.data.Range(func(key []byte, vs versions) bool {
		v := vs[0]
		out = append(out, types.Entry{Key: key, Value: v.value, Seq: v.seq, Kind: v.kind})
		return true
	})
	return out
}

// ApproxSize is the rough byte footprint the engine checks against its
// seal threshold.
func (mt *Memtable) ApproxSize() uint64 {
	return mt.size.Load()
}

func (mt *Memtable) Len() int {
	return mt.data.Len()
}

// Seal marks the memtable read-only. The engine stops routing writes to
// it before calling Seal, so this is bookkeeping, not synchronization.
func (mt *Memtable) Seal() {
	mt.sealed.Store(true)
}

func (mt *Memtable) Sealed() bool {
	return mt.sealed.Load()
}

// WALSegment is the id of the segment that made this memtable durable.
func (mt *Memtable) WALSegment() uint64 {
	return mt.walSeg
}
