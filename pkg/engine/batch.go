package engine

import (
	"github.com/cockroachdb/errors"

	"github.com/Hk669/snailDB/pkg/dberrors"
	"github.com/Hk669/snailDB/pkg/types"
)

// Batch groups multiple mutations for a single Apply call. Mutations
// take effect in the order they were added. A Batch is not safe for
// concurrent use and may be reused after Apply via Clear.
type Batch struct {
	entries []types.Entry
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key, value []byte) {
	b.entries = append(b.entries, types.Entry{Key: key, Value: value, Kind: types.KindSet})
}

func (b *Batch) Delete(key []byte) {
	b.entries = append(b.entries, types.Entry{Key: key, Kind: types.KindDelete})
}

func (b *Batch) Clear() {
	b.entries = b.entries[:0]
}

func (b *Batch) Count() int {
	return len(b.entries)
}

// Apply writes all mutations in the batch, durable when it returns.
// The batch occupies a contiguous sequence range, so no reader observes
// a prefix of it once Apply returns; readers that started earlier keep
// their older snapshot. On error nothing from the batch is visible in
// this process; a crash mid-batch may still leave a durable prefix to
// be replayed on restart, like any unacknowledged write.
func (e *Engine) Apply(b *Batch) error {
	if b.Count() == 0 {
		return nil
	}
	for _, entry := range b.entries {
		if len(entry.Key) == 0 {
			return errors.Wrap(dberrors.ErrInvalidArgument, "empty key in batch")
		}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	closed, active := e.closed, e.active
	e.mu.RUnlock()
	if closed {
		return dberrors.ErrClosed
	}

	// The batch hits the WAL in full before touching the memtable, so a
	// failed append leaves no partially applied mutations behind.
	staged := make([]types.Entry, len(b.entries))
	for i, entry := range b.entries {
		entry.Seq = e.seq.Next()
		staged[i] = entry
	}
	if err := e.journal.AppendBatch(staged); err != nil {
		return err
	}
	for _, entry := range staged {
		if entry.Tombstone() {
			active.Delete(entry.Key, entry.Seq)
		} else {
			active.Put(entry.Key, entry.Value, entry.Seq)
		}
	}

	if active.ApproxSize() >= e.opts.MemtableBytes {
		return e.sealActive()
	}
	return nil
}
