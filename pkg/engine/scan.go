package engine

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/Hk669/snailDB/pkg/dberrors"
	"github.com/Hk669/snailDB/pkg/iterator"
	"github.com/Hk669/snailDB/pkg/manifest"
	"github.com/Hk669/snailDB/pkg/memtable"
	"github.com/Hk669/snailDB/pkg/types"
)

// Scan returns a lazy, snapshot-consistent iterator over keys in
// [start, end), ascending. Nil bounds mean unbounded. The iterator holds
// a version reference; Close releases it.
func (e *Engine) Scan(start, end []byte) (*Scan, error) {
	if start != nil && end != nil && bytes.Compare(start, end) > 0 {
		return nil, errors.Wrap(dberrors.ErrInvalidArgument, "scan start past end")
	}

	snapshot := e.seq.Val()

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, dberrors.ErrClosed
	}
	active := e.active
	sealed := append([]*memtable.Memtable(nil), e.sealed...)
	e.mu.RUnlock()

	version := e.set.Current()

	// Sources ordered newest first so the merge's tie-break, and our
	// first-wins dedup, resolve each key to its newest visible version.
	var sources []iterator.Iterator
	sources = append(sources, iterator.Slice(active.Scan(start, end, snapshot)))
	for i := len(sealed) - 1; i >= 0; i-- {
		sources = append(sources, iterator.Slice(sealed[i].Scan(start, end, snapshot)))
	}

	levels := version.Levels()
	l0 := levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		src, err := e.tableIter(l0[i], start, end)
		if err != nil {
			version.Unref()
			return nil, err
		}
		if src != nil {
			sources = append(sources, src)
		}
	}
	for l := 1; l < len(levels); l++ {
		for _, fm := range levels[l] {
			src, err := e.tableIter(fm, start, end)
			if err != nil {
				version.Unref()
				return nil, err
			}
			if src != nil {
				sources = append(sources, src)
			}
		}
	}

	return &Scan{
		merged:   iterator.Merge(sources...),
		version:  version,
		snapshot: snapshot,
	}, nil
}

// tableIter returns an iterator over fm, or nil when the table cannot
// intersect [start, end).
func (e *Engine) tableIter(fm manifest.FileMeta, start, end []byte) (iterator.Iterator, error) {
	if end != nil && bytes.Compare(fm.MinKey, end) >= 0 {
		return nil, nil
	}
	if start != nil && bytes.Compare(fm.MaxKey, start) < 0 {
		return nil, nil
	}
	r, err := e.tables.get(fm)
	if err != nil {
		return nil, err
	}
	return r.Iter(start, end), nil
}

// Scan iterates key-value pairs. Tombstoned and shadowed versions are
// filtered out; the caller sees each live key once, at its newest version
// visible at scan start.
type Scan struct {
	merged   *iterator.Merged
	version  *manifest.Version
	snapshot types.SeqN

	lastKey []byte
	cur     types.Entry
	closed  bool
}

func (s *Scan) Next() bool {
	if s.closed {
		return false
	}
	for s.merged.Next() {
		e := s.merged.Entry()
		if e.Seq > s.snapshot {
			continue
		}
		if s.lastKey != nil && bytes.Equal(e.Key, s.lastKey) {
			continue // older version of a key already resolved
		}
		s.lastKey = append(s.lastKey[:0], e.Key...)
		if e.Tombstone() {
			continue
		}
		s.cur = e
		return true
	}
	return false
}

func (s *Scan) Key() []byte   { return s.cur.Key }
func (s *Scan) Value() []byte { return s.cur.Value }

func (s *Scan) Err() error {
	return s.merged.Err()
}

// Close releases the version reference backing the scan. Required;
// superseded files cannot be reclaimed while a scan holds them.
func (s *Scan) Close() {
	if !s.closed {
		s.closed = true
		s.version.Unref()
	}
}
