// Package iterator defines the entry iteration contract shared by the
// memtable, SSTable readers, the scan path and compaction, plus the
// k-way merge that combines them.
package iterator

import (
	"container/heap"

	"github.com/Hk669/snailDB/pkg/types"
)

// Iterator yields entries in ascending key order; for equal keys, newer
// (higher sequence) entries come first.
type Iterator interface {
	// Next advances the iterator, reporting false at the end or on error.
	Next() bool
	// Entry returns the current entry. Valid only after Next returned true.
	Entry() types.Entry
	// Err reports a failure that terminated iteration early.
	Err() error
}

type sliceIter struct {
	entries []types.Entry
	pos     int
}

// Slice wraps an already-ordered entry slice.
func Slice(entries []types.Entry) Iterator {
	return &sliceIter{entries: entries}
}

func (s *sliceIter) Next() bool {
	if s.pos >= len(s.entries) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIter) Entry() types.Entry { return s.entries[s.pos-1] }
func (s *sliceIter) Err() error         { return nil }

type mergeItem struct {
	entry types.Entry
	src   Iterator
	// rank breaks exact ties: lower rank is the newer source. Callers pass
	// sources newest first, so rank is just the argument position.
	rank int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := types.Compare(h[i].entry, h[j].entry); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merged combines several ordered iterators into one ordered stream. All
// versions of a key are emitted, newest first; deduplication is the
// caller's concern.
type Merged struct {
	h   mergeHeap
	cur types.Entry
	err error
}

// Merge builds a merged iterator. Sources must be ordered newest first
// when they can contain the same (key, seq) pair.
func Merge(sources ...Iterator) *Merged {
	m := &Merged{h: make(mergeHeap, 0, len(sources))}
	for rank, src := range sources {
		if src.Next() {
			m.h = append(m.h, mergeItem{entry: src.Entry(), src: src, rank: rank})
		} else if err := src.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *Merged) Next() bool {
	if m.err != nil || m.h.Len() == 0 {
		return false
	}
	top := m.h[0]
	m.cur = top.entry
	if top.src.Next() {
		m.h[0].entry = top.src.Entry()
		heap.Fix(&m.h, 0)
	} else {
		if err := top.src.Err(); err != nil {
			m.err = err
			return false
		}
		heap.Pop(&m.h)
	}
	return true
}

func (m *Merged) Entry() types.Entry { return m.cur }
func (m *Merged) Err() error         { return m.err }
