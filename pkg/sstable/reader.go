package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/Hk669/snailDB/pkg/bloom"
	"github.com/Hk669/snailDB/pkg/types"
)

// Meta summarizes an open table for the manifest and for stats.
type Meta struct {
	EntryCount uint64
	MaxSeq     types.SeqN
	MinKey     []byte
	MaxKey     []byte
	Size       int64
}

// BloomStats counts probe outcomes so the engine can report the observed
// false-positive rate.
type BloomStats struct {
	Negatives      atomic.Uint64 // definite misses, no I/O done
	Positives      atomic.Uint64 // filter said maybe
	FalsePositives atomic.Uint64 // filter said maybe, key was absent
}

// Reader serves point lookups and range scans from one immutable table.
// Safe for concurrent use; all state after Open is read-only except the
// bloom counters.
type Reader struct {
	file   *os.File
	path   string
	index  []indexEntry
	filter *bloom.Filter
	meta   Meta

	dec *zstd.Decoder

	Bloom BloomStats
}

// Open maps the table: it validates the trailer magic and footer checksum,
// then loads the sparse index and the bloom filter. Any corruption makes
// the whole file unusable and is returned as ErrCorrupted.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SSTable: %w", err)
	}
	r, err := load(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func load(file *os.File, path string) (*Reader, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat SSTable: %w", err)
	}
	size := info.Size()
	if size < trailerSize {
		return nil, errors.Wrapf(ErrCorrupted, "file too small: %d bytes", size)
	}

	var trailer [trailerSize]byte
	if _, err := file.ReadAt(trailer[:], size-trailerSize); err != nil {
		return nil, fmt.Errorf("failed to read trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(trailer[12:16]) != magic {
		return nil, errors.Wrap(ErrCorrupted, "bad magic")
	}
	footerOff := int64(binary.LittleEndian.Uint64(trailer[0:8]))
	wantCRC := binary.LittleEndian.Uint32(trailer[8:12])
	if footerOff < 0 || footerOff > size-trailerSize {
		return nil, errors.Wrap(ErrCorrupted, "footer offset out of range")
	}

	body := make([]byte, size-trailerSize-footerOff)
	if _, err := file.ReadAt(body, footerOff); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if crc32.Checksum(body, castagnoli) != wantCRC {
		return nil, errors.Wrap(ErrCorrupted, "footer checksum mismatch")
	}
	ft, err := decodeFooter(body)
	if err != nil {
		return nil, err
	}

	idxRaw := make([]byte, ft.indexSize)
	if _, err := file.ReadAt(idxRaw, int64(ft.indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	index, err := decodeIndex(idxRaw)
	if err != nil {
		return nil, err
	}

	bloomRaw := make([]byte, ft.bloomSize)
	if _, err := file.ReadAt(bloomRaw, int64(ft.bloomOffset)); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter: %w", err)
	}
	filter, err := bloom.FromBytes(bloomRaw)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd decoder: %w", err)
	}

	return &Reader{
		file:   file,
		path:   path,
		index:  index,
		filter: filter,
		dec:    dec,
		meta: Meta{
			EntryCount: ft.entryCount,
			MaxSeq:     ft.maxSeq,
			MinKey:     ft.minKey,
			MaxKey:     ft.maxKey,
			Size:       size,
		},
	}, nil
}

func decodeIndex(raw []byte) ([]indexEntry, error) {
	if len(raw) < 4 {
		return nil, errors.Wrap(ErrCorrupted, "index too short")
	}
	count := int(binary.LittleEndian.Uint32(raw[0:4]))
	out := make([]indexEntry, 0, count)
	off := 4
	for i := 0; i < count; i++ {
		if off+4 > len(raw) {
			return nil, errors.Wrap(ErrCorrupted, "index entry overruns")
		}
		keyLen := int(binary.LittleEndian.Uint32(raw[off : off+4]))
		off += 4
		if off+keyLen+16 > len(raw) {
			return nil, errors.Wrap(ErrCorrupted, "index entry overruns")
		}
		ie := indexEntry{firstKey: append([]byte(nil), raw[off:off+keyLen]...)}
		off += keyLen
		ie.offset = binary.LittleEndian.Uint64(raw[off : off+8])
		ie.size = binary.LittleEndian.Uint64(raw[off+8 : off+16])
		off += 16
		out = append(out, ie)
	}
	return out, nil
}

func (r *Reader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

func (r *Reader) Meta() Meta {
	return r.meta
}

func (r *Reader) Path() string {
	return r.path
}

// InRange reports whether key falls inside the table's [min, max] key
// range. Lets the engine skip tables on levels >= 1 without I/O.
func (r *Reader) InRange(key []byte) bool {
	return bytes.Compare(key, r.meta.MinKey) >= 0 && bytes.Compare(key, r.meta.MaxKey) <= 0
}

// Get returns the table's entry for key, if present. The bloom filter is
// consulted first so definite misses cost no I/O.
func (r *Reader) Get(key []byte) (types.Entry, bool, error) {
	if !r.filter.MightContain(key) {
		r.Bloom.Negatives.Add(1)
		return types.Entry{}, false, nil
	}
	r.Bloom.Positives.Add(1)

	// Last block whose first key is <= key.
	n := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	})
	if n == 0 {
		r.Bloom.FalsePositives.Add(1)
		return types.Entry{}, false, nil
	}

	entries, err := r.readBlock(r.index[n-1])
	if err != nil {
		return types.Entry{}, false, err
	}
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		return entries[i], true, nil
	}
	r.Bloom.FalsePositives.Add(1)
	return types.Entry{}, false, nil
}

func (r *Reader) readBlock(ie indexEntry) ([]types.Entry, error) {
	raw := make([]byte, ie.size)
	if _, err := r.file.ReadAt(raw, int64(ie.offset)); err != nil {
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	if len(raw) < 8 {
		return nil, errors.Wrap(ErrCorrupted, "block frame too short")
	}
	wantCRC := binary.LittleEndian.Uint32(raw[0:4])
	length := int(binary.LittleEndian.Uint32(raw[4:8]))
	if 8+length != len(raw) {
		return nil, errors.Wrap(ErrCorrupted, "block length mismatch")
	}
	framed := raw[8:]
	if crc32.Checksum(framed, castagnoli) != wantCRC {
		return nil, errors.Wrap(ErrCorrupted, "block checksum mismatch")
	}

	data := framed[1:]
	switch framed[0] {
	case compressionNone:
	case compressionZstd:
		var err error
		data, err = r.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "zstd: %v", err)
		}
	default:
		return nil, errors.Wrapf(ErrCorrupted, "unknown compression %d", framed[0])
	}
	return decodeEntries(data)
}

// Iter returns a lazy iterator over entries with key in [lo, hi), in key
// order. Nil bounds mean unbounded. Blocks are read and verified one at a
// time as the iterator advances.
func (r *Reader) Iter(lo, hi []byte) *Iterator {
	start := 0
	if lo != nil {
		// First block that could hold lo: last block with firstKey <= lo.
		n := sort.Search(len(r.index), func(i int) bool {
			return bytes.Compare(r.index[i].firstKey, lo) > 0
		})
		if n > 0 {
			start = n - 1
		}
	}
	return &Iterator{r: r, block: start, lo: lo, hi: hi}
}

// Iterator walks a reader's entries in ascending key order.
type Iterator struct {
	r       *Reader
	block   int
	lo, hi  []byte
	entries []types.Entry
	pos     int
	cur     types.Entry
	valid   bool
	err     error
}

// Next advances to the next entry in range, reporting false at the end or
// on error.
func (it *Iterator) Next() bool {
	for {
		if it.pos >= len(it.entries) {
			if !it.loadNextBlock() {
				return false
			}
			continue
		}
		e := it.entries[it.pos]
		it.pos++
		if it.lo != nil && bytes.Compare(e.Key, it.lo) < 0 {
			continue
		}
		if it.hi != nil && bytes.Compare(e.Key, it.hi) >= 0 {
			it.valid = false
			return false
		}
		it.cur = e
		it.valid = true
		return true
	}
}

func (it *Iterator) loadNextBlock() bool {
	if it.err != nil || it.block >= len(it.r.index) {
		it.valid = false
		return false
	}
	ie := it.r.index[it.block]
	if it.hi != nil && bytes.Compare(ie.firstKey, it.hi) >= 0 {
		it.valid = false
		return false
	}
	entries, err := it.r.readBlock(ie)
	if err != nil {
		it.err = err
		it.valid = false
		return false
	}
	it.block++
	it.entries = entries
	it.pos = 0
	return true
}

func (it *Iterator) Entry() types.Entry {
	return it.cur
}

func (it *Iterator) Valid() bool {
	return it.valid
}

func (it *Iterator) Err() error {
	return it.err
}
