// Package engine composes the storage tiers into the public key-value
// API: writes go through the WAL into the active memtable under a
// single-writer section; reads consult the active memtable, sealed
// memtables and the SSTable levels newest to oldest; background workers
// flush sealed memtables and compact levels.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/Hk669/snailDB/pkg/clock"
	"github.com/Hk669/snailDB/pkg/compaction"
	"github.com/Hk669/snailDB/pkg/dberrors"
	"github.com/Hk669/snailDB/pkg/manifest"
	"github.com/Hk669/snailDB/pkg/memtable"
	"github.com/Hk669/snailDB/pkg/sstable"
	"github.com/Hk669/snailDB/pkg/types"
	"github.com/Hk669/snailDB/pkg/wal"
)

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	// MemtableBytes is the approximate size at which the active memtable
	// is sealed and queued for flush.
	MemtableBytes uint64
	// BlockSize caps SSTable data blocks.
	BlockSize int
	// BloomFPRate is the bloom filters' target false-positive rate.
	BloomFPRate float64
	// L0CompactionTrigger is the level-0 file count that starts compaction.
	L0CompactionTrigger int
	// BaseLevelBytes is level 1's size budget; each deeper level's budget
	// is multiplied by LevelSizeMultiplier.
	BaseLevelBytes      int64
	LevelSizeMultiplier int
	MaxLevels           int
	// TargetFileSize caps individual compaction output tables.
	TargetFileSize int64
	// CompactionConcurrency is the number of background compaction
	// workers. 0 disables background compaction (manual Compact only).
	CompactionConcurrency int
	// Compression enables zstd compression of SSTable blocks.
	Compression bool
}

// DefaultOptions returns the baseline configuration.
func DefaultOptions() Options {
	return Options{
		MemtableBytes:         4 * 1024 * 1024,
		BlockSize:             4 * 1024,
		BloomFPRate:           0.01,
		L0CompactionTrigger:   4,
		BaseLevelBytes:        10 * 1024 * 1024,
		LevelSizeMultiplier:   10,
		MaxLevels:             7,
		TargetFileSize:        2 * 1024 * 1024,
		CompactionConcurrency: 1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MemtableBytes == 0 {
		o.MemtableBytes = d.MemtableBytes
	}
	if o.BlockSize <= 0 {
		o.BlockSize = d.BlockSize
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = d.BloomFPRate
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = d.L0CompactionTrigger
	}
	if o.BaseLevelBytes <= 0 {
		o.BaseLevelBytes = d.BaseLevelBytes
	}
	if o.LevelSizeMultiplier <= 1 {
		o.LevelSizeMultiplier = d.LevelSizeMultiplier
	}
	if o.MaxLevels <= 1 {
		o.MaxLevels = d.MaxLevels
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = d.TargetFileSize
	}
	return o
}

// Engine is the storage engine. Safe for concurrent use: writes serialize
// through the single-writer section, reads run lock-free against
// immutable snapshots.
type Engine struct {
	dir  string
	opts Options

	seq       *clock.SeqClock
	journal   *wal.WAL
	set       *manifest.Set
	tables    *tableCache
	compactor *compaction.Compactor

	// writeMu is the single-writer section: sequence assignment, WAL
	// append and memtable insert happen under it, in that order.
	writeMu sync.Mutex

	// mu guards the memtable pointers and the closed flag.
	mu     sync.RWMutex
	active *memtable.Memtable
	sealed []*memtable.Memtable // oldest first
	closed bool

	flushMu   sync.Mutex
	flushCh   chan struct{}
	compactCh chan struct{}
	bgCancel  context.CancelFunc
	bg        sync.WaitGroup
}

// Open loads the manifest, replays the WAL and starts the background
// workers. The directory is created if missing.
func Open(dir string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	e := &Engine{
		dir:       dir,
		opts:      opts,
		tables:    newTableCache(dir),
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
	}

	set, err := manifest.Open(dir, opts.MaxLevels, e.reclaimFile)
	if err != nil {
		return nil, err
	}
	e.set = set

	// Open every live table; footer corruption excludes the file and the
	// engine serves degraded rather than failing Open.
	v := set.Current()
	for _, fm := range v.Files() {
		if _, err := e.tables.get(fm); err != nil {
			if errors.Is(err, sstable.ErrCorrupted) {
				slog.Warn("SSTable failed validation on open", "file", fm.ID, "error", err)
				if exErr := set.Exclude(fm.ID); exErr != nil {
					v.Unref()
					return nil, exErr
				}
				continue
			}
			v.Unref()
			return nil, err
		}
	}
	v.Unref()

	e.seq = clock.NewSeq(set.LastSeq())

	if err := e.replayWAL(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.bgCancel = cancel
	e.bg.Add(1)
	go e.flushLoop(ctx)

	e.compactor = compaction.New(dir, set, e.tables.get, compaction.Options{
		L0Trigger:           opts.L0CompactionTrigger,
		BaseLevelBytes:      opts.BaseLevelBytes,
		LevelSizeMultiplier: opts.LevelSizeMultiplier,
		MaxLevels:           opts.MaxLevels,
		TargetFileSize:      opts.TargetFileSize,
		Table:               e.tableOpts(),
	})
	for i := 0; i < opts.CompactionConcurrency; i++ {
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			e.compactor.Run(ctx, e.compactCh)
		}()
	}

	return e, nil
}

func (e *Engine) tableOpts() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockSize:   e.opts.BlockSize,
		BloomFPRate: e.opts.BloomFPRate,
		Compression: e.opts.Compression,
	}
}

// replayWAL rebuilds the memtable from every segment at or past the
// manifest's floor, then opens a fresh segment for new writes (appending
// to a possibly torn tail would bury records behind the durability
// boundary).
func (e *Engine) replayWAL() error {
	floor := e.set.WALSegment()

	mt := memtable.New(floor)
	replayed := 0
	clean, err := wal.Replay(e.dir, floor, func(_ uint64, entry types.Entry) error {
		if entry.Tombstone() {
			mt.Delete(entry.Key, entry.Seq)
		} else {
			mt.Put(entry.Key, entry.Value, entry.Seq)
		}
		e.seq.Advance(entry.Seq)
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	ids, err := wal.ListSegments(e.dir)
	if err != nil {
		return err
	}
	next := floor
	if len(ids) > 0 && ids[len(ids)-1] >= next {
		next = ids[len(ids)-1] + 1
	}

	// A clean replay that yielded nothing means every segment on disk is
	// empty or already flushed. Reclaim them now so repeated open/close
	// cycles don't pile up one stale segment each.
	if clean && replayed == 0 {
		for _, id := range ids {
			if err := wal.RemoveSegment(e.dir, id); err != nil {
				slog.Warn("failed to remove stale WAL segment", "segment", id, "error", err)
			}
		}
		mt = memtable.New(next)
	}

	e.journal, err = wal.Open(e.dir, next)
	if err != nil {
		return err
	}
	e.active = mt
	return nil
}

// Put writes a key-value pair, durable when it returns.
func (e *Engine) Put(key, value []byte) error {
	return e.write(key, value, types.KindSet)
}

// Delete writes a tombstone for key, durable when it returns.
func (e *Engine) Delete(key []byte) error {
	return e.write(key, nil, types.KindDelete)
}

func (e *Engine) write(key, value []byte, kind types.Kind) error {
	if len(key) == 0 {
		return errors.Wrap(dberrors.ErrInvalidArgument, "empty key")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	closed, active := e.closed, e.active
	e.mu.RUnlock()
	if closed {
		return dberrors.ErrClosed
	}

	entry := types.Entry{Key: key, Value: value, Seq: e.seq.Next(), Kind: kind}
	if err := e.journal.Append(entry); err != nil {
		return err
	}
	if entry.Tombstone() {
		active.Delete(key, entry.Seq)
	} else {
		active.Put(key, value, entry.Seq)
	}

	if active.ApproxSize() >= e.opts.MemtableBytes {
		if err := e.sealActive(); err != nil {
			return err
		}
	}
	return nil
}

// sealActive rotates the WAL, moves the active memtable to the sealed
// queue and wakes the flush worker. Caller holds writeMu.
func (e *Engine) sealActive() error {
	if _, err := e.journal.SealAndRotate(); err != nil {
		return err
	}

	e.mu.Lock()
	old := e.active
	old.Seal()
	e.sealed = append(e.sealed, old)
	e.active = memtable.New(e.journal.SegmentID())
	e.mu.Unlock()

	select {
	case e.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// Get returns the value for key, or ok=false if the key is absent or
// deleted. The lookup runs against a snapshot taken at call time.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, errors.Wrap(dberrors.ErrInvalidArgument, "empty key")
	}

	snapshot := e.seq.Val()

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, false, dberrors.ErrClosed
	}
	active := e.active
	sealed := append([]*memtable.Memtable(nil), e.sealed...)
	e.mu.RUnlock()

	if entry, ok := active.Get(key, snapshot); ok {
		return valueOf(entry)
	}
	for i := len(sealed) - 1; i >= 0; i-- {
		if entry, ok := sealed[i].Get(key, snapshot); ok {
			return valueOf(entry)
		}
	}

	v := e.set.Current()
	defer v.Unref()
	levels := v.Levels()

	// Level 0 files overlap; newest file first.
	l0 := levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		entry, ok, err := e.tableGet(l0[i], key, snapshot)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return valueOf(entry)
		}
	}

	// Deeper levels have disjoint sorted ranges: at most one candidate
	// file per level, found by binary search.
	for l := 1; l < len(levels); l++ {
		files := levels[l]
		n := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].MaxKey, key) >= 0
		})
		if n == len(files) || bytes.Compare(files[n].MinKey, key) > 0 {
			continue
		}
		entry, ok, err := e.tableGet(files[n], key, snapshot)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return valueOf(entry)
		}
	}

	return nil, false, nil
}

func (e *Engine) tableGet(fm manifest.FileMeta, key []byte, snapshot types.SeqN) (types.Entry, bool, error) {
	r, err := e.tables.get(fm)
	if err != nil {
		return types.Entry{}, false, err
	}
	entry, ok, err := r.Get(key)
	if err != nil {
		return types.Entry{}, false, err
	}
	if !ok || entry.Seq > snapshot {
		return types.Entry{}, false, nil
	}
	return entry, true, nil
}

// valueOf maps an authoritative entry to the public result: a tombstone
// means absent, and the search does not continue past it.
func valueOf(entry types.Entry) ([]byte, bool, error) {
	if entry.Tombstone() {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Compact runs a full manual compaction, merging all levels into one.
func (e *Engine) Compact(ctx context.Context) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return dberrors.ErrClosed
	}
	return e.compactor.CompactAll(ctx)
}

// Close flushes the active memtable, stops the background workers at
// their next safe stopping point and releases every file handle.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.writeMu.Unlock()
		return dberrors.ErrClosed
	}
	e.closed = true
	needSeal := e.active.Len() > 0
	e.mu.Unlock()

	// Rotate the WAL along with the final seal so the flush below can
	// advance the segment floor past everything it writes out.
	var firstErr error
	if needSeal {
		firstErr = e.sealActive()
	}
	e.writeMu.Unlock()

	// Stop the workers before draining so flushes don't race.
	e.bgCancel()
	e.bg.Wait()
	for {
		e.mu.RLock()
		remaining := len(e.sealed)
		e.mu.RUnlock()
		if remaining == 0 {
			break
		}
		if err := e.flushOldest(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
	}

	if err := e.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.set.Close()
	e.tables.closeAll()
	return firstErr
}
