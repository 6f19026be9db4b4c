package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Hk669/snailDB/pkg/manifest"
	"github.com/Hk669/snailDB/pkg/sstable"
	"github.com/Hk669/snailDB/pkg/wal"
)

// flushLoop writes sealed memtables to level 0. I/O errors are retried
// with backoff: the sealed memtable and its WAL segments stay put until a
// flush succeeds, so nothing durable is ever lost.
func (e *Engine) flushLoop(ctx context.Context) {
	defer e.bg.Done()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.flushCh:
		}

		for {
			e.mu.RLock()
			pending := len(e.sealed)
			e.mu.RUnlock()
			if pending == 0 {
				break
			}
			if err := e.flushOldest(); err != nil {
				slog.Warn("memtable flush failed, backing off", "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < time.Minute {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}
	}
}

// flushOldest writes the oldest sealed memtable as a level-0 table,
// registers it in the manifest and reclaims the WAL segments it covered.
func (e *Engine) flushOldest() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.RLock()
	if len(e.sealed) == 0 {
		e.mu.RUnlock()
		return nil
	}
	mt := e.sealed[0]
	e.mu.RUnlock()

	entries := mt.All()
	var added []manifest.FileMeta
	if len(entries) > 0 {
		id := e.set.NextFileID()
		path := manifest.TablePath(e.dir, 0, id)
		w, err := sstable.NewWriter(path, e.tableOpts())
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := w.Add(entry); err != nil {
				w.Abort()
				return err
			}
		}
		if err := w.Finish(); err != nil {
			return err
		}

		r, err := sstable.Open(path)
		if err != nil {
			return fmt.Errorf("failed to reopen flushed SSTable: %w", err)
		}
		meta := r.Meta()
		fm := manifest.FileMeta{
			ID: id, Level: 0, Size: meta.Size,
			EntryCount: meta.EntryCount, MinKey: meta.MinKey, MaxKey: meta.MaxKey, MaxSeq: meta.MaxSeq,
		}
		e.tables.put(id, r)
		added = append(added, fm)
	}

	// The WAL floor advances to the oldest memtable still holding
	// unflushed data; segments below it are garbage once the manifest
	// update is durable.
	e.mu.Lock()
	var newFloor uint64
	if len(e.sealed) > 1 {
		newFloor = e.sealed[1].WALSegment()
	} else {
		newFloor = e.active.WALSegment()
	}
	e.mu.Unlock()

	edit := manifest.Edit{Add: added, WALSeg: newFloor}
	if len(added) > 0 {
		edit.LastSeq = added[0].MaxSeq
	}
	if err := e.set.Apply(edit); err != nil {
		for _, fm := range added {
			if r := e.tables.remove(fm.ID); r != nil {
				r.Close()
			}
			os.Remove(manifest.TablePath(e.dir, fm.Level, fm.ID))
		}
		return err
	}

	e.mu.Lock()
	e.sealed = e.sealed[1:]
	e.mu.Unlock()

	for seg := mt.WALSegment(); seg < newFloor; seg++ {
		if err := wal.RemoveSegment(e.dir, seg); err != nil {
			slog.Warn("failed to reclaim WAL segment", "segment", seg, "error", err)
		}
	}

	select {
	case e.compactCh <- struct{}{}:
	default:
	}
	return nil
}

// reclaimFile runs when the manifest drains a superseded file's last
// reference: the cached reader is closed and the file removed.
func (e *Engine) reclaimFile(fm manifest.FileMeta) {
	if r := e.tables.remove(fm.ID); r != nil {
		if err := r.Close(); err != nil {
			slog.Warn("failed to close superseded SSTable", "file", fm.ID, "error", err)
		}
	}
	path := manifest.TablePath(e.dir, fm.Level, fm.ID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove superseded SSTable", "path", path, "error", err)
	}
}

// tableCache keeps one open reader per live table, keyed by file id.
type tableCache struct {
	dir string
	mu  sync.RWMutex
	m   map[uint64]*sstable.Reader
}

func newTableCache(dir string) *tableCache {
	return &tableCache{dir: dir, m: make(map[uint64]*sstable.Reader)}
}

func (tc *tableCache) get(fm manifest.FileMeta) (*sstable.Reader, error) {
	tc.mu.RLock()
	r, ok := tc.m[fm.ID]
	tc.mu.RUnlock()
	if ok {
		return r, nil
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if r, ok := tc.m[fm.ID]; ok {
		return r, nil
	}
	r, err := sstable.Open(manifest.TablePath(tc.dir, fm.Level, fm.ID))
	if err != nil {
		return nil, err
	}
	tc.m[fm.ID] = r
	return r, nil
}

func (tc *tableCache) put(id uint64, r *sstable.Reader) {
	tc.mu.Lock()
	tc.m[id] = r
	tc.mu.Unlock()
}

func (tc *tableCache) remove(id uint64) *sstable.Reader {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	r := tc.m[id]
	delete(tc.m, id)
	return r
}

func (tc *tableCache) closeAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for id, r := range tc.m {
		if err := r.Close(); err != nil {
			slog.Warn("failed to close SSTable", "file", id, "error", err)
		}
	}
	tc.m = make(map[uint64]*sstable.Reader)
}

// bloomCounts sums probe outcomes across every open reader.
func (tc *tableCache) bloomCounts() (negatives, positives, falsePositives uint64) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	for _, r := range tc.m {
		negatives += r.Bloom.Negatives.Load()
		positives += r.Bloom.Positives.Load()
		falsePositives += r.Bloom.FalsePositives.Load()
	}
	return
}
