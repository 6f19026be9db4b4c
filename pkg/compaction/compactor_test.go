package compaction

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Hk669/snailDB/pkg/manifest"
	"github.com/Hk669/snailDB/pkg/sstable"
	"github.com/Hk669/snailDB/pkg/types"
)

type harness struct {
	t   *testing.T
	dir string
	set *manifest.Set
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	set, err := manifest.Open(dir, 7, func(fm manifest.FileMeta) {
		os.Remove(manifest.TablePath(dir, fm.Level, fm.ID))
	})
	require.NoError(t, err)
	t.Cleanup(set.Close)
	return &harness{t: t, dir: dir, set: set}
}

// writeTable registers a table holding the given entries (already sorted
// by key, newest per key).
func (h *harness) writeTable(level int, entries []types.Entry) manifest.FileMeta {
	h.t.Helper()
	id := h.set.NextFileID()
	w, err := sstable.NewWriter(manifest.TablePath(h.dir, level, id), sstable.WriterOptions{})
	require.NoError(h.t, err)
	for _, e := range entries {
		require.NoError(h.t, w.Add(e))
	}
	require.NoError(h.t, w.Finish())

	r, err := sstable.Open(w.Path())
	require.NoError(h.t, err)
	meta := r.Meta()
	require.NoError(h.t, r.Close())

	fm := manifest.FileMeta{
		ID: id, Level: level, Size: meta.Size,
		EntryCount: meta.EntryCount, MinKey: meta.MinKey, MaxKey: meta.MaxKey, MaxSeq: meta.MaxSeq,
	}
	require.NoError(h.t, h.set.Apply(manifest.Edit{Add: []manifest.FileMeta{fm}}))
	return fm
}

func (h *harness) compactor(opts Options) *Compactor {
	return New(h.dir, h.set, func(fm manifest.FileMeta) (*sstable.Reader, error) {
		return sstable.Open(manifest.TablePath(h.dir, fm.Level, fm.ID))
	}, opts)
}

func (h *harness) lookup(key string) (types.Entry, bool) {
	h.t.Helper()
	v := h.set.Current()
	defer v.Unref()
	// Newest-first search order, as the engine reads.
	levels := v.Levels()
	for i := len(levels[0]) - 1; i >= 0; i-- {
		if e, ok := h.get(levels[0][i], key); ok {
			return e, true
		}
	}
	for l := 1; l < len(levels); l++ {
		for _, fm := range levels[l] {
			if e, ok := h.get(fm, key); ok {
				return e, true
			}
		}
	}
	return types.Entry{}, false
}

func (h *harness) get(fm manifest.FileMeta, key string) (types.Entry, bool) {
	r, err := sstable.Open(manifest.TablePath(h.dir, fm.Level, fm.ID))
	require.NoError(h.t, err)
	defer r.Close()
	e, ok, err := r.Get([]byte(key))
	require.NoError(h.t, err)
	return e, ok
}

func set(key string, seq uint64, val string) types.Entry {
	return types.Entry{Key: []byte(key), Value: []byte(val), Seq: seq, Kind: types.KindSet}
}

func del(key string, seq uint64) types.Entry {
	return types.Entry{Key: []byte(key), Seq: seq, Kind: types.KindDelete}
}

func TestNoWorkBelowTrigger(t *testing.T) {
	h := newHarness(t)
	h.writeTable(0, []types.Entry{set("a", 1, "1")})

	c := h.compactor(Options{L0Trigger: 4})
	worked, err := c.MaybeCompact(context.Background())
	require.NoError(t, err)
	require.False(t, worked)
	require.Equal(t, Idle, c.State())
}

func TestL0MergeKeepsNewestVersion(t *testing.T) {
	h := newHarness(t)
	h.writeTable(0, []types.Entry{set("a", 1, "old"), set("b", 2, "b1")})
	h.writeTable(0, []types.Entry{set("a", 3, "mid")})
	h.writeTable(0, []types.Entry{set("a", 5, "new"), set("c", 4, "c1")})
	h.writeTable(0, []types.Entry{set("d", 6, "d1")})

	c := h.compactor(Options{L0Trigger: 4})
	worked, err := c.MaybeCompact(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, uint64(1), c.Completed())

	v := h.set.Current()
	require.Empty(t, v.Levels()[0], "L0 drained")
	require.NotEmpty(t, v.Levels()[1])
	v.Unref()

	e, ok := h.lookup("a")
	require.True(t, ok)
	require.Equal(t, "new", string(e.Value))
	require.Equal(t, uint64(5), e.Seq)
	for _, k := range []string{"b", "c", "d"} {
		_, ok := h.lookup(k)
		require.True(t, ok, "key %s lost in compaction", k)
	}
}

func TestTombstoneRetainedWhileOlderVersionBelow(t *testing.T) {
	h := newHarness(t)
	// Older version of "x" lives in level 2.
	h.writeTable(2, []types.Entry{set("x", 1, "ancient")})
	// Four L0 tables to trip the trigger; one deletes "x".
	h.writeTable(0, []types.Entry{del("x", 5)})
	h.writeTable(0, []types.Entry{set("a", 2, "a")})
	h.writeTable(0, []types.Entry{set("b", 3, "b")})
	h.writeTable(0, []types.Entry{set("c", 4, "c")})

	c := h.compactor(Options{L0Trigger: 4})
	worked, err := c.MaybeCompact(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	// L0+L1 merged into L1, but level 2 still has the old "x": the
	// tombstone must survive to keep shadowing it.
	e, ok := h.lookup("x")
	require.True(t, ok)
	require.True(t, e.Tombstone(), "tombstone dropped while an older version survives below")
}

func TestCompactAllPurgesTombstones(t *testing.T) {
	h := newHarness(t)
	h.writeTable(0, []types.Entry{set("x", 1, "1")})
	h.writeTable(0, []types.Entry{del("x", 2)})
	h.writeTable(0, []types.Entry{set("y", 3, "kept")})

	c := h.compactor(Options{})
	require.NoError(t, c.CompactAll(context.Background()))

	_, ok := h.lookup("x")
	require.False(t, ok, "fully compacted output must contain no entry for x")

	e, ok := h.lookup("y")
	require.True(t, ok)
	require.Equal(t, "kept", string(e.Value))
}

func TestOutputSplitAtTargetSize(t *testing.T) {
	h := newHarness(t)
	for f := 0; f < 4; f++ {
		entries := make([]types.Entry, 0, 100)
		for i := 0; i < 100; i++ {
			entries = append(entries, set(fmt.Sprintf("key-%d-%03d", f, i), uint64(f*100+i+1), "0123456789abcdef"))
		}
		h.writeTable(0, entries)
	}

	c := h.compactor(Options{L0Trigger: 4, TargetFileSize: 2048})
	worked, err := c.MaybeCompact(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	v := h.set.Current()
	defer v.Unref()
	require.Greater(t, len(v.Levels()[1]), 1, "output should split into multiple tables")

	// Non-overlapping, sorted ranges on level 1.
	files := v.Levels()[1]
	for i := 1; i < len(files); i++ {
		require.Equal(t, 1, bytesCompare(files[i].MinKey, files[i-1].MaxKey),
			"level 1 ranges overlap: %q vs %q", files[i].MinKey, files[i-1].MaxKey)
	}
}

func bytesCompare(a, b []byte) int {
	switch {
	case string(a) > string(b):
		return 1
	case string(a) < string(b):
		return -1
	}
	return 0
}

func TestCancelledBeforeInstallLeavesInputsValid(t *testing.T) {
	h := newHarness(t)
	for f := 0; f < 4; f++ {
		var entries []types.Entry
		for i := 0; i < 2000; i++ {
			entries = append(entries, set(fmt.Sprintf("k-%d-%04d", f, i), uint64(f*2000+i+1), "v"))
		}
		h.writeTable(0, entries)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := h.compactor(Options{L0Trigger: 4})
	_, err := c.MaybeCompact(ctx)
	require.Error(t, err)

	v := h.set.Current()
	defer v.Unref()
	require.Len(t, v.Levels()[0], 4, "inputs untouched after cancelled cycle")
	require.Empty(t, v.Levels()[1])
	require.ErrorIs(t, c.LastError(), context.Canceled)
}
