package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hk669/snailDB/pkg/types"
	"github.com/Hk669/snailDB/pkg/wal"
)

// tinyOpts seals the memtable on every write so flushes are easy to force.
func tinyOpts() Options {
	o := DefaultOptions()
	o.MemtableBytes = 1
	o.CompactionConcurrency = 0 // compaction only when a test asks
	return o
}

func waitFlushed(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Stats().SealedMemtables == 0
	}, 5*time.Second, 5*time.Millisecond, "sealed memtables never drained")
}

func mustGet(t *testing.T, e *Engine, key string) string {
	t.Helper()
	v, ok, err := e.Get([]byte(key))
	require.NoError(t, err)
	require.True(t, ok, "key %q absent", key)
	return string(v)
}

func mustAbsent(t *testing.T, e *Engine, key string) {
	t.Helper()
	_, ok, err := e.Get([]byte(key))
	require.NoError(t, err)
	require.False(t, ok, "key %q unexpectedly present", key)
}

func TestWriteReadConsistency(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i))))
	}
	require.NoError(t, e.Put([]byte("k050"), []byte("rewritten")))

	require.Equal(t, "rewritten", mustGet(t, e, "k050"))
	require.Equal(t, "v007", mustGet(t, e, "k007"))
	mustAbsent(t, e, "nope")
}

func TestEmptyKeyRejected(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer e.Close()

	require.Error(t, e.Put(nil, []byte("v")))
	_, _, err = e.Get(nil)
	require.Error(t, err)
}

func TestFlushedThenOverwritten(t *testing.T) {
	// A value rewritten after its key was flushed must shadow the older
	// on-disk version, before and after compaction.
	e, err := Open(t.TempDir(), tinyOpts())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	waitFlushed(t, e)
	require.NoError(t, e.Put([]byte("a"), []byte("3")))

	require.Equal(t, "3", mustGet(t, e, "a"))

	waitFlushed(t, e)
	require.NoError(t, e.Compact(context.Background()))

	require.Equal(t, "3", mustGet(t, e, "a"))
	require.Equal(t, "2", mustGet(t, e, "b"))
}

func TestDeleteVisibilityAcrossFlush(t *testing.T) {
	e, err := Open(t.TempDir(), tinyOpts())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	waitFlushed(t, e) // "k" now lives in an SSTable
	require.NoError(t, e.Delete([]byte("k")))

	mustAbsent(t, e, "k")

	// Still absent once the tombstone itself is flushed.
	waitFlushed(t, e)
	mustAbsent(t, e, "k")
}

func TestTombstonePurgedByFullCompaction(t *testing.T) {
	// After a full compaction the deleted key is gone and its tombstone
	// is not carried in the output either.
	e, err := Open(t.TempDir(), tinyOpts())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("x"), []byte("1")))
	require.NoError(t, e.Delete([]byte("x")))
	require.NoError(t, e.Put([]byte("keep"), []byte("me")))
	waitFlushed(t, e)

	require.NoError(t, e.Compact(context.Background()))

	mustAbsent(t, e, "x")
	require.Equal(t, "me", mustGet(t, e, "keep"))

	// The compacted output holds exactly one entry: no tombstone for x.
	st := e.Stats()
	var totalEntries, totalFiles int
	for _, l := range st.Levels {
		totalFiles += l.Files
	}
	require.Equal(t, 1, totalFiles)
	s, err := e.Scan(nil, nil)
	require.NoError(t, err)
	defer s.Close()
	for s.Next() {
		totalEntries++
		require.Equal(t, "keep", string(s.Key()))
	}
	require.NoError(t, s.Err())
	require.Equal(t, 1, totalEntries)
}

func TestScanSnapshotIsolation(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))

	s, err := e.Scan(nil, nil)
	require.NoError(t, err)
	defer s.Close()

	// Concurrent writes after the scan started must stay invisible.
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Put([]byte("a"), []byte("overwritten")))

	var got []string
	for s.Next() {
		got = append(got, string(s.Key())+"="+string(s.Value()))
	}
	require.NoError(t, s.Err())
	require.Equal(t, []string{"a=1"}, got)
}

func TestScanMergesAllTiers(t *testing.T) {
	e, err := Open(t.TempDir(), tinyOpts())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("b"), []byte("from-sst")))
	require.NoError(t, e.Put([]byte("d"), []byte("old")))
	waitFlushed(t, e)
	require.NoError(t, e.Put([]byte("a"), []byte("from-mem")))
	require.NoError(t, e.Delete([]byte("d")))
	waitFlushed(t, e)
	require.NoError(t, e.Put([]byte("c"), []byte("fresh")))

	s, err := e.Scan(nil, nil)
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for s.Next() {
		got = append(got, string(s.Key())+"="+string(s.Value()))
	}
	require.NoError(t, s.Err())
	require.Equal(t, []string{"a=from-mem", "b=from-sst", "c=fresh"}, got)
}

func TestScanRangeBounds(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	defer e.Close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}

	s, err := e.Scan([]byte("b"), []byte("d"))
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for s.Next() {
		got = append(got, string(s.Key()))
	}
	require.Equal(t, []string{"b", "c"}, got, "end bound is exclusive")

	_, err = e.Scan([]byte("z"), []byte("a"))
	require.Error(t, err)
}

func TestReopenAfterClose(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, tinyOpts())
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("persisted"), []byte("yes")))
	require.NoError(t, e.Put([]byte("gone"), []byte("soon")))
	require.NoError(t, e.Delete([]byte("gone")))
	require.NoError(t, e.Close())

	e, err = Open(dir, tinyOpts())
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, "yes", mustGet(t, e, "persisted"))
	mustAbsent(t, e, "gone")

	// Writes keep working with sequence numbers past the recovered ones.
	require.NoError(t, e.Put([]byte("after"), []byte("reopen")))
	require.Equal(t, "reopen", mustGet(t, e, "after"))
}

func TestRecoverFromWALOnly(t *testing.T) {
	// Simulates a crash before any flush: only WAL segments exist.
	dir := t.TempDir()
	j, err := wal.Open(dir, 1)
	require.NoError(t, err)
	require.NoError(t, j.Append(types.Entry{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: types.KindSet}))
	require.NoError(t, j.Append(types.Entry{Key: []byte("b"), Value: []byte("2"), Seq: 2, Kind: types.KindSet}))
	require.NoError(t, j.Append(types.Entry{Key: []byte("a"), Seq: 3, Kind: types.KindDelete}))
	require.NoError(t, j.Close())

	e, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer e.Close()

	mustAbsent(t, e, "a")
	require.Equal(t, "2", mustGet(t, e, "b"))

	// New writes must be sequenced after the replayed ones.
	require.NoError(t, e.Put([]byte("a"), []byte("resurrected")))
	require.Equal(t, "resurrected", mustGet(t, e, "a"))
}

func TestStatsShape(t *testing.T) {
	e, err := Open(t.TempDir(), tinyOpts())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	waitFlushed(t, e)

	// Probe misses to exercise the bloom counters.
	for i := 0; i < 50; i++ {
		mustAbsent(t, e, fmt.Sprintf("absent-%d", i))
	}

	st := e.Stats()
	require.Len(t, st.Levels, DefaultOptions().MaxLevels)
	require.Equal(t, 1, st.Levels[0].Files)
	require.Positive(t, st.TotalBytes)
	require.Positive(t, st.BloomNegatives)
	require.Equal(t, "idle", st.CompactionState)
	require.LessOrEqual(t, st.BloomObservedFPRate, 0.05)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	require.Error(t, e.Put([]byte("k"), []byte("v2")))
	_, _, err = e.Get([]byte("k"))
	require.Error(t, err)
	_, err = e.Scan(nil, nil)
	require.Error(t, err)
	require.Error(t, e.Close())
}

func TestBackgroundCompactionTriggers(t *testing.T) {
	dir := t.TempDir()
	o := tinyOpts()
	o.CompactionConcurrency = 1

	e, err := Open(dir, o)
	require.NoError(t, err)
	defer e.Close()

	// Enough flushes to cross the L0 trigger several times over.
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("v")))
	}
	waitFlushed(t, e)

	require.Eventually(t, func() bool {
		st := e.Stats()
		return st.CompactionsCompleted > 0 && st.Levels[0].Files < 20
	}, 10*time.Second, 10*time.Millisecond, "background compaction never ran")

	for i := 0; i < 20; i++ {
		require.Equal(t, "v", mustGet(t, e, fmt.Sprintf("key-%03d", i)))
	}
}

// Idle open/close cycles must not grow the store: the final flush in
// Close rotates the WAL so its segments drop below the floor, and a
// reopen that replays nothing reclaims whatever segments are left over.
func TestCloseReopenDoesNotAccumulateState(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	for i := 0; i < 4; i++ {
		e, err = Open(dir, DefaultOptions())
		require.NoError(t, err)
		require.Equal(t, "v", mustGet(t, e, "k"))
		require.NoError(t, e.Close())
	}

	e, err = Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, 1, e.Stats().Levels[0].Files)

	ids, err := wal.ListSegments(dir)
	require.NoError(t, err)
	require.LessOrEqual(t, len(ids), 2)
}
