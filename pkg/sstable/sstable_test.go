package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Hk669/snailDB/pkg/types"
)

func buildTable(t *testing.T, opts WriterOptions, entries []types.Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0-1.sst")
	w, err := NewWriter(path, opts)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	require.NoError(t, w.Finish())
	return path
}

func seqEntries(n int) []types.Entry {
	out := make([]types.Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.Entry{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d", i)),
			Seq:   uint64(i + 1),
			Kind:  types.KindSet,
		})
	}
	return out
}

func TestWriteAndGet(t *testing.T) {
	entries := seqEntries(500)
	path := buildTable(t, WriterOptions{BlockSize: 256}, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	meta := r.Meta()
	require.Equal(t, uint64(500), meta.EntryCount)
	require.Equal(t, []byte("key-00000"), meta.MinKey)
	require.Equal(t, []byte("key-00499"), meta.MaxKey)
	require.Equal(t, uint64(500), meta.MaxSeq)

	for _, want := range entries {
		got, ok, err := r.Get(want.Key)
		require.NoError(t, err)
		require.True(t, ok, "missing %q", want.Key)
		require.Equal(t, want.Value, got.Value)
		require.Equal(t, want.Seq, got.Seq)
	}

	_, ok, err := r.Get([]byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTombstonesSurviveRoundTrip(t *testing.T) {
	entries := []types.Entry{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: types.KindSet},
		{Key: []byte("b"), Seq: 2, Kind: types.KindDelete},
	}
	path := buildTable(t, WriterOptions{}, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Tombstone())
}

func TestKeyRegressionFailsLoudly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0-1.sst")
	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Add(types.Entry{Key: []byte("b"), Seq: 1, Kind: types.KindSet}))
	require.Error(t, w.Add(types.Entry{Key: []byte("a"), Seq: 2, Kind: types.KindSet}))
	require.Error(t, w.Add(types.Entry{Key: []byte("b"), Seq: 3, Kind: types.KindSet}), "duplicate key must be rejected")
}

func TestCompressionRoundTrip(t *testing.T) {
	entries := seqEntries(2000)
	path := buildTable(t, WriterOptions{BlockSize: 1024, Compression: true}, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 2000; i += 97 {
		got, ok, err := r.Get(entries[i].Key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, entries[i].Value, got.Value)
	}
}

func TestIterRange(t *testing.T) {
	entries := seqEntries(300)
	path := buildTable(t, WriterOptions{BlockSize: 128}, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	it := r.Iter([]byte("key-00100"), []byte("key-00110"))
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Entry().Key))
	}
	require.NoError(t, it.Err())
	require.Len(t, keys, 10)
	require.Equal(t, "key-00100", keys[0])
	require.Equal(t, "key-00109", keys[9])

	// Full scan preserves order and count.
	it = r.Iter(nil, nil)
	n := 0
	last := ""
	for it.Next() {
		k := string(it.Entry().Key)
		require.Greater(t, k, last)
		last = k
		n++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 300, n)
}

func TestCorruptedFooterRejected(t *testing.T) {
	path := buildTable(t, WriterOptions{}, seqEntries(10))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the footer body (just before the trailer).
	data[len(data)-trailerSize-2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(path)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestCorruptedBlockSurfacedOnRead(t *testing.T) {
	path := buildTable(t, WriterOptions{BlockSize: 64}, seqEntries(50))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Damage the first data block's payload.
	data[12] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	r, err := Open(path)
	require.NoError(t, err, "footer is intact, open must succeed")
	defer r.Close()

	_, _, err = r.Get([]byte("key-00000"))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestBloomStats(t *testing.T) {
	path := buildTable(t, WriterOptions{}, seqEntries(100))
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 100; i++ {
		_, ok, err := r.Get([]byte(fmt.Sprintf("key-%05d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, uint64(100), r.Bloom.Positives.Load())

	for i := 0; i < 1000; i++ {
		_, _, err := r.Get([]byte(fmt.Sprintf("absent-%05d", i)))
		require.NoError(t, err)
	}
	// Nearly all absent probes must be filtered with no I/O.
	require.Greater(t, r.Bloom.Negatives.Load(), uint64(900))
}
