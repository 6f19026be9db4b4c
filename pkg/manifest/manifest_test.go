package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func meta(id uint64, level int, minKey, maxKey string) FileMeta {
	return FileMeta{
		ID:     id,
		Level:  level,
		Size:   100,
		MinKey: []byte(minKey),
		MaxKey: []byte(maxKey),
	}
}

func TestApplyAndReload(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 7, nil)
	require.NoError(t, err)
	require.NoError(t, s.Apply(Edit{
		Add:     []FileMeta{meta(1, 0, "a", "m"), meta(2, 1, "a", "f"), meta(3, 1, "g", "z")},
		LastSeq: 42,
		WALSeg:  3,
	}))
	s.Close()

	s, err = Open(dir, 7, nil)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, uint64(42), s.LastSeq())
	require.Equal(t, uint64(3), s.WALSegment())
	require.Equal(t, uint64(4), s.NextFileID())

	v := s.Current()
	defer v.Unref()
	require.Len(t, v.Levels()[0], 1)
	require.Len(t, v.Levels()[1], 2)
	// Level 1 sorted by min key.
	require.Equal(t, uint64(2), v.Levels()[1][0].ID)
}

func TestSnapshotIsAtomicallyReplaced(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 7, nil)
	require.NoError(t, err)
	require.NoError(t, s.Apply(Edit{Add: []FileMeta{meta(1, 0, "a", "b")}}))
	require.NoError(t, s.Apply(Edit{Add: []FileMeta{meta(2, 0, "c", "d")}}))
	s.Close()

	// Only the final MANIFEST exists; no temp leftovers.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, []string{"MANIFEST"}, names)
	require.FileExists(t, filepath.Join(dir, "MANIFEST"))
}

func TestRefCountedDeletion(t *testing.T) {
	dir := t.TempDir()
	var deleted []uint64
	s, err := Open(dir, 7, func(fm FileMeta) { deleted = append(deleted, fm.ID) })
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Apply(Edit{Add: []FileMeta{meta(1, 0, "a", "z")}}))

	// A reader captures the version holding file 1.
	reader := s.Current()

	// Compaction replaces file 1 with file 2.
	require.NoError(t, s.Apply(Edit{Add: []FileMeta{meta(2, 1, "a", "z")}, Remove: []uint64{1}}))
	require.Empty(t, deleted, "file 1 still referenced by in-flight reader")

	// New readers no longer see file 1.
	now := s.Current()
	require.Len(t, now.Levels()[0], 0)
	require.Len(t, now.Levels()[1], 1)
	now.Unref()
	require.Empty(t, deleted)

	reader.Unref()
	require.Equal(t, []uint64{1}, deleted, "last reference released, file reclaimable")
}

func TestRemoveUnknownFileIsInvariantViolation(t *testing.T) {
	s, err := Open(t.TempDir(), 7, nil)
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.Apply(Edit{Remove: []uint64{99}}))
}

func TestExcludeCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	var deleted []uint64
	s, err := Open(dir, 7, func(fm FileMeta) { deleted = append(deleted, fm.ID) })
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Apply(Edit{Add: []FileMeta{meta(1, 0, "a", "z"), meta(2, 0, "a", "z")}}))
	require.NoError(t, s.Exclude(1))

	v := s.Current()
	defer v.Unref()
	require.Len(t, v.Levels()[0], 1)
	require.Equal(t, uint64(2), v.Levels()[0][0].ID)
	// Excluded files are left on disk for inspection, never deleted.
	require.Empty(t, deleted)

	// Exclusion survives reload.
	s2, err := Open(dir, 7, nil)
	require.NoError(t, err)
	defer s2.Close()
	v2 := s2.Current()
	defer v2.Unref()
	require.Len(t, v2.Levels()[0], 1)
}

func TestTablePath(t *testing.T) {
	require.Equal(t, filepath.Join("x", "2-7.sst"), TablePath("x", 2, 7))
}
