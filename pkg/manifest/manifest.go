// Package manifest tracks which SSTables make up the database. The
// current state is an immutable, refcounted Version; flush and compaction
// install new versions atomically, and a superseded file is physically
// deleted only after every reader holding a version that references it
// has let go. The persistent snapshot survives crashes through the
// write-new-then-rename pattern.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/Hk669/snailDB/pkg/types"
)

const (
	manifestName = "MANIFEST"
)

// FileMeta describes one live SSTable.
type FileMeta struct {
	ID         uint64     `json:"id"`
	Level      int        `json:"level"`
	Size       int64      `json:"size"`
	EntryCount uint64     `json:"entry_count"`
	MinKey     []byte     `json:"min_key"`
	MaxKey     []byte     `json:"max_key"`
	MaxSeq     types.SeqN `json:"max_seq"`
}

// TablePath returns the on-disk path of a table: <level>-<id>.sst.
func TablePath(dir string, level int, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d-%d.sst", level, id))
}

// Edit is one atomic change: files added, files removed, and updated
// watermarks. Applied under the set's mutex, persisted, then installed.
type Edit struct {
	Add     []FileMeta
	Remove  []uint64
	LastSeq types.SeqN
	WALSeg  uint64
}

type fileHandle struct {
	meta     FileMeta
	refs     int
	obsolete bool
}

// Set owns the current version and the persistent snapshot.
type Set struct {
	dir      string
	maxLevel int
	// onDelete runs when a file's last reference drains. The engine closes
	// the reader and removes the file here.
	onDelete func(FileMeta)

	mu       sync.Mutex
	current  *Version
	files    map[uint64]*fileHandle
	nextFile uint64
	lastSeq  types.SeqN
	walSeg   uint64
}

// Version is an immutable snapshot of the level structure. Readers Ref it
// for the duration of an operation; its files stay valid until Unref.
type Version struct {
	set    *Set
	levels [][]FileMeta
	refs   int
}

type snapshot struct {
	NextFileID uint64     `json:"next_file_id"`
	LastSeq    types.SeqN `json:"last_seq"`
	WALSegment uint64     `json:"wal_segment"`
	Files      []FileMeta `json:"files"`
}

// Open loads (or initializes) the manifest in dir. maxLevel bounds the
// level structure; onDelete is invoked for each file that becomes
// physically deletable.
func Open(dir string, maxLevel int, onDelete func(FileMeta)) (*Set, error) {
	if onDelete == nil {
		onDelete = func(FileMeta) {}
	}
	s := &Set{
		dir:      dir,
		maxLevel: maxLevel,
		onDelete: onDelete,
		files:    make(map[uint64]*fileHandle),
		nextFile: 1,
		walSeg:   1,
	}

	path := filepath.Join(dir, manifestName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh database.
	case err != nil:
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	default:
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		s.nextFile = snap.NextFileID
		s.lastSeq = snap.LastSeq
		s.walSeg = snap.WALSegment
		for _, fm := range snap.Files {
			s.files[fm.ID] = &fileHandle{meta: fm}
		}
	}

	s.current = s.buildVersion()
	s.current.refs = 1 // the set's own reference
	return s, nil
}

// buildVersion assembles levels from the live (non-obsolete) files and
// takes one reference per file. Caller holds s.mu or has exclusive access.
func (s *Set) buildVersion() *Version {
	v := &Version{set: s, levels: make([][]FileMeta, s.maxLevel)}
	for _, h := range s.files {
		if h.obsolete {
			continue
		}
		lvl := h.meta.Level
		if lvl >= s.maxLevel {
			lvl = s.maxLevel - 1
		}
		v.levels[lvl] = append(v.levels[lvl], h.meta)
		h.refs++
	}
	// Level 0 ordered oldest to newest by file id; readers walk it in
	// reverse. Deeper levels sorted by key range, which must not overlap.
	sort.Slice(v.levels[0], func(i, j int) bool { return v.levels[0][i].ID < v.levels[0][j].ID })
	for l := 1; l < s.maxLevel; l++ {
		sort.Slice(v.levels[l], func(i, j int) bool {
			return bytes.Compare(v.levels[l][i].MinKey, v.levels[l][j].MinKey) < 0
		})
	}
	return v
}

// Apply installs an edit: registers and removes files, persists the
// snapshot, then swaps the current version. If persisting fails nothing
// is installed.
func (s *Set) Apply(edit Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fm := range edit.Add {
		if _, dup := s.files[fm.ID]; dup {
			return errors.AssertionFailedf("manifest: duplicate file id %d", fm.ID)
		}
		if fm.Level < 0 || fm.Level >= s.maxLevel {
			return errors.AssertionFailedf("manifest: file %d at invalid level %d", fm.ID, fm.Level)
		}
	}

	// Stage on copies so a persist failure leaves state untouched.
	if edit.LastSeq > s.lastSeq {
		s.lastSeq = edit.LastSeq
	}
	if edit.WALSeg > s.walSeg {
		s.walSeg = edit.WALSeg
	}
	for _, fm := range edit.Add {
		s.files[fm.ID] = &fileHandle{meta: fm}
		if fm.ID >= s.nextFile {
			s.nextFile = fm.ID + 1
		}
	}
	removed := make([]*fileHandle, 0, len(edit.Remove))
	for _, id := range edit.Remove {
		h, ok := s.files[id]
		if !ok || h.obsolete {
			return errors.AssertionFailedf("manifest: removing unknown file %d", id)
		}
		removed = append(removed, h)
	}
	for _, h := range removed {
		h.obsolete = true
	}

	if err := s.persistLocked(); err != nil {
		// Roll back staging so the in-memory state matches the snapshot
		// still on disk.
		for _, fm := range edit.Add {
			delete(s.files, fm.ID)
		}
		for _, h := range removed {
			h.obsolete = false
		}
		return err
	}

	next := s.buildVersion()
	next.refs++ // the set's reference
	old := s.current
	s.current = next
	s.unrefLocked(old)
	return nil
}

// persistLocked writes the snapshot to a temp file and renames it over
// MANIFEST. Obsolete files are excluded.
func (s *Set) persistLocked() error {
	snap := snapshot{
		NextFileID: s.nextFile,
		LastSeq:    s.lastSeq,
		WALSegment: s.walSeg,
	}
	ids := make([]uint64, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if h := s.files[id]; !h.obsolete {
			snap.Files = append(snap.Files, h.meta)
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := filepath.Join(s.dir, manifestName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create manifest temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, manifestName)); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}
	return nil
}

// Current returns the current version with a reference taken. The caller
// must Unref when done.
func (s *Set) Current() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.refs++
	return s.current
}

// NextFileID allocates a fresh table id.
func (s *Set) NextFileID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextFile
	s.nextFile++
	return id
}

// LastSeq is the highest sequence number known durable in SSTables.
func (s *Set) LastSeq() types.SeqN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// WALSegment is the oldest WAL segment that may still hold unflushed
// writes; replay starts here.
func (s *Set) WALSegment() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walSeg
}

// Exclude drops a file that failed to open (corruption) from the current
// state without touching it on disk, leaving it for operator inspection.
func (s *Set) Exclude(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.files[id]
	if !ok || h.obsolete {
		return nil
	}
	slog.Warn("excluding corrupted SSTable from the current version", "file", id, "level", h.meta.Level)
	delete(s.files, id)
	if err := s.persistLocked(); err != nil {
		s.files[id] = h
		return err
	}
	next := s.buildVersion()
	next.refs++
	old := s.current
	s.current = next
	s.unrefLocked(old)
	return nil
}

// Close releases the set's own version reference.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.unrefLocked(s.current)
		s.current = nil
	}
}

func (s *Set) unrefLocked(v *Version) {
	v.refs--
	if v.refs > 0 {
		return
	}
	for _, level := range v.levels {
		for _, fm := range level {
			h, ok := s.files[fm.ID]
			if !ok {
				continue
			}
			h.refs--
			if h.refs == 0 && h.obsolete {
				delete(s.files, fm.ID)
				s.onDelete(h.meta)
			}
		}
	}
}

// Levels returns the version's level structure. The slices are shared and
// must not be mutated.
func (v *Version) Levels() [][]FileMeta {
	return v.levels
}

// Files flattens the version into a single slice, L0 first.
func (v *Version) Files() []FileMeta {
	var out []FileMeta
	for _, level := range v.levels {
		out = append(out, level...)
	}
	return out
}

// Unref releases the caller's reference; once every holder lets go, files
// superseded since then become deletable.
func (v *Version) Unref() {
	v.set.mu.Lock()
	defer v.set.mu.Unlock()
	v.set.unrefLocked(v)
}
