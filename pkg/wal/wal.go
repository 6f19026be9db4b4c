// Package wal implements the engine's write-ahead log: append-only segment
// files holding length-prefixed, checksummed records. A record is durable
// on disk before Append returns, which is what lets the memtable stay
// purely in memory.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Hk669/snailDB/pkg/types"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	// crc(4) + payload length(4)
	recordHeaderSize = 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// WAL appends records to the active segment file. One writer at a time;
// rotation hands the sealed segment id back to the caller for garbage
// collection once the matching memtable is durable elsewhere.
type WAL struct {
	dir string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	segID  uint64
}

// Open creates the directory if needed and opens segment startID for
// appending. Replaying older segments is the caller's job and happens
// before Open via Replay.
func Open(dir string, startID uint64) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{dir: dir}
	if err := w.openSegment(startID); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openSegment(id uint64) error {
	file, err := os.OpenFile(SegmentPath(w.dir, id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", id, err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.segID = id
	return nil
}

// SegmentPath returns the on-disk path of segment id: wal-<id>.log.
func SegmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", segmentPrefix, id, segmentSuffix))
}

// Append writes one record and forces it to stable storage before
// returning.
func (w *WAL) Append(e types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked([]types.Entry{e})
}

// AppendBatch writes a group of records with a single flush and fsync.
// Either the whole group reaches the buffer or none of it does; on error
// nothing was synced and the caller must treat the batch as unwritten.
func (w *WAL) AppendBatch(entries []types.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(entries)
}

func (w *WAL) appendLocked(entries []types.Entry) error {
	if w.writer == nil {
		return fmt.Errorf("WAL is closed")
	}

	for _, e := range entries {
		payload, err := encodeRecord(e)
		if err != nil {
			return err
		}

		var header [recordHeaderSize]byte
		binary.LittleEndian.PutUint32(header[0:4], crc32.Checksum(payload, castagnoli))
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))

		if _, err := w.writer.Write(header[:]); err != nil {
			return fmt.Errorf("failed to write WAL record header: %w", err)
		}
		if _, err := w.writer.Write(payload); err != nil {
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// SealAndRotate closes the active segment and opens the next one,
// returning the sealed segment's id.
func (w *WAL) SealAndRotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sealed := w.segID
	if err := w.closeLocked(); err != nil {
		return 0, err
	}
	if err := w.openSegment(sealed + 1); err != nil {
		return 0, err
	}
	return sealed, nil
}

// SegmentID returns the id of the active segment.
func (w *WAL) SegmentID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segID
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *WAL) closeLocked() error {
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL on close: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL segment: %w", err)
		}
		w.file = nil
	}
	return nil
}

// RemoveSegment deletes a sealed segment. Only safe once the memtable it
// backed is durably registered in the manifest.
func RemoveSegment(dir string, id uint64) error {
	if err := os.Remove(SegmentPath(dir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL segment %d: %w", id, err)
	}
	return nil
}

// ListSegments returns the ids of all segments in dir, ascending.
func ListSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var ids []uint64
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Replay feeds every durable record from segments >= fromSeg to callback,
// in write order. A checksum mismatch or a truncated tail marks the
// durability boundary: replay stops there without error, and anything
// after it is discarded. clean reports whether every segment was read to
// the end with no boundary hit.
func Replay(dir string, fromSeg uint64, callback func(segID uint64, e types.Entry) error) (clean bool, err error) {
	ids, err := ListSegments(dir)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		if id < fromSeg {
			continue
		}
		done, err := replaySegment(dir, id, callback)
		if err != nil {
			return false, err
		}
		if !done {
			// Hit the durability boundary mid-segment; later segments
			// cannot hold ordered durable data past this point.
			return false, nil
		}
	}
	return true, nil
}

// replaySegment returns done=false when replay stopped at a corrupt or
// truncated record.
func replaySegment(dir string, id uint64, callback func(uint64, types.Entry) error) (bool, error) {
	file, err := os.Open(SegmentPath(dir, id))
	if err != nil {
		return false, fmt.Errorf("failed to open WAL segment %d for replay: %w", id, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL segment after replay", "segment", id, "error", cerr)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat WAL segment %d: %w", id, err)
	}
	remaining := info.Size()

	reader := bufio.NewReader(file)
	for {
		var header [recordHeaderSize]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if err == io.EOF {
				return true, nil
			}
			// Partial header: torn write at the tail.
			slog.Warn("WAL segment ends in a partial record header", "segment", id)
			return false, nil
		}
		remaining -= recordHeaderSize

		wantCRC := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])

		// A length prefix pointing past the end of the file is a torn or
		// corrupt header; checked before allocating the payload buffer.
		if int64(length) > remaining {
			slog.Warn("WAL record length exceeds segment size, stopping replay",
				"segment", id, "length", length, "remaining", remaining)
			return false, nil
		}
		remaining -= int64(length)

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			slog.Warn("WAL segment ends in a truncated record", "segment", id, "want", length)
			return false, nil
		}
		if crc32.Checksum(payload, castagnoli) != wantCRC {
			slog.Warn("WAL record checksum mismatch, stopping replay", "segment", id)
			return false, nil
		}

		entry, err := decodeRecord(payload)
		if err != nil {
			slog.Warn("undecodable WAL record, stopping replay", "segment", id, "error", err)
			return false, nil
		}
		if err := callback(id, entry); err != nil {
			return false, fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// payload layout: seq(8) kind(1) keyLen(4) key valLen(4) val
func encodeRecord(e types.Entry) ([]byte, error) {
	if len(e.Key) > math.MaxUint32 {
		return nil, fmt.Errorf("key too large: %d", len(e.Key))
	}
	if len(e.Value) > math.MaxUint32 {
		return nil, fmt.Errorf("value too large: %d", len(e.Value))
	}

	buf := make([]byte, 0, 17+len(e.Key)+len(e.Value))
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, byte(e.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	return buf, nil
}

func decodeRecord(payload []byte) (types.Entry, error) {
	var e types.Entry
	if len(payload) < 17 {
		return e, fmt.Errorf("record too short: %d bytes", len(payload))
	}
	e.Seq = binary.LittleEndian.Uint64(payload[0:8])
	e.Kind = types.Kind(payload[8])

	off := 9
	keyLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if off+keyLen+4 > len(payload) {
		return e, fmt.Errorf("record key overruns payload")
	}
	e.Key = append([]byte(nil), payload[off:off+keyLen]...)
	off += keyLen

	valLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if off+valLen != len(payload) {
		return e, fmt.Errorf("record value length mismatch")
	}
	e.Value = append([]byte(nil), payload[off:off+valLen]...)
	return e, nil
}
