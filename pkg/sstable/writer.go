package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/Hk669/snailDB/pkg/bloom"
	"github.com/Hk669/snailDB/pkg/types"
)

// WriterOptions size the blocks and the bloom filter of a new table.
type WriterOptions struct {
	BlockSize   int
	BloomFPRate float64
	Compression bool
}

func (o *WriterOptions) withDefaults() WriterOptions {
	out := *o
	if out.BlockSize <= 0 {
		out.BlockSize = 4 * 1024
	}
	if out.BloomFPRate <= 0 {
		out.BloomFPRate = 0.01
	}
	return out
}

// Writer produces one immutable table from a strictly ascending entry
// stream: newest version per key, tombstones retained. It writes to a
// temporary file and renames into place on Finish so a crash never leaves
// a half-written table under the final name.
type Writer struct {
	path    string
	tmpPath string
	file    *os.File
	w       *bufio.Writer
	opts    WriterOptions

	enc *zstd.Encoder

	blockBuf bytes.Buffer
	index    []indexEntry
	keys     [][]byte
	offset   uint64

	entryCount uint64
	maxSeq     types.SeqN
	minKey     []byte
	lastKey    []byte
}

func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSTable file: %w", err)
	}

	wr := &Writer{
		path:    path,
		tmpPath: tmp,
		file:    file,
		w:       bufio.NewWriterSize(file, 64*1024),
		opts:    opts,
	}
	if opts.Compression {
		wr.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to init zstd encoder: %w", err)
		}
	}
	return wr, nil
}

// Add appends one entry. Keys must arrive strictly ascending; a regression
// or duplicate is a caller contract violation, not a runtime condition.
func (wr *Writer) Add(e types.Entry) error {
	if wr.lastKey != nil && bytes.Compare(e.Key, wr.lastKey) <= 0 {
		return errors.AssertionFailedf("sstable: key regression: %q after %q", e.Key, wr.lastKey)
	}

	if wr.entryCount == 0 {
		wr.minKey = append([]byte(nil), e.Key...)
	}
	wr.lastKey = append(wr.lastKey[:0], e.Key...)
	wr.entryCount++
	if e.Seq > wr.maxSeq {
		wr.maxSeq = e.Seq
	}
	wr.keys = append(wr.keys, append([]byte(nil), e.Key...))

	if wr.blockBuf.Len() == 0 {
		wr.index = append(wr.index, indexEntry{
			firstKey: append([]byte(nil), e.Key...),
			offset:   wr.offset,
		})
	}

	wr.blockBuf.Write(encodeEntry(nil, e))

	if wr.blockBuf.Len() >= wr.opts.BlockSize {
		return wr.flushBlock()
	}
	return nil
}

func (wr *Writer) flushBlock() error {
	if wr.blockBuf.Len() == 0 {
		return nil
	}

	data := wr.blockBuf.Bytes()
	comp := byte(compressionNone)
	if wr.enc != nil {
		packed := wr.enc.EncodeAll(data, nil)
		if len(packed) < len(data) {
			data = packed
			comp = compressionZstd
		}
	}

	framed := make([]byte, 0, 1+len(data))
	framed = append(framed, comp)
	framed = append(framed, data...)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], crc32.Checksum(framed, castagnoli))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(framed)))

	if _, err := wr.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := wr.w.Write(framed); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}

	total := uint64(8 + len(framed))
	wr.index[len(wr.index)-1].size = total
	wr.offset += total
	wr.blockBuf.Reset()
	return nil
}

// Finish flushes the last block, writes index, bloom filter, footer and
// trailer, fsyncs, and renames the table into place.
func (wr *Writer) Finish() error {
	if wr.entryCount == 0 {
		return errors.AssertionFailedf("sstable: Finish on empty writer")
	}
	if err := wr.flushBlock(); err != nil {
		return err
	}

	ft := footer{
		indexOffset: wr.offset,
		entryCount:  wr.entryCount,
		maxSeq:      wr.maxSeq,
		minKey:      wr.minKey,
		maxKey:      append([]byte(nil), wr.lastKey...),
	}

	// Index.
	var idx bytes.Buffer
	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(wr.index)))
	idx.Write(scratch[:4])
	for _, ie := range wr.index {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(ie.firstKey)))
		idx.Write(scratch[:4])
		idx.Write(ie.firstKey)
		binary.LittleEndian.PutUint64(scratch[:], ie.offset)
		idx.Write(scratch[:])
		binary.LittleEndian.PutUint64(scratch[:], ie.size)
		idx.Write(scratch[:])
	}
	if _, err := wr.w.Write(idx.Bytes()); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	ft.indexSize = uint64(idx.Len())
	wr.offset += ft.indexSize

	// Bloom filter over every key in the table.
	filter := bloom.Build(wr.keys, wr.opts.BloomFPRate)
	fb := filter.Bytes()
	if _, err := wr.w.Write(fb); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}
	ft.bloomOffset = wr.offset
	ft.bloomSize = uint64(len(fb))
	wr.offset += ft.bloomSize

	// Footer and trailer.
	body := ft.encode()
	if _, err := wr.w.Write(body); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[0:8], wr.offset)
	binary.LittleEndian.PutUint32(trailer[8:12], crc32.Checksum(body, castagnoli))
	binary.LittleEndian.PutUint32(trailer[12:16], magic)
	if _, err := wr.w.Write(trailer[:]); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}

	if err := wr.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSTable: %w", err)
	}
	if err := wr.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync SSTable: %w", err)
	}
	if err := wr.file.Close(); err != nil {
		return fmt.Errorf("failed to close SSTable: %w", err)
	}
	if wr.enc != nil {
		wr.enc.Close()
	}
	if err := os.Rename(wr.tmpPath, wr.path); err != nil {
		return fmt.Errorf("failed to rename SSTable into place: %w", err)
	}
	return nil
}

// Abort discards a partially written table.
func (wr *Writer) Abort() {
	wr.file.Close()
	os.Remove(wr.tmpPath)
	if wr.enc != nil {
		wr.enc.Close()
	}
}

// Path returns the final path the table will occupy after Finish.
func (wr *Writer) Path() string {
	return wr.path
}
