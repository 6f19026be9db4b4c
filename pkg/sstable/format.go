// Package sstable implements the immutable on-disk table format: CRC-framed
// data blocks (optionally zstd-compressed), a sparse first-key index, an
// embedded bloom filter and a checksummed footer.
//
// File layout:
//
//	data blocks   [crc:4][len:4][compression:1][entries...]
//	index         count, then per block: firstKey, offset, size
//	bloom filter  serialized bloom.Filter
//	footer        offsets, sizes, entry count, max seq, min/max key
//	trailer       footerOffset(8) footerCRC(4) magic(4)
//
// Files are read back to front, starting at the fixed-size trailer.
package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"github.com/Hk669/snailDB/pkg/types"
)

const (
	magic = 0x534e4442 // "SNDB"

	blockHeaderSize = 9  // crc(4) + stored length(4) + compression(1)
	trailerSize     = 16 // footer offset(8) + footer crc(4) + magic(4)

	compressionNone = 0
	compressionZstd = 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupted marks a checksum or framing failure in a table file. The
// manifest excludes such files from the current version.
var ErrCorrupted = errors.New("sstable: corrupted file")

type indexEntry struct {
	firstKey []byte
	offset   uint64
	size     uint64
}

type footer struct {
	indexOffset uint64
	indexSize   uint64
	bloomOffset uint64
	bloomSize   uint64
	entryCount  uint64
	maxSeq      types.SeqN
	minKey      []byte
	maxKey      []byte
}

func (f *footer) encode() []byte {
	buf := make([]byte, 0, 48+8+len(f.minKey)+len(f.maxKey))
	buf = binary.LittleEndian.AppendUint64(buf, f.indexOffset)
	buf = binary.LittleEndian.AppendUint64(buf, f.indexSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.bloomOffset)
	buf = binary.LittleEndian.AppendUint64(buf, f.bloomSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.entryCount)
	buf = binary.LittleEndian.AppendUint64(buf, f.maxSeq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.minKey)))
	buf = append(buf, f.minKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.maxKey)))
	buf = append(buf, f.maxKey...)
	return buf
}

func decodeFooter(data []byte) (*footer, error) {
	if len(data) < 56 {
		return nil, errors.Wrapf(ErrCorrupted, "footer too short: %d bytes", len(data))
	}
	f := &footer{
		indexOffset: binary.LittleEndian.Uint64(data[0:8]),
		indexSize:   binary.LittleEndian.Uint64(data[8:16]),
		bloomOffset: binary.LittleEndian.Uint64(data[16:24]),
		bloomSize:   binary.LittleEndian.Uint64(data[24:32]),
		entryCount:  binary.LittleEndian.Uint64(data[32:40]),
		maxSeq:      binary.LittleEndian.Uint64(data[40:48]),
	}
	off := 48
	minLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+minLen+4 > len(data) {
		return nil, errors.Wrap(ErrCorrupted, "footer min key overruns")
	}
	f.minKey = append([]byte(nil), data[off:off+minLen]...)
	off += minLen
	maxLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+maxLen != len(data) {
		return nil, errors.Wrap(ErrCorrupted, "footer max key overruns")
	}
	f.maxKey = append([]byte(nil), data[off:off+maxLen]...)
	return f, nil
}

// entry encoding inside a block: keyLen(4) valLen(4) seq(8) kind(1) key value
func encodeEntry(buf []byte, e types.Entry) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, byte(e.Kind))
	buf = append(buf, e.Key...)
	buf = append(buf, e.Value...)
	return buf
}

func decodeEntries(block []byte) ([]types.Entry, error) {
	var out []types.Entry
	off := 0
	for off < len(block) {
		if off+17 > len(block) {
			return nil, errors.Wrap(ErrCorrupted, "block entry header overruns")
		}
		keyLen := int(binary.LittleEndian.Uint32(block[off : off+4]))
		valLen := int(binary.LittleEndian.Uint32(block[off+4 : off+8]))
		seq := binary.LittleEndian.Uint64(block[off+8 : off+16])
		kind := types.Kind(block[off+16])
		off += 17
		if off+keyLen+valLen > len(block) {
			return nil, errors.Wrap(ErrCorrupted, "block entry body overruns")
		}
		key := append([]byte(nil), block[off:off+keyLen]...)
		off += keyLen
		val := append([]byte(nil), block[off:off+valLen]...)
		off += valLen
		out = append(out, types.Entry{Key: key, Value: val, Seq: seq, Kind: kind})
	}
	return out, nil
}
