// Package bloom implements the fixed-size probabilistic membership index
// embedded in every SSTable. A filter is built once at flush or compaction
// time and is immutable afterwards.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const seedHi = 0x9e3779b97f4a7c15

// Filter is a classic bloom filter. MightContain never returns a false
// negative; false positives occur at roughly the rate the filter was
// sized for.
type Filter struct {
	bits    []byte
	numBits uint64
	hashes  uint32
}

// Build sizes a filter for n keys at the target false-positive rate and
// populates it. The k probe positions per key are derived from two xxhash
// base hashes via double hashing, so each key is hashed only twice.
func Build(keys [][]byte, fpRate float64) *Filter {
	n := len(keys)
	if n == 0 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2)
	m := uint64(math.Ceil(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	f := &Filter{
		bits:    make([]byte, (m+7)/8),
		numBits: m,
		hashes:  k,
	}
	for _, key := range keys {
		f.add(key)
	}
	return f
}

func baseHashes(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], h1^seedHi)
	d := xxhash.New()
	d.Write(seed[:])
	d.Write(key)
	return h1, d.Sum64()
}

func (f *Filter) add(key []byte) {
	h1, h2 := baseHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % f.numBits
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MightContain reports whether key may be in the set. False means the key
// is definitely absent.
func (f *Filter) MightContain(key []byte) bool {
	h1, h2 := baseHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % f.numBits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes serializes the filter for embedding in an SSTable footer:
// numBits, hash count, then the bit array.
func (f *Filter) Bytes() []byte {
	out := make([]byte, 12+len(f.bits))
	binary.LittleEndian.PutUint64(out[0:8], f.numBits)
	binary.LittleEndian.PutUint32(out[8:12], f.hashes)
	copy(out[12:], f.bits)
	return out
}

// FromBytes reconstructs a filter serialized by Bytes.
func FromBytes(data []byte) (*Filter, error) {
	if len(data) < 12 {
		return nil, errors.Newf("bloom: serialized filter too short: %d bytes", len(data))
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	hashes := binary.LittleEndian.Uint32(data[8:12])
	bits := data[12:]
	if numBits == 0 || hashes == 0 || uint64(len(bits)) != (numBits+7)/8 {
		return nil, errors.Newf("bloom: inconsistent filter header: bits=%d hashes=%d payload=%d", numBits, hashes, len(bits))
	}
	return &Filter{
		bits:    append([]byte(nil), bits...),
		numBits: numBits,
		hashes:  hashes,
	}, nil
}
