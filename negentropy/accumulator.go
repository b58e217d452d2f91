package negentropy

import (
	"encoding/binary"
	"math/bits"

	"github.com/minio/sha256-simd"
)

// Fingerprint summarizes the items of a range.
type Fingerprint [FingerprintSize]byte

// Accumulator computes fingerprints. Ids are added as little-endian 256-bit
// integers modulo 2^256, so the result does not depend on insertion order.
// The fingerprint is the first 16 bytes of SHA-256(sum || varint(count)).
type Accumulator struct {
	sum [4]uint64
}

// Add adds id to the running sum.
func (a *Accumulator) Add(id ID) {
	var carry uint64
	for i := range a.sum {
		a.sum[i], carry = bits.Add64(a.sum[i], binary.LittleEndian.Uint64(id[i*8:]), carry)
	}
}

// Reset clears the running sum.
func (a *Accumulator) Reset() {
	a.sum = [4]uint64{}
}

// Fingerprint returns the fingerprint of count accumulated ids.
func (a *Accumulator) Fingerprint(count int) Fingerprint {
	buf := make([]byte, IDSize, IDSize+maxVarintLen)
	for i, w := range a.sum {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	buf = appendVarint(buf, uint64(count))
	h := sha256.Sum256(buf)
	var fp Fingerprint
	copy(fp[:], h[:FingerprintSize])
	return fp
}
