package negentropy

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"math"
)

// Infinity is the timestamp of the bound that closes the last range.
const Infinity uint64 = math.MaxUint64

// ID is an event identifier.
type ID [IDSize]byte

// String implements fmt.Stringer.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID decodes a hex encoded identifier.
func ParseID(s string) (ID, error) {
	var id ID
	if hex.DecodedLen(len(s)) != IDSize {
		return id, fmt.Errorf("id %q: expected %d hex characters", s, 2*IDSize)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("id %q: %w", s, err)
	}
	return id, nil
}

// Item is a storage element: an identifier and its logical time.
type Item struct {
	Timestamp uint64
	ID        ID
}

// Compare orders items by timestamp, then by id bytes.
func (it Item) Compare(other Item) int {
	if c := cmp.Compare(it.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	return bytes.Compare(it.ID[:], other.ID[:])
}

// Bound is an exclusive range boundary. Prefix holds 0 to 32 bytes of an id.
type Bound struct {
	Timestamp uint64
	Prefix    []byte
}

// ItemBound returns the bound that sorts exactly at item.
func ItemBound(it Item) Bound {
	return Bound{Timestamp: it.Timestamp, Prefix: bytes.Clone(it.ID[:])}
}

func (b Bound) String() string {
	if b.Timestamp == Infinity {
		return "<inf>"
	}
	return fmt.Sprintf("<%d:%x>", b.Timestamp, b.Prefix)
}

// compareItem returns -1, 0 or 1 when it sorts before, at or after b.
// A prefix sorts before every id it is a prefix of.
func compareItem(it Item, b Bound) int {
	if c := cmp.Compare(it.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return bytes.Compare(it.ID[:], b.Prefix)
}

// minimalBound returns the shortest bound b with prev < b <= curr.
func minimalBound(prev, curr Item) Bound {
	if curr.Timestamp != prev.Timestamp {
		return Bound{Timestamp: curr.Timestamp}
	}
	shared := 0
	for shared < IDSize && curr.ID[shared] == prev.ID[shared] {
		shared++
	}
	return Bound{Timestamp: curr.Timestamp, Prefix: bytes.Clone(curr.ID[:min(shared+1, IDSize)])}
}
