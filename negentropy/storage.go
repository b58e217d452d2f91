package negentropy

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrSealed is returned when inserting into a sealed Vector.
	ErrSealed = errors.New("negentropy: storage already sealed")
	// ErrNotSealed is returned when reading from a Vector before Seal.
	ErrNotSealed = errors.New("negentropy: storage not sealed")
	// ErrBadRange is returned for index windows outside of the storage.
	ErrBadRange = errors.New("negentropy: bad range")
)

// Storage is a read-only sorted view over the local items.
// Items are ordered by (timestamp, id) and unique.
type Storage interface {
	// Size returns the number of items.
	Size() int
	// Fingerprint returns the fingerprint of the items in [lower, upper).
	Fingerprint(lower, upper int) (Fingerprint, error)
	// FindLowerBound returns the first index in [from, to) whose item is not
	// below b, or to if there is none.
	FindLowerBound(from, to int, b Bound) int
	// Iterate calls fn for the items in [lower, upper) in ascending order
	// until fn returns false.
	Iterate(lower, upper int, fn func(Item, int) bool) error
}

// Vector is a Storage backed by a sorted slice.
type Vector struct {
	items  []Item
	sealed bool
}

var _ Storage = (*Vector)(nil)

// NewVector creates an empty Vector with room for n items.
func NewVector(n int) *Vector {
	return &Vector{items: make([]Item, 0, n)}
}

// Insert adds an item. It fails once the vector is sealed.
func (v *Vector) Insert(timestamp uint64, id ID) error {
	if v.sealed {
		return ErrSealed
	}
	v.items = append(v.items, Item{Timestamp: timestamp, ID: id})
	return nil
}

// Seal drops items whose id was already inserted, keeping the first, and
// sorts the rest. No inserts are accepted afterwards.
func (v *Vector) Seal() error {
	if v.sealed {
		return ErrSealed
	}
	seen := make(map[ID]struct{}, len(v.items))
	v.items = slices.DeleteFunc(v.items, func(it Item) bool {
		if _, ok := seen[it.ID]; ok {
			return true
		}
		seen[it.ID] = struct{}{}
		return false
	})
	slices.SortFunc(v.items, Item.Compare)
	v.sealed = true
	return nil
}

func (v *Vector) Size() int {
	return len(v.items)
}

func (v *Vector) checkRange(lower, upper int) error {
	if !v.sealed {
		return ErrNotSealed
	}
	if lower < 0 || lower > upper || upper > len(v.items) {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrBadRange, lower, upper, len(v.items))
	}
	return nil
}

func (v *Vector) Fingerprint(lower, upper int) (Fingerprint, error) {
	if err := v.checkRange(lower, upper); err != nil {
		return Fingerprint{}, err
	}
	var acc Accumulator
	for _, it := range v.items[lower:upper] {
		acc.Add(it.ID)
	}
	return acc.Fingerprint(upper - lower), nil
}

func (v *Vector) FindLowerBound(from, to int, b Bound) int {
	from = max(from, 0)
	to = min(to, len(v.items))
	if from >= to {
		return to
	}
	i, _ := slices.BinarySearchFunc(v.items[from:to], b, compareItem)
	return from + i
}

func (v *Vector) Iterate(lower, upper int, fn func(Item, int) bool) error {
	if err := v.checkRange(lower, upper); err != nil {
		return err
	}
	for i := lower; i < upper; i++ {
		if !fn(v.items[i], i) {
			break
		}
	}
	return nil
}
