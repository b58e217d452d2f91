package negentropy

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomID(rng *rand.Rand) ID {
	var id ID
	for i := 0; i < IDSize; i += 8 {
		v := rng.Uint64()
		for j := 0; j < 8; j++ {
			id[i+j] = byte(v >> (8 * j))
		}
	}
	return id
}

func sealed(t testing.TB, items ...Item) *Vector {
	v := NewVector(len(items))
	for _, it := range items {
		require.NoError(t, v.Insert(it.Timestamp, it.ID))
	}
	require.NoError(t, v.Seal())
	return v
}

func TestVectorSeal(t *testing.T) {
	v := NewVector(0)
	_, err := v.Fingerprint(0, 0)
	require.ErrorIs(t, err, ErrNotSealed)
	require.ErrorIs(t, v.Iterate(0, 0, func(Item, int) bool { return true }), ErrNotSealed)

	a := Item{Timestamp: 2, ID: ID{0x01}}
	b := Item{Timestamp: 1, ID: ID{0x02}}
	c := Item{Timestamp: 2, ID: ID{0x00, 0x01}}
	for _, it := range []Item{a, b, c, a} {
		require.NoError(t, v.Insert(it.Timestamp, it.ID))
	}
	require.NoError(t, v.Seal())
	require.ErrorIs(t, v.Insert(3, ID{}), ErrSealed)
	require.ErrorIs(t, v.Seal(), ErrSealed)

	var got []Item
	require.NoError(t, v.Iterate(0, v.Size(), func(it Item, _ int) bool {
		got = append(got, it)
		return true
	}))
	require.Equal(t, []Item{b, c, a}, got)

	_, err = v.Fingerprint(1, 4)
	require.ErrorIs(t, err, ErrBadRange)
}

func TestVectorSealDedupesByID(t *testing.T) {
	v := NewVector(3)
	require.NoError(t, v.Insert(50, ID{0x07}))
	require.NoError(t, v.Insert(10, ID{0x08}))
	require.NoError(t, v.Insert(20, ID{0x07}))
	require.NoError(t, v.Seal())
	require.Equal(t, 2, v.Size())

	var got []Item
	require.NoError(t, v.Iterate(0, v.Size(), func(it Item, _ int) bool {
		got = append(got, it)
		return true
	}))
	require.Equal(t, []Item{{Timestamp: 10, ID: ID{0x08}}, {Timestamp: 50, ID: ID{0x07}}}, got)
}

func TestVectorIterateStops(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	items := make([]Item, 10)
	for i := range items {
		items[i] = Item{Timestamp: uint64(i), ID: randomID(rng)}
	}
	v := sealed(t, items...)
	var visited []int
	require.NoError(t, v.Iterate(2, 8, func(_ Item, i int) bool {
		visited = append(visited, i)
		return i < 4
	}))
	require.Equal(t, []int{2, 3, 4}, visited)
}

func TestVectorFindLowerBound(t *testing.T) {
	v := sealed(t,
		Item{Timestamp: 10, ID: ID{0x10}},
		Item{Timestamp: 10, ID: ID{0x20}},
		Item{Timestamp: 20, ID: ID{0x05}},
		Item{Timestamp: 30, ID: ID{0x01}},
	)
	for _, tc := range []struct {
		desc     string
		from, to int
		bound    Bound
		expected int
	}{
		{"zero", 0, 4, Bound{}, 0},
		{"bare timestamp", 0, 4, Bound{Timestamp: 20}, 2},
		{"prefix between items", 0, 4, Bound{Timestamp: 10, Prefix: []byte{0x15}}, 1},
		{"exact item", 0, 4, ItemBound(Item{Timestamp: 10, ID: ID{0x20}}), 1},
		{"infinity", 0, 4, Bound{Timestamp: Infinity}, 4},
		{"limited by to", 0, 2, Bound{Timestamp: 25}, 2},
		{"starts at from", 3, 4, Bound{}, 3},
		{"empty window", 3, 3, Bound{}, 3},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.expected, v.FindLowerBound(tc.from, tc.to, tc.bound))
		})
	}
}

func TestFingerprint(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	ids := make([]ID, 50)
	for i := range ids {
		ids[i] = randomID(rng)
	}

	var a, b Accumulator
	for i := range ids {
		a.Add(ids[i])
		b.Add(ids[len(ids)-1-i])
	}
	require.Equal(t, a.Fingerprint(len(ids)), b.Fingerprint(len(ids)), "order independent")
	require.Equal(t, a.Fingerprint(len(ids)), a.Fingerprint(len(ids)), "deterministic")
	require.NotEqual(t, a.Fingerprint(len(ids)), a.Fingerprint(len(ids)+1), "count is part of the digest")

	b.Add(randomID(rng))
	require.NotEqual(t, a.Fingerprint(len(ids)), b.Fingerprint(len(ids)+1))

	a.Reset()
	var empty Accumulator
	require.Equal(t, empty.Fingerprint(0), a.Fingerprint(0))
}

func TestFingerprintCarry(t *testing.T) {
	var ones ID
	for i := range ones {
		ones[i] = 0xff
	}
	var a Accumulator
	a.Add(ones)
	a.Add(ID{0x01})
	// 2^256 - 1 + 1 wraps around to zero
	require.Equal(t, [4]uint64{}, a.sum)
}

func TestVectorFingerprintWindow(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	items := make([]Item, 20)
	for i := range items {
		items[i] = Item{Timestamp: uint64(i), ID: randomID(rng)}
	}
	v := sealed(t, items...)
	other := sealed(t, items[5:15]...)

	fp1, err := v.Fingerprint(5, 15)
	require.NoError(t, err)
	fp2, err := v.Fingerprint(5, 15)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	fp3, err := other.Fingerprint(0, other.Size())
	require.NoError(t, err)
	require.Equal(t, fp1, fp3)
	fp4, err := v.Fingerprint(5, 16)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp4)
}
