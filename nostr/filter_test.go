package nostr

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestFilterJSON(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{
		"kinds": [1, 7],
		"authors": ["abc"],
		"#e": ["e1", "e2"],
		"since": 100,
		"limit": 0
	}`), &f))
	require.Equal(t, Filter{
		Kinds:   []int{1, 7},
		Authors: []string{"abc"},
		Tags:    map[string][]string{"e": {"e1", "e2"}},
		Since:   ptr(Timestamp(100)),
		Limit:   ptr(0),
	}, f)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.JSONEq(t, `{"kinds":[1,7],"authors":["abc"],"#e":["e1","e2"],"since":100,"limit":0}`, string(data))

	data, err = json.Marshal(Filter{})
	require.NoError(t, err)
	require.Equal(t, "{}", string(data))
}

func TestFilterJSONErrors(t *testing.T) {
	var f Filter
	err := json.Unmarshal([]byte(`{"kinds": "one"}`), &f)
	require.ErrorContains(t, err, "kinds")
	require.Error(t, json.Unmarshal([]byte(`[]`), &f))
}

func TestFilterMatches(t *testing.T) {
	ev := &Event{
		ID:        strings.Repeat("a", 64),
		PubKey:    strings.Repeat("b", 64),
		CreatedAt: 1000,
		Kind:      1,
		Tags:      Tags{{"e", "root"}, {"p", "someone"}},
	}
	for _, tc := range []struct {
		desc    string
		filter  Filter
		matches bool
	}{
		{"empty", Filter{}, true},
		{"id", Filter{IDs: []string{ev.ID}}, true},
		{"other id", Filter{IDs: []string{strings.Repeat("c", 64)}}, false},
		{"author", Filter{Authors: []string{ev.PubKey}}, true},
		{"kind", Filter{Kinds: []int{0, 1}}, true},
		{"other kind", Filter{Kinds: []int{7}}, false},
		{"since", Filter{Since: ptr(Timestamp(1000))}, true},
		{"since later", Filter{Since: ptr(Timestamp(1001))}, false},
		{"until", Filter{Until: ptr(Timestamp(999))}, false},
		{"tag", Filter{Tags: map[string][]string{"e": {"x", "root"}}}, true},
		{"missing tag", Filter{Tags: map[string][]string{"t": {"root"}}}, false},
		{"limit ignored", Filter{Limit: ptr(0)}, true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.matches, tc.filter.Matches(ev))
		})
	}

	require.True(t, Filters{{Kinds: []int{7}}, {Kinds: []int{1}}}.Matches(ev))
	require.False(t, Filters{{Kinds: []int{7}}}.Matches(ev))
}

func TestEventItem(t *testing.T) {
	ev := &Event{ID: "01" + strings.Repeat("0", 62), CreatedAt: 42}
	it, err := ev.Item()
	require.NoError(t, err)
	require.Equal(t, uint64(42), it.Timestamp)
	require.Equal(t, byte(0x01), it.ID[0])

	_, err = (&Event{ID: "zz"}).Item()
	require.ErrorIs(t, err, ErrInvalidEvent)
	_, err = (&Event{ID: ev.ID, CreatedAt: -1}).Item()
	require.ErrorIs(t, err, ErrInvalidEvent)

	require.True(t, IsHex32(ev.ID))
	require.False(t, IsHex32(strings.ToUpper(strings.Repeat("a", 64))))
}
