package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrsync/go-nostrsync/nostr"
)

func TestEnvelope(t *testing.T) {
	env, err := NewEnvelope(LabelNegMsg, "sub-1", "6100")
	require.NoError(t, err)
	require.Equal(t, LabelNegMsg, env.Label())
	require.Equal(t, "sub-1", env.SubID())
	payload, err := env.String(2)
	require.NoError(t, err)
	require.Equal(t, "6100", payload)
	_, err = env.String(3)
	require.ErrorIs(t, err, ErrMalformed)

	parsed, err := ParseEnvelope([]byte(`["EVENT","s",{"id":"ab","kind":1,"created_at":5,"tags":[["e","x"]]}]`))
	require.NoError(t, err)
	ev, err := parsed.Event()
	require.NoError(t, err)
	require.Equal(t, &nostr.Event{ID: "ab", Kind: 1, CreatedAt: 5, Tags: nostr.Tags{{"e", "x"}}}, ev)

	for _, bad := range []string{`{}`, `[]`, `[1, 2]`, `not json`} {
		_, err := ParseEnvelope([]byte(bad))
		require.ErrorIs(t, err, ErrMalformed, bad)
	}
}

func TestReqEnvelope(t *testing.T) {
	env, err := reqEnvelope("q-1", []nostr.Filter{{Kinds: []int{1}}, {Authors: []string{"a"}}})
	require.NoError(t, err)
	require.Len(t, env, 4)
	require.Equal(t, LabelReq, env.Label())
	var f nostr.Filter
	require.NoError(t, env.Decode(3, &f))
	require.Equal(t, []string{"a"}, f.Authors)
}

func TestIsNegentropyNotice(t *testing.T) {
	for text, expected := range map[string]bool{
		"ERROR: bad msg: unknown cmd":        true,
		"bad message received":               true,
		"Negentropy disabled":                true,
		"unknown msg type NEG-OPEN":          true,
		"Unsupported protocol extension":     true,
		"rate limited":                       false,
		"unknown subscription":               false,
		"unsupported filter":                 false,
		"restricted: you must be authorized": false,
	} {
		require.Equal(t, expected, IsNegentropyNotice(text), text)
	}
}

func TestHub(t *testing.T) {
	var h Hub
	ch1, stop1 := h.Listen()
	ch2, stop2 := h.Listen()
	env, err := NewEnvelope(LabelNotice, "hello")
	require.NoError(t, err)

	h.Dispatch(env)
	require.Equal(t, env, <-ch1)
	require.Equal(t, env, <-ch2)

	stop1()
	stop1()
	// the second listener does not read, Dispatch must not wait for it
	n := 4 * listenerBuffer
	for i := 0; i < n; i++ {
		ev, err := NewEnvelope(LabelNotice, fmt.Sprint(i))
		require.NoError(t, err)
		h.Dispatch(ev)
	}
	for i := 0; i < n; i++ {
		text, err := (<-ch2).String(1)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprint(i), text)
	}
	stop2()
	h.Dispatch(env)

	ch3, stop3 := h.Listen()
	defer stop3()
	h.Dispatch(env)
	h.Close()
	require.Equal(t, env, <-ch3)
	_, ok := <-ch3
	require.False(t, ok)

	ch4, stop4 := h.Listen()
	defer stop4()
	_, ok = <-ch4
	require.False(t, ok)
}

func TestNormalizeURL(t *testing.T) {
	for raw, expected := range map[string]string{
		"wss://Relay.Example.com/":   "wss://relay.example.com",
		" ws://relay.example.com ":   "ws://relay.example.com",
		"WSS://relay.example.com/v1": "wss://relay.example.com/v1",
	} {
		got, err := NormalizeURL(raw)
		require.NoError(t, err)
		require.Equal(t, expected, got)
	}
	_, err := NormalizeURL("https://relay.example.com")
	require.Error(t, err)
}
