package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nostrsync/go-nostrsync/nostr"
)

// Message labels.
const (
	LabelReq      = "REQ"
	LabelEvent    = "EVENT"
	LabelEOSE     = "EOSE"
	LabelClose    = "CLOSE"
	LabelClosed   = "CLOSED"
	LabelNotice   = "NOTICE"
	LabelNegOpen  = "NEG-OPEN"
	LabelNegMsg   = "NEG-MSG"
	LabelNegClose = "NEG-CLOSE"
	LabelNegErr   = "NEG-ERR"
)

// ErrMalformed is returned for messages that are not labeled JSON arrays.
var ErrMalformed = errors.New("relay: malformed message")

// Envelope is a relay message: a JSON array whose first element is a label.
type Envelope []json.RawMessage

// NewEnvelope encodes a message from its label and arguments.
func NewEnvelope(label string, args ...any) (Envelope, error) {
	env := make(Envelope, 0, len(args)+1)
	for _, v := range append([]any{label}, args...) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", label, err)
		}
		env = append(env, raw)
	}
	return env, nil
}

// ParseEnvelope decodes a message received from a relay.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(env) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}
	var label string
	if err := json.Unmarshal(env[0], &label); err != nil {
		return nil, fmt.Errorf("%w: label: %w", ErrMalformed, err)
	}
	return env, nil
}

// Label returns the message label, or an empty string if it is missing.
func (e Envelope) Label() string {
	s, _ := e.String(0)
	return s
}

// SubID returns the subscription id carried by subscription scoped messages.
func (e Envelope) SubID() string {
	s, _ := e.String(1)
	return s
}

// String decodes the i-th element as a string.
func (e Envelope) String(i int) (string, error) {
	var s string
	if err := e.Decode(i, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Decode decodes the i-th element into v.
func (e Envelope) Decode(i int, v any) error {
	if i >= len(e) {
		return fmt.Errorf("%w: %s has no element %d", ErrMalformed, e.Label(), i)
	}
	if err := json.Unmarshal(e[i], v); err != nil {
		return fmt.Errorf("%w: %s element %d: %w", ErrMalformed, e.Label(), i, err)
	}
	return nil
}

// Event decodes the event carried by an EVENT message.
func (e Envelope) Event() (*nostr.Event, error) {
	var ev nostr.Event
	if err := e.Decode(2, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func reqEnvelope(subID string, filters []nostr.Filter) (Envelope, error) {
	args := make([]any, 0, len(filters)+1)
	args = append(args, subID)
	for _, f := range filters {
		args = append(args, f)
	}
	return NewEnvelope(LabelReq, args...)
}

func newSubID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
