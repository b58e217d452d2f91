// Package nostr holds the parts of the event model that synchronization
// depends on: events, filters and their JSON form.
package nostr

import (
	"errors"
	"fmt"
	"time"

	"github.com/nostrsync/go-nostrsync/negentropy"
)

// ErrInvalidEvent is returned for events that can not be indexed.
var ErrInvalidEvent = errors.New("nostr: invalid event")

// Timestamp is a unix time in seconds.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

// Time converts the timestamp to time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}

// Tag is a single event tag, name first.
type Tag []string

// Tags is the list of tags of an event.
type Tags []Tag

// Values returns the first values of all tags named name.
func (tags Tags) Values(name string) []string {
	var vals []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			vals = append(vals, tag[1])
		}
	}
	return vals
}

// Event is a signed relay event. Signatures are not verified here.
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// Item returns the reconciliation item for the event.
func (ev *Event) Item() (negentropy.Item, error) {
	id, err := negentropy.ParseID(ev.ID)
	if err != nil {
		return negentropy.Item{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if ev.CreatedAt < 0 {
		return negentropy.Item{}, fmt.Errorf("%w: negative created_at %d", ErrInvalidEvent, ev.CreatedAt)
	}
	return negentropy.Item{Timestamp: uint64(ev.CreatedAt), ID: id}, nil
}

// IsHex32 reports whether s is a lowercase hex encoding of 32 bytes.
func IsHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range []byte(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
