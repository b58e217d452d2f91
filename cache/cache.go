// Package cache holds the local events that are reconciled with relays.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nostrsync/go-nostrsync/nostr"
)

// Cache is a local event store.
type Cache interface {
	// Query returns the union of events matching filters, newest first. Each
	// filter's limit applies to that filter alone.
	Query(ctx context.Context, filters ...nostr.Filter) ([]*nostr.Event, error)
	// Save stores ev as seen on relayURL. Saving a known event only records
	// the relay.
	Save(ctx context.Context, ev *nostr.Event, relayURL string) error
}

// ErrInvalidEvent is returned by Save for events without a valid id.
var ErrInvalidEvent = errors.New("cache: invalid event")

func validate(ev *nostr.Event) error {
	if ev == nil || !nostr.IsHex32(ev.ID) {
		return fmt.Errorf("%w: bad id", ErrInvalidEvent)
	}
	return nil
}

func newestFirst(a, b *nostr.Event) int {
	if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// merge dedupes the per filter results and orders them newest first.
func merge(results [][]*nostr.Event) []*nostr.Event {
	var (
		out  []*nostr.Event
		seen = make(map[string]struct{})
	)
	for _, evs := range results {
		for _, ev := range evs {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, newestFirst)
	return out
}

// Memory is a Cache kept in memory.
type Memory struct {
	mu     sync.RWMutex
	events map[string]*nostr.Event
	relays map[string]map[string]struct{}
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty Memory cache, optionally preloaded with evs.
func NewMemory(evs ...*nostr.Event) *Memory {
	m := &Memory{
		events: make(map[string]*nostr.Event, len(evs)),
		relays: make(map[string]map[string]struct{}),
	}
	for _, ev := range evs {
		m.events[ev.ID] = ev
	}
	return m
}

func (m *Memory) Query(_ context.Context, filters ...nostr.Filter) ([]*nostr.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([][]*nostr.Event, 0, len(filters))
	for _, f := range filters {
		var evs []*nostr.Event
		for _, ev := range m.events {
			if f.Matches(ev) {
				evs = append(evs, ev)
			}
		}
		slices.SortFunc(evs, newestFirst)
		if f.Limit != nil && len(evs) > max(*f.Limit, 0) {
			evs = evs[:max(*f.Limit, 0)]
		}
		results = append(results, evs)
	}
	return merge(results), nil
}

func (m *Memory) Save(_ context.Context, ev *nostr.Event, relayURL string) error {
	if err := validate(ev); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		m.events[ev.ID] = ev
	}
	if relayURL != "" {
		rs, ok := m.relays[ev.ID]
		if !ok {
			rs = make(map[string]struct{})
			m.relays[ev.ID] = rs
		}
		rs[relayURL] = struct{}{}
	}
	return nil
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Relays returns the relays an event was saved from, sorted.
func (m *Memory) Relays(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for r := range m.relays[id] {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
