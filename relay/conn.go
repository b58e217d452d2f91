// Package relay speaks the relay message protocol over a Conn: one-shot
// queries, live subscriptions and negentropy sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrDisconnected is returned when the connection drops mid-exchange.
	ErrDisconnected = errors.New("relay: disconnected")
	// ErrNotReady is returned when a relay does not connect in time.
	ErrNotReady = errors.New("relay: not connected")
)

// Conn is a connection to a single relay.
type Conn interface {
	// URL returns the normalized relay URL.
	URL() string
	// Connected reports whether the connection is currently open.
	Connected() bool
	// Ready is closed once the connection is established for the first time.
	Ready() <-chan struct{}
	// Send writes a message to the relay.
	Send(ctx context.Context, env Envelope) error
	// Listen returns a channel receiving every message from the relay and a
	// function that stops delivery. The channel is closed when the connection
	// drops.
	Listen() (<-chan Envelope, func())
}

// WaitReady blocks until c is connected, the timeout elapses or ctx is done.
func WaitReady(ctx context.Context, c Conn, clock clockwork.Clock, timeout time.Duration) error {
	if c.Connected() {
		return nil
	}
	select {
	case <-c.Ready():
		return nil
	case <-clock.After(timeout):
		return fmt.Errorf("%w: %s after %v", ErrNotReady, c.URL(), timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

const listenerBuffer = 64

// listener queues envelopes without bound. A pump goroutine moves them to
// ch, so a listener that stops reading never stalls the connection.
type listener struct {
	ch   chan Envelope
	done chan struct{}
	wake chan struct{}

	mu     sync.Mutex
	queue  []Envelope
	closed bool
}

func (l *listener) push(env Envelope) {
	l.mu.Lock()
	l.queue = append(l.queue, env)
	l.mu.Unlock()
	l.notify()
}

func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.notify()
}

func (l *listener) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) pump() {
	for {
		l.mu.Lock()
		batch, closed := l.queue, l.closed
		l.queue = nil
		l.mu.Unlock()
		for _, env := range batch {
			select {
			case l.ch <- env:
			case <-l.done:
				return
			}
		}
		switch {
		case len(batch) != 0:
			continue
		case closed:
			close(l.ch)
			return
		}
		select {
		case <-l.wake:
		case <-l.done:
			return
		}
	}
}

// Hub fans messages read from a connection out to its listeners.
// Dispatch and Close must be called from the same goroutine.
type Hub struct {
	mu        sync.Mutex
	listeners map[*listener]struct{}
	closed    bool
}

// Listen registers a new listener. The returned func stops it and must be
// called once the caller is done reading.
func (h *Hub) Listen() (<-chan Envelope, func()) {
	l := &listener{
		ch:   make(chan Envelope, listenerBuffer),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(l.ch)
		return l.ch, func() {}
	}
	if h.listeners == nil {
		h.listeners = make(map[*listener]struct{})
	}
	h.listeners[l] = struct{}{}
	go l.pump()
	var once sync.Once
	return l.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, l)
			h.mu.Unlock()
			close(l.done)
		})
	}
}

// Dispatch queues env for every listener. It never blocks on a slow
// listener.
func (h *Hub) Dispatch(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners {
		l.push(env)
	}
}

// Close closes every listener channel. Listeners registered afterwards
// receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for l := range h.listeners {
		l.close()
	}
	h.listeners = nil
}
