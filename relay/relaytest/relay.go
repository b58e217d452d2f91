// Package relaytest provides an in-process relay for tests.
package relaytest

import (
	"cmp"
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/minio/sha256-simd"

	"github.com/nostrsync/go-nostrsync/negentropy"
	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/relay"
)

// DefaultNotice is what a relay without negentropy support answers to
// NEG-OPEN.
const DefaultNotice = "ERROR: bad msg: unknown cmd"

// MakeEvent returns an event with a deterministic id derived from seed.
func MakeEvent(seed int, createdAt nostr.Timestamp, kind int) *nostr.Event {
	h := sha256.Sum256([]byte(strconv.Itoa(seed)))
	return &nostr.Event{
		ID:        hex.EncodeToString(h[:]),
		PubKey:    fmt.Sprintf("%064x", kind),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   "event " + strconv.Itoa(seed),
	}
}

// Opt configures a Relay.
type Opt func(*Relay)

// WithEvents preloads the relay store.
func WithEvents(evs ...*nostr.Event) Opt {
	return func(r *Relay) {
		for _, ev := range evs {
			r.events[ev.ID] = ev
		}
	}
}

// WithoutNegentropy makes the relay answer NEG-OPEN with a NOTICE.
func WithoutNegentropy() Opt {
	return func(r *Relay) {
		r.negentropy = false
	}
}

// WithNotice sets the NOTICE text sent when negentropy is disabled. An empty
// text makes the relay ignore negentropy messages silently.
func WithNotice(text string) Opt {
	return func(r *Relay) {
		r.notice = text
	}
}

// WithNegError makes the relay reject every negentropy session with reason.
func WithNegError(reason string) Opt {
	return func(r *Relay) {
		r.negErr = reason
	}
}

// WithFrameSizeLimit sets the frame size limit of the relay's sessions.
func WithFrameSizeLimit(n int) Opt {
	return func(r *Relay) {
		r.frameSizeLimit = n
	}
}

// NotConnected creates the relay in a disconnected state; see Connect.
func NotConnected() Opt {
	return func(r *Relay) {
		r.startConnected = false
	}
}

// Relay is an in-process relay.Conn serving REQ and NEG-* messages from
// an in-memory event store.
type Relay struct {
	url string
	hub relay.Hub

	ready     chan struct{}
	readyOnce sync.Once
	connected atomic.Bool

	inbox chan func()
	stop  chan struct{}
	wg    sync.WaitGroup

	startConnected bool
	negentropy     bool
	notice         string
	negErr         string
	frameSizeLimit int

	mu       sync.Mutex
	events   map[string]*nostr.Event
	subs     map[string]nostr.Filters
	sessions map[string]*negentropy.Negentropy
	received map[string]int
}

var _ relay.Conn = (*Relay)(nil)

// New starts a relay and stops it when the test finishes.
func New(tb testing.TB, url string, opts ...Opt) *Relay {
	r := &Relay{
		url:            url,
		ready:          make(chan struct{}),
		inbox:          make(chan func(), 1024),
		stop:           make(chan struct{}),
		startConnected: true,
		negentropy:     true,
		notice:         DefaultNotice,
		events:         make(map[string]*nostr.Event),
		subs:           make(map[string]nostr.Filters),
		sessions:       make(map[string]*negentropy.Negentropy),
		received:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.startConnected {
		r.Connect()
	}
	r.wg.Add(1)
	go r.run()
	tb.Cleanup(r.Close)
	return r
}

func (r *Relay) run() {
	defer r.wg.Done()
	for {
		select {
		case op := <-r.inbox:
			op()
		case <-r.stop:
			return
		}
	}
}

// Close stops the relay goroutine.
func (r *Relay) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.wg.Wait()
}

// Connect marks the relay as connected.
func (r *Relay) Connect() {
	r.connected.Store(true)
	r.readyOnce.Do(func() { close(r.ready) })
}

// Disconnect drops the connection, closing all listener channels.
func (r *Relay) Disconnect() {
	r.enqueue(func() {
		r.connected.Store(false)
		r.hub.Close()
	})
}

// Publish stores ev and sends it to matching live subscriptions.
func (r *Relay) Publish(ev *nostr.Event) {
	r.enqueue(func() {
		r.mu.Lock()
		r.events[ev.ID] = ev
		var ids []string
		for id, fs := range r.subs {
			if fs.Matches(ev) {
				ids = append(ids, id)
			}
		}
		r.mu.Unlock()
		for _, id := range ids {
			r.reply(relay.LabelEvent, id, ev)
		}
	})
}

func (r *Relay) enqueue(op func()) {
	select {
	case r.inbox <- op:
	case <-r.stop:
	}
}

// Received returns the number of messages with label the relay received.
func (r *Relay) Received(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received[label]
}

// Events returns the stored events.
func (r *Relay) Events() []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := make([]*nostr.Event, 0, len(r.events))
	for _, ev := range r.events {
		evs = append(evs, ev)
	}
	return evs
}

func (r *Relay) URL() string            { return r.url }
func (r *Relay) Connected() bool        { return r.connected.Load() }
func (r *Relay) Ready() <-chan struct{} { return r.ready }

func (r *Relay) Listen() (<-chan relay.Envelope, func()) {
	return r.hub.Listen()
}

func (r *Relay) Send(ctx context.Context, env relay.Envelope) error {
	if !r.Connected() {
		return fmt.Errorf("%w: %s", relay.ErrDisconnected, r.url)
	}
	select {
	case r.inbox <- func() { r.handle(env) }:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return fmt.Errorf("%w: %s", relay.ErrDisconnected, r.url)
	}
}

func (r *Relay) reply(label string, args ...any) {
	env, err := relay.NewEnvelope(label, args...)
	if err != nil {
		panic(err)
	}
	r.hub.Dispatch(env)
}

func (r *Relay) handle(env relay.Envelope) {
	label := env.Label()
	r.mu.Lock()
	r.received[label]++
	r.mu.Unlock()
	subID := env.SubID()
	switch label {
	case relay.LabelReq:
		filters := make(nostr.Filters, max(len(env)-2, 0))
		for i := range filters {
			if err := env.Decode(i+2, &filters[i]); err != nil {
				r.reply(relay.LabelClosed, subID, "error: "+err.Error())
				return
			}
		}
		for _, ev := range r.query(filters) {
			r.reply(relay.LabelEvent, subID, ev)
		}
		r.reply(relay.LabelEOSE, subID)
		r.mu.Lock()
		r.subs[subID] = filters
		r.mu.Unlock()
	case relay.LabelClose:
		r.mu.Lock()
		delete(r.subs, subID)
		r.mu.Unlock()
	case relay.LabelNegOpen:
		if !r.negentropy {
			if r.notice != "" {
				r.reply(relay.LabelNotice, r.notice)
			}
			return
		}
		if r.negErr != "" {
			r.reply(relay.LabelNegErr, subID, r.negErr)
			return
		}
		var filter nostr.Filter
		if err := env.Decode(2, &filter); err != nil {
			r.reply(relay.LabelNegErr, subID, "error: "+err.Error())
			return
		}
		storage := negentropy.NewVector(0)
		for _, ev := range r.query(nostr.Filters{filter}) {
			it, err := ev.Item()
			if err != nil {
				continue
			}
			_ = storage.Insert(it.Timestamp, it.ID)
		}
		_ = storage.Seal()
		ng, err := negentropy.New(storage, r.frameSizeLimit)
		if err != nil {
			r.reply(relay.LabelNegErr, subID, "error: "+err.Error())
			return
		}
		r.mu.Lock()
		r.sessions[subID] = ng
		r.mu.Unlock()
		r.negMsg(ng, subID, env, 3)
	case relay.LabelNegMsg:
		r.mu.Lock()
		ng, ok := r.sessions[subID]
		r.mu.Unlock()
		if !ok {
			r.reply(relay.LabelNegErr, subID, "closed: unknown session")
			return
		}
		r.negMsg(ng, subID, env, 2)
	case relay.LabelNegClose:
		r.mu.Lock()
		delete(r.sessions, subID)
		r.mu.Unlock()
	}
}

func (r *Relay) negMsg(ng *negentropy.Negentropy, subID string, env relay.Envelope, i int) {
	payload, err := env.String(i)
	if err == nil {
		var msg []byte
		if msg, err = hex.DecodeString(payload); err == nil {
			var res *negentropy.Result
			if res, err = ng.Reconcile(msg); err == nil {
				r.reply(relay.LabelNegMsg, subID, hex.EncodeToString(res.Next))
				return
			}
		}
	}
	r.mu.Lock()
	delete(r.sessions, subID)
	r.mu.Unlock()
	r.reply(relay.LabelNegErr, subID, "error: "+err.Error())
}

// query returns the stored events matching filters, newest first, honoring
// the smallest limit.
func (r *Relay) query(filters nostr.Filters) []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evs []*nostr.Event
	for _, ev := range r.events {
		if filters.Matches(ev) {
			evs = append(evs, ev)
		}
	}
	slices.SortFunc(evs, func(a, b *nostr.Event) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	limit := -1
	for _, f := range filters {
		if f.Limit != nil && (limit < 0 || *f.Limit < limit) {
			limit = *f.Limit
		}
	}
	if limit >= 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	return evs
}
