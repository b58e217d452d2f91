package relay

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/nostr"
)

const (
	seenCacheSize      = 16384
	subscriptionBuffer = 256
)

type subConf struct {
	logger *zap.Logger
	buffer int
}

// SubOpt is an option for Subscribe.
type SubOpt func(*subConf)

// WithSubscriptionLogger sets the logger of the subscription.
func WithSubscriptionLogger(logger *zap.Logger) SubOpt {
	return func(c *subConf) {
		c.logger = logger
	}
}

// WithBuffer sets the capacity of the events channel.
func WithBuffer(n int) SubOpt {
	return func(c *subConf) {
		c.buffer = n
	}
}

// Subscription is a live REQ sent to a set of relays. Events from all relays
// are merged and deduplicated by id.
type Subscription struct {
	ID string

	logger *zap.Logger
	events chan *nostr.Event
	seen   *lru.Cache[string, struct{}]
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// Subscribe sends the filters to every relay and returns without waiting for
// any of them. Relays that are not connected yet receive the REQ once they
// become ready.
func Subscribe(ctx context.Context, conns []Conn, filters []nostr.Filter, opts ...SubOpt) (*Subscription, error) {
	conf := subConf{logger: zap.NewNop(), buffer: subscriptionBuffer}
	for _, opt := range opts {
		opt(&conf)
	}
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	subID := newSubID("sub")
	req, err := reqEnvelope(subID, filters)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ID:     subID,
		logger: conf.logger.With(zap.String("subscription", subID)),
		events: make(chan *nostr.Event, conf.buffer),
		seen:   seen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, c := range conns {
		s.wg.Add(1)
		go s.run(ctx, c, req)
	}
	return s, nil
}

func (s *Subscription) run(ctx context.Context, c Conn, req Envelope) {
	defer s.wg.Done()
	ch, stop := c.Listen()
	defer stop()
	if !c.Connected() {
		select {
		case <-c.Ready():
		case <-ctx.Done():
			return
		}
	}
	logger := s.logger.With(zap.String("relay", c.URL()))
	if err := c.Send(ctx, req); err != nil {
		logger.Debug("failed to send subscription", zap.Error(err))
		return
	}
	defer sendBestEffort(ctx, c, LabelClose, s.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				logger.Debug("relay disconnected")
				return
			}
			if env.SubID() != s.ID {
				continue
			}
			switch env.Label() {
			case LabelEvent:
				ev, err := env.Event()
				if err != nil {
					logger.Debug("malformed event", zap.Error(err))
					continue
				}
				s.deliver(ev)
			case LabelClosed:
				reason, _ := env.String(2)
				logger.Debug("subscription closed by relay", zap.String("reason", reason))
				return
			}
		}
	}
}

func (s *Subscription) deliver(ev *nostr.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if seen, _ := s.seen.ContainsOrAdd(ev.ID, struct{}{}); seen {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Inject delivers an event obtained elsewhere, for example by a historical
// sync, unless an event with the same id was already delivered.
func (s *Subscription) Inject(ev *nostr.Event) bool {
	return s.deliver(ev)
}

// Events returns the channel of received events. It is closed by Close.
func (s *Subscription) Events() <-chan *nostr.Event {
	return s.events
}

// Close stops the subscription on every relay.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		s.wg.Wait()
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}
