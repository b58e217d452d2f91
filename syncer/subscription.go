package syncer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/relay"
)

// Subscription is a live subscription that also receives the historical
// events found by a background sync.
type Subscription struct {
	*relay.Subscription

	cancel context.CancelFunc
	synced chan struct{}
}

// Synced is closed once the background sync finished on every relay.
func (s *Subscription) Synced() <-chan struct{} {
	return s.synced
}

// Close stops the live subscription and the background sync.
func (s *Subscription) Close() {
	s.cancel()
	s.Subscription.Close()
	<-s.synced
}

// SyncAndSubscribe starts a live subscription for new events matching
// filters and returns without waiting for history. Every relay is synced in
// the background as soon as it is ready; the events it returns are injected
// into the subscription. Relays that fail negentropy are queried instead.
func (s *Syncer) SyncAndSubscribe(ctx context.Context, filters []nostr.Filter, opts ...SyncOpt) (*Subscription, error) {
	conf, conns, err := s.prepare(ctx, filters, opts)
	if err != nil {
		return nil, err
	}
	live := make([]nostr.Filter, len(filters))
	for i, f := range filters {
		live[i] = f.WithLimit(0)
	}
	rsub, err := relay.Subscribe(ctx, conns, live, relay.WithSubscriptionLogger(s.logger))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Subscription: rsub,
		cancel:       cancel,
		synced:       make(chan struct{}),
	}
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.syncRelay(ctx, conn, filters, true, true)
			if err != nil {
				s.relayFailed(ctx, conf.observer, conn.URL(), err)
				return
			}
			relayOK.Inc()
			injected := 0
			for _, ev := range res.events {
				if sub.Inject(ev) {
					injected++
				}
			}
			s.logger.Debug("historical events delivered",
				zap.String("relay", conn.URL()),
				zap.String("subscription", rsub.ID),
				zap.Int("events", len(res.events)),
				zap.Int("new", injected),
			)
			conf.observer.OnRelaySynced(conn.URL(), len(res.events))
		}()
	}
	go func() {
		wg.Wait()
		conf.observer.OnSyncComplete()
		close(sub.synced)
	}()
	return sub, nil
}
