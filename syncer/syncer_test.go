package syncer_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/nostrsync/go-nostrsync/cache"
	"github.com/nostrsync/go-nostrsync/capability"
	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/relay"
	"github.com/nostrsync/go-nostrsync/relay/relaytest"
	"github.com/nostrsync/go-nostrsync/sql"
	"github.com/nostrsync/go-nostrsync/syncer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var anyKind = []nostr.Filter{{Kinds: []int{1, 2}}}

func events(n int) []*nostr.Event {
	evs := make([]*nostr.Event, n)
	for i := range evs {
		evs[i] = relaytest.MakeEvent(i, nostr.Timestamp(1000+i), 1+i%2)
	}
	return evs
}

func sortedIDs(evs ...*nostr.Event) []string {
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	slices.Sort(ids)
	return ids
}

type tester struct {
	*syncer.Syncer
	caps *capability.Cache
}

func newTester(t *testing.T, c cache.Cache, cfg syncer.Config, conns ...relay.Conn) *tester {
	logger := zaptest.NewLogger(t)
	pool := relay.NewPool(relay.WithPoolLogger(logger))
	for _, conn := range conns {
		pool.Add(conn)
	}
	caps, err := capability.New(capability.NewMemStore(), capability.NewHandshakeProber(logger),
		capability.WithLogger(logger))
	require.NoError(t, err)
	return &tester{
		Syncer: syncer.New(c, pool, caps, syncer.WithLogger(logger), syncer.WithConfig(cfg)),
		caps:   caps,
	}
}

// recorder is an Observer that remembers what it was told.
type recorder struct {
	mu       sync.Mutex
	synced   map[string]int
	errs     map[string]error
	complete int
}

func newRecorder() *recorder {
	return &recorder{synced: make(map[string]int), errs: make(map[string]error)}
}

func (r *recorder) OnRelaySynced(url string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced[url] = n
}

func (r *recorder) OnRelayError(url string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[url] = err
}

func (r *recorder) OnSyncComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete++
}

func TestSync(t *testing.T) {
	evs := events(150)
	for _, tc := range []struct {
		desc  string
		cache func() cache.Cache
	}{
		{"memory", func() cache.Cache { return cache.NewMemory(evs[50:]...) }},
		{"sql", func() cache.Cache {
			c := cache.NewSQL(sql.InMemory())
			for _, ev := range evs[50:] {
				if err := c.Save(context.Background(), ev, ""); err != nil {
					panic(err)
				}
			}
			return c
		}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			r := relaytest.New(t, "wss://relay.test", relaytest.WithEvents(evs[:100]...))
			local := tc.cache()
			s := newTester(t, local, syncer.DefaultConfig(), r)
			ctx := context.Background()

			rec := newRecorder()
			res, err := s.Sync(ctx, anyKind, syncer.WithObserver(rec))
			require.NoError(t, err)
			require.Equal(t, sortedIDs(evs[:50]...), res.Need)
			require.Equal(t, sortedIDs(evs[100:]...), res.Have)
			require.Len(t, res.Events, 50)
			require.Equal(t, evs[49].ID, res.Events[0].ID)
			require.Equal(t, map[string]int{r.URL(): 50}, rec.synced)
			require.Empty(t, rec.errs)
			require.Equal(t, 1, rec.complete)

			rec2, ok := s.caps.Get(r.URL())
			require.True(t, ok)
			require.True(t, rec2.SupportsNegentropy)

			stored, err := local.Query(ctx, anyKind...)
			require.NoError(t, err)
			require.Len(t, stored, 150)

			// in sync now, the capability is not probed again
			res, err = s.Sync(ctx, anyKind)
			require.NoError(t, err)
			require.Empty(t, res.Need)
			require.Empty(t, res.Events)
			require.Len(t, res.Have, 50)
			require.Equal(t, 3, r.Received(relay.LabelNegOpen))
		})
	}
}

func TestSyncNoFetch(t *testing.T) {
	evs := events(20)
	r := relaytest.New(t, "wss://relay.test", relaytest.WithEvents(evs...))
	local := cache.NewMemory()
	s := newTester(t, local, syncer.DefaultConfig(), r)

	res, err := s.Sync(context.Background(), anyKind, syncer.WithAutoFetch(false))
	require.NoError(t, err)
	require.Equal(t, sortedIDs(evs...), res.Need)
	require.Empty(t, res.Events)
	require.Zero(t, local.Len())
	require.Zero(t, r.Received(relay.LabelReq))
}

func TestSyncFilters(t *testing.T) {
	evs := events(40)
	r := relaytest.New(t, "wss://relay.test", relaytest.WithEvents(evs...))
	s := newTester(t, cache.NewMemory(), syncer.DefaultConfig(), r)

	var kind1, kind2 []*nostr.Event
	for _, ev := range evs {
		if ev.Kind == 1 {
			kind1 = append(kind1, ev)
		} else {
			kind2 = append(kind2, ev)
		}
	}
	since := nostr.Timestamp(1030)
	res, err := s.Sync(context.Background(), []nostr.Filter{
		{Kinds: []int{1}},
		{Kinds: []int{2}, Since: &since},
	})
	require.NoError(t, err)
	want := append(slices.Clone(kind1), kind2[15:]...)
	require.Equal(t, sortedIDs(want...), res.Need)
	require.Len(t, res.Events, len(want))
}

func TestSyncFetchBatches(t *testing.T) {
	evs := events(30)
	r := relaytest.New(t, "wss://relay.test", relaytest.WithEvents(evs...))
	cfg := syncer.DefaultConfig()
	cfg.FetchBatchSize = 7
	cfg.FetchRate = 1000
	cfg.FrameSizeLimit = 4096
	local := cache.NewMemory()
	s := newTester(t, local, cfg, r)

	res, err := s.Sync(context.Background(), anyKind)
	require.NoError(t, err)
	require.Len(t, res.Events, 30)
	require.Equal(t, 5, r.Received(relay.LabelReq))
	require.Equal(t, 30, local.Len())
	for _, ev := range evs {
		require.Equal(t, []string{r.URL()}, local.Relays(ev.ID))
	}
}

func TestSyncFallback(t *testing.T) {
	evs := events(20)
	r := relaytest.New(t, "wss://plain.test",
		relaytest.WithEvents(evs...),
		relaytest.WithoutNegentropy(),
	)
	local := cache.NewMemory()
	s := newTester(t, local, syncer.DefaultConfig(), r)

	filters := []nostr.Filter{{Kinds: []int{1}}}
	res, err := s.Sync(context.Background(), filters)
	require.NoError(t, err)
	require.Empty(t, res.Need)
	require.Empty(t, res.Have)
	var want []*nostr.Event
	for _, ev := range evs {
		if ev.Kind == 1 {
			want = append(want, ev)
		}
	}
	require.Equal(t, sortedIDs(want...), sortedIDs(res.Events...))
	require.Equal(t, 10, local.Len())
	require.Equal(t, 1, r.Received(relay.LabelReq))
	require.Equal(t, 1, r.Received(relay.LabelNegOpen))

	rec, ok := s.caps.Get(r.URL())
	require.True(t, ok)
	require.False(t, rec.SupportsNegentropy)
}

func TestSyncRelays(t *testing.T) {
	evs := events(40)
	a := relaytest.New(t, "wss://a.test", relaytest.WithEvents(evs[:30]...))
	b := relaytest.New(t, "wss://b.test", relaytest.WithEvents(evs[30:]...), relaytest.WithoutNegentropy())
	local := cache.NewMemory()
	s := newTester(t, local, syncer.DefaultConfig(), a, b)

	res, err := s.Sync(context.Background(), anyKind)
	require.NoError(t, err)
	require.Equal(t, sortedIDs(evs[:30]...), res.Need)
	require.Equal(t, sortedIDs(evs...), sortedIDs(res.Events...))
	require.Equal(t, 40, local.Len())

	res, err = s.Sync(context.Background(), anyKind, syncer.WithRelays("wss://b.test"))
	require.NoError(t, err)
	require.Empty(t, res.Need)
	require.Len(t, res.Events, 10)
	require.Equal(t, 1, a.Received(relay.LabelReq))
	require.Equal(t, 2, b.Received(relay.LabelReq))
}

func TestSyncFailureIsolation(t *testing.T) {
	evs := events(10)
	healthy := relaytest.New(t, "wss://healthy.test", relaytest.WithEvents(evs...))
	offline := relaytest.New(t, "wss://offline.test", relaytest.NotConnected())
	rejecting := relaytest.New(t, "wss://rejecting.test",
		relaytest.WithEvents(evs...),
		relaytest.WithNegError("blocked: sync disabled"),
	)
	cfg := syncer.DefaultConfig()
	cfg.RelayConnectTimeout = 50 * time.Millisecond
	s := newTester(t, cache.NewMemory(), cfg, healthy, offline, rejecting)

	rec := newRecorder()
	res, err := s.Sync(context.Background(), anyKind, syncer.WithObserver(rec))
	require.NoError(t, err)
	require.Equal(t, sortedIDs(evs...), res.Need)
	require.Len(t, res.Events, 10)

	require.Equal(t, map[string]int{healthy.URL(): 10}, rec.synced)
	require.Len(t, rec.errs, 2)
	require.ErrorIs(t, rec.errs[offline.URL()], relay.ErrNotReady)
	var negErr *relay.NegError
	require.ErrorAs(t, rec.errs[rejecting.URL()], &negErr)
	require.Equal(t, "blocked: sync disabled", negErr.Reason)
	require.Equal(t, 1, rec.complete)

	capRec, ok := s.caps.Get(rejecting.URL())
	require.True(t, ok)
	require.False(t, capRec.SupportsNegentropy)
	require.Contains(t, capRec.LastError, "blocked")

	// not reachable relays are not recorded as unsupported
	_, ok = s.caps.Get(offline.URL())
	require.False(t, ok)
}

func TestSyncWithStalledSubscription(t *testing.T) {
	evs := events(10)
	r := relaytest.New(t, "wss://relay.test", relaytest.WithEvents(evs...))
	cfg := syncer.DefaultConfig()
	cfg.SessionTimeout = 2 * time.Second
	s := newTester(t, cache.NewMemory(), cfg, r)
	ctx := context.Background()

	sub, err := s.SyncAndSubscribe(ctx, []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	defer sub.Close()
	select {
	case <-sub.Synced():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "sync did not complete")
	}
	require.Eventually(t, func() bool {
		return r.Received(relay.LabelReq) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// nobody reads the subscription while the relay keeps publishing
	for i := range 400 {
		r.Publish(relaytest.MakeEvent(2000+i, nostr.Timestamp(3000+i), 1))
	}

	rec := newRecorder()
	res, err := s.Sync(ctx, []nostr.Filter{{Kinds: []int{2}}}, syncer.WithObserver(rec))
	require.NoError(t, err)
	require.Empty(t, rec.errs)
	require.Len(t, res.Events, 5)

	capRec, ok := s.caps.Get(r.URL())
	require.True(t, ok)
	require.True(t, capRec.SupportsNegentropy)
}

func TestSyncSessionTimeout(t *testing.T) {
	evs := events(6)
	r := relaytest.New(t, "wss://silent.test",
		relaytest.WithEvents(evs...),
		relaytest.WithoutNegentropy(),
		relaytest.WithNotice(""),
	)
	logger := zaptest.NewLogger(t)
	pool := relay.NewPool()
	pool.Add(r)
	store := capability.NewMemStore()
	require.NoError(t, store.Put(r.URL(), capability.Record{
		SupportsNegentropy: true,
		LastChecked:        time.Now(),
	}))
	caps, err := capability.New(store, capability.NewHandshakeProber(logger))
	require.NoError(t, err)
	cfg := syncer.DefaultConfig()
	cfg.SessionTimeout = 100 * time.Millisecond
	s := syncer.New(cache.NewMemory(), pool, caps, syncer.WithLogger(logger), syncer.WithConfig(cfg))

	rec := newRecorder()
	res, err := s.Sync(context.Background(), anyKind, syncer.WithObserver(rec))
	require.NoError(t, err)
	require.Empty(t, res.Events)
	require.ErrorIs(t, rec.errs[r.URL()], relay.ErrSessionTimeout)

	// no answer from the relay is no evidence against negentropy
	capRec, ok := caps.Get(r.URL())
	require.True(t, ok)
	require.True(t, capRec.SupportsNegentropy)
	require.Empty(t, capRec.LastError)

	rec = newRecorder()
	sub, err := s.SyncAndSubscribe(context.Background(), anyKind, syncer.WithObserver(rec))
	require.NoError(t, err)
	defer sub.Close()
	select {
	case <-sub.Synced():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "sync did not complete")
	}
	require.Equal(t, map[string]int{r.URL(): 6}, rec.synced)
	capRec, _ = caps.Get(r.URL())
	require.True(t, capRec.SupportsNegentropy)
}

func TestSyncErrors(t *testing.T) {
	r := relaytest.New(t, "wss://relay.test")
	s := newTester(t, cache.NewMemory(), syncer.DefaultConfig(), r)
	ctx := context.Background()

	_, err := s.Sync(ctx, nil)
	require.ErrorIs(t, err, syncer.ErrNoFilters)
	_, err = s.SyncAndSubscribe(ctx, nil)
	require.ErrorIs(t, err, syncer.ErrNoFilters)

	_, err = s.Sync(ctx, anyKind, syncer.WithRelays("wss://unknown.test"))
	require.ErrorIs(t, err, syncer.ErrNoRelays)

	empty := newTester(t, cache.NewMemory(), syncer.DefaultConfig())
	_, err = empty.Sync(ctx, anyKind)
	require.ErrorIs(t, err, syncer.ErrNoRelays)
	_, err = empty.SyncAndSubscribe(ctx, anyKind)
	require.ErrorIs(t, err, syncer.ErrNoRelays)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Sync(canceled, anyKind)
	require.ErrorIs(t, err, context.Canceled)
}

func receive(t *testing.T, sub *syncer.Subscription, n int) []*nostr.Event {
	t.Helper()
	var evs []*nostr.Event
	for range n {
		select {
		case ev := <-sub.Events():
			evs = append(evs, ev)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for events", "received %d of %d", len(evs), n)
		}
	}
	return evs
}

func TestSyncAndSubscribe(t *testing.T) {
	evs := events(20)
	a := relaytest.New(t, "wss://a.test", relaytest.WithEvents(evs[:10]...))
	b := relaytest.New(t, "wss://b.test", relaytest.WithEvents(evs[10:]...), relaytest.WithoutNegentropy())
	local := cache.NewMemory(evs[5:10]...)
	s := newTester(t, local, syncer.DefaultConfig(), a, b)

	rec := newRecorder()
	sub, err := s.SyncAndSubscribe(context.Background(), anyKind, syncer.WithObserver(rec))
	require.NoError(t, err)

	select {
	case <-sub.Synced():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "sync did not complete")
	}
	require.Equal(t, map[string]int{a.URL(): 5, b.URL(): 10}, rec.synced)
	require.Equal(t, 1, rec.complete)

	historical := receive(t, sub, 15)
	require.Equal(t, sortedIDs(append(slices.Clone(evs[:5]), evs[10:]...)...), sortedIDs(historical...))
	require.Equal(t, 20, local.Len())

	// sync query and the live subscription
	require.Eventually(t, func() bool {
		return a.Received(relay.LabelReq) == 2
	}, 5*time.Second, 10*time.Millisecond)
	fresh := relaytest.MakeEvent(1000, nostr.Timestamp(5000), 1)
	a.Publish(fresh)
	live := receive(t, sub, 1)
	require.Equal(t, fresh.ID, live[0].ID)

	// an already delivered event is not delivered twice
	require.False(t, sub.Inject(evs[0]))

	sub.Close()
	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestSyncAndSubscribeNotReady(t *testing.T) {
	r := relaytest.New(t, "wss://offline.test", relaytest.NotConnected())
	clock := clockwork.NewFakeClock()
	logger := zaptest.NewLogger(t)
	pool := relay.NewPool()
	pool.Add(r)
	caps, err := capability.New(capability.NewMemStore(), capability.NewHandshakeProber(logger))
	require.NoError(t, err)
	s := syncer.New(cache.NewMemory(), pool, caps, syncer.WithLogger(logger), syncer.WithClock(clock))

	var (
		mu       sync.Mutex
		relayErr error
	)
	sub, err := s.SyncAndSubscribe(context.Background(), anyKind, syncer.WithObserver(syncer.ObserverFuncs{
		RelayError: func(url string, err error) {
			mu.Lock()
			defer mu.Unlock()
			relayErr = err
		},
	}))
	require.NoError(t, err)
	defer sub.Close()

	clock.BlockUntil(1)
	select {
	case <-sub.Synced():
		require.FailNow(t, "synced before the relay timed out")
	default:
	}
	clock.Advance(syncer.DefaultConfig().RelayConnectTimeout)
	select {
	case <-sub.Synced():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "sync did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	require.ErrorIs(t, relayErr, relay.ErrNotReady)
}

func TestSyncAndSubscribeClose(t *testing.T) {
	r := relaytest.New(t, "wss://offline.test", relaytest.NotConnected())
	s := newTester(t, cache.NewMemory(), syncer.DefaultConfig(), r)

	sub, err := s.SyncAndSubscribe(context.Background(), anyKind)
	require.NoError(t, err)
	sub.Close()
	select {
	case <-sub.Synced():
	default:
		require.FailNow(t, "close must wait for the background sync")
	}
}
