// Package syncer reconciles the local event cache with a set of relays.
//
// Relays that support negentropy are synced by set reconciliation, one
// session per filter, and the missing events are fetched by id. Other relays
// receive a plain query for the filters.
package syncer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nostrsync/go-nostrsync/cache"
	"github.com/nostrsync/go-nostrsync/capability"
	"github.com/nostrsync/go-nostrsync/negentropy"
	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/relay"
)

var (
	// ErrNoFilters is returned when Sync is called without filters.
	ErrNoFilters = errors.New("syncer: no filters")
	// ErrNoRelays is returned when no relay could be resolved.
	ErrNoRelays = errors.New("syncer: no relays")
)

// RelaySource resolves relay URLs to connections. An empty list selects
// every known relay.
type RelaySource interface {
	Relays(ctx context.Context, urls []string) []relay.Conn
}

var _ RelaySource = (*relay.Pool)(nil)

// Opt is an option for New.
type Opt func(*Syncer)

func WithLogger(logger *zap.Logger) Opt {
	return func(s *Syncer) {
		s.logger = logger
	}
}

func WithConfig(cfg Config) Opt {
	return func(s *Syncer) {
		s.cfg = cfg
	}
}

func WithClock(clock clockwork.Clock) Opt {
	return func(s *Syncer) {
		s.clock = clock
	}
}

type syncConf struct {
	urls      []string
	autoFetch bool
	observer  Observer
}

// SyncOpt is an option for a single Sync or SyncAndSubscribe call.
type SyncOpt func(*syncConf)

// WithRelays selects the relays to sync with instead of every known relay.
func WithRelays(urls ...string) SyncOpt {
	return func(c *syncConf) {
		c.urls = urls
	}
}

// WithAutoFetch controls whether events found missing locally are fetched
// and saved. Enabled by default.
func WithAutoFetch(enable bool) SyncOpt {
	return func(c *syncConf) {
		c.autoFetch = enable
	}
}

func WithObserver(o Observer) SyncOpt {
	return func(c *syncConf) {
		c.observer = o
	}
}

// Result is the merged outcome of a sync across relays.
type Result struct {
	// Events retrieved from relays, newest first.
	Events []*nostr.Event `json:"events"`
	// Need lists ids the relays have and the cache lacked.
	Need []string `json:"need"`
	// Have lists ids the cache has and at least one relay lacked.
	Have []string `json:"have"`
}

type relayResult struct {
	events     []*nostr.Event
	have, need []negentropy.ID
}

// Syncer runs syncs between a cache and relays.
type Syncer struct {
	logger *zap.Logger
	cfg    Config
	clock  clockwork.Clock
	cache  cache.Cache
	relays RelaySource
	caps   *capability.Cache
}

func New(cache cache.Cache, relays RelaySource, caps *capability.Cache, opts ...Opt) *Syncer {
	s := &Syncer{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		cache:  cache,
		relays: relays,
		caps:   caps,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) prepare(ctx context.Context, filters []nostr.Filter, opts []SyncOpt) (syncConf, []relay.Conn, error) {
	conf := syncConf{autoFetch: true, observer: ObserverFuncs{}}
	for _, opt := range opts {
		opt(&conf)
	}
	if len(filters) == 0 {
		return conf, nil, ErrNoFilters
	}
	conns := s.relays.Relays(ctx, conf.urls)
	if len(conns) == 0 {
		return conf, nil, ErrNoRelays
	}
	return conf, conns, nil
}

// Sync reconciles the cache with every selected relay concurrently. A relay
// that fails is reported to the observer and left out of the result.
func (s *Syncer) Sync(ctx context.Context, filters []nostr.Filter, opts ...SyncOpt) (*Result, error) {
	conf, conns, err := s.prepare(ctx, filters, opts)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sync started",
		zap.Int("relays", len(conns)),
		zap.Int("filters", len(filters)),
		zap.Bool("auto_fetch", conf.autoFetch),
	)
	results := make([]*relayResult, len(conns))
	var eg errgroup.Group
	if s.cfg.MaxConcurrentRelays > 0 {
		eg.SetLimit(s.cfg.MaxConcurrentRelays)
	}
	for i, conn := range conns {
		eg.Go(func() error {
			res, err := s.syncRelay(ctx, conn, filters, conf.autoFetch, false)
			if err != nil {
				s.relayFailed(ctx, conf.observer, conn.URL(), err)
				return nil
			}
			relayOK.Inc()
			results[i] = res
			conf.observer.OnRelaySynced(conn.URL(), len(res.events))
			return nil
		})
	}
	_ = eg.Wait()
	conf.observer.OnSyncComplete()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := merge(results)
	s.logger.Info("sync complete",
		zap.Int("relays", len(conns)),
		zap.Int("events", len(res.Events)),
		zap.Int("need", len(res.Need)),
		zap.Int("have", len(res.Have)),
	)
	return res, nil
}

func (s *Syncer) relayFailed(ctx context.Context, o Observer, url string, err error) {
	relayFail.Inc()
	if ctx.Err() != nil {
		s.logger.Debug("relay sync interrupted", zap.String("relay", url), zap.Error(err))
	} else {
		s.logger.Warn("relay sync failed", zap.String("relay", url), zap.Error(err))
	}
	o.OnRelayError(url, err)
}

// negentropyFault reports whether the relay answered in a way that shows it
// can not be synced with negentropy. A session timeout is not such an answer.
func negentropyFault(err error) bool {
	return errors.Is(err, negentropy.ErrProtocol) ||
		errors.Is(err, relay.ErrNegentropyRejected) ||
		errors.Is(err, relay.ErrUnsupported)
}

// syncRelay syncs filters with a single relay. With fallback set a relay
// that fails a negentropy session is queried instead.
func (s *Syncer) syncRelay(
	ctx context.Context,
	conn relay.Conn,
	filters []nostr.Filter,
	autoFetch, fallback bool,
) (*relayResult, error) {
	url := conn.URL()
	inFlight.Inc()
	defer inFlight.Dec()
	if err := relay.WaitReady(ctx, conn, s.clock, s.cfg.RelayConnectTimeout); err != nil {
		return nil, err
	}
	if !s.caps.CheckSupport(ctx, conn) {
		return s.query(ctx, conn, filters)
	}

	var res relayResult
	for _, f := range filters {
		neg, err := s.reconcile(ctx, conn, f)
		switch {
		case err == nil:
		case negentropyFault(err):
			s.caps.MarkUnsupported(url, err)
			if fallback {
				return s.query(ctx, conn, filters)
			}
			return nil, fmt.Errorf("reconcile %s: %w", f, err)
		case fallback && errors.Is(err, relay.ErrSessionTimeout):
			s.logger.Debug("negentropy session timed out, querying instead",
				zap.String("relay", url),
				zap.Error(err),
			)
			return s.query(ctx, conn, filters)
		default:
			return nil, fmt.Errorf("reconcile %s: %w", f, err)
		}
		res.have = append(res.have, neg.Have...)
		res.need = append(res.need, neg.Need...)
	}
	res.have = uniqueIDs(res.have)
	res.need = uniqueIDs(res.need)
	if autoFetch && len(res.need) > 0 {
		evs, err := s.fetch(ctx, conn, res.need)
		if err != nil {
			return nil, err
		}
		res.events = evs
	}
	s.logger.Debug("relay synced",
		zap.String("relay", url),
		zap.Int("have", len(res.have)),
		zap.Int("need", len(res.need)),
		zap.Int("fetched", len(res.events)),
	)
	return &res, nil
}

func (s *Syncer) reconcile(ctx context.Context, conn relay.Conn, f nostr.Filter) (*relay.NegResult, error) {
	local, err := s.cache.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	storage := negentropy.NewVector(len(local))
	for _, ev := range local {
		it, err := ev.Item()
		if err != nil {
			s.logger.Debug("skipping cached event", zap.String("id", ev.ID), zap.Error(err))
			continue
		}
		if err := storage.Insert(it.Timestamp, it.ID); err != nil {
			return nil, err
		}
	}
	if err := storage.Seal(); err != nil {
		return nil, err
	}
	ng, err := negentropy.New(storage, s.cfg.FrameSizeLimit, negentropy.WithBuckets(s.cfg.Buckets))
	if err != nil {
		return nil, err
	}
	res, err := relay.RunNegentropy(ctx, conn, f, ng,
		relay.WithNegLogger(s.logger),
		relay.WithNegClock(s.clock),
		relay.WithSessionTimeout(s.cfg.SessionTimeout),
	)
	switch {
	case err == nil:
		sessionOK.Inc()
		rounds.Observe(float64(res.Rounds))
		needSize.Observe(float64(len(res.Need)))
		haveSize.Observe(float64(len(res.Have)))
	case negentropyFault(err):
		sessionUnsupported.Inc()
	default:
		sessionFail.Inc()
	}
	return res, err
}

// fetch retrieves the events with the given ids from conn in batches and
// saves them to the cache.
func (s *Syncer) fetch(ctx context.Context, conn relay.Conn, ids []negentropy.ID) ([]*nostr.Event, error) {
	batch := max(s.cfg.FetchBatchSize, 1)
	limit := rate.NewLimiter(rate.Inf, 1)
	if s.cfg.FetchRate > 0 {
		limit = rate.NewLimiter(rate.Limit(s.cfg.FetchRate), 1)
	}
	var out []*nostr.Event
	for chunk := range slices.Chunk(ids, batch) {
		if err := limit.Wait(ctx); err != nil {
			return nil, err
		}
		f := nostr.Filter{IDs: make([]string, len(chunk))}
		for i, id := range chunk {
			f.IDs[i] = id.String()
		}
		evs, err := relay.Query(ctx, conn, []nostr.Filter{f})
		if err != nil {
			return nil, fmt.Errorf("fetch %d events: %w", len(chunk), err)
		}
		out = append(out, s.save(ctx, conn.URL(), evs)...)
	}
	fetchedNeg.Add(float64(len(out)))
	return out, nil
}

// query is the path for relays without negentropy.
func (s *Syncer) query(ctx context.Context, conn relay.Conn, filters []nostr.Filter) (*relayResult, error) {
	fallbackQueries.Inc()
	evs, err := relay.Query(ctx, conn, filters)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	evs = s.save(ctx, conn.URL(), evs)
	fetchedQuery.Add(float64(len(evs)))
	s.logger.Debug("relay queried", zap.String("relay", conn.URL()), zap.Int("events", len(evs)))
	return &relayResult{events: evs}, nil
}

// save stores evs in the cache and returns the ones that were accepted.
func (s *Syncer) save(ctx context.Context, url string, evs []*nostr.Event) []*nostr.Event {
	out := evs[:0]
	for _, ev := range evs {
		if err := s.cache.Save(ctx, ev, url); err != nil {
			s.logger.Debug("event not saved",
				zap.String("relay", url),
				zap.String("id", ev.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, ev)
	}
	return out
}

func uniqueIDs(ids []negentropy.ID) []negentropy.ID {
	slices.SortFunc(ids, func(a, b negentropy.ID) int {
		return slices.Compare(a[:], b[:])
	})
	return slices.Compact(ids)
}

func merge(results []*relayResult) *Result {
	var (
		res    = &Result{Events: []*nostr.Event{}, Need: []string{}, Have: []string{}}
		seen   = make(map[string]struct{})
		needed = make(map[string]struct{})
		had    = make(map[string]struct{})
	)
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, ev := range r.events {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			res.Events = append(res.Events, ev)
		}
		for _, id := range r.need {
			needed[id.String()] = struct{}{}
		}
		for _, id := range r.have {
			had[id.String()] = struct{}{}
		}
	}
	for id := range needed {
		res.Need = append(res.Need, id)
	}
	for id := range had {
		res.Have = append(res.Have, id)
	}
	slices.Sort(res.Need)
	slices.Sort(res.Have)
	slices.SortFunc(res.Events, func(a, b *nostr.Event) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}
