// Package capability remembers which relays support negentropy.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nostrsync/go-nostrsync/relay"
)

// Record is what is known about a relay.
type Record struct {
	SupportsNegentropy bool
	LastChecked        time.Time
	LastError          string
}

// Config for the capability cache.
type Config struct {
	// TTL after which a record is probed again.
	TTL time.Duration `mapstructure:"ttl"`
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `mapstructure:"probe-timeout"`
	// CacheSize is the number of records kept in memory in front of the
	// store.
	CacheSize int `mapstructure:"cache-size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          time.Hour,
		ProbeTimeout: 10 * time.Second,
		CacheSize:    1024,
	}
}

// Opt is an option for New.
type Opt func(*Cache)

func WithLogger(logger *zap.Logger) Opt {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Opt {
	return func(c *Cache) {
		c.clock = clock
	}
}

func WithConfig(cfg Config) Opt {
	return func(c *Cache) {
		c.cfg = cfg
	}
}

// Cache decides whether a relay supports negentropy, probing it at most once
// per TTL.
type Cache struct {
	cfg    Config
	logger *zap.Logger
	clock  clockwork.Clock
	store  Store
	prober Prober

	front  *lru.Cache[string, Record]
	flight singleflight.Group
}

// New creates a cache over store, using prober for relays without a fresh
// record.
func New(store Store, prober Prober, opts ...Opt) (*Cache, error) {
	c := &Cache{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		store:  store,
		prober: prober,
	}
	for _, opt := range opts {
		opt(c)
	}
	front, err := lru.New[string, Record](max(c.cfg.CacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("create capability lru: %w", err)
	}
	c.front = front
	return c, nil
}

func (c *Cache) fresh(rec Record) bool {
	return c.clock.Since(rec.LastChecked) < c.cfg.TTL
}

// CheckSupport reports whether conn supports negentropy. A fresh record is
// trusted; otherwise the relay is probed and the outcome persisted. Probe
// failures are recorded as unsupported.
func (c *Cache) CheckSupport(ctx context.Context, conn relay.Conn) bool {
	url := conn.URL()
	if rec, ok := c.Get(url); ok && c.fresh(rec) {
		cacheLookups.WithLabelValues("hit").Inc()
		return rec.SupportsNegentropy
	}
	cacheLookups.WithLabelValues("miss").Inc()
	if ctx.Err() != nil {
		return false
	}
	// the probe is shared by concurrent callers and outlives the one that
	// started it, bounded by the probe timeout
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(url, func() (any, error) {
		if rec, ok := c.Get(url); ok && c.fresh(rec) {
			return rec.SupportsNegentropy, nil
		}
		return c.probe(detached, conn), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (c *Cache) probe(ctx context.Context, conn relay.Conn) bool {
	url := conn.URL()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	supported, err := c.prober.Probe(ctx, conn)
	rec := Record{SupportsNegentropy: supported && err == nil, LastChecked: c.clock.Now()}
	switch {
	case err != nil:
		rec.LastError = err.Error()
		probes.WithLabelValues(outcomeError).Inc()
		c.logger.Debug("capability probe failed", zap.String("relay", url), zap.Error(err))
	case supported:
		probes.WithLabelValues(outcomeSupported).Inc()
	default:
		probes.WithLabelValues(outcomeUnsupported).Inc()
	}
	c.put(url, rec)
	c.logger.Debug("relay probed",
		zap.String("relay", url),
		zap.Bool("negentropy", rec.SupportsNegentropy),
	)
	return rec.SupportsNegentropy
}

// MarkUnsupported records that url failed a negentropy session with err.
func (c *Cache) MarkUnsupported(url string, err error) {
	rec := Record{LastChecked: c.clock.Now()}
	if err != nil {
		rec.LastError = err.Error()
	}
	c.put(url, rec)
	c.logger.Info("relay marked as not supporting negentropy",
		zap.String("relay", url),
		zap.Error(err),
	)
}

func (c *Cache) put(url string, rec Record) {
	c.front.Add(url, rec)
	if err := c.store.Put(url, rec); err != nil {
		c.logger.Warn("failed to persist relay capability", zap.String("relay", url), zap.Error(err))
	}
}

// Get returns the record for url, fresh or not.
func (c *Cache) Get(url string) (Record, bool) {
	if rec, ok := c.front.Get(url); ok {
		return rec, true
	}
	rec, err := c.store.Get(url)
	switch {
	case errors.Is(err, ErrNotFound):
		return Record{}, false
	case err != nil:
		c.logger.Warn("failed to load relay capability", zap.String("relay", url), zap.Error(err))
		return Record{}, false
	}
	c.front.Add(url, rec)
	return rec, true
}

// Clear forgets what is known about url.
func (c *Cache) Clear(url string) error {
	c.front.Remove(url)
	if err := c.store.Delete(url); err != nil {
		return fmt.Errorf("clear capability of %s: %w", url, err)
	}
	return nil
}
