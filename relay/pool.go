package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownRelay is returned by Pool for relays it can not provide.
var ErrUnknownRelay = errors.New("relay: unknown relay")

// NormalizeURL lowercases the scheme and host of a relay URL and strips a
// trailing slash.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse relay url %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", raw, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// Dialer opens a connection to a relay. It must not block until the
// connection is established; the returned Conn reports readiness.
type Dialer func(ctx context.Context, url string) (Conn, error)

// PoolOpt is an option for NewPool.
type PoolOpt func(*Pool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *zap.Logger) PoolOpt {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithDialer sets the dialer used for relays that are not in the pool yet.
func WithDialer(dial Dialer) PoolOpt {
	return func(p *Pool) {
		p.dial = dial
	}
}

// Pool keeps one connection per relay URL.
type Pool struct {
	logger *zap.Logger
	dial   Dialer

	mu    sync.Mutex
	conns map[string]Conn
}

// NewPool creates an empty pool.
func NewPool(opts ...PoolOpt) *Pool {
	p := &Pool{
		logger: zap.NewNop(),
		conns:  make(map[string]Conn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add puts a connection into the pool, replacing any previous one for the
// same URL.
func (p *Pool) Add(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[c.URL()] = c
}

// Relay returns the connection for url, dialing it if needed.
func (p *Pool) Relay(ctx context.Context, raw string) (Conn, error) {
	u, err := NormalizeURL(raw)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[u]; ok {
		return c, nil
	}
	if p.dial == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, u)
	}
	c, err := p.dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	p.conns[u] = c
	return c, nil
}

// Relays returns connections for the given URLs, or every pooled
// connection when urls is empty. Relays that can not be provided are
// logged and skipped.
func (p *Pool) Relays(ctx context.Context, urls []string) []Conn {
	if len(urls) == 0 {
		p.mu.Lock()
		defer p.mu.Unlock()
		conns := make([]Conn, 0, len(p.conns))
		for _, u := range slices.Sorted(maps.Keys(p.conns)) {
			conns = append(conns, p.conns[u])
		}
		return conns
	}
	var conns []Conn
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		c, err := p.Relay(ctx, u)
		if err != nil {
			p.logger.Warn("skipping relay", zap.String("relay", u), zap.Error(err))
			continue
		}
		if _, ok := seen[c.URL()]; ok {
			continue
		}
		seen[c.URL()] = struct{}{}
		conns = append(conns, c)
	}
	return conns
}

// Close closes every pooled connection that supports it.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for u, c := range p.conns {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", u, err))
			}
		}
		delete(p.conns, u)
	}
	return errors.Join(errs...)
}
