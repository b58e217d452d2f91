// Package wsconn implements relay.Conn over a websocket.
package wsconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/relay"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	maxMessageSize        = 16 << 20
)

type Opt func(*Conn)

func WithLogger(logger *zap.Logger) Opt {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithConnectTimeout bounds the websocket handshake.
func WithConnectTimeout(d time.Duration) Opt {
	return func(c *Conn) {
		c.connectTimeout = d
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Opt {
	return func(c *Conn) {
		c.dialer = d
	}
}

// Conn is a websocket connection to a relay. The handshake runs in the
// background; Ready is closed when it succeeds.
type Conn struct {
	url            string
	logger         *zap.Logger
	dialer         *websocket.Dialer
	connectTimeout time.Duration

	hub       relay.Hub
	ready     chan struct{}
	connected atomic.Bool

	wmu sync.Mutex
	ws  *websocket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ relay.Conn = (*Conn)(nil)

// Dial starts connecting to url and returns immediately.
func Dial(ctx context.Context, url string, opts ...Opt) (*Conn, error) {
	u, err := relay.NormalizeURL(url)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		url:            u,
		logger:         zap.NewNop(),
		dialer:         websocket.DefaultDialer,
		connectTimeout: DefaultConnectTimeout,
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("relay", u))
	ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return c, nil
}

// Dialer returns a relay.Dialer creating websocket connections.
func Dialer(opts ...Opt) relay.Dialer {
	return func(ctx context.Context, url string) (relay.Conn, error) {
		return Dial(ctx, url, opts...)
	}
}

func (c *Conn) run(ctx context.Context) {
	// Dispatch and Close of the hub both happen on this goroutine.
	defer c.hub.Close()
	dctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	ws, resp, err := c.dialer.DialContext(dctx, c.url, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.logger.Debug("failed to connect", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxMessageSize)
	c.wmu.Lock()
	c.ws = ws
	c.wmu.Unlock()
	c.connected.Store(true)
	close(c.ready)
	c.logger.Debug("connected")

	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	defer c.connected.Store(false)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("connection lost", zap.Error(err))
			}
			return
		}
		env, err := relay.ParseEnvelope(data)
		if err != nil {
			c.logger.Debug("dropping malformed message", zap.Error(err))
			continue
		}
		c.hub.Dispatch(env)
	}
}

func (c *Conn) URL() string            { return c.url }
func (c *Conn) Connected() bool        { return c.connected.Load() }
func (c *Conn) Ready() <-chan struct{} { return c.ready }

func (c *Conn) Listen() (<-chan relay.Envelope, func()) {
	return c.hub.Listen()
}

// Send writes env as a text message.
func (c *Conn) Send(ctx context.Context, env relay.Envelope) error {
	if !c.Connected() {
		return fmt.Errorf("%w: %s", relay.ErrDisconnected, c.url)
	}
	deadline := time.Now().Add(DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %s: %w", relay.ErrDisconnected, c.url, err)
	}
	return nil
}

// Close closes the connection and waits for the read loop to exit.
func (c *Conn) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}
