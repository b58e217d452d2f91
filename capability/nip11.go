package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/relay"
	"github.com/nostrsync/go-nostrsync/sql"
	"github.com/nostrsync/go-nostrsync/sql/relaystatus"
)

const (
	negentropyNIP     = 77
	maxDocumentLength = 64 << 10
)

// RelayInfo is the relay information document served over HTTP.
type RelayInfo struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	PubKey        string `json:"pubkey,omitempty"`
	Contact       string `json:"contact,omitempty"`
	SupportedNIPs []int  `json:"supported_nips,omitempty"`
	Software      string `json:"software,omitempty"`
	Version       string `json:"version,omitempty"`
	Limitation    *struct {
		MaxMessageLength int  `json:"max_message_length,omitempty"`
		MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
		MaxFilters       int  `json:"max_filters,omitempty"`
		MaxLimit         int  `json:"max_limit,omitempty"`
		AuthRequired     bool `json:"auth_required,omitempty"`
		PaymentRequired  bool `json:"payment_required,omitempty"`
	} `json:"limitation,omitempty"`
}

// SupportsNegentropy reports whether the document lists NIP-77.
func (i *RelayInfo) SupportsNegentropy() bool {
	return slices.Contains(i.SupportedNIPs, negentropyNIP)
}

// InfoURL maps a relay websocket URL to the URL of its information document.
func InfoURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme", relayURL)
	}
	return u.String(), nil
}

// A wrapper around zap.Logger to make it compatible with
// retryablehttp.LeveledLogger interface.
type retryableHTTPLogger struct {
	inner *zap.Logger
}

func (r retryableHTTPLogger) Error(format string, args ...any) {
	r.inner.Sugar().Errorw(format, args...)
}

func (r retryableHTTPLogger) Info(format string, args ...any) {
	r.inner.Sugar().Infow(format, args...)
}

func (r retryableHTTPLogger) Warn(format string, args ...any) {
	r.inner.Sugar().Warnw(format, args...)
}

func (r retryableHTTPLogger) Debug(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}

// NIP11Opt is an option for NewNIP11Prober.
type NIP11Opt func(*NIP11Prober)

func WithNIP11Logger(logger *zap.Logger) NIP11Opt {
	return func(p *NIP11Prober) {
		p.logger = logger
		p.client.Logger = retryableHTTPLogger{inner: logger}
	}
}

// WithRetries sets the retry budget of document requests.
func WithRetries(n int, wait time.Duration) NIP11Opt {
	return func(p *NIP11Prober) {
		p.client.RetryMax = n
		p.client.RetryWaitMin = wait
		p.client.RetryWaitMax = 2 * wait
	}
}

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(client *http.Client) NIP11Opt {
	return func(p *NIP11Prober) {
		p.client.HTTPClient = client
	}
}

// WithDocumentStore keeps fetched documents in the relay metadata table.
func WithDocumentStore(db sql.Executor, clock clockwork.Clock) NIP11Opt {
	return func(p *NIP11Prober) {
		p.db = db
		p.clock = clock
	}
}

// NIP11Prober reads the supported NIPs from the relay information document.
type NIP11Prober struct {
	logger *zap.Logger
	client *retryablehttp.Client
	db     sql.Executor
	clock  clockwork.Clock
}

var _ Prober = (*NIP11Prober)(nil)

func NewNIP11Prober(opts ...NIP11Opt) *NIP11Prober {
	p := &NIP11Prober{
		logger: zap.NewNop(),
		client: &retryablehttp.Client{
			HTTPClient:   &http.Client{Timeout: 10 * time.Second},
			RetryMax:     2,
			RetryWaitMin: 200 * time.Millisecond,
			RetryWaitMax: 400 * time.Millisecond,
			Backoff:      retryablehttp.LinearJitterBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Logger:       retryableHTTPLogger{inner: zap.NewNop()},
		},
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Info fetches the information document of relayURL.
func (p *NIP11Prober) Info(ctx context.Context, relayURL string) (*RelayInfo, error) {
	target, err := InfoURL(relayURL)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")
	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch relay information %s: %w", target, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxDocumentLength))
	if err != nil {
		return nil, fmt.Errorf("reading relay information: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch relay information %s: status %s", target, res.Status)
	}
	var info RelayInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode relay information %s: %w", target, err)
	}
	if p.db != nil {
		now := p.clock.Now()
		meta := relaystatus.NIP11Metadata{Document: data, FetchedAt: uint64(now.UnixMilli())}
		if err := relaystatus.Set(p.db, relayURL, &meta, now); err != nil {
			p.logger.Warn("failed to store relay information", zap.String("relay", relayURL), zap.Error(err))
		}
	}
	return &info, nil
}

func (p *NIP11Prober) Probe(ctx context.Context, c relay.Conn) (bool, error) {
	info, err := p.Info(ctx, c.URL())
	if err != nil {
		return false, err
	}
	return info.SupportsNegentropy(), nil
}

// StoredInfo returns the last document kept by WithDocumentStore.
func StoredInfo(db sql.Executor, relayURL string) (*RelayInfo, time.Time, error) {
	meta, err := relaystatus.Get[relaystatus.NIP11Metadata](db, relayURL)
	if err != nil {
		return nil, time.Time{}, err
	}
	var info RelayInfo
	if err := json.Unmarshal(meta.Document, &info); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode stored relay information: %w", err)
	}
	return &info, time.UnixMilli(int64(meta.FetchedAt)), nil
}
