package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/cache"
	"github.com/nostrsync/go-nostrsync/capability"
	"github.com/nostrsync/go-nostrsync/config"
	"github.com/nostrsync/go-nostrsync/metrics"
	"github.com/nostrsync/go-nostrsync/nostr"
	"github.com/nostrsync/go-nostrsync/relay"
	"github.com/nostrsync/go-nostrsync/relay/wsconn"
	"github.com/nostrsync/go-nostrsync/sql"
	"github.com/nostrsync/go-nostrsync/syncer"
)

// dialer overrides the websocket dialer in tests.
var dialer relay.Dialer

// app wires the components used by the commands.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	db     *sql.Database
	pool   *relay.Pool
	caps   *capability.Cache
	syncer *syncer.Syncer
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	named := func(name string) (*zap.Logger, error) {
		return cfg.LOGGING.Named(logger, name)
	}
	dbLogger, err := named("database")
	if err != nil {
		return nil, err
	}
	dbOpts := []sql.Opt{
		sql.WithLogger(dbLogger),
		sql.WithLatencyMetering(cfg.DatabaseLatencyMetering),
	}
	var db *sql.Database
	if cfg.DatabasePath == "" {
		db, err = sql.OpenInMemory(dbOpts...)
	} else {
		dbOpts = append(dbOpts, sql.WithConnections(cfg.DatabaseConnections))
		db, err = sql.Open("file:"+cfg.DatabasePath, dbOpts...)
	}
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.build(named); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return a, nil
}

func (a *app) build(named func(string) (*zap.Logger, error)) error {
	var loggers [4]*zap.Logger
	for i, name := range []string{"cache", "relay", "capability", "sync"} {
		l, err := named(name)
		if err != nil {
			return err
		}
		loggers[i] = l
	}
	cacheLogger, relayLogger, capLogger, syncLogger := loggers[0], loggers[1], loggers[2], loggers[3]

	clock := clockwork.NewRealClock()
	var prober capability.Prober
	switch a.cfg.Probe {
	case config.ProbeNIP11:
		prober = capability.NewNIP11Prober(
			capability.WithNIP11Logger(capLogger),
			capability.WithRetries(a.cfg.ProbeRetries, 500*time.Millisecond),
			capability.WithDocumentStore(a.db, clock),
		)
	default:
		prober = capability.NewHandshakeProber(capLogger)
	}
	caps, err := capability.New(capability.NewSQLStore(a.db, capability.WithStoreClock(clock)), prober,
		capability.WithConfig(a.cfg.Capability),
		capability.WithLogger(capLogger),
		capability.WithClock(clock),
	)
	if err != nil {
		return err
	}
	a.caps = caps

	dial := dialer
	if dial == nil {
		dial = wsconn.Dialer(
			wsconn.WithLogger(relayLogger),
			wsconn.WithConnectTimeout(a.cfg.Sync.RelayConnectTimeout),
		)
	}
	a.pool = relay.NewPool(relay.WithDialer(dial), relay.WithPoolLogger(relayLogger))
	a.syncer = syncer.New(
		cache.NewSQL(a.db, cache.WithLogger(cacheLogger)),
		a.pool,
		caps,
		syncer.WithConfig(a.cfg.Sync),
		syncer.WithLogger(syncLogger),
	)
	return nil
}

// serveMetrics exposes metrics until ctx is done when an address is
// configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.logger, a.cfg.MetricsAddr); err != nil {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// pushMetrics pushes metrics once when a pushgateway is configured.
func (a *app) pushMetrics(command string) {
	if a.cfg.MetricsPush == "" {
		return
	}
	err := metrics.Push(a.cfg.MetricsPush, a.cfg.MetricsPushID, map[string]string{"command": command})
	if err != nil {
		a.logger.Warn("failed to push metrics", zap.Error(err))
	}
}

func (a *app) observer() syncer.Observer {
	return syncer.ObserverFuncs{
		RelaySynced: func(url string, n int) {
			a.logger.Info("relay synced", zap.String("relay", url), zap.Int("events", n))
		},
		RelayError: func(url string, err error) {
			a.logger.Warn("relay skipped", zap.String("relay", url), zap.Error(err))
		},
	}
}

func (a *app) Close() error {
	return errors.Join(a.pool.Close(), a.db.Close())
}

func parseFilters(raw []string) ([]nostr.Filter, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one --filter is required")
	}
	filters := make([]nostr.Filter, len(raw))
	for i, s := range raw {
		if err := json.Unmarshal([]byte(s), &filters[i]); err != nil {
			return nil, fmt.Errorf("parse filter %q: %w", s, err)
		}
	}
	return filters, nil
}
