// nostrsync reconciles a local event cache with nostr relays.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nostrsync/go-nostrsync/config"
	"github.com/nostrsync/go-nostrsync/syncer"
)

var version string

type flags struct {
	configPath string
	logLevel   string
	logEncoder string
	db         string
	probe      string
	metrics    string
	push       string
	relays     []string
	filters    []string
}

func (f *flags) addPersistent(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "load configuration from file")
	fs.StringVar(&f.logLevel, "log-level", "", "log level of every component")
	fs.StringVar(&f.logEncoder, "log-encoder", "", "log encoder, console or json")
	fs.StringVar(&f.db, "db", "", "sqlite file of the event cache, in memory when empty")
	fs.StringVar(&f.probe, "probe", "", "capability probe, handshake or nip11")
	fs.StringVar(&f.metrics, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.StringVar(&f.push, "metrics-push", "", "push metrics to this pushgateway when done")
	fs.StringArrayVarP(&f.relays, "relay", "r", nil, "relay url, can be passed multiple times")
	fs.StringArrayVarP(&f.filters, "filter", "f", nil, "filter as JSON, can be passed multiple times")
}

// load reads the config file and applies the flags that were set.
func (f *flags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.LOGGING.SetLevel(f.logLevel)
	}
	if changed("log-encoder") {
		cfg.LOGGING.Encoder = f.logEncoder
	}
	if changed("db") {
		cfg.DatabasePath = f.db
	}
	if changed("probe") {
		cfg.Probe = f.probe
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metrics
	}
	if changed("metrics-push") {
		cfg.MetricsPush = f.push
	}
	if changed("relay") {
		cfg.Relays = f.relays
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setup builds the app for a command. The returned context is canceled on
// interrupt.
func (f *flags) setup(cmd *cobra.Command) (context.Context, *app, func(), error) {
	cfg, err := f.load(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(cfg.Relays) == 0 {
		return nil, nil, nil, fmt.Errorf("no relays, use --relay or main.relays in the config file")
	}
	logger, err := cfg.LOGGING.NewLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	appLogger, err := cfg.LOGGING.Named(logger, "app")
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := newApp(cfg, appLogger)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	a.serveMetrics(ctx)
	cleanup := func() {
		cancel()
		if err := a.Close(); err != nil {
			appLogger.Warn("failed to close", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return ctx, a, cleanup, nil
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "nostrsync",
		Short:         "reconcile a local event cache with nostr relays",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f.addPersistent(root.PersistentFlags())
	root.AddCommand(newSyncCmd(&f), newSubscribeCmd(&f))
	return root
}

func newSyncCmd(f *flags) *cobra.Command {
	var (
		noFetch bool
		output  string
	)
	c := &cobra.Command{
		Use:   "sync",
		Short: "sync historical events once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(f.filters)
			if err != nil {
				return err
			}
			ctx, a, cleanup, err := f.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := a.syncer.Sync(ctx, filters,
				syncer.WithRelays(a.cfg.Relays...),
				syncer.WithAutoFetch(!noFetch),
				syncer.WithObserver(a.observer()),
			)
			if err != nil {
				return err
			}
			a.pushMetrics("sync")
			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := atomic.WriteFile(output, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			a.logger.Info("result written",
				zap.String("path", output),
				zap.Int("events", len(res.Events)),
			)
			return nil
		},
	}
	c.Flags().BoolVar(&noFetch, "no-fetch", false, "only report ids, do not fetch missing events")
	c.Flags().StringVarP(&output, "output", "o", "", "write the result to this file instead of stdout")
	return c
}

func newSubscribeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "sync history in the background and stream events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(f.filters)
			if err != nil {
				return err
			}
			ctx, a, cleanup, err := f.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			sub, err := a.syncer.SyncAndSubscribe(ctx, filters,
				syncer.WithRelays(a.cfg.Relays...),
				syncer.WithObserver(a.observer()),
			)
			if err != nil {
				return err
			}
			defer sub.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			synced := sub.Synced()
			for {
				select {
				case <-ctx.Done():
					a.pushMetrics("subscribe")
					return nil
				case <-synced:
					a.logger.Info("history synced")
					synced = nil
				case ev, ok := <-sub.Events():
					if !ok {
						return nil
					}
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
