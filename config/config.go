// Package config holds the configuration of the nostrsync command.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/nostrsync/go-nostrsync/capability"
	"github.com/nostrsync/go-nostrsync/syncer"
)

const defaultConfigFileName = "./nostrsync.toml"

// Capability probe kinds.
const (
	ProbeHandshake = "handshake"
	ProbeNIP11     = "nip11"
)

// Config is the top level configuration.
type Config struct {
	BaseConfig `mapstructure:"main"`
	Sync       syncer.Config     `mapstructure:"sync"`
	Capability capability.Config `mapstructure:"capability"`
	LOGGING    LoggerConfig      `mapstructure:"logging"`
}

// BaseConfig defines the settings shared by every command.
type BaseConfig struct {
	ConfigFile string `mapstructure:"config"`

	// Relays are used when no relay is given on the command line.
	Relays []string `mapstructure:"relays"`
	// DatabasePath is the sqlite file of the event cache, empty for an
	// in-memory cache.
	DatabasePath            string `mapstructure:"db"`
	DatabaseConnections     int    `mapstructure:"db-connections"`
	DatabaseLatencyMetering bool   `mapstructure:"db-latency-metering"`

	Probe         string `mapstructure:"probe"`
	ProbeRetries  int    `mapstructure:"probe-retries"`
	MetricsAddr   string `mapstructure:"metrics-addr"`
	MetricsPush   string `mapstructure:"metrics-push"`
	MetricsPushID string `mapstructure:"metrics-push-id"`
}

func defaultBaseConfig() BaseConfig {
	return BaseConfig{
		DatabaseConnections: 16,
		Probe:               ProbeHandshake,
		ProbeRetries:        3,
		MetricsPushID:       "nostrsync",
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseConfig: defaultBaseConfig(),
		Sync:       syncer.DefaultConfig(),
		Capability: capability.DefaultConfig(),
		LOGGING:    defaultLoggingConfig(),
	}
}

// Validate checks values that can not be checked while decoding.
func (cfg *Config) Validate() error {
	var errs []error
	switch cfg.Probe {
	case ProbeHandshake, ProbeNIP11:
	default:
		errs = append(errs, fmt.Errorf("unknown probe %q, expected %s or %s", cfg.Probe, ProbeHandshake, ProbeNIP11))
	}
	if cfg.Sync.FetchBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.fetch-batch-size must be positive, got %d", cfg.Sync.FetchBatchSize))
	}
	if cfg.Sync.RelayConnectTimeout <= 0 {
		errs = append(errs, errors.New("sync.relay-connect-timeout must be positive"))
	}
	if cfg.Sync.FetchRate < 0 {
		errs = append(errs, errors.New("sync.fetch-rate must not be negative"))
	}
	if cfg.Capability.TTL <= 0 {
		errs = append(errs, errors.New("capability.ttl must be positive"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads the config file at fileLocation into vip. When
// fileLocation is empty the default file is read if it exists.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		if _, err := os.Stat(defaultConfigFileName); err != nil {
			return nil
		}
		fileLocation = defaultConfigFileName
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %v", err)
	}
	return nil
}

// Load returns the defaults overridden by the config file at path.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	vip := viper.New()
	if err := LoadConfig(path, vip); err != nil {
		return cfg, err
	}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	opts := []viper.DecoderConfigOption{
		viper.DecodeHook(hook),
		withIgnoreUntagged(),
		withErrorUnused(),
	}
	if err := vip.Unmarshal(&cfg, opts...); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

func withIgnoreUntagged() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.IgnoreUntaggedFields = true
	}
}

func withErrorUnused() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
	}
}
