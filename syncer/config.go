package syncer

import (
	"time"

	"github.com/nostrsync/go-nostrsync/negentropy"
	"github.com/nostrsync/go-nostrsync/relay"
)

type Config struct {
	RelayConnectTimeout time.Duration `mapstructure:"relay-connect-timeout"`
	SessionTimeout      time.Duration `mapstructure:"session-timeout"`
	FetchBatchSize      int           `mapstructure:"fetch-batch-size"`
	FrameSizeLimit      int           `mapstructure:"frame-size-limit"`
	Buckets             int           `mapstructure:"buckets"`
	// MaxConcurrentRelays limits how many relays are synced at once, 0 is unlimited.
	MaxConcurrentRelays int `mapstructure:"max-concurrent-relays"`
	// FetchRate is the number of fetch requests per second sent to one relay, 0 is unlimited.
	FetchRate int `mapstructure:"fetch-rate"`
}

func DefaultConfig() Config {
	return Config{
		RelayConnectTimeout: 5 * time.Second,
		SessionTimeout:      relay.DefaultSessionTimeout,
		FetchBatchSize:      256,
		FrameSizeLimit:      0,
		Buckets:             negentropy.DefaultBuckets,
		MaxConcurrentRelays: 0,
		FetchRate:           0,
	}
}
