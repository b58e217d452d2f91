package config

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEncoder defines a log encoder kind.
type LogEncoder = string

const (
	defaultLoggingLevel = zapcore.InfoLevel
	// ConsoleLogEncoder represents logging with plain text.
	ConsoleLogEncoder LogEncoder = "console"
	// JSONLogEncoder represents logging with JSON.
	JSONLogEncoder LogEncoder = "json"
)

// LoggerConfig holds the logging level for each component.
type LoggerConfig struct {
	Encoder               LogEncoder `mapstructure:"log-encoder"`
	AppLoggerLevel        string     `mapstructure:"app"`
	RelayLoggerLevel      string     `mapstructure:"relay"`
	SyncLoggerLevel       string     `mapstructure:"sync"`
	CapabilityLoggerLevel string     `mapstructure:"capability"`
	DatabaseLoggerLevel   string     `mapstructure:"database"`
	EventCacheLoggerLevel string     `mapstructure:"cache"`
}

func defaultLoggingConfig() LoggerConfig {
	return LoggerConfig{
		Encoder:               ConsoleLogEncoder,
		AppLoggerLevel:        defaultLoggingLevel.String(),
		RelayLoggerLevel:      defaultLoggingLevel.String(),
		SyncLoggerLevel:       defaultLoggingLevel.String(),
		CapabilityLoggerLevel: defaultLoggingLevel.String(),
		DatabaseLoggerLevel:   zapcore.WarnLevel.String(),
		EventCacheLoggerLevel: defaultLoggingLevel.String(),
	}
}

// SetLevel overrides the level of every component.
func (c *LoggerConfig) SetLevel(level string) {
	c.AppLoggerLevel = level
	c.RelayLoggerLevel = level
	c.SyncLoggerLevel = level
	c.CapabilityLoggerLevel = level
	c.DatabaseLoggerLevel = level
	c.EventCacheLoggerLevel = level
}

// NewLogger builds the root logger. Logs go to stderr so that stdout only
// carries command output.
func (c *LoggerConfig) NewLogger() (*zap.Logger, error) {
	var encoder zapcore.Encoder
	switch c.Encoder {
	case JSONLogEncoder:
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case ConsoleLogEncoder, "":
		encoder = zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log encoder %q", c.Encoder)
	}
	// the core accepts everything, each component filters with its own level
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	return zap.New(core), nil
}

// Named returns a child of root that logs at the level configured for
// name, or at the app level for unknown names.
func (c *LoggerConfig) Named(root *zap.Logger, name string) (*zap.Logger, error) {
	level := c.AppLoggerLevel
	switch name {
	case "relay":
		level = c.RelayLoggerLevel
	case "sync":
		level = c.SyncLoggerLevel
	case "capability":
		level = c.CapabilityLoggerLevel
	case "database":
		level = c.DatabaseLoggerLevel
	case "cache":
		level = c.EventCacheLoggerLevel
	}
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("log level of %s: %w", name, err)
	}
	return root.Named(name).WithOptions(zap.IncreaseLevel(lvl)), nil
}
