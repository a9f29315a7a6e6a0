package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/sicko7947/placeflow"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
)

// Config holds the configuration of the placeflow binary
type Config struct {
	Templates string `mapstructure:"templates"`
	Schemas   string `mapstructure:"schemas"`
	Workers   int    `mapstructure:"workers"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Store struct {
		Type   string `mapstructure:"type"`
		SQLite struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
		DynamoDB struct {
			Table    string `mapstructure:"table"`
			Region   string `mapstructure:"region"`
			Endpoint string `mapstructure:"endpoint"`
		} `mapstructure:"dynamodb"`
	} `mapstructure:"store"`

	// An empty address keeps locks and the task queue in memory
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Engine struct {
		MaxTransitionsPerRun int           `mapstructure:"max_transitions_per_run"`
		LockTTL              time.Duration `mapstructure:"lock_ttl"`
		ValidationMode       string        `mapstructure:"validation_mode"`
		MaxTemplateSize      int           `mapstructure:"max_template_size"`
		MaxOutputSize        int           `mapstructure:"max_output_size"`
	} `mapstructure:"engine"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("templates", "templates")
	v.SetDefault("schemas", "")
	v.SetDefault("workers", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("store.type", StoreMemory)
	v.SetDefault("store.sqlite.path", "placeflow.db")
	v.SetDefault("store.dynamodb.table", "placeflow")
	v.SetDefault("store.dynamodb.region", "us-east-1")
	v.SetDefault("store.dynamodb.endpoint", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "placeflow:")
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("engine.max_transitions_per_run", placeflow.DefaultEngineConfig.MaxTransitionsPerRun)
	v.SetDefault("engine.lock_ttl", placeflow.DefaultEngineConfig.LockTTL)
	v.SetDefault("engine.validation_mode", string(placeflow.DefaultEngineConfig.DefaultValidationMode))
	v.SetDefault("engine.max_template_size", placeflow.DefaultEngineConfig.MaxTemplateSize)
	v.SetDefault("engine.max_output_size", placeflow.DefaultEngineConfig.MaxOutputSize)
}

// LoadConfig reads defaults, then the config file, then PLACEFLOW_* environment
// variables. An empty path looks for placeflow.yaml in the working directory
// and ./config and is not an error when none exists.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("PLACEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("placeflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory, StoreSQLite, StoreDynamoDB:
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	switch placeflow.ValidationMode(c.Engine.ValidationMode) {
	case placeflow.ValidationStrict, placeflow.ValidationSafe, placeflow.ValidationSkip:
	default:
		return fmt.Errorf("unknown validation mode %q", c.Engine.ValidationMode)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Templates == "" {
		return fmt.Errorf("a templates directory is required")
	}
	return nil
}

// EngineConfig converts the engine section
func (c *Config) EngineConfig() placeflow.EngineConfig {
	return placeflow.EngineConfig{
		MaxTransitionsPerRun:  c.Engine.MaxTransitionsPerRun,
		LockTTL:               c.Engine.LockTTL,
		DefaultValidationMode: placeflow.ValidationMode(c.Engine.ValidationMode),
		MaxTemplateSize:       c.Engine.MaxTemplateSize,
		MaxOutputSize:         c.Engine.MaxOutputSize,
	}.WithDefaults()
}

// NewLogger builds the process logger. Console output goes to stderr so run
// can print results on stdout.
func (c *Config) NewLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}

	var logger zerolog.Logger
	if c.Log.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.With().Timestamp().Logger().Level(level), nil
}
