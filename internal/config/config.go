// Package config holds the application's root configuration, loaded once
// from viper by the root command.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Store drivers.
const (
	StoreNone     = "none"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Page    PageConfig    `mapstructure:"page"`
	Network NetworkConfig `mapstructure:"network"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Store   StoreConfig   `mapstructure:"store"`
	CDP     CDPConfig     `mapstructure:"cdp"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// EngineConfig holds settings for the run engine.
type EngineConfig struct {
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`
}

// PageConfig controls how a page realm is loaded and driven.
type PageConfig struct {
	// Settle is the amount of virtual time the page runs after load.
	Settle        time.Duration `mapstructure:"settle"`
	ScriptTimeout time.Duration `mapstructure:"script_timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	MaxBodySize   int64         `mapstructure:"max_body_size"`
}

// NetworkConfig holds settings for HTTP requests.
type NetworkConfig struct {
	Timeout            time.Duration     `mapstructure:"timeout"`
	InsecureSkipVerify bool              `mapstructure:"insecure_skip_verify"`
	Headers            map[string]string `mapstructure:"headers"`
	Proxy              string            `mapstructure:"proxy"`
}

// RulesConfig lists the filter rules to apply.
type RulesConfig struct {
	Files []string `mapstructure:"files"`
	// Inline holds rule lines in either AdGuard or uBO syntax.
	Inline []string `mapstructure:"inline"`
}

// StoreConfig selects where interception events are persisted.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url"`
}

// CDPConfig holds settings for the browser-backed interception mode.
type CDPConfig struct {
	Headless bool          `mapstructure:"headless"`
	ExecPath string        `mapstructure:"exec_path"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "scalpel-scriptlets")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.default_task_timeout", 2*time.Minute)

	v.SetDefault("page.settle", 5*time.Second)
	v.SetDefault("page.script_timeout", 10*time.Second)
	v.SetDefault("page.max_body_size", int64(8<<20))

	v.SetDefault("network.timeout", 30*time.Second)

	v.SetDefault("store.driver", StoreNone)
	v.SetDefault("store.sqlite_path", "scriptlets.db")

	v.SetDefault("cdp.headless", true)
	v.SetDefault("cdp.timeout", time.Minute)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Engine.WorkerConcurrency <= 0 {
		return errors.New("engine.worker_concurrency must be a positive integer")
	}
	if c.Page.Settle < 0 {
		return errors.New("page.settle must not be negative")
	}
	if c.Page.ScriptTimeout <= 0 {
		return errors.New("page.script_timeout must be positive")
	}
	switch c.Store.Driver {
	case "", StoreNone:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of none, sqlite, postgres", c.Store.Driver)
	}
	return nil
}

// NewViper returns a viper instance with defaults and environment binding
// (SCRIPTLETS_PAGE_SETTLE overrides page.settle).
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("SCRIPTLETS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set replaces the configuration singleton. Intended for tests and embedding.
func Set(cfg *Config) {
	once.Do(func() {})
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
