// Package config loads the application configuration.
//
// Values come from, in increasing precedence: built-in defaults, the
// TOML config file, TODO_* environment variables and command-line flags
// bound by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides, e.g. TODO_DB_PATH.
const EnvPrefix = "TODO"

// Config is the whole application configuration.
type Config struct {
	DB    DBConfig    `mapstructure:"db"`
	Pager PagerConfig `mapstructure:"pager"`
	Sync  SyncConfig  `mapstructure:"sync"`
	Relay RelayConfig `mapstructure:"relay"`
	Log   LogConfig   `mapstructure:"log"`
	UI    UIConfig    `mapstructure:"ui"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type PagerConfig struct {
	Size int `mapstructure:"size"`
}

type SyncConfig struct {
	// Relay is the rendezvous service URL.
	Relay           string        `mapstructure:"relay"`
	IdentityTimeout time.Duration `mapstructure:"identity-timeout"`
	ExportBatch     int           `mapstructure:"export-batch"`
}

type RelayConfig struct {
	Listen      string        `mapstructure:"listen"`
	PairTimeout time.Duration `mapstructure:"pair-timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables a rotated JSON log next to the console output.
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max-size"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAge     int    `mapstructure:"max-age"`
}

type UIConfig struct {
	// Color is one of auto, always or never.
	Color string `mapstructure:"color"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB:    DBConfig{Path: DefaultDBPath()},
		Pager: PagerConfig{Size: 10},
		Sync: SyncConfig{
			Relay:           "ws://localhost:8787",
			IdentityTimeout: 30 * time.Second,
			ExportBatch:     100,
		},
		Relay: RelayConfig{
			Listen:      ":8787",
			PairTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "warn",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
		UI: UIConfig{Color: "auto"},
	}
}

func appDir(base func() (string, error), fallback string) string {
	dir, err := base()
	if err != nil {
		return filepath.Join(fallback, "todo")
	}
	return filepath.Join(dir, "todo")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(appDir(os.UserConfigDir, "."), "config.toml")
}

// DefaultDBPath returns the default database location.
func DefaultDBPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "todo", "todo.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "todo.db"
	}
	return filepath.Join(home, ".local", "share", "todo", "todo.db")
}

// SetDefaults registers every key with its default on v, which also
// makes every key visible to environment overrides.
func SetDefaults(v *viper.Viper) {
	for key, value := range flatten(Default()) {
		v.SetDefault(key, value)
	}
}

// flatten lists the configuration as dotted keys.
func flatten(c Config) map[string]any {
	return map[string]any{
		"db.path":               c.DB.Path,
		"pager.size":            c.Pager.Size,
		"sync.relay":            c.Sync.Relay,
		"sync.identity-timeout": c.Sync.IdentityTimeout,
		"sync.export-batch":     c.Sync.ExportBatch,
		"relay.listen":          c.Relay.Listen,
		"relay.pair-timeout":    c.Relay.PairTimeout,
		"log.level":             c.Log.Level,
		"log.file":              c.Log.File,
		"log.max-size":          c.Log.MaxSize,
		"log.max-backups":       c.Log.MaxBackups,
		"log.max-age":           c.Log.MaxAge,
		"ui.color":              c.UI.Color,
	}
}

// Load reads the configuration into v and decodes it.
// An explicit path must exist; the default path may be missing.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook), withErrorUnused()); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func withErrorUnused() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	if c.Pager.Size <= 0 {
		return fmt.Errorf("pager.size must be positive, got %d", c.Pager.Size)
	}
	if c.Sync.ExportBatch <= 0 {
		return fmt.Errorf("sync.export-batch must be positive, got %d", c.Sync.ExportBatch)
	}
	if c.Sync.IdentityTimeout < 0 || c.Relay.PairTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.UI.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("ui.color must be auto, always or never, got %q", c.UI.Color)
	}
	return nil
}

// fileConfig is the on-disk layout written by WriteDefault. Durations
// are spelled as strings such as "30s".
type fileConfig struct {
	DB struct {
		Path string `toml:"path"`
	} `toml:"db"`
	Pager struct {
		Size int `toml:"size"`
	} `toml:"pager"`
	Sync struct {
		Relay           string `toml:"relay"`
		IdentityTimeout string `toml:"identity-timeout"`
		ExportBatch     int    `toml:"export-batch"`
	} `toml:"sync"`
	Relay struct {
		Listen      string `toml:"listen"`
		PairTimeout string `toml:"pair-timeout"`
	} `toml:"relay"`
	Log struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		MaxSize    int    `toml:"max-size"`
		MaxBackups int    `toml:"max-backups"`
		MaxAge     int    `toml:"max-age"`
	} `toml:"log"`
	UI struct {
		Color string `toml:"color"`
	} `toml:"ui"`
}

func toFile(c Config) fileConfig {
	var f fileConfig
	f.DB.Path = c.DB.Path
	f.Pager.Size = c.Pager.Size
	f.Sync.Relay = c.Sync.Relay
	f.Sync.IdentityTimeout = c.Sync.IdentityTimeout.String()
	f.Sync.ExportBatch = c.Sync.ExportBatch
	f.Relay.Listen = c.Relay.Listen
	f.Relay.PairTimeout = c.Relay.PairTimeout.String()
	f.Log.Level = c.Log.Level
	f.Log.File = c.Log.File
	f.Log.MaxSize = c.Log.MaxSize
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAge = c.Log.MaxAge
	f.UI.Color = c.UI.Color
	return f
}

// WriteDefault writes the default configuration to path. An existing
// file is only replaced with force.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(toFile(Default())); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
