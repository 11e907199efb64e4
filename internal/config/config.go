// Package config loads daemon and client settings from flags, environment
// variables (FSWATCH_*) and an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "FSWATCH"

// Config holds every setting.
type Config struct {
	Listen         string
	DedupWindow    time.Duration
	AuthToken      string
	AllowedOrigins []string
	Metrics        bool

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	WriteTimeout time.Duration
	PingInterval time.Duration

	Server  string
	Journal string
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":          "listen",
	"dedup-window":    "dedup_window",
	"token":           "auth_token",
	"allowed-origins": "allowed_origins",
	"metrics":         "metrics",
	"log-file":        "log_file",
	"write-timeout":   "write_timeout",
	"ping-interval":   "ping_interval",
	"server":          "server",
	"journal-db":      "journal",
}

// Dir returns the per-user configuration directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fswatch"
	}
	return filepath.Join(home, ".fswatch")
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:5000")
	v.SetDefault("dedup_window", 500*time.Millisecond)
	v.SetDefault("auth_token", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("metrics", true)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 28)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("ping_interval", 120*time.Second)
	v.SetDefault("server", "ws://127.0.0.1:5000/ws")
	v.SetDefault("journal", filepath.Join(Dir(), "journal.db"))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every known flag present in flags.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the TOML file at path, if any, and decodes the result. A
// missing file at the default location is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Listen:         v.GetString("listen"),
		DedupWindow:    v.GetDuration("dedup_window"),
		AuthToken:      v.GetString("auth_token"),
		AllowedOrigins: v.GetStringSlice("allowed_origins"),
		Metrics:        v.GetBool("metrics"),
		LogFile:        v.GetString("log_file"),
		LogMaxSizeMB:   v.GetInt("log_max_size_mb"),
		LogMaxBackups:  v.GetInt("log_max_backups"),
		LogMaxAgeDays:  v.GetInt("log_max_age_days"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		PingInterval:   v.GetDuration("ping_interval"),
		Server:         v.GetString("server"),
		Journal:        v.GetString("journal"),
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("dedup_window must be positive, got %s", c.DedupWindow))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ping_interval must be positive, got %s", c.PingInterval))
	}
	return errors.Join(errs...)
}
