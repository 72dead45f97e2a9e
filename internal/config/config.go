// Package config loads relaywatch settings from flags, RELAYWATCH_* env vars,
// an optional config file and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYWATCH"

type Config struct {
	StateDir  string        `validate:"required"`
	Heartbeat time.Duration `validate:"gt=0"`
	Jitter    float64       `validate:"gte=0,lte=1"`
	TrashDir  string        `validate:"required"`
	Platform  string        `validate:"required"`
	Remote    RemoteConfig
	Index     IndexConfig
	Log       LogConfig
	Status    StatusConfig
}

type RemoteConfig struct {
	Kind     string `validate:"oneof=http couch"`
	URL      string `validate:"omitempty,url"`
	Token    string
	Database string        `validate:"required_if=Kind couch"`
	Timeout  time.Duration `validate:"gt=0"`
	Realtime bool
}

type IndexConfig struct {
	// DSN selects the replica backend: memory://, file://, sqlite:// or postgres://.
	DSN string `validate:"required"`
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
	File   string
}

type StatusConfig struct {
	// Addr is the status API listen address. Empty disables it.
	Addr string `validate:"omitempty,hostname_port"`
}

// RequireRemote reports an error unless a remote endpoint is configured.
// Commands that only inspect the replica do not need one.
func (c *Config) RequireRemote() error {
	if c.Remote.URL == "" {
		return errors.New("remote url is required (--remote-url or RELAYWATCH_REMOTE_URL)")
	}
	return nil
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"state-dir":   "state_dir",
	"heartbeat":   "heartbeat",
	"jitter":      "jitter",
	"trash-dir":   "trash_dir",
	"platform":    "platform",
	"remote-kind": "remote.kind",
	"remote-url":  "remote.url",
	"token":       "remote.token",
	"database":    "remote.database",
	"timeout":     "remote.timeout",
	"realtime":    "remote.realtime",
	"index":       "index.dsn",
	"log-level":   "log.level",
	"log-format":  "log.format",
	"log-file":    "log.file",
	"status-addr": "status.addr",
}

// New returns a viper instance with defaults and env bindings in place.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("heartbeat", "1m")
	v.SetDefault("jitter", 0.0)
	v.SetDefault("trash_dir", ".cozy_trash")
	v.SetDefault("platform", runtime.GOOS)
	v.SetDefault("remote.kind", "http")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.database", "files")
	v.SetDefault("remote.timeout", "15s")
	v.SetDefault("remote.realtime", false)
	v.SetDefault("index.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("status.addr", "")
	return v
}

// BindFlags binds the flags of fs that have a config key. Flags missing from
// fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads .env, the config file and the environment, then decodes and
// validates the result. An empty configFile looks for config.{yaml,toml,json}
// under the user config dir and tolerates its absence.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	_ = godotenv.Load()

	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "relaywatch"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return decode(v)
}

// Watch re-decodes the config file whenever it changes. Edits that fail to
// decode or validate are passed to onError and otherwise ignored.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", event.Name, err))
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	heartbeat, err := parseHeartbeat(v.GetString("heartbeat"))
	if err != nil {
		return nil, err
	}
	timeout, err := time.ParseDuration(strings.TrimSpace(v.GetString("remote.timeout")))
	if err != nil {
		return nil, fmt.Errorf("invalid remote.timeout: %w", err)
	}
	cfg := &Config{
		StateDir:  strings.TrimSpace(v.GetString("state_dir")),
		Heartbeat: heartbeat,
		Jitter:    v.GetFloat64("jitter"),
		TrashDir:  strings.Trim(strings.TrimSpace(v.GetString("trash_dir")), "/"),
		Platform:  strings.TrimSpace(v.GetString("platform")),
		Remote: RemoteConfig{
			Kind:     strings.ToLower(strings.TrimSpace(v.GetString("remote.kind"))),
			URL:      strings.TrimSpace(v.GetString("remote.url")),
			Token:    strings.TrimSpace(v.GetString("remote.token")),
			Database: strings.TrimSpace(v.GetString("remote.database")),
			Timeout:  timeout,
			Realtime: v.GetBool("remote.realtime"),
		},
		Index: IndexConfig{DSN: strings.TrimSpace(v.GetString("index.dsn"))},
		Log: LogConfig{
			Level:  strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
			Format: strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
			File:   strings.TrimSpace(v.GetString("log.file")),
		},
		Status: StatusConfig{Addr: strings.TrimSpace(v.GetString("status.addr"))},
	}
	if cfg.Index.DSN == "" && cfg.StateDir != "" {
		cfg.Index.DSN = "file://" + filepath.ToSlash(filepath.Join(cfg.StateDir, "index.json"))
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// parseHeartbeat accepts a Go duration or, for older setups, an integer
// number of milliseconds.
func parseHeartbeat(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid heartbeat %q: %w", raw, err)
	}
	return d, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".relaywatch"
	}
	return filepath.Join(home, ".relaywatch")
}
