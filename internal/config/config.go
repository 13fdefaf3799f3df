package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

// Typing backends.
const (
	TypingSQLite = "sqlite"
	TypingRedis  = "redis"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	UserID         string `toml:"user_id"`
	DisplayName    string `toml:"display_name"`
	AvatarURL      string `toml:"avatar_url,omitempty"`
	LogLevel       string `toml:"log_level"`

	Engine  Engine  `toml:"engine"`
	Store   Store   `toml:"store"`
	Push    Push    `toml:"push"`
	Typing  Typing  `toml:"typing"`
	Metrics Metrics `toml:"metrics"`
}

// Engine holds the sync engine tunables.
type Engine struct {
	PageSize         int      `toml:"page_size"`
	TypingDebounce   Duration `toml:"typing_debounce"`
	TypingTTL        Duration `toml:"typing_ttl"`
	RetryDelay       Duration `toml:"retry_delay"`
	SwitchGrace      Duration `toml:"switch_grace"`
	SubscribeTimeout Duration `toml:"subscribe_timeout"`
}

// Store overrides the session database location.
type Store struct {
	Path string `toml:"path,omitempty"`
}

// Push configures the websocket change feed. Listen serves the local feed to
// other clients; URL, when set, subscribes to a remote feed instead of the
// local one.
type Push struct {
	Listen string `toml:"listen,omitempty"`
	URL    string `toml:"url,omitempty"`
}

// Typing selects where typing indicators live.
type Typing struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
	RedisPrefix   string `toml:"redis_prefix,omitempty"`
}

// Metrics configures the prometheus endpoint. Empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("300ms").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Engine: Engine{
			PageSize:         50,
			TypingDebounce:   Duration{300 * time.Millisecond},
			TypingTTL:        Duration{8 * time.Second},
			RetryDelay:       Duration{2 * time.Second},
			SwitchGrace:      Duration{100 * time.Millisecond},
			SubscribeTimeout: Duration{10 * time.Second},
		},
		Typing: Typing{Backend: TypingSQLite, RedisPrefix: "chatsync"},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Typing.Backend {
	case "", TypingSQLite:
	case TypingRedis:
		if c.Typing.RedisAddr == "" {
			return fmt.Errorf("typing.backend is redis but typing.redis_addr is empty")
		}
	default:
		return fmt.Errorf("unknown typing.backend %q", c.Typing.Backend)
	}
	if c.Engine.PageSize < 0 {
		return fmt.Errorf("engine.page_size must not be negative")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// EngineOptions converts the engine section and user profile into engine
// options. Runtime collaborators are left for the caller to fill in.
func (c *Config) EngineOptions() sync.Options {
	return sync.Options{
		User: model.Author{
			ID:          c.UserID,
			DisplayName: c.DisplayName,
			AvatarURL:   c.AvatarURL,
		},
		PageSize:         c.Engine.PageSize,
		TypingDebounce:   c.Engine.TypingDebounce.Duration,
		TypingTTL:        c.Engine.TypingTTL.Duration,
		RetryDelay:       c.Engine.RetryDelay.Duration,
		SwitchGrace:      c.Engine.SwitchGrace.Duration,
		SubscribeTimeout: c.Engine.SubscribeTimeout.Duration,
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
