package session

import (
	"errors"
	"io/fs"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/config"
)

const DefaultSessionName = "main"

// LoadConfig reads the global config, falling back to defaults when the file
// does not exist. A malformed file is an error.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// Resolve picks the session name: the flag wins, then default_session from
// the config file, then DefaultSessionName. A broken config file is ignored
// here and reported later by LoadConfig.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg, err := LoadConfig(); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
