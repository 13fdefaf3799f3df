package session

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory, mostly for tests and containers.
const HomeEnv = "CHATSYNC_HOME"

// Files inside a session directory.
const (
	dbFile     = "chat.db"
	socketFile = "daemon.sock"
	lockFile   = "LOCK"
	logsDir    = "logs"
	logFile    = "chatd.log"
)

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync when unset.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir is the directory owned by one session.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

func SocketPath(name string) string { return filepath.Join(Dir(name), socketFile) }
func LockPath(name string) string   { return filepath.Join(Dir(name), lockFile) }
func DBPath(name string) string     { return filepath.Join(Dir(name), dbFile) }
func LogDir(name string) string     { return filepath.Join(Dir(name), logsDir) }
func LogPath(name string) string    { return filepath.Join(LogDir(name), logFile) }

// ConfigPath is shared by every session.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory and its log directory, owner-only.
func EnsureDir(name string) error {
	return os.MkdirAll(LogDir(name), 0700)
}
