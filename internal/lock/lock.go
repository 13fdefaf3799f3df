// Package lock keeps one chatd per session. The lock file doubles as a
// small holder record that clients read to find the running daemon.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d (%s)", e.Holder.PID, e.Path)
}

// Holder describes the process owning a session lock.
type Holder struct {
	PID       int
	UserID    string
	PushAddr  string
	StartedAt time.Time
}

func (h Holder) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	fmt.Fprintf(&b, "time=%s\n", h.StartedAt.UTC().Format(time.RFC3339))
	if h.UserID != "" {
		fmt.Fprintf(&b, "user=%s\n", h.UserID)
	}
	if h.PushAddr != "" {
		fmt.Fprintf(&b, "push=%s\n", h.PushAddr)
	}
	return b.String()
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(val)
		case "time":
			h.StartedAt, _ = time.Parse(time.RFC3339, val)
		case "user":
			h.UserID = val
		case "push":
			h.PushAddr = val
		}
	}
	return h
}

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock of sessionDir and records self as the
// holder. Returns LockHeldError if another process already holds it.
func Acquire(sessionDir string, self Holder) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, fileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		data, _ := os.ReadFile(lockPath)
		return nil, &LockHeldError{Holder: parseHolder(string(data)), Path: lockPath}
	}

	if self.PID == 0 {
		self.PID = os.Getpid()
	}
	if self.StartedAt.IsZero() {
		self.StartedAt = time.Now()
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(self.encode()), 0); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Read returns the holder recorded in sessionDir's lock file. The record may
// be stale if the daemon crashed; callers ping the daemon to be sure.
func Read(sessionDir string) (Holder, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, fileName))
	if err != nil {
		return Holder{}, err
	}
	return parseHolder(string(data)), nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
