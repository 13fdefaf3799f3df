package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for session names that cannot be used as a
// directory name.
var ErrInvalidName = errors.New("invalid session name")

// maxSocketPath is the smallest sun_path limit among supported platforms
// (104 on macOS and the BSDs, 108 on Linux).
const maxSocketPath = 103

var sessionName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is a usable session name: lowercase letters,
// digits, '-' and '_', starting with a letter or digit, and short enough for
// the session's socket path to fit the platform limit.
func ValidateName(name string) error {
	if !sessionName.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 of [a-z0-9_-], starting with a letter or digit", ErrInvalidName, name)
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return fmt.Errorf("%w %q: socket path %s is %d bytes, limit %d", ErrInvalidName, name, p, len(p), maxSocketPath)
	}
	return nil
}
