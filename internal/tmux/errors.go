package tmux

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/termbridge/termbridge/internal/channel"
)

var (
	// ErrInvalidName rejects a session name before any external call is made.
	ErrInvalidName          = errors.New("invalid session name")
	ErrCreateFailed         = errors.New("create session failed")
	ErrKillFailed           = errors.New("kill session failed")
	ErrDirectoryUnavailable = errors.New("session directory unavailable")
	ErrAttachFailed         = channel.ErrAttachFailed
)

var sessionNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName reports whether name may be passed to the multiplexer.
func ValidateName(name string) error {
	if !sessionNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// exactTarget builds a target that only matches the session named exactly
// name, never a prefix of another session.
func exactTarget(name string) string {
	return "=" + name
}
