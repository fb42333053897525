// Package lockfile provides the whole-process advisory exclusive lock that
// serializes invocations of the gatekeeper (spec §5).
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Acquire when another instance already holds the
// lock.
var ErrLocked = errors.New("lockfile: another instance is already running")

// Lock represents an acquired advisory lock on a single file.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if necessary) the file at path and takes a
// non-blocking exclusive flock on it. Acquisition failure due to contention
// returns ErrLocked; any other failure is returned as-is.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|unix.O_CLOEXEC, 0640)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %q: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lockfile: flock %q: %w", path, err)
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the underlying file descriptor. It is safe to
// call Release more than once; subsequent calls are no-ops.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return closeErr
}
