// Package filelock provides advisory exclusive/shared file locking for the
// store's append-only logs, with a bounded wait matching the teacher's
// bbolt.Options{Timeout} pattern rather than blocking forever.
package filelock

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock wraps an open file descriptor held under either a shared or
// exclusive advisory flock.
type Lock struct {
	f *os.File
}

// Acquire opens path (creating it if absent) and takes a flock: exclusive
// when excl is true, shared otherwise. It polls with backoff up to the
// context deadline rather than blocking the process indefinitely, so a
// wedged lock surfaces as daemonerr.ErrLockTimeout instead of a hang.
func Acquire(ctx context.Context, path string, excl bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}

	how := unix.LOCK_SH
	if excl {
		how = unix.LOCK_EX
	}

	backoff := time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("filelock: acquire %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// File returns the underlying open file, positioned at the start; callers
// seek as needed before reading or appending.
func (l *Lock) File() *os.File { return l.f }

// Release drops the flock and closes the file descriptor.
func (l *Lock) Release() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
