// Package filelock provides the cross-process exclusive lock that serializes
// every mutation of the commit ledger and the publication tree.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// Lock is a held flock on a lock file.
type Lock struct {
	path string
	file *os.File
}

// Acquire blocks until an exclusive lock on path is held.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.LockError("create lock directory").WithCause(err).WithContext("path", path).Build()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.LockError("open lock file").WithCause(err).WithContext("path", path).Build()
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, errors.LockError("flock").WithCause(err).WithContext("path", path).Build()
	}
	return &Lock{path: path, file: f}, nil
}

// TryAcquire takes the lock without blocking. It returns (nil, nil) when
// another process holds it.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.LockError("open lock file").WithCause(err).WithContext("path", path).Build()
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, errors.LockError("flock").WithCause(err).WithContext("path", path).Build()
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. Releasing a nil or already released lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	cerr := f.Close()
	if uerr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, uerr)
	}
	return cerr
}

// With runs fn while holding the lock at path. The lock is released on every
// exit path, including a panic in fn.
func With(path string, fn func() error) (err error) {
	l, err := Acquire(path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
