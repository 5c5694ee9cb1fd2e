// Package filelock guards the watermark against overlapping runs.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrAlreadyLocked indicates another run holds the lock.
var ErrAlreadyLocked = errors.New("run lock already held")

// Lock is a held advisory lock on a file.
type Lock struct {
	file *os.File
	path string
}

// TryAcquire takes an exclusive lock on path without blocking. The lock file
// records the holder's pid and start time for operators.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		closeErr := f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrAlreadyLocked
		}
		return nil, errors.Join(fmt.Errorf("flock %s: %w", path, err), closeErr)
	}

	l := &Lock{file: f, path: path}
	info := fmt.Sprintf("pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(info), 0)
	}
	return l, nil
}

// Path returns the locked file's path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. Releasing a nil or released lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}
