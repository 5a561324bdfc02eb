// Package filelock serialises access to files shared between processes, such
// as a persisted token that several connector instances refresh.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	pollInterval = 10 * time.Millisecond

	// DefaultStaleAfter is how old a lock file may get before it is assumed
	// to belong to a crashed process.
	DefaultStaleAfter = 30 * time.Second
)

// ErrHeld is returned by TryLock when another holder owns the lock.
var ErrHeld = errors.New("filelock: lock is held")

// FileLock provides file-based locking to prevent concurrent access
type FileLock struct {
	path       string
	staleAfter time.Duration

	mu       sync.Mutex
	file     *os.File
	acquired bool
}

// New creates a lock guarding path. The lock itself lives in path + ".lock".
func New(path string) *FileLock {
	return &FileLock{
		path:       path + ".lock",
		staleAfter: DefaultStaleAfter,
	}
}

// Path returns the lock file path.
func (fl *FileLock) Path() string { return fl.path }

// TryLock acquires the lock without waiting.
func (fl *FileLock) TryLock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.acquired {
		return fmt.Errorf("lock already acquired")
	}

	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err == nil {
		_, _ = file.WriteString(strconv.Itoa(os.Getpid()))
		fl.file = file
		fl.acquired = true
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	if fl.staleAfter > 0 {
		if info, statErr := os.Stat(fl.path); statErr == nil && time.Since(info.ModTime()) > fl.staleAfter {
			// The next attempt recreates it.
			_ = os.Remove(fl.path)
		}
	}
	return ErrHeld
}

// Lock acquires the lock, waiting until ctx is done.
func (fl *FileLock) Lock(ctx context.Context) error {
	for {
		err := fl.TryLock()
		if !errors.Is(err, ErrHeld) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout acquiring lock %s: %w", fl.path, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Unlock releases the file lock
func (fl *FileLock) Unlock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if !fl.acquired {
		return nil // Already unlocked
	}

	var err error
	if fl.file != nil {
		err = fl.file.Close()
		fl.file = nil
	}

	// Remove lock file
	if removeErr := os.Remove(fl.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err == nil {
			err = fmt.Errorf("failed to remove lock file: %w", removeErr)
		}
	}

	fl.acquired = false
	return err
}

// WithLock executes a function while holding the lock, waiting at most
// timeout to acquire it.
func (fl *FileLock) WithLock(ctx context.Context, timeout time.Duration, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := fl.Lock(lockCtx); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}
