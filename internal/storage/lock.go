package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the data dir lock.
var ErrLocked = errors.New("data directory is locked by another process")

// DirLock is an advisory flock on <root>/.lock. It keeps two processes from
// deleting each other's in-progress TEMP_ files; it does not serialize jobs
// inside one run.
type DirLock struct {
	path     string
	file     *os.File
	mu       sync.Mutex
	lockInfo LockInfo
}

// LockInfo contains metadata about the current lock holder
type LockInfo struct {
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	Operation string    `json:"operation"`
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
}

func NewDirLock(root string) *DirLock {
	return &DirLock{path: filepath.Join(root, ".lock")}
}

// Lock acquires the lock, polling until timeout elapses.
func (dl *DirLock) Lock(operation, runID string, timeout time.Duration) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if err := createDirIfNotExists(filepath.Dir(dl.path)); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(dl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			dl.file = file
			dl.lockInfo = LockInfo{
				LockedBy:  "hist-ingest",
				LockedAt:  time.Now(),
				Operation: operation,
				RunID:     runID,
				PID:       os.Getpid(),
			}
			if err := dl.writeLockInfo(); err != nil {
				dl.unlockLocked()
				return fmt.Errorf("write lock info: %w", err)
			}
			return nil
		}

		if !time.Now().Before(deadline) {
			file.Close()
			return fmt.Errorf("%w (waited %v)", ErrLocked, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Unlock releases the lock. Calling it without holding the lock is a no-op.
func (dl *DirLock) Unlock() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.unlockLocked()
}

func (dl *DirLock) unlockLocked() error {
	if dl.file == nil {
		return nil
	}

	// Truncate before releasing so a waiter never reads stale holder info.
	dl.file.Truncate(0)
	if err := unix.Flock(int(dl.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if err := dl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	dl.file = nil
	return nil
}

func (dl *DirLock) writeLockInfo() error {
	if err := dl.file.Truncate(0); err != nil {
		return err
	}
	if _, err := dl.file.Seek(0, 0); err != nil {
		return err
	}

	encoder := json.NewEncoder(dl.file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(dl.lockInfo); err != nil {
		return err
	}
	return dl.file.Sync()
}

// WithLock executes fn while holding the data dir lock.
func WithLock(root, operation, runID string, timeout time.Duration, fn func() error) error {
	lock := NewDirLock(root)
	if err := lock.Lock(operation, runID, timeout); err != nil {
		return err
	}
	defer lock.Unlock()

	return fn()
}
