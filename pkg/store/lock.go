package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Lock is the mutual-exclusion contract the writer appends under. The
// default implementation is an advisory marker file; the interface exists so
// an OS-level file lock could be swapped in without changing the writer's
// protocol.
type Lock interface {
	// Acquire blocks with bounded backoff until the lock is held, the
	// configured timeout elapses (ErrLockTimeout), or ctx is canceled.
	Acquire(ctx context.Context) error

	// Release removes the lock marker. Safe to call when not held.
	Release() error
}

// LockConfig tunes the advisory lock's waiting behavior.
type LockConfig struct {
	// Timeout is the total time Acquire may spend waiting before failing
	// with ErrLockTimeout.
	Timeout time.Duration
	// InitialBackoff is the first retry delay; subsequent delays grow
	// exponentially up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StaleAfter is the age past which an existing lock marker is
	// presumed abandoned by a crashed holder and removed.
	StaleAfter time.Duration
}

// DefaultLockConfig returns the lock tuning used when the caller does not
// provide one.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Timeout:        5 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		StaleAfter:     5 * time.Minute,
	}
}

// lockMetadata is written into the marker file so a human (or the stale
// check) can see who holds the lock and since when.
type lockMetadata struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
}

// processLocks serializes same-file work within one process so concurrent
// goroutines do not contend on the filesystem marker, which is only needed
// for cross-process exclusion.
var processLocks sync.Map // lock path -> *sync.Mutex

func processLockFor(lockPath string) *sync.Mutex {
	if existing, ok := processLocks.Load(lockPath); ok {
		return existing.(*sync.Mutex)
	}
	actual, _ := processLocks.LoadOrStore(lockPath, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// fileLock implements Lock with an exclusive-create marker file next to the
// target (`<target>.lock`), plus an in-process mutex keyed by the same path.
type fileLock struct {
	lockPath string
	cfg      LockConfig
	mu       *sync.Mutex
	heldMu   bool
}

// newFileLock builds the advisory lock for a validated target path.
func newFileLock(targetPath string, cfg LockConfig) *fileLock {
	lockPath := targetPath + ".lock"
	return &fileLock{
		lockPath: lockPath,
		cfg:      cfg,
		mu:       processLockFor(lockPath),
	}
}

// Acquire implements Lock.
func (l *fileLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.heldMu = true

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = l.cfg.InitialBackoff
	expo.MaxInterval = l.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.tryCreateMarker()
	}, backoff.WithBackOff(expo), backoff.WithMaxElapsedTime(l.cfg.Timeout))
	if err == nil {
		return nil
	}

	l.mu.Unlock()
	l.heldMu = false
	if os.IsExist(err) {
		return fmt.Errorf("%w: %s held by another process for over %s",
			ErrLockTimeout, l.lockPath, l.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, l.lockPath, ctx.Err())
	}
	return fmt.Errorf("store: failed to acquire lock %s: %w", l.lockPath, err)
}

// tryCreateMarker attempts one exclusive create of the marker file. A
// contended marker is returned as a retryable error unless it is stale, in
// which case it is removed so the next attempt can succeed.
func (l *fileLock) tryCreateMarker() error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		meta := lockMetadata{
			PID:       os.Getpid(),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if encoded, marshalErr := json.Marshal(meta); marshalErr == nil {
			_, _ = f.Write(append(encoded, '\n'))
		}
		return f.Close()
	}
	if !os.IsExist(err) {
		return backoff.Permanent(err)
	}
	if l.isStale() {
		_ = os.Remove(l.lockPath)
	}
	return err
}

// isStale reports whether the existing marker is older than StaleAfter. The
// file's modification time is authoritative: it does not depend on the
// marker content being intact.
func (l *fileLock) isStale() bool {
	info, err := os.Stat(l.lockPath)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > l.cfg.StaleAfter
}

// Release implements Lock.
func (l *fileLock) Release() error {
	var err error
	if removeErr := os.Remove(l.lockPath); removeErr != nil && !os.IsNotExist(removeErr) {
		err = fmt.Errorf("store: failed to remove lock marker %s: %w", l.lockPath, removeErr)
	}
	if l.heldMu {
		l.heldMu = false
		l.mu.Unlock()
	}
	return err
}
