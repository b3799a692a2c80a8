package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the per-thread lock cannot be acquired in time.
var ErrLockTimeout = errors.New("thread is locked by another operation")

const lockRetryDelay = 50 * time.Millisecond

// Lock is a held advisory lock on one thread.
type Lock struct {
	fl *flock.Flock
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// Lock takes the advisory lock for a project/thread, waiting up to timeout
// (or the context deadline, whichever is first). A zero timeout waits until ctx is done.
func (s *Store) Lock(ctx context.Context, projectID, threadID string, timeout time.Duration) (*Lock, error) {
	if err := checkIDs(projectID, threadID); err != nil {
		return nil, err
	}
	path := LockPath(s.Root, projectID, threadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s/%s", ErrLockTimeout, projectID, threadID)
		}
		return nil, fmt.Errorf("lock %s/%s: %w", projectID, threadID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrLockTimeout, projectID, threadID)
	}
	return &Lock{fl: fl}, nil
}
