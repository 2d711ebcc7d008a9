package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is the cross-process mutual exclusion guarding the sync pipeline. It
// is an advisory kernel lock: the OS releases it automatically when the
// holding process dies, so no staleness detection is needed. Contention is
// not an error; the losing invocation simply skips its cycle.
type Lock struct {
	fl *flock.Flock
}

// New creates a lock at the given path.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// TryAcquire attempts to take the lock without blocking. It returns false
// when another process holds it.
func (l *Lock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.fl.Path(), err)
	}
	return locked, nil
}

// Release drops the lock. Safe to call when the lock was never acquired.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.fl.Path()
}
