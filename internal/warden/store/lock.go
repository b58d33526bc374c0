package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned by Lock when a valid (unexpired) lock already exists.
var ErrLocked = errors.New("store: document is locked")

// LockInfo describes the state of the advisory lock file.
type LockInfo struct {
	Locked    bool
	Reason    string
	ExpiresAt time.Time
}

// Lock writes the advisory lock file with the given reason and timeout.
// The lock is advisory: it does not prevent writes by itself, it only tells
// cooperating callers to back off. An existing unexpired lock fails the call
// with ErrLocked.
func (s *Store) Lock(reason string, timeout time.Duration) error {
	info, err := s.ReadLock()
	if err != nil {
		return err
	}
	if info.Locked {
		return fmt.Errorf("%w for %q until %s", ErrLocked, info.Reason, info.ExpiresAt.Format(time.RFC3339))
	}

	expiry := time.Now().Add(timeout)
	content := fmt.Sprintf("%s\n%d\n%s\n", reason, expiry.UnixMilli(), expiry.Format(time.RFC3339))
	if err := os.WriteFile(s.lockPath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("store: write lock file: %w", err)
	}
	return nil
}

// ReadLock reports whether a valid lock is held. A lock whose expiry has
// passed is cleared as a side effect: a crashed holder must not block
// mutations forever.
func (s *Store) ReadLock() (LockInfo, error) {
	data, err := os.ReadFile(s.lockPath())
	if os.IsNotExist(err) {
		return LockInfo{}, nil
	}
	if err != nil {
		return LockInfo{}, fmt.Errorf("store: read lock file: %w", err)
	}

	lines := strings.SplitN(string(data), "\n", 3)
	if len(lines) < 2 {
		// Garbage lock file: treat as expired.
		_ = os.Remove(s.lockPath())
		return LockInfo{}, nil
	}
	reason := lines[0]
	millis, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		_ = os.Remove(s.lockPath())
		return LockInfo{}, nil
	}

	expiry := time.UnixMilli(millis)
	if time.Now().After(expiry) {
		_ = os.Remove(s.lockPath())
		return LockInfo{}, nil
	}
	return LockInfo{Locked: true, Reason: reason, ExpiresAt: expiry}, nil
}

// ClearLock removes the lock file. Clearing an absent lock is a no-op.
func (s *Store) ClearLock() error {
	err := os.Remove(s.lockPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: clear lock file: %w", err)
	}
	return nil
}
