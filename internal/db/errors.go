package db

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMessageNotFound is returned when a requested message cannot be found.
	ErrMessageNotFound = errors.New("message not found")
	// ErrThreadNotFound is returned when a requested thread cannot be found.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMailboxNotFound is returned when a requested mailbox cannot be found.
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrStoreClosed is returned for writes submitted after Close.
	ErrStoreClosed = errors.New("mirror store is closed")
	// ErrLeaseLost means another run took over the account's sync lease.
	ErrLeaseLost = errors.New("sync lease lost")
)

// MigrationError is fatal for the engine until the store or the build is
// fixed. The failing migration has been rolled back.
type MigrationError struct {
	Version uint
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("migration %d: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// IsMigrationError reports whether err (or any error in its chain) is a MigrationError.
func IsMigrationError(err error) bool {
	var me *MigrationError
	return errors.As(err, &me)
}

// LockContentionError is returned when the store stayed locked through
// every retry.
type LockContentionError struct {
	Attempts int
	Err      error
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("mirror store locked after %d attempts: %v", e.Attempts, e.Err)
}

func (e *LockContentionError) Unwrap() error {
	return e.Err
}

// IsLockContentionError reports whether err (or any error in its chain) is a LockContentionError.
func IsLockContentionError(err error) bool {
	var le *LockContentionError
	return errors.As(err, &le)
}

// ConcurrentSyncError rejects a sync while another live run holds the
// account's lease. It is not retried.
type ConcurrentSyncError struct {
	AccountID   string
	Owner       string
	HeartbeatAt time.Time
}

func (e *ConcurrentSyncError) Error() string {
	return fmt.Sprintf("sync already in progress for account %s (owner %s, last heartbeat %s)",
		e.AccountID, e.Owner, e.HeartbeatAt.Format(time.RFC3339))
}

// IsConcurrentSyncError reports whether err (or any error in its chain) is a ConcurrentSyncError.
func IsConcurrentSyncError(err error) bool {
	var ce *ConcurrentSyncError
	return errors.As(err, &ce)
}
