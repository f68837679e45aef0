// Package retry retries operations that fail on transient SQLite lock
// contention, with bounded exponential backoff and jitter.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), retry.IsBusy, func() error {
//		return tx.Commit()
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the total time spent retrying.
	MaxElapsed time.Duration
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		MaxElapsed:      5 * time.Second,
		MaxRetries:      8,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs fn until it succeeds, fails with an error that retryable rejects,
// or the retry budget runs out. Non-retryable errors are returned unchanged.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = cfg.MaxElapsed

	var b backoff.BackOff = eb
	if cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}

	attempts := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		return nil
	case lastErr != nil && !retryable(lastErr):
		return lastErr
	case ctx.Err() != nil && (lastErr == nil || retryable(lastErr)):
		return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
	default:
		return &ExhaustedError{Attempts: attempts, Err: lastErr}
	}
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsExhausted reports whether err came from a spent retry budget.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
