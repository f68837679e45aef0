package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/models"
)

type syncStateRow struct {
	AccountID        string        `db:"account_id"`
	LastSyncAt       sql.NullInt64 `db:"last_sync_at"`
	LastMode         string        `db:"last_mode"`
	InProgress       bool          `db:"in_progress"`
	LeaseOwner       string        `db:"lease_owner"`
	LeaseHeartbeatAt sql.NullInt64 `db:"lease_heartbeat_at"`
	LastError        string        `db:"last_error"`
	LastErrorAt      sql.NullInt64 `db:"last_error_at"`
}

// GetSyncState returns the account's bookkeeping. An account that was never
// synced gets an idle zero state.
func GetSyncState(ctx context.Context, q sqlx.QueryerContext, accountID string) (*models.SyncState, error) {
	var row syncStateRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT account_id, last_sync_at, last_mode, in_progress, lease_owner,
		       lease_heartbeat_at, last_error, last_error_at
		FROM sync_state
		WHERE account_id = ?
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SyncState{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	return &models.SyncState{
		AccountID:        row.AccountID,
		LastSyncAt:       fromMillis(row.LastSyncAt),
		LastMode:         models.SyncMode(row.LastMode),
		InProgress:       row.InProgress,
		LeaseOwner:       row.LeaseOwner,
		LeaseHeartbeatAt: fromMillis(row.LeaseHeartbeatAt),
		LastError:        row.LastError,
		LastErrorAt:      fromMillis(row.LastErrorAt),
	}, nil
}

// AcquireLease claims the account for one sync run. A lease whose heartbeat
// is older than ttl is considered abandoned by a crashed run and is taken
// over. Any other live lease yields *ConcurrentSyncError.
func AcquireLease(ctx context.Context, tx *sqlx.Tx, accountID, owner string, now time.Time, ttl time.Duration) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_state (account_id) VALUES (?)`, accountID); err != nil {
		return fmt.Errorf("failed to create sync state: %w", err)
	}

	staleBefore := now.Add(-ttl).UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE sync_state SET
			in_progress = 1,
			lease_owner = ?,
			lease_heartbeat_at = ?
		WHERE account_id = ?
		  AND (in_progress = 0 OR lease_heartbeat_at IS NULL OR lease_heartbeat_at < ?)
	`, owner, now.UnixMilli(), accountID, staleBefore)
	if err != nil {
		return fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if n == 1 {
		return nil
	}

	state, err := GetSyncState(ctx, tx, accountID)
	if err != nil {
		return err
	}
	conflict := &ConcurrentSyncError{AccountID: accountID, Owner: state.LeaseOwner}
	if state.LeaseHeartbeatAt != nil {
		conflict.HeartbeatAt = *state.LeaseHeartbeatAt
	}
	return conflict
}

// RenewLease refreshes the heartbeat. ErrLeaseLost means another run took
// the lease over after ours went stale.
func RenewLease(ctx context.Context, tx *sqlx.Tx, accountID, owner string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sync_state SET lease_heartbeat_at = ?
		WHERE account_id = ? AND in_progress = 1 AND lease_owner = ?
	`, now.UnixMilli(), accountID, owner)
	if err != nil {
		return fmt.Errorf("failed to renew sync lease: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SyncOutcome is recorded when a run releases its lease.
type SyncOutcome struct {
	Mode models.SyncMode
	// CompletedAt advances last_sync_at when set. Leave nil for runs whose
	// batches did not all commit.
	CompletedAt *time.Time
	Error       string
	FinishedAt  time.Time
}

// ReleaseLease ends the run and records its outcome. It only touches the
// row while the lease is still ours.
func ReleaseLease(ctx context.Context, tx *sqlx.Tx, accountID, owner string, outcome SyncOutcome) error {
	var errorAt sql.NullInt64
	if outcome.Error != "" {
		errorAt = toMillis(&outcome.FinishedAt)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_state SET
			in_progress = 0,
			lease_owner = '',
			lease_heartbeat_at = NULL,
			last_mode = ?,
			last_sync_at = COALESCE(?, last_sync_at),
			last_error = ?,
			last_error_at = ?
		WHERE account_id = ? AND lease_owner = ?
	`, outcome.Mode, toMillis(outcome.CompletedAt), outcome.Error, errorAt, accountID, owner)
	if err != nil {
		return fmt.Errorf("failed to release sync lease: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLeaseLost
	}
	return nil
}
