package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/models"
)

type metadataRow struct {
	StableID     string        `db:"stable_id"`
	Note         string        `db:"note"`
	Pinned       bool          `db:"pinned"`
	SnoozedUntil sql.NullInt64 `db:"snoozed_until"`
	FollowUpAt   sql.NullInt64 `db:"follow_up_at"`
	UpdatedAt    int64         `db:"updated_at"`
}

// GetMetadata returns the typed annotations of a message. A message without
// annotations gets an empty record.
func GetMetadata(ctx context.Context, q sqlx.QueryerContext, stableID string) (*models.MessageMetadata, error) {
	var row metadataRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT stable_id, note, pinned, snoozed_until, follow_up_at, updated_at
		FROM message_metadata
		WHERE stable_id = ?
	`, stableID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.MessageMetadata{StableID: stableID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	return &models.MessageMetadata{
		StableID:     row.StableID,
		Note:         row.Note,
		Pinned:       row.Pinned,
		SnoozedUntil: fromMillis(row.SnoozedUntil),
		FollowUpAt:   fromMillis(row.FollowUpAt),
		UpdatedAt:    time.UnixMilli(row.UpdatedAt).UTC(),
	}, nil
}

// SaveMetadata replaces the typed annotations of a message.
func SaveMetadata(ctx context.Context, tx *sqlx.Tx, meta *models.MessageMetadata, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_metadata (stable_id, note, pinned, snoozed_until, follow_up_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stable_id) DO UPDATE SET
			note = excluded.note,
			pinned = excluded.pinned,
			snoozed_until = excluded.snoozed_until,
			follow_up_at = excluded.follow_up_at,
			updated_at = excluded.updated_at
	`, meta.StableID, meta.Note, meta.Pinned, toMillis(meta.SnoozedUntil), toMillis(meta.FollowUpAt), now.UnixMilli())
	if err != nil {
		if isForeignKeyError(err) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	meta.UpdatedAt = now.UTC()
	return nil
}

// SetAttribute stores an ad-hoc key/value annotation.
func SetAttribute(ctx context.Context, tx *sqlx.Tx, stableID, key, value string, now time.Time) error {
	if key == "" {
		return errors.New("attribute key is empty")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_attributes (stable_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stable_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, stableID, key, value, now.UnixMilli())
	if err != nil {
		if isForeignKeyError(err) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("failed to set attribute: %w", err)
	}
	return nil
}

// DeleteAttribute removes an ad-hoc annotation. Missing keys are not an error.
func DeleteAttribute(ctx context.Context, tx *sqlx.Tx, stableID, key string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_attributes WHERE stable_id = ? AND key = ?`, stableID, key); err != nil {
		return fmt.Errorf("failed to delete attribute: %w", err)
	}
	return nil
}

// GetAttributes returns all ad-hoc annotations of a message.
func GetAttributes(ctx context.Context, q sqlx.QueryerContext, stableID string) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT key, value FROM message_attributes WHERE stable_id = ? ORDER BY key`, stableID); err != nil {
		return nil, fmt.Errorf("failed to get attributes: %w", err)
	}

	attrs := make(map[string]string, len(rows))
	for _, r := range rows {
		attrs[r.Key] = r.Value
	}
	return attrs, nil
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "FOREIGN KEY CONSTRAINT FAILED")
}
