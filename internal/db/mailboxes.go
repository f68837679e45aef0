package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/models"
)

// MailboxID namespaces a source mailbox row id by account.
func MailboxID(accountID string, sourceRowID int64) string {
	return accountID + ":" + strconv.FormatInt(sourceRowID, 10)
}

// UpsertMailboxes creates or refreshes the given mailboxes.
func UpsertMailboxes(ctx context.Context, tx *sqlx.Tx, mailboxes []models.Mailbox) error {
	for _, mb := range mailboxes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mailboxes (id, account_id, source_row_id, name, url, kind)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				url = excluded.url,
				kind = excluded.kind
		`, mb.ID, mb.AccountID, mb.SourceRowID, mb.Name, mb.URL, mb.Kind)
		if err != nil {
			return fmt.Errorf("failed to save mailbox %s: %w", mb.ID, err)
		}
	}
	return nil
}

// ListMailboxes returns the account's mailboxes ordered by source row id.
func ListMailboxes(ctx context.Context, q sqlx.QueryerContext, accountID string) ([]*models.Mailbox, error) {
	var mailboxes []*models.Mailbox
	err := sqlx.SelectContext(ctx, q, &mailboxes, `
		SELECT id, account_id, source_row_id, name, url, kind
		FROM mailboxes
		WHERE account_id = ?
		ORDER BY source_row_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	return mailboxes, nil
}

// GetMailbox returns a mailbox by its mirror ID.
func GetMailbox(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Mailbox, error) {
	var mb models.Mailbox
	err := sqlx.GetContext(ctx, q, &mb, `
		SELECT id, account_id, source_row_id, name, url, kind
		FROM mailboxes
		WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return &mb, nil
}
