package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/threading"
)

const messageColumns = `
	stable_id, stability_tier, account_id, mailbox_id, source_row_id, source_path,
	message_id_header, in_reply_to, reference_ids, thread_id, thread_position, thread_total,
	subject, sender, recipients, sent_at, received_at,
	is_read, is_flagged, is_deleted, body_text, body_html`

type messageRow struct {
	StableID        string         `db:"stable_id"`
	StabilityTier   string         `db:"stability_tier"`
	AccountID       string         `db:"account_id"`
	MailboxID       string         `db:"mailbox_id"`
	SourceRowID     int64          `db:"source_row_id"`
	SourcePath      string         `db:"source_path"`
	MessageIDHeader string         `db:"message_id_header"`
	InReplyTo       string         `db:"in_reply_to"`
	ReferenceIDs    string         `db:"reference_ids"`
	ThreadID        string         `db:"thread_id"`
	ThreadPosition  int            `db:"thread_position"`
	ThreadTotal     int            `db:"thread_total"`
	Subject         string         `db:"subject"`
	Sender          string         `db:"sender"`
	Recipients      string         `db:"recipients"`
	SentAt          sql.NullInt64  `db:"sent_at"`
	ReceivedAt      sql.NullInt64  `db:"received_at"`
	IsRead          bool           `db:"is_read"`
	IsFlagged       bool           `db:"is_flagged"`
	IsDeleted       bool           `db:"is_deleted"`
	BodyText        sql.NullString `db:"body_text"`
	BodyHTML        sql.NullString `db:"body_html"`
}

func (r *messageRow) toModel() (*models.Message, error) {
	msg := &models.Message{
		StableID:        r.StableID,
		StabilityTier:   models.StabilityTier(r.StabilityTier),
		AccountID:       r.AccountID,
		MailboxID:       r.MailboxID,
		SourceRowID:     r.SourceRowID,
		SourcePath:      r.SourcePath,
		MessageIDHeader: r.MessageIDHeader,
		InReplyTo:       r.InReplyTo,
		ThreadID:        r.ThreadID,
		ThreadPosition:  r.ThreadPosition,
		ThreadTotal:     r.ThreadTotal,
		Subject:         r.Subject,
		Sender:          r.Sender,
		SentAt:          fromMillis(r.SentAt),
		ReceivedAt:      fromMillis(r.ReceivedAt),
		IsRead:          r.IsRead,
		IsFlagged:       r.IsFlagged,
		IsDeleted:       r.IsDeleted,
	}
	if r.BodyText.Valid {
		msg.BodyText = &r.BodyText.String
	}
	if r.BodyHTML.Valid {
		msg.BodyHTML = &r.BodyHTML.String
	}
	if err := json.Unmarshal([]byte(r.ReferenceIDs), &msg.References); err != nil {
		return nil, fmt.Errorf("failed to decode references of %s: %w", r.StableID, err)
	}
	if err := json.Unmarshal([]byte(r.Recipients), &msg.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients of %s: %w", r.StableID, err)
	}
	return msg, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// SaveMessage inserts or updates a message keyed by stable ID. Body columns
// are only overwritten when the new record carries a body, so a
// metadata-only resync keeps a previously fetched body.
func SaveMessage(ctx context.Context, tx *sqlx.Tx, message *models.Message, now time.Time) error {
	refs, err := encodeList(message.References)
	if err != nil {
		return fmt.Errorf("failed to encode references: %w", err)
	}
	recipients, err := encodeList(message.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			stable_id, stability_tier, account_id, mailbox_id, source_row_id, source_path,
			message_id_header, in_reply_to, reference_ids, thread_id,
			subject, sender, sender_address, recipients, sent_at, received_at,
			is_read, is_flagged, is_deleted, body_text, body_html, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stable_id) DO UPDATE SET
			stability_tier = excluded.stability_tier,
			mailbox_id = excluded.mailbox_id,
			source_row_id = excluded.source_row_id,
			source_path = excluded.source_path,
			message_id_header = CASE WHEN excluded.message_id_header != '' THEN excluded.message_id_header ELSE messages.message_id_header END,
			in_reply_to = CASE WHEN excluded.in_reply_to != '' THEN excluded.in_reply_to ELSE messages.in_reply_to END,
			reference_ids = CASE WHEN excluded.reference_ids != '[]' THEN excluded.reference_ids ELSE messages.reference_ids END,
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			sender = excluded.sender,
			sender_address = excluded.sender_address,
			recipients = excluded.recipients,
			sent_at = excluded.sent_at,
			received_at = excluded.received_at,
			is_read = excluded.is_read,
			is_flagged = excluded.is_flagged,
			is_deleted = excluded.is_deleted,
			body_text = COALESCE(excluded.body_text, messages.body_text),
			body_html = COALESCE(excluded.body_html, messages.body_html),
			updated_at = excluded.updated_at
	`,
		message.StableID,
		message.StabilityTier,
		message.AccountID,
		message.MailboxID,
		message.SourceRowID,
		message.SourcePath,
		message.MessageIDHeader,
		message.InReplyTo,
		refs,
		message.ThreadID,
		message.Subject,
		message.Sender,
		threading.SenderAddress(message.Sender),
		recipients,
		toMillis(message.SentAt),
		toMillis(message.ReceivedAt),
		message.IsRead,
		message.IsFlagged,
		message.IsDeleted,
		nullString(message.BodyText),
		nullString(message.BodyHTML),
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage returns a message by its stable ID, attachments included.
func GetMessage(ctx context.Context, q sqlx.QueryerContext, stableID string) (*models.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+messageColumns+` FROM messages WHERE stable_id = ?`, stableID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	msg, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if msg.Attachments, err = GetAttachmentsForMessage(ctx, q, stableID); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessagesForThread returns a thread's messages in thread order. Deleted
// messages are included after the live ones.
func GetMessagesForThread(ctx context.Context, q sqlx.QueryerContext, threadID string) ([]*models.Message, error) {
	var rows []messageRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ?
		ORDER BY is_deleted, thread_position, stable_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	messages := make([]*models.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// IndexEntry is the slice of a mirror row the orchestrator diffs against.
// InReplyTo and References are the stored threading headers, used when a
// known message is restaged without readable headers.
type IndexEntry struct {
	StableID   string   `db:"stable_id"`
	MailboxID  string   `db:"mailbox_id"`
	ThreadID   string   `db:"thread_id"`
	InReplyTo  string   `db:"in_reply_to"`
	References []string `db:"-"`
	IsRead     bool     `db:"is_read"`
	IsFlagged  bool     `db:"is_flagged"`
	IsDeleted  bool     `db:"is_deleted"`
	HasBody    bool     `db:"has_body"`
}

// LoadMessageIndex loads every mirrored message of an account in one query.
func LoadMessageIndex(ctx context.Context, q sqlx.QueryerContext, accountID string) (map[string]IndexEntry, error) {
	var rows []struct {
		IndexEntry
		ReferenceIDs string `db:"reference_ids"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT stable_id, mailbox_id, thread_id, in_reply_to, reference_ids,
		       is_read, is_flagged, is_deleted,
		       (body_text IS NOT NULL OR body_html IS NOT NULL) AS has_body
		FROM messages
		WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message index: %w", err)
	}

	index := make(map[string]IndexEntry, len(rows))
	for _, r := range rows {
		e := r.IndexEntry
		if err := json.Unmarshal([]byte(r.ReferenceIDs), &e.References); err != nil {
			return nil, fmt.Errorf("failed to decode references of %s: %w", e.StableID, err)
		}
		index[e.StableID] = e
	}
	return index, nil
}

// MessageOwner returns the account and thread currently recorded for a
// stable ID, or ok=false when it is not mirrored yet.
func MessageOwner(ctx context.Context, q sqlx.QueryerContext, stableID string) (accountID, threadID string, ok bool, err error) {
	var row struct {
		AccountID string `db:"account_id"`
		ThreadID  string `db:"thread_id"`
	}
	err = sqlx.GetContext(ctx, q, &row, `SELECT account_id, thread_id FROM messages WHERE stable_id = ?`, stableID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to look up message owner: %w", err)
	}
	return row.AccountID, row.ThreadID, true, nil
}

// MarkDeleted flags messages as deleted without removing them and returns
// the threads they belong to.
func MarkDeleted(ctx context.Context, tx *sqlx.Tx, stableIDs []string, now time.Time) ([]string, error) {
	if len(stableIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT DISTINCT thread_id FROM messages WHERE stable_id IN (?) ORDER BY thread_id`, stableIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var threadIDs []string
	if err := tx.SelectContext(ctx, &threadIDs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find threads of deleted messages: %w", err)
	}

	query, args, err = sqlx.In(`UPDATE messages SET is_deleted = 1, updated_at = ? WHERE stable_id IN (?) AND is_deleted = 0`, now.UnixMilli(), stableIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to mark messages deleted: %w", err)
	}
	return threadIDs, nil
}

// SaveBody stores a freshly parsed body and its attachments.
func SaveBody(ctx context.Context, tx *sqlx.Tx, stableID, text, html string, attachments []models.Attachment, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET body_text = ?, body_html = ?, updated_at = ? WHERE stable_id = ?
	`, text, html, now.UnixMilli(), stableID)
	if err != nil {
		return fmt.Errorf("failed to save body: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMessageNotFound
	}
	return ReplaceAttachments(ctx, tx, stableID, attachments)
}

// ReplaceAttachments swaps the attachment metadata of a message.
func ReplaceAttachments(ctx context.Context, tx *sqlx.Tx, stableID string, attachments []models.Attachment) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE stable_id = ?`, stableID); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}
	for i, att := range attachments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (stable_id, position, filename, mime_type, size_bytes, is_inline, content_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, stableID, i, att.Filename, att.MimeType, att.SizeBytes, att.IsInline, att.ContentID)
		if err != nil {
			return fmt.Errorf("failed to save attachment: %w", err)
		}
	}
	return nil
}

// GetAttachmentsForMessage returns all attachments for a message.
func GetAttachmentsForMessage(ctx context.Context, q sqlx.QueryerContext, stableID string) ([]models.Attachment, error) {
	var attachments []models.Attachment
	err := sqlx.SelectContext(ctx, q, &attachments, `
		SELECT stable_id, position, filename, mime_type, size_bytes, is_inline, content_id
		FROM attachments
		WHERE stable_id = ?
		ORDER BY position
	`, stableID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	return attachments, nil
}
