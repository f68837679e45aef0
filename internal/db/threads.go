package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/models"
)

type threadRow struct {
	ID               string        `db:"id"`
	Root             string        `db:"root"`
	RootKind         string        `db:"root_kind"`
	Subject          string        `db:"subject"`
	MessageCount     int           `db:"message_count"`
	ParticipantCount int           `db:"participant_count"`
	FirstMessageAt   sql.NullInt64 `db:"first_message_at"`
	LastMessageAt    sql.NullInt64 `db:"last_message_at"`
}

func (r *threadRow) toModel() *models.Thread {
	return &models.Thread{
		ID:               r.ID,
		Root:             r.Root,
		RootKind:         r.RootKind,
		Subject:          r.Subject,
		MessageCount:     r.MessageCount,
		ParticipantCount: r.ParticipantCount,
		FirstMessageAt:   fromMillis(r.FirstMessageAt),
		LastMessageAt:    fromMillis(r.LastMessageAt),
	}
}

const threadColumns = `id, root, root_kind, subject, message_count, participant_count, first_message_at, last_message_at`

// SaveThread creates the thread row if it does not exist yet. An existing
// thread keeps its root; its subject is only filled in when still empty.
func SaveThread(ctx context.Context, tx *sqlx.Tx, thread *models.Thread) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, root, root_kind, subject)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subject = CASE WHEN threads.subject = '' THEN excluded.subject ELSE threads.subject END
	`, thread.ID, thread.Root, thread.RootKind, thread.Subject)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// SetThreadMembership points a message at its thread.
func SetThreadMembership(ctx context.Context, tx *sqlx.Tx, stableID, threadID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO thread_members (stable_id, thread_id)
		VALUES (?, ?)
		ON CONFLICT (stable_id) DO UPDATE SET thread_id = excluded.thread_id
	`, stableID, threadID)
	if err != nil {
		return fmt.Errorf("failed to save thread membership: %w", err)
	}
	return nil
}

// RecomputeThread rebuilds a thread's positions and aggregates from its
// live members. Live messages are numbered 1..n by sent (or received) time,
// ties broken by stable ID; deleted members keep their row with position 0.
// The thread row itself is never removed.
func RecomputeThread(ctx context.Context, tx *sqlx.Tx, threadID string) error {
	var live []string
	err := tx.SelectContext(ctx, &live, `
		SELECT m.stable_id
		FROM thread_members tm
		JOIN messages m ON m.stable_id = tm.stable_id
		WHERE tm.thread_id = ? AND m.is_deleted = 0
		ORDER BY COALESCE(m.sent_at, m.received_at) IS NULL,
		         COALESCE(m.sent_at, m.received_at),
		         m.stable_id
	`, threadID)
	if err != nil {
		return fmt.Errorf("failed to list thread members: %w", err)
	}

	total := len(live)
	for i, stableID := range live {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET thread_position = ?, thread_total = ? WHERE stable_id = ?`,
			i+1, total, stableID); err != nil {
			return fmt.Errorf("failed to update thread position: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET thread_position = 0, thread_total = ?
		WHERE is_deleted = 1 AND stable_id IN (SELECT stable_id FROM thread_members WHERE thread_id = ?)
	`, total, threadID); err != nil {
		return fmt.Errorf("failed to update deleted thread members: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET
			message_count = ?,
			participant_count = (
				SELECT COUNT(DISTINCT m.sender_address)
				FROM thread_members tm JOIN messages m ON m.stable_id = tm.stable_id
				WHERE tm.thread_id = threads.id AND m.is_deleted = 0 AND m.sender_address != ''
			),
			first_message_at = (
				SELECT MIN(COALESCE(m.sent_at, m.received_at))
				FROM thread_members tm JOIN messages m ON m.stable_id = tm.stable_id
				WHERE tm.thread_id = threads.id AND m.is_deleted = 0
			),
			last_message_at = (
				SELECT MAX(COALESCE(m.sent_at, m.received_at))
				FROM thread_members tm JOIN messages m ON m.stable_id = tm.stable_id
				WHERE tm.thread_id = threads.id AND m.is_deleted = 0
			)
		WHERE id = ?
	`, total, threadID)
	if err != nil {
		return fmt.Errorf("failed to update thread aggregates: %w", err)
	}
	return nil
}

// GetThread returns a thread by ID with its messages in thread order.
func GetThread(ctx context.Context, q sqlx.QueryerContext, threadID string) (*models.Thread, error) {
	var row threadRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	thread := row.toModel()
	messages, err := GetMessagesForThread(ctx, q, threadID)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		thread.Messages = append(thread.Messages, *m)
	}
	return thread, nil
}

// ThreadMember is one row of thread membership.
type ThreadMember struct {
	StableID  string `db:"stable_id"`
	Position  int    `db:"thread_position"`
	IsDeleted bool   `db:"is_deleted"`
}

// GetThreadMembers returns membership in thread order, deleted members last.
func GetThreadMembers(ctx context.Context, q sqlx.QueryerContext, threadID string) ([]ThreadMember, error) {
	var members []ThreadMember
	err := sqlx.SelectContext(ctx, q, &members, `
		SELECT tm.stable_id, m.thread_position, m.is_deleted
		FROM thread_members tm
		JOIN messages m ON m.stable_id = tm.stable_id
		WHERE tm.thread_id = ?
		ORDER BY m.is_deleted, m.thread_position, tm.stable_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread members: %w", err)
	}
	return members, nil
}

// GetThreadsForMailbox returns threads that have at least one live message
// in the mailbox, most recent first.
func GetThreadsForMailbox(ctx context.Context, q sqlx.QueryerContext, mailboxID string, limit, offset int) ([]*models.Thread, error) {
	var rows []threadRow
	cols := "t." + strings.ReplaceAll(threadColumns, ", ", ", t.")
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT `+cols+`
		FROM threads t
		WHERE EXISTS (
			SELECT 1 FROM messages m
			WHERE m.thread_id = t.id AND m.mailbox_id = ? AND m.is_deleted = 0
		)
		ORDER BY t.last_message_at IS NULL, t.last_message_at DESC, t.id
		LIMIT ? OFFSET ?
	`, mailboxID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}

	threads := make([]*models.Thread, 0, len(rows))
	for i := range rows {
		threads = append(threads, rows[i].toModel())
	}
	return threads, nil
}

// CountThreadsForMailbox counts the threads GetThreadsForMailbox pages over.
func CountThreadsForMailbox(ctx context.Context, q sqlx.QueryerContext, mailboxID string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q, &count, `
		SELECT COUNT(DISTINCT thread_id) FROM messages
		WHERE mailbox_id = ? AND is_deleted = 0
	`, mailboxID)
	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return count, nil
}
