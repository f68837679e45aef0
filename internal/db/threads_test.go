package db

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailmirror/internal/threading"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func conversation() (a, b, c StagedMessage) {
	a = stage("a", stageOpts{
		messageID: "<a@example.com>",
		subject:   "Lunch?",
		sender:    "alice@example.com",
		sent:      base,
	})
	b = stage("b", stageOpts{
		messageID:  "<b@example.com>",
		references: []string{"<a@example.com>"},
		subject:    "Re: Lunch?",
		sender:     "bob@example.com",
		sent:       base.Add(time.Hour),
	})
	c = stage("c", stageOpts{
		messageID:  "<c@example.com>",
		references: []string{"<a@example.com>", "<b@example.com>"},
		subject:    "Re: Re: Lunch?",
		sender:     "Alice@example.com",
		sent:       base.Add(2 * time.Hour),
	})
	return a, b, c
}

func TestCommitBatchConverges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1)

	a, b, c := conversation()
	// Children first: order of arrival must not matter.
	commit(t, store, c)
	commit(t, store, b)
	result := commit(t, store, a)
	assert.Equal(t, 1, result.Saved)

	threadID := threading.Root{Kind: threading.RootMessageID, Value: "<a@example.com>"}.ThreadID()
	require.Equal(t, threadID, a.Thread.ID)

	thread, err := GetThread(ctx, store.DB, threadID)
	require.NoError(t, err)
	assert.Equal(t, 3, thread.MessageCount)
	assert.Equal(t, 2, thread.ParticipantCount, "sender comparison ignores case")
	assert.Equal(t, "lunch?", thread.Subject)
	require.NotNil(t, thread.FirstMessageAt)
	require.NotNil(t, thread.LastMessageAt)
	assert.True(t, base.Equal(*thread.FirstMessageAt))
	assert.True(t, base.Add(2*time.Hour).Equal(*thread.LastMessageAt))

	require.Len(t, thread.Messages, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, thread.Messages[i].StableID)
		assert.Equal(t, i+1, thread.Messages[i].ThreadPosition)
		assert.Equal(t, 3, thread.Messages[i].ThreadTotal)
	}
}

func TestParticipantCountUsesAddress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1)

	first := stage("p1", stageOpts{
		messageID: "<p1@example.com>",
		subject:   "Plan",
		sender:    "Alice <alice@x.com>",
		sent:      base,
	})
	second := stage("p2", stageOpts{
		messageID:  "<p2@example.com>",
		references: []string{"<p1@example.com>"},
		subject:    "Re: Plan",
		sender:     "alice@x.com",
		sent:       base.Add(time.Hour),
	})
	third := stage("p3", stageOpts{
		messageID:  "<p3@example.com>",
		references: []string{"<p1@example.com>"},
		subject:    "Re: Plan",
		sender:     `"Carol Example" <CAROL@x.com>`,
		sent:       base.Add(2 * time.Hour),
	})
	commit(t, store, first, second, third)

	thread, err := GetThread(ctx, store.DB, first.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, thread.MessageCount)
	assert.Equal(t, 2, thread.ParticipantCount)

	var address string
	require.NoError(t, store.DB.Get(&address, `SELECT sender_address FROM messages WHERE stable_id = 'p3'`))
	assert.Equal(t, "carol@x.com", address)
}

func TestCommitBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1)

	a, b, c := conversation()
	commit(t, store, a, b, c)
	before, err := GetThread(ctx, store.DB, a.Thread.ID)
	require.NoError(t, err)

	a2, b2, c2 := conversation()
	commit(t, store, a2, b2, c2)
	after, err := GetThread(ctx, store.DB, a.Thread.ID)
	require.NoError(t, err)

	assert.Equal(t, before.MessageCount, after.MessageCount)
	require.Len(t, after.Messages, 3)
	for i := range before.Messages {
		assert.Equal(t, before.Messages[i].StableID, after.Messages[i].StableID)
		assert.Equal(t, before.Messages[i].ThreadPosition, after.Messages[i].ThreadPosition)
	}

	var threads int
	require.NoError(t, store.DB.Get(&threads, `SELECT COUNT(*) FROM threads`))
	assert.Equal(t, 1, threads)
}

func TestSweepDeletedKeepsThread(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1)

	a, b, c := conversation()
	commit(t, store, a, b, c)

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		threads, err := SweepDeleted(ctx, tx, []string{"b"}, time.Now())
		assert.Equal(t, []string{a.Thread.ID}, threads)
		return err
	}))

	thread, err := GetThread(ctx, store.DB, a.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)

	members, err := GetThreadMembers(ctx, store.DB, a.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, []ThreadMember{
		{StableID: "a", Position: 1},
		{StableID: "c", Position: 2},
		{StableID: "b", Position: 0, IsDeleted: true},
	}, members)

	t.Run("deleting every member keeps an empty thread row", func(t *testing.T) {
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := SweepDeleted(ctx, tx, []string{"a", "c"}, time.Now())
			return err
		}))
		thread, err := GetThread(ctx, store.DB, a.Thread.ID)
		require.NoError(t, err)
		assert.Zero(t, thread.MessageCount)
		assert.Nil(t, thread.FirstMessageAt)
	})
}

func TestCommitBatchMoveKeepsRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1, 2)

	a, _, _ := conversation()
	commit(t, store, a)

	var before int64
	require.NoError(t, store.DB.Get(&before, `SELECT id FROM messages WHERE stable_id = 'a'`))

	moved := a
	moved.Message.MailboxID = MailboxID(testAccount, 2)
	commit(t, store, moved)

	var after int64
	require.NoError(t, store.DB.Get(&after, `SELECT id FROM messages WHERE stable_id = 'a'`))
	assert.Equal(t, before, after)

	got, err := GetMessage(ctx, store.DB, "a")
	require.NoError(t, err)
	assert.Equal(t, MailboxID(testAccount, 2), got.MailboxID)
}

func TestCommitBatchRethreadRecomputesOldThread(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1)

	a, b, _ := conversation()
	commit(t, store, a, b)

	// b now points at an unrelated conversation.
	rethreaded := stage("b", stageOpts{
		messageID:  "<b@example.com>",
		references: []string{"<other@example.com>"},
		subject:    "Re: Something else",
		sender:     "bob@example.com",
		sent:       base.Add(time.Hour),
	})
	result := commit(t, store, rethreaded)
	assert.ElementsMatch(t, []string{a.Thread.ID, rethreaded.Thread.ID}, result.Threads)

	old, err := GetThread(ctx, store.DB, a.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, old.MessageCount)

	moved, err := GetThread(ctx, store.DB, rethreaded.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, moved.MessageCount)
}

func TestCommitBatchSkipsForeignAccount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1)
	seedMailboxes(t, store, "acct-2", 1)

	a, _, _ := conversation()
	commit(t, store, a)

	copyElsewhere := stage("a", stageOpts{
		account:   "acct-2",
		messageID: "<a@example.com>",
		subject:   "Lunch?",
		sent:      base,
	})
	result := commit(t, store, copyElsewhere)
	assert.Zero(t, result.Saved)
	assert.Equal(t, []string{"a"}, result.Foreign)

	got, err := GetMessage(ctx, store.DB, "a")
	require.NoError(t, err)
	assert.Equal(t, testAccount, got.AccountID)
}

func TestCommitBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1)

	good := stage("good", stageOpts{messageID: "<good@x>", subject: "ok"})
	bad := stage("bad", stageOpts{messageID: "<bad@x>", subject: "broken", mailbox: 99})

	err := store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := CommitBatch(ctx, tx, []StagedMessage{good, bad}, time.Now())
		return err
	})
	require.Error(t, err)

	_, err = GetMessage(ctx, store.DB, "good")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, err = GetThread(ctx, store.DB, good.Thread.ID)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestGetThreadsForMailbox(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMailboxes(t, store, testAccount, 1, 2)

	older := stage("old", stageOpts{messageID: "<old@x>", subject: "Older", sent: base})
	newer := stage("new", stageOpts{messageID: "<new@x>", subject: "Newer", sent: base.Add(24 * time.Hour)})
	elsewhere := stage("else", stageOpts{messageID: "<else@x>", subject: "Elsewhere", sent: base, mailbox: 2})
	commit(t, store, older, newer, elsewhere)

	threads, err := GetThreadsForMailbox(ctx, store.DB, MailboxID(testAccount, 1), 10, 0)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, newer.Thread.ID, threads[0].ID)
	assert.Equal(t, older.Thread.ID, threads[1].ID)

	page, err := GetThreadsForMailbox(ctx, store.DB, MailboxID(testAccount, 1), 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, older.Thread.ID, page[0].ID)

	count, err := CountThreadsForMailbox(ctx, store.DB, MailboxID(testAccount, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = GetThread(ctx, store.DB, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}
