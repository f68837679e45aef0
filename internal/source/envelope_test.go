package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailmirror/internal/models"
	"go.uber.org/zap"
)

const testAccount = "8F3A-ACCOUNT"

const envelopeSchema = `
CREATE TABLE mailboxes (ROWID INTEGER PRIMARY KEY, url TEXT);
CREATE TABLE subjects (ROWID INTEGER PRIMARY KEY, subject TEXT);
CREATE TABLE addresses (ROWID INTEGER PRIMARY KEY, address TEXT, comment TEXT);
CREATE TABLE message_global_data (ROWID INTEGER PRIMARY KEY, message_id_header TEXT);
CREATE TABLE messages (
	ROWID INTEGER PRIMARY KEY, mailbox INTEGER, subject_prefix TEXT, subject INTEGER,
	sender INTEGER, date_sent INTEGER, date_received INTEGER,
	read INTEGER, flagged INTEGER, deleted INTEGER, global_message_id INTEGER
);
CREATE TABLE recipients (ROWID INTEGER PRIMARY KEY, message INTEGER, address INTEGER, type INTEGER, position INTEGER);
`

type fixture struct {
	root      string
	indexPath string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	indexPath := filepath.Join(root, "MailData", "Envelope Index")
	require.NoError(t, os.MkdirAll(filepath.Dir(indexPath), 0o755))

	db, err := sqlx.Open("sqlite", indexPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(envelopeSchema)
	require.NoError(t, err)

	exec := func(query string, args ...interface{}) {
		_, err := db.Exec(query, args...)
		require.NoError(t, err)
	}
	exec(`INSERT INTO mailboxes (ROWID, url) VALUES (1, ?), (2, ?), (3, ?), (4, ?)`,
		"imap://"+testAccount+"/INBOX",
		"imap://"+testAccount+"/%5BGmail%5D/Sent%20Mail",
		"imap://OTHER-ACCOUNT/INBOX",
		"imap://"+testAccount+"/Projects",
	)
	exec(`INSERT INTO subjects (ROWID, subject) VALUES (1, 'Budget'), (2, 'Lunch')`)
	exec(`INSERT INTO addresses (ROWID, address, comment) VALUES (1, 'alice@example.com', 'Alice'), (2, 'bob@example.com', ''), (3, 'carol@example.com', 'Carol')`)
	exec(`INSERT INTO message_global_data (ROWID, message_id_header) VALUES (1, '<budget@example.com>')`)
	exec(`INSERT INTO messages (ROWID, mailbox, subject_prefix, subject, sender, date_sent, date_received, read, flagged, deleted, global_message_id)
		VALUES (10, 1, '', 1, 1, 1709285400, 1709285460, 1, 0, 0, 1),
		       (11, 1, 'Re: ', 1, 2, 1709289000, 1709289060, 0, 1, 0, NULL),
		       (12, 2, '', 2, 1, NULL, 1709290000, 1, 0, 1, NULL),
		       (13, 3, '', 2, 1, 1709290000, 1709290000, 0, 0, 0, NULL)`)
	exec(`INSERT INTO recipients (message, address, type, position) VALUES (10, 3, 1, 1), (10, 2, 0, 0)`)

	inbox := filepath.Join(root, testAccount, "INBOX.mbox", "UUID", "Data", "Messages")
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "10.emlx"), []byte("full"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "10.partial.emlx"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "11.partial.emlx"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("x"), 0o644))

	// A nested mailbox under INBOX must not leak into INBOX's file index.
	nested := filepath.Join(root, testAccount, "INBOX.mbox", "Child.mbox", "Messages")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "11.emlx"), []byte("nested"), 0o644))

	return fixture{root: root, indexPath: indexPath}
}

func openFixture(t *testing.T, f fixture) *EnvelopeIndex {
	t.Helper()
	idx, err := OpenEnvelopeIndex(context.Background(), f.root, f.indexPath, time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestEnvelopeIndexListMailboxes(t *testing.T) {
	idx := openFixture(t, newFixture(t))

	mailboxes, err := idx.ListMailboxes(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, mailboxes, 3)

	assert.Equal(t, int64(1), mailboxes[0].RowID)
	assert.Equal(t, "INBOX", mailboxes[0].Name)
	assert.Equal(t, models.MailboxInbox, mailboxes[0].Kind)
	assert.Equal(t, "[Gmail]/Sent Mail", mailboxes[1].Name)
	assert.Equal(t, models.MailboxSent, mailboxes[1].Kind)
	assert.Equal(t, models.MailboxCustom, mailboxes[2].Kind)
}

func TestEnvelopeIndexListMailboxesTreatsAccountLiterally(t *testing.T) {
	idx := openFixture(t, newFixture(t))

	mailboxes, err := idx.ListMailboxes(context.Background(), "%")
	require.NoError(t, err)
	assert.Empty(t, mailboxes)
}

func TestEnvelopeIndexListMessages(t *testing.T) {
	f := newFixture(t)
	idx := openFixture(t, f)
	ctx := context.Background()

	messages, err := idx.ListMessages(ctx, testAccount, Mailbox{RowID: 1, Name: "INBOX"})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	first := messages[0]
	assert.Equal(t, int64(10), first.RowID)
	assert.Equal(t, "<budget@example.com>", first.MessageIDHeader)
	assert.Equal(t, "Budget", first.Subject)
	assert.Equal(t, "Alice <alice@example.com>", first.Sender)
	assert.Equal(t, []string{"bob@example.com", "Carol <carol@example.com>"}, first.Recipients)
	require.NotNil(t, first.DateSent)
	assert.Equal(t, int64(1709285400), first.DateSent.Unix())
	assert.True(t, first.IsRead)
	assert.Equal(t, filepath.Join(f.root, testAccount, "INBOX.mbox", "UUID", "Data", "Messages", "10.emlx"), first.Path)

	second := messages[1]
	assert.Equal(t, "Re: Budget", second.Subject)
	assert.Empty(t, second.MessageIDHeader)
	assert.True(t, second.IsFlagged)
	assert.Equal(t, filepath.Join(f.root, testAccount, "INBOX.mbox", "UUID", "Data", "Messages", "11.partial.emlx"), second.Path)

	raw, err := idx.ReadRaw(ctx, first.Path)
	require.NoError(t, err)
	assert.Equal(t, "full", string(raw))
}

func TestEnvelopeIndexMissingMailboxDirectory(t *testing.T) {
	idx := openFixture(t, newFixture(t))

	messages, err := idx.ListMessages(context.Background(), testAccount, Mailbox{RowID: 2, Name: "[Gmail]/Sent Mail"})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Empty(t, messages[0].Path)
	assert.Nil(t, messages[0].DateSent)
	assert.True(t, messages[0].IsDeleted)
}

func TestEnvelopeIndexCheckAccess(t *testing.T) {
	idx := openFixture(t, newFixture(t))

	require.NoError(t, idx.CheckAccess(context.Background(), testAccount))

	err := idx.CheckAccess(context.Background(), "NO-SUCH-ACCOUNT")
	require.Error(t, err)
	assert.True(t, IsAccessError(err))
}

func TestOpenEnvelopeIndexErrors(t *testing.T) {
	t.Run("missing index is an access error", func(t *testing.T) {
		_, err := OpenEnvelopeIndex(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "Envelope Index"), time.Second, zap.NewNop())
		require.Error(t, err)
		assert.True(t, IsAccessError(err))
	})

	t.Run("missing tables and columns are schema drift", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "Envelope Index")
		db, err := sqlx.Open("sqlite", path)
		require.NoError(t, err)
		_, err = db.Exec(`CREATE TABLE mailboxes (ROWID INTEGER PRIMARY KEY, url TEXT);
			CREATE TABLE messages (ROWID INTEGER PRIMARY KEY, mailbox INTEGER)`)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		_, err = OpenEnvelopeIndex(context.Background(), dir, path, time.Second, zap.NewNop())
		require.Error(t, err)
		assert.True(t, IsSchemaDriftError(err))
		assert.Contains(t, err.Error(), "table subjects")
		assert.Contains(t, err.Error(), "messages.date_sent")
	})
}

func TestClassifyMailbox(t *testing.T) {
	tests := map[string]models.MailboxKind{
		"INBOX":             models.MailboxInbox,
		"Sent Messages":     models.MailboxSent,
		"[Gmail]/Sent Mail": models.MailboxSent,
		"Deleted Messages":  models.MailboxTrash,
		"Junk":              models.MailboxJunk,
		"[Gmail]/All Mail":  models.MailboxArchive,
		"Archive":           models.MailboxArchive,
		"Receipts/2024":     models.MailboxCustom,
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, ClassifyMailbox(name))
		})
	}
}

func TestMailboxDir(t *testing.T) {
	got := mailboxDir("/mail", "ACC", "Work/Clients")
	assert.Equal(t, filepath.Join("/mail", "ACC", "Work.mbox", "Clients.mbox"), got)
}

func TestAccessErrorMessage(t *testing.T) {
	err := accessError("acc", "/x", fmt.Errorf("open /x: %w", os.ErrPermission))
	assert.Contains(t, err.Error(), "Full Disk Access")
}
