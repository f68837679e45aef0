// Package source reads the mail client's local store. Everything here is
// read-only: nothing in this package ever writes to the source.
package source

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/vdavid/mailmirror/internal/models"
)

// Reader enumerates the external source.
type Reader interface {
	// CheckAccess fails with *AccessError when the account's data cannot be
	// read, rather than letting later calls return empty results.
	CheckAccess(ctx context.Context, accountID string) error
	ListMailboxes(ctx context.Context, accountID string) ([]Mailbox, error)
	// ListMessages returns the mailbox's messages in row id order.
	ListMessages(ctx context.Context, accountID string, mailbox Mailbox) ([]Message, error)
	ReadRaw(ctx context.Context, path string) ([]byte, error)
}

// Mailbox as seen by the source. RowID is only unique within one index.
type Mailbox struct {
	RowID int64
	URL   string
	Name  string
	Kind  models.MailboxKind
}

// Message is one source index row. Path is empty when the client has not
// downloaded the message file.
type Message struct {
	RowID           int64
	MailboxRowID    int64
	MessageIDHeader string
	Subject         string
	Sender          string
	Recipients      []string
	DateSent        *time.Time
	DateReceived    *time.Time
	IsRead          bool
	IsFlagged       bool
	IsDeleted       bool
	Path            string
}

var mailboxKinds = map[string]models.MailboxKind{
	"inbox":            models.MailboxInbox,
	"sent":             models.MailboxSent,
	"sent messages":    models.MailboxSent,
	"sent items":       models.MailboxSent,
	"sent mail":        models.MailboxSent,
	"trash":            models.MailboxTrash,
	"deleted messages": models.MailboxTrash,
	"deleted items":    models.MailboxTrash,
	"bin":              models.MailboxTrash,
	"junk":             models.MailboxJunk,
	"spam":             models.MailboxJunk,
	"junk e-mail":      models.MailboxJunk,
	"junk email":       models.MailboxJunk,
	"archive":          models.MailboxArchive,
	"all mail":         models.MailboxArchive,
}

// ClassifyMailbox derives the mailbox role from the last path segment of
// its name. "[Gmail]/Sent Mail" is sent, "Projects/Inbox" is inbox.
func ClassifyMailbox(name string) models.MailboxKind {
	last := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		last = name[i+1:]
	}
	if kind, ok := mailboxKinds[strings.ToLower(strings.TrimSpace(last))]; ok {
		return kind
	}
	return models.MailboxCustom
}

// MailboxName extracts the display path from a mailbox URL such as
// "imap://ACCOUNT/%5BGmail%5D/Sent%20Mail".
func MailboxName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		if i := strings.Index(rawURL, "://"); i >= 0 {
			rest := rawURL[i+3:]
			if j := strings.IndexByte(rest, '/'); j >= 0 {
				name, uerr := url.PathUnescape(rest[j+1:])
				if uerr == nil {
					return name
				}
				return rest[j+1:]
			}
		}
		return rawURL
	}
	return strings.TrimPrefix(u.Path, "/")
}
