package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/vdavid/mailmirror/internal/source"
)

// FakeSource is an in-memory source.Reader. Tests mutate it between syncs
// to simulate the mail client moving, flagging or deleting messages.
// Every method is safe for concurrent use.
type FakeSource struct {
	mu        sync.Mutex
	mailboxes map[string][]source.Mailbox
	messages  map[string]map[int64][]source.Message // account -> mailbox row id
	files     map[string][]byte

	// Error injection.
	AccessErr   error
	ListErr     map[int64]error
	ReadErr     map[string]error
	ListedBoxes []int64
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		mailboxes: make(map[string][]source.Mailbox),
		messages:  make(map[string]map[int64][]source.Message),
		files:     make(map[string][]byte),
		ListErr:   make(map[int64]error),
		ReadErr:   make(map[string]error),
	}
}

// AddMailbox registers a mailbox; its Kind is derived from the name when
// left empty.
func (f *FakeSource) AddMailbox(accountID string, mb source.Mailbox) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if mb.Kind == "" {
		mb.Kind = source.ClassifyMailbox(mb.Name)
	}
	f.mailboxes[accountID] = append(f.mailboxes[accountID], mb)
	if f.messages[accountID] == nil {
		f.messages[accountID] = make(map[int64][]source.Message)
	}
}

// AddMessage puts msg into its mailbox. When raw is non-nil the message
// gets a file at msg.Path (or a generated path).
func (f *FakeSource) AddMessage(accountID string, msg source.Message, raw []byte) source.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	if raw != nil {
		if msg.Path == "" {
			msg.Path = fmt.Sprintf("/fake/%s/%d/%d.emlx", accountID, msg.MailboxRowID, msg.RowID)
		}
		f.files[msg.Path] = raw
	}
	if f.messages[accountID] == nil {
		f.messages[accountID] = make(map[int64][]source.Message)
	}
	f.messages[accountID][msg.MailboxRowID] = append(f.messages[accountID][msg.MailboxRowID], msg)
	return msg
}

// RemoveMessage deletes a message from the source as the client would.
func (f *FakeSource) RemoveMessage(accountID string, mailboxRowID, rowID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.messages[accountID][mailboxRowID]
	for i, m := range list {
		if m.RowID == rowID {
			f.messages[accountID][mailboxRowID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// MoveMessage moves a message to another mailbox under a new row id.
func (f *FakeSource) MoveMessage(accountID string, fromMailbox, rowID, toMailbox, newRowID int64) {
	f.mu.Lock()
	list := f.messages[accountID][fromMailbox]
	var moved source.Message
	found := false
	for i, m := range list {
		if m.RowID == rowID {
			moved, found = m, true
			f.messages[accountID][fromMailbox] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	if !found {
		return
	}
	moved.MailboxRowID = toMailbox
	moved.RowID = newRowID
	f.mu.Lock()
	f.messages[accountID][toMailbox] = append(f.messages[accountID][toMailbox], moved)
	f.mu.Unlock()
}

// RemoveFile deletes a message file but leaves its index row, as happens
// when the client evicts downloaded mail.
func (f *FakeSource) RemoveFile(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
}

// UpdateMessage applies fn to a stored message in place.
func (f *FakeSource) UpdateMessage(accountID string, mailboxRowID, rowID int64, fn func(*source.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.messages[accountID][mailboxRowID]
	for i := range list {
		if list[i].RowID == rowID {
			fn(&list[i])
			return
		}
	}
}

func (f *FakeSource) CheckAccess(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AccessErr
}

func (f *FakeSource) ListMailboxes(ctx context.Context, accountID string) ([]source.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := append([]source.Mailbox(nil), f.mailboxes[accountID]...)
	return out, nil
}

func (f *FakeSource) ListMessages(ctx context.Context, accountID string, mailbox source.Mailbox) ([]source.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ListedBoxes = append(f.ListedBoxes, mailbox.RowID)
	if err := f.ListErr[mailbox.RowID]; err != nil {
		return nil, err
	}
	out := append([]source.Message(nil), f.messages[accountID][mailbox.RowID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out, nil
}

func (f *FakeSource) ReadRaw(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ReadErr[path]; err != nil {
		return nil, err
	}
	raw, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("failed to read %s: %w", path, fs.ErrNotExist)
	}
	return raw, nil
}

var _ source.Reader = (*FakeSource)(nil)
