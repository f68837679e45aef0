package models

import "time"

// StabilityTier describes how durable a stable ID is across resyncs.
type StabilityTier string

const (
	// TierPermanent IDs are derived from a valid RFC822 Message-ID.
	TierPermanent StabilityTier = "permanent"
	// TierDerived IDs are derived from subject, sender and date. They change
	// if any of those fields is edited at the source.
	TierDerived StabilityTier = "derived"
	// TierFallback IDs are derived from the account/mailbox/row namespace.
	// They change when the source rebuilds its index.
	TierFallback StabilityTier = "fallback"
	// TierEphemeral IDs are random and never survive a resync.
	TierEphemeral StabilityTier = "ephemeral"
)

// IsPermanent reports whether consumers can rely on the ID across sessions.
func (t StabilityTier) IsPermanent() bool {
	return t == TierPermanent
}

// MailboxKind classifies a mailbox by its role.
type MailboxKind string

const (
	MailboxInbox   MailboxKind = "inbox"
	MailboxSent    MailboxKind = "sent"
	MailboxTrash   MailboxKind = "trash"
	MailboxJunk    MailboxKind = "junk"
	MailboxArchive MailboxKind = "archive"
	MailboxCustom  MailboxKind = "custom"
)

// Mailbox is a source mailbox namespaced by account.
type Mailbox struct {
	ID          string      `db:"id" json:"id"`
	AccountID   string      `db:"account_id" json:"account_id"`
	SourceRowID int64       `db:"source_row_id" json:"source_row_id"`
	Name        string      `db:"name" json:"name"`
	URL         string      `db:"url" json:"url"`
	Kind        MailboxKind `db:"kind" json:"kind"`
}

// Thread is a conversation identified by the hash of its root reference.
// Threads are not scoped to an account: a conversation copied into two
// accounts shares one thread.
type Thread struct {
	ID               string     `json:"id"`
	Root             string     `json:"root"`
	RootKind         string     `json:"root_kind"`
	Subject          string     `json:"subject"`
	MessageCount     int        `json:"message_count"`
	ParticipantCount int        `json:"participant_count"`
	FirstMessageAt   *time.Time `json:"first_message_at"`
	LastMessageAt    *time.Time `json:"last_message_at"`
	Messages         []Message  `json:"messages,omitempty"`
}

// Message is the authoritative mirror record for one logical message.
// BodyText and BodyHTML are nil until the body has been parsed.
type Message struct {
	StableID        string        `json:"stable_id"`
	StabilityTier   StabilityTier `json:"stability_tier"`
	AccountID       string        `json:"account_id"`
	MailboxID       string        `json:"mailbox_id"`
	SourceRowID     int64         `json:"source_row_id"`
	SourcePath      string        `json:"source_path"`
	MessageIDHeader string        `json:"message_id_header"`
	InReplyTo       string        `json:"in_reply_to"`
	References      []string      `json:"references"`
	ThreadID        string        `json:"thread_id"`
	ThreadPosition  int           `json:"thread_position"`
	ThreadTotal     int           `json:"thread_total"`
	Subject         string        `json:"subject"`
	Sender          string        `json:"sender"`
	Recipients      []string      `json:"recipients"`
	SentAt          *time.Time    `json:"sent_at"`
	ReceivedAt      *time.Time    `json:"received_at"`
	IsRead          bool          `json:"is_read"`
	IsFlagged       bool          `json:"is_flagged"`
	IsDeleted       bool          `json:"is_deleted"`
	BodyText        *string       `json:"body_text"`
	BodyHTML        *string       `json:"body_html"`
	Attachments     []Attachment  `json:"attachments,omitempty"`
}

// HasBody reports whether the body has been fetched into the mirror.
func (m *Message) HasBody() bool {
	return m.BodyText != nil || m.BodyHTML != nil
}

// SortTime is the timestamp used for ordering within a thread.
func (m *Message) SortTime() *time.Time {
	if m.SentAt != nil {
		return m.SentAt
	}
	return m.ReceivedAt
}

type Attachment struct {
	StableID  string `db:"stable_id" json:"stable_id"`
	Position  int    `db:"position" json:"position"`
	Filename  string `db:"filename" json:"filename"`
	MimeType  string `db:"mime_type" json:"mime_type"`
	SizeBytes int64  `db:"size_bytes" json:"size_bytes"`
	IsInline  bool   `db:"is_inline" json:"is_inline"`
	ContentID string `db:"content_id" json:"content_id,omitempty"`
}

// MessageMetadata holds the built-in typed annotations for a message.
type MessageMetadata struct {
	StableID     string     `json:"stable_id"`
	Note         string     `json:"note"`
	Pinned       bool       `json:"pinned"`
	SnoozedUntil *time.Time `json:"snoozed_until"`
	FollowUpAt   *time.Time `json:"follow_up_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PaginationInfo describes one page of a listing.
type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}

// ThreadsResponse is a page of threads.
type ThreadsResponse struct {
	Threads    []*Thread      `json:"threads"`
	Pagination PaginationInfo `json:"pagination"`
}
