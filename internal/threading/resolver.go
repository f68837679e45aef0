// Package threading derives a deterministic thread root for a message from
// its Message-ID, In-Reply-To and References headers.
//
// Resolution order:
//  1. the first (oldest) References entry
//  2. In-Reply-To
//  3. the message's own Message-ID
//  4. the normalized subject
//
// A reply that carries only In-Reply-To, answering a message that itself
// had ancestors, starts a new thread rooted at its parent. This is an
// accepted limitation of header-only threading: the headers do not say
// where the parent's chain began.
package threading

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// RootKind records which header produced the thread root.
type RootKind string

const (
	RootReferences RootKind = "references"
	RootInReplyTo  RootKind = "in_reply_to"
	RootMessageID  RootKind = "message_id"
	RootSubject    RootKind = "subject"
	// RootSelf is used when nothing else is available; the thread is a
	// singleton keyed by the message's own stable ID.
	RootSelf RootKind = "self"
)

// Input is the raw header data for one message. Header values are
// normalized by Resolve; malformed tokens are discarded.
type Input struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	// StableID keys singleton threads for messages without identifiers
	// or subject.
	StableID string
}

// Root is the resolved thread seed.
type Root struct {
	Kind  RootKind
	Value string
}

// ThreadID hashes the root. Roots taken from any message-ID header hash the
// same way, so a message's own ID and a reply's reference to it converge.
func (r Root) ThreadID() string {
	var key string
	switch r.Kind {
	case RootReferences, RootInReplyTo, RootMessageID:
		key = "msgid\x00" + r.Value
	case RootSubject:
		key = "subject\x00" + r.Value
	default:
		key = "self\x00" + r.Value
	}
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Resolve picks the thread root for a message.
func Resolve(in Input) Root {
	own, hasOwn := NormalizeMessageID(in.MessageID)

	for _, ref := range NormalizeReferences(in.References) {
		if hasOwn && ref == own {
			continue
		}
		return Root{Kind: RootReferences, Value: ref}
	}

	if parent, ok := NormalizeMessageID(in.InReplyTo); ok && parent != own {
		return Root{Kind: RootInReplyTo, Value: parent}
	}

	if hasOwn {
		return Root{Kind: RootMessageID, Value: own}
	}

	if subject := NormalizeSubject(in.Subject); subject != "" {
		return Root{Kind: RootSubject, Value: subject}
	}

	return Root{Kind: RootSelf, Value: in.StableID}
}
