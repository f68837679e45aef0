// Package parser decodes raw emlx message records.
//
// An emlx record is a decimal byte count on its own line, followed by that
// many bytes of RFC822 message, followed by an XML property list with the
// mail client's flags. The functions here are pure and safe to call from
// any number of goroutines.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"github.com/k3a/html2text"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/threading"
)

// Header holds the decoded header fields the mirror cares about.
// MessageID and InReplyTo are normalized; empty when absent or malformed.
type Header struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	Recipients []string
	Date       *time.Time
}

// Message is the result of parsing one record.
type Message struct {
	Header      Header
	Metadata    Metadata
	// MetadataErr is set when the trailer could not be decoded. The
	// message itself is still usable; Metadata is left empty.
	MetadataErr error
	HasBody     bool
	BodyText    string
	BodyHTML    string
	Attachments []models.Attachment
}

// Parse decodes headers, body and metadata. path is only used for error
// context. A corrupt trailer does not fail the parse.
func Parse(path string, raw []byte) (*Message, error) {
	msg, trailer, err := splitEnvelope(raw)
	if err != nil {
		return nil, &ParseError{Path: path, Stage: StageEnvelope, Err: err}
	}

	out := &Message{}
	if out.Header, err = readHeader(msg); err != nil {
		return nil, &ParseError{Path: path, Stage: StageHeader, Err: err}
	}
	if err := readBody(msg, out); err != nil {
		return nil, &ParseError{Path: path, Stage: StageBody, Err: err}
	}
	out.Metadata, out.MetadataErr = readMetadata(path, trailer)
	return out, nil
}

// ParseHeaders decodes headers and metadata without touching the body.
// Used for mailboxes whose bodies are fetched on demand.
func ParseHeaders(path string, raw []byte) (*Message, error) {
	msg, trailer, err := splitEnvelope(raw)
	if err != nil {
		return nil, &ParseError{Path: path, Stage: StageEnvelope, Err: err}
	}

	out := &Message{}
	if out.Header, err = readHeader(msg); err != nil {
		return nil, &ParseError{Path: path, Stage: StageHeader, Err: err}
	}
	out.Metadata, out.MetadataErr = readMetadata(path, trailer)
	return out, nil
}

func readMetadata(path string, trailer []byte) (Metadata, error) {
	meta, err := parseMetadata(trailer)
	if err != nil {
		return Metadata{}, &ParseError{Path: path, Stage: StageMetadata, Err: err}
	}
	return meta, nil
}

func readHeader(msg []byte) (Header, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg)))
	if err != nil {
		return Header{}, fmt.Errorf("failed to read header block: %w", err)
	}
	if !th.Has("From") && !th.Has("Message-Id") && !th.Has("Subject") && !th.Has("Date") {
		return Header{}, errors.New("no recognizable header fields")
	}

	h := mail.Header{Header: message.Header{Header: th}}
	out := Header{}

	if id, ok := threading.NormalizeMessageID(h.Get("Message-Id")); ok {
		out.MessageID = id
	}
	if id, ok := threading.NormalizeMessageID(h.Get("In-Reply-To")); ok {
		out.InReplyTo = id
	}
	out.References = threading.ParseReferences(h.Get("References"))

	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}

	if from := addressList(h, "From"); len(from) > 0 {
		out.From = from[0]
	}
	out.Recipients = append(addressList(h, "To"), addressList(h, "Cc")...)

	if date, err := h.Date(); err == nil && !date.IsZero() {
		date = date.UTC()
		out.Date = &date
	}
	return out, nil
}

// addressList decodes an address header, falling back to the raw
// comma-separated value when the header does not parse cleanly.
func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err == nil {
		result := make([]string, 0, len(list))
		for _, a := range list {
			if formatted := formatAddress(a); formatted != "" {
				result = append(result, formatted)
			}
		}
		return result
	}

	var result []string
	for _, part := range strings.Split(h.Get(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func formatAddress(address *mail.Address) string {
	if address == nil || address.Address == "" {
		return ""
	}
	if address.Name != "" {
		return fmt.Sprintf("%s <%s>", address.Name, address.Address)
	}
	return address.Address
}

// readBody decodes every MIME part with its own declared charset and picks
// text and HTML bodies.
func readBody(msg []byte, out *Message) error {
	env, err := enmime.ReadEnvelope(bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	w := &partWalker{}
	w.visit(env.Root)

	out.HasBody = true
	out.BodyHTML = env.HTML
	out.BodyText = env.Text
	if !w.sawText && env.HTML != "" {
		out.BodyText = strings.TrimSpace(html2text.HTML2Text(env.HTML))
	}
	out.Attachments = w.attachments
	return nil
}

type partWalker struct {
	sawText     bool
	attachments []models.Attachment
}

func (w *partWalker) visit(p *enmime.Part) {
	if p == nil {
		return
	}
	w.classify(p)
	for child := p.FirstChild; child != nil; child = child.NextSibling {
		w.visit(child)
	}
}

func (w *partWalker) classify(p *enmime.Part) {
	contentType := strings.ToLower(p.ContentType)
	if strings.HasPrefix(contentType, "multipart/") {
		return
	}

	isAttachment := p.Disposition == "attachment" || p.FileName != ""
	if !isAttachment && (contentType == "text/plain" || contentType == "text/html" || contentType == "") {
		if contentType != "text/html" {
			w.sawText = true
		}
		return
	}
	if !isAttachment && p.ContentID == "" {
		return
	}

	w.attachments = append(w.attachments, models.Attachment{
		Position:  len(w.attachments),
		Filename:  p.FileName,
		MimeType:  contentType,
		SizeBytes: int64(len(p.Content)),
		IsInline:  p.Disposition == "inline" || p.ContentID != "",
		ContentID: p.ContentID,
	})
}
