package testutil

import (
	"fmt"
	"strings"
	"time"
)

// Mail describes a test message. Empty fields are left out of the header.
type Mail struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	To         string
	Date       time.Time
	Body       string
	// Received, when set, is written to the emlx trailer as date-received.
	Received time.Time
}

// RFC822 renders the message with CRLF line endings.
func (m Mail) RFC822() string {
	var b strings.Builder
	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	header("Message-ID", m.MessageID)
	header("In-Reply-To", m.InReplyTo)
	header("References", strings.Join(m.References, " "))
	header("Subject", m.Subject)
	header("From", m.From)
	header("To", m.To)
	if !m.Date.IsZero() {
		header("Date", m.Date.Format(time.RFC1123Z))
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return b.String()
}

// EMLX wraps the message in the .emlx envelope.
func (m Mail) EMLX(flags int) []byte {
	props := fmt.Sprintf("\t<key>flags</key>\n\t<integer>%d</integer>\n", flags)
	if !m.Received.IsZero() {
		props += fmt.Sprintf("\t<key>date-received</key>\n\t<integer>%d</integer>\n", m.Received.Unix())
	}
	return wrapEMLX(m.RFC822(), props)
}

// BuildEMLX wraps an RFC822 message in the .emlx envelope: a byte count
// line, the message, and an XML plist with the client's flags.
func BuildEMLX(message string, flags int) []byte {
	return wrapEMLX(message, fmt.Sprintf("\t<key>flags</key>\n\t<integer>%d</integer>\n", flags))
}

// WithTrailer builds an emlx record with an arbitrary trailer.
func WithTrailer(message, trailer string) []byte {
	return []byte(fmt.Sprintf("%d\n%s%s", len(message), message, trailer))
}

func wrapEMLX(message, props string) []byte {
	return WithTrailer(message, `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
`+props+`</dict>
</plist>
`)
}
