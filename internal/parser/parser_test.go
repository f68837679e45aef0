package parser

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>date-received</key>
	<integer>1709285400</integer>
	<key>flags</key>
	<integer>17</integer>
	<key>remote-id</key>
	<string>4411</string>
	<key>conversation-id</key>
	<integer>77</integer>
</dict>
</plist>
`

func emlx(message, plist string) []byte {
	message = strings.ReplaceAll(message, "\n", "\r\n")
	return []byte(fmt.Sprintf("%d\n%s%s", len(message), message, plist))
}

const plainMessage = `Message-ID: <plain-1@example.com>
In-Reply-To: <root@example.com>
References: <root@example.com> <bogus> <mid@example.com>
From: "Alice Example" <alice@example.com>
To: bob@example.com, Carol <carol@example.com>
Cc: dave@example.com
Subject: =?UTF-8?Q?Caf=C3=A9_plans?=
Date: Fri, 01 Mar 2024 10:30:00 +0100
Content-Type: text/plain; charset=utf-8

See you at noon.
`

func TestParsePlainMessage(t *testing.T) {
	msg, err := Parse("/mail/1.emlx", emlx(plainMessage, samplePlist))
	require.NoError(t, err)

	h := msg.Header
	assert.Equal(t, "<plain-1@example.com>", h.MessageID)
	assert.Equal(t, "<root@example.com>", h.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<mid@example.com>"}, h.References)
	assert.Equal(t, "Café plans", h.Subject)
	assert.Equal(t, "Alice Example <alice@example.com>", h.From)
	assert.Equal(t, []string{"bob@example.com", "Carol <carol@example.com>", "dave@example.com"}, h.Recipients)
	require.NotNil(t, h.Date)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), *h.Date)

	assert.True(t, msg.HasBody)
	assert.Contains(t, msg.BodyText, "See you at noon.")
	assert.Empty(t, msg.Attachments)

	assert.True(t, msg.Metadata.Present)
	assert.True(t, msg.Metadata.IsRead)
	assert.True(t, msg.Metadata.IsFlagged)
	assert.False(t, msg.Metadata.IsDeleted)
	assert.Equal(t, "4411", msg.Metadata.RemoteID)
	assert.Equal(t, int64(77), msg.Metadata.ConversationID)
	require.NotNil(t, msg.Metadata.DateReceived)
	assert.Equal(t, int64(1709285400), msg.Metadata.DateReceived.Unix())
}

const multipartMessage = `Message-ID: <multi@example.com>
From: alice@example.com
To: bob@example.com
Subject: Report
Date: Fri, 01 Mar 2024 10:30:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

Gr=FC=DFe aus K=F6ln
--inner
Content-Type: text/html; charset=utf-8
Content-Transfer-Encoding: base64

PHA+R3LDvMOfZSBhdXMgS8O2bG48L3A+
--inner--

--outer
Content-Type: application/pdf; name="report.pdf"
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer
Content-Type: image/png
Content-Disposition: inline
Content-ID: <logo@example.com>
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--outer--
`

func TestParseMultipartDecodesEachPartCharset(t *testing.T) {
	msg, err := Parse("", emlx(multipartMessage, ""))
	require.NoError(t, err)

	assert.Contains(t, msg.BodyText, "Grüße aus Köln")
	assert.Contains(t, msg.BodyHTML, "<p>Grüße aus Köln</p>")
	assert.False(t, msg.Metadata.Present)

	require.Len(t, msg.Attachments, 2)
	pdf := msg.Attachments[0]
	assert.Equal(t, 0, pdf.Position)
	assert.Equal(t, "report.pdf", pdf.Filename)
	assert.Equal(t, "application/pdf", pdf.MimeType)
	assert.Equal(t, int64(9), pdf.SizeBytes)
	assert.False(t, pdf.IsInline)

	logo := msg.Attachments[1]
	assert.Equal(t, 1, logo.Position)
	assert.Equal(t, "image/png", logo.MimeType)
	assert.True(t, logo.IsInline)
	assert.Equal(t, "logo@example.com", logo.ContentID)
}

func TestParseHTMLOnlyFallsBackToText(t *testing.T) {
	raw := `Message-ID: <html@example.com>
From: alice@example.com
Subject: Styled
Content-Type: text/html; charset=utf-8

<html><body><h1>Hello</h1><p>World</p></body></html>
`
	msg, err := Parse("", emlx(raw, ""))
	require.NoError(t, err)

	assert.Contains(t, msg.BodyHTML, "<h1>Hello</h1>")
	assert.Contains(t, msg.BodyText, "Hello")
	assert.Contains(t, msg.BodyText, "World")
	assert.NotContains(t, msg.BodyText, "<p>")
}

func TestParseHeadersSkipsBody(t *testing.T) {
	msg, err := ParseHeaders("/mail/2.emlx", emlx(multipartMessage, samplePlist))
	require.NoError(t, err)

	assert.Equal(t, "<multi@example.com>", msg.Header.MessageID)
	assert.Equal(t, "Report", msg.Header.Subject)
	assert.False(t, msg.HasBody)
	assert.Empty(t, msg.BodyText)
	assert.Empty(t, msg.Attachments)
	assert.True(t, msg.Metadata.IsRead)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		stage string
	}{
		{"empty input", nil, StageEnvelope},
		{"no count line", []byte("Subject: hi"), StageEnvelope},
		{"non numeric count", []byte("abc\nSubject: hi\r\n\r\n"), StageEnvelope},
		{"truncated", []byte("500\nSubject: hi\r\n\r\nbody"), StageEnvelope},
		{"not a message", emlx("just some text without headers\n\n", ""), StageHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("/mail/bad.emlx", tt.raw)
			require.Error(t, err)
			assert.True(t, IsParseError(err))

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.stage, pe.Stage)
			assert.Equal(t, "/mail/bad.emlx", pe.Path)
			assert.Contains(t, err.Error(), "/mail/bad.emlx")
		})
	}
}

func TestParseCorruptMetadataKeepsMessage(t *testing.T) {
	raw := emlx(plainMessage, "<plist><dict><key>flags")

	for name, parse := range map[string]func(string, []byte) (*Message, error){
		"full":    Parse,
		"headers": ParseHeaders,
	} {
		t.Run(name, func(t *testing.T) {
			msg, err := parse("/mail/odd.emlx", raw)
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Header.MessageID)
			assert.False(t, msg.Metadata.Present)
			assert.Nil(t, msg.Metadata.DateReceived)

			var pe *ParseError
			require.True(t, errors.As(msg.MetadataErr, &pe))
			assert.Equal(t, StageMetadata, pe.Stage)
			assert.Equal(t, "/mail/odd.emlx", pe.Path)
		})
	}
}

func TestParseMetadataFlags(t *testing.T) {
	tests := []struct {
		flags                  int
		read, deleted, flagged bool
	}{
		{0, false, false, false},
		{1, true, false, false},
		{2, false, true, false},
		{16, false, false, true},
		{19, true, true, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("flags=%d", tt.flags), func(t *testing.T) {
			trailer := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><plist version="1.0"><dict><key>flags</key><integer>%d</integer></dict></plist>`, tt.flags)
			meta, err := parseMetadata([]byte(trailer))
			require.NoError(t, err)
			assert.Equal(t, tt.read, meta.IsRead)
			assert.Equal(t, tt.deleted, meta.IsDeleted)
			assert.Equal(t, tt.flagged, meta.IsFlagged)
		})
	}
}
