package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"howett.net/plist"
)

// emlx flag bits from the trailing property list.
const (
	flagRead    = 1 << 0
	flagDeleted = 1 << 1
	flagFlagged = 1 << 4
)

var errTruncated = errors.New("message shorter than declared byte count")

// Metadata is the decoded trailing property list of an emlx record.
type Metadata struct {
	Present        bool
	Flags          uint64
	IsRead         bool
	IsDeleted      bool
	IsFlagged      bool
	DateReceived   *time.Time
	RemoteID       string
	ConversationID int64
}

// splitEnvelope separates the byte-count line, the RFC822 message and the
// trailing metadata block.
func splitEnvelope(raw []byte) (message, trailer []byte, err error) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return nil, nil, errors.New("missing byte-count line")
	}

	countLine := bytes.TrimSpace(raw[:nl])
	count, err := strconv.Atoi(string(countLine))
	if err != nil || count < 0 {
		return nil, nil, fmt.Errorf("invalid byte-count line %q", countLine)
	}

	rest := raw[nl+1:]
	if count > len(rest) {
		return nil, nil, fmt.Errorf("%w: declared %d, have %d", errTruncated, count, len(rest))
	}
	return rest[:count], rest[count:], nil
}

// parseMetadata decodes the property list that follows the message. An
// empty trailer is valid (partial records often lack one).
func parseMetadata(trailer []byte) (Metadata, error) {
	trailer = bytes.TrimSpace(trailer)
	if len(trailer) == 0 {
		return Metadata{}, nil
	}

	var props map[string]interface{}
	if _, err := plist.Unmarshal(trailer, &props); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode property list: %w", err)
	}

	meta := Metadata{Present: true}
	if v, ok := plistInt(props["flags"]); ok {
		meta.Flags = uint64(v)
		meta.IsRead = meta.Flags&flagRead != 0
		meta.IsDeleted = meta.Flags&flagDeleted != 0
		meta.IsFlagged = meta.Flags&flagFlagged != 0
	}
	if v, ok := plistInt(props["date-received"]); ok && v > 0 {
		t := time.Unix(v, 0).UTC()
		meta.DateReceived = &t
	}
	if v, ok := plistInt(props["conversation-id"]); ok {
		meta.ConversationID = v
	}
	switch v := props["remote-id"].(type) {
	case string:
		meta.RemoteID = v
	case uint64, int64:
		if n, ok := plistInt(v); ok {
			meta.RemoteID = strconv.FormatInt(n, 10)
		}
	}
	return meta, nil
}

func plistInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case uint64:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
