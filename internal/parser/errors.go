package parser

import (
	"errors"
	"fmt"
)

// Stages reported in ParseError.
const (
	StageEnvelope = "envelope"
	StageHeader   = "header"
	StageBody     = "body"
	StageMetadata = "metadata"
)

// ParseError is returned for unreadable or corrupt message records.
// It never aborts a sync run; the caller records it and skips the message.
type ParseError struct {
	Path  string
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to parse message (%s): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("failed to parse %s (%s): %v", e.Path, e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
