package source

import (
	"errors"
	"fmt"
	"strings"
)

const fullDiskAccessHint = "grant Full Disk Access to this program in System Settings > Privacy & Security, then retry"

// AccessError means the source exists but cannot be read, or is missing.
// It is fatal for the run and is not retried.
type AccessError struct {
	AccountID   string
	Path        string
	Remediation string
	Err         error
}

func (e *AccessError) Error() string {
	msg := fmt.Sprintf("cannot access mail source %s", e.Path)
	if e.AccountID != "" {
		msg += fmt.Sprintf(" for account %s", e.AccountID)
	}
	msg += fmt.Sprintf(": %v", e.Err)
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// IsAccessError reports whether err (or any error in its chain) is an AccessError.
func IsAccessError(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae)
}

// SchemaDriftError means the source's structure is not what this reader
// understands. The run stops instead of reporting an empty mailbox.
type SchemaDriftError struct {
	Missing []string
	Detail  string
}

func (e *SchemaDriftError) Error() string {
	if len(e.Missing) == 0 {
		return "unexpected source structure: " + e.Detail
	}
	msg := "unexpected source structure: missing " + strings.Join(e.Missing, ", ")
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsSchemaDriftError reports whether err (or any error in its chain) is a SchemaDriftError.
func IsSchemaDriftError(err error) bool {
	var se *SchemaDriftError
	return errors.As(err, &se)
}
