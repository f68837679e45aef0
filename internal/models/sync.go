package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncMode selects how much of the source a run re-enumerates.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

// ParseSyncMode converts user input into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case SyncFull, SyncIncremental:
		return SyncMode(s), nil
	default:
		return "", fmt.Errorf("unknown sync mode %q (want full or incremental)", s)
	}
}

// SyncStatus is the coarse state surfaced to status tooling.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusError   SyncStatus = "error"
)

// SyncState is the per-account bookkeeping row, including the run lease.
type SyncState struct {
	AccountID        string     `json:"account_id"`
	LastSyncAt       *time.Time `json:"last_sync_at"`
	LastMode         SyncMode   `json:"last_mode"`
	InProgress       bool       `json:"in_progress"`
	LeaseOwner       string     `json:"lease_owner"`
	LeaseHeartbeatAt *time.Time `json:"lease_heartbeat_at"`
	LastError        string     `json:"last_error"`
	LastErrorAt      *time.Time `json:"last_error_at"`
}

// Status derives idle/running/error from the bookkeeping fields.
func (s *SyncState) Status() SyncStatus {
	switch {
	case s.InProgress:
		return SyncStatusRunning
	case s.LastError != "":
		return SyncStatusError
	default:
		return SyncStatusIdle
	}
}

// ErrorKind groups report entries.
type ErrorKind string

const (
	ErrorKindParse ErrorKind = "parse"
	ErrorKindRead  ErrorKind = "read"
	ErrorKindBatch ErrorKind = "batch"
	ErrorKindSweep ErrorKind = "sweep"
)

// ErrorContext locates a failure within a run.
type ErrorContext struct {
	AccountID   string `json:"account_id"`
	MailboxID   string `json:"mailbox_id,omitempty"`
	SourceRowID int64  `json:"source_row_id,omitempty"`
	StableID    string `json:"stable_id,omitempty"`
	Path        string `json:"path,omitempty"`
	Batch       int    `json:"batch,omitempty"`
}

func (c ErrorContext) String() string {
	s := "account=" + c.AccountID
	if c.MailboxID != "" {
		s += " mailbox=" + c.MailboxID
	}
	if c.SourceRowID != 0 {
		s += fmt.Sprintf(" row=%d", c.SourceRowID)
	}
	if c.Batch != 0 {
		s += fmt.Sprintf(" batch=%d", c.Batch)
	}
	if c.Path != "" {
		s += " path=" + c.Path
	}
	return s
}

// SyncError is one contained failure recorded in a SyncReport.
type SyncError struct {
	Kind    ErrorKind    `json:"kind"`
	Context ErrorContext `json:"context"`
	Cause   error        `json:"-"`
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Context, e.Cause)
}

func (e SyncError) Unwrap() error {
	return e.Cause
}

// MarshalJSON flattens Cause into its message.
func (e SyncError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	return json.Marshal(struct {
		Kind    ErrorKind    `json:"kind"`
		Context ErrorContext `json:"context"`
		Cause   string       `json:"cause"`
	}{e.Kind, e.Context, cause})
}

// SyncReport summarizes one sync run.
type SyncReport struct {
	AccountID  string      `json:"account_id"`
	Mode       SyncMode    `json:"mode"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Added      int         `json:"added"`
	Updated    int         `json:"updated"`
	Moved      int         `json:"moved"`
	Deleted    int         `json:"deleted"`
	Unchanged  int         `json:"unchanged"`
	Duplicates int         `json:"duplicates"`
	Batches    int         `json:"batches"`
	Cancelled  bool        `json:"cancelled"`
	Errors     []SyncError `json:"errors"`
}

// Partial reports whether the run completed with contained errors.
// A partial run is never a clean success.
func (r *SyncReport) Partial() bool {
	return len(r.Errors) > 0 || r.Cancelled
}

// Outcome is "success" or "partial".
func (r *SyncReport) Outcome() string {
	if r.Partial() {
		return "partial"
	}
	return "success"
}

// ErrorSummary condenses the report errors for SyncState.LastError.
func (r *SyncReport) ErrorSummary() string {
	switch len(r.Errors) {
	case 0:
		if r.Cancelled {
			return "cancelled"
		}
		return ""
	case 1:
		return r.Errors[0].Error()
	default:
		return fmt.Sprintf("%d errors; first: %s", len(r.Errors), r.Errors[0].Error())
	}
}
