package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSyncMode(t *testing.T) {
	mode, err := ParseSyncMode("full")
	require.NoError(t, err)
	assert.Equal(t, SyncFull, mode)

	mode, err = ParseSyncMode("incremental")
	require.NoError(t, err)
	assert.Equal(t, SyncIncremental, mode)

	_, err = ParseSyncMode("quick")
	assert.Error(t, err)
}

func TestSyncStateStatus(t *testing.T) {
	tests := []struct {
		name  string
		state SyncState
		want  SyncStatus
	}{
		{"fresh", SyncState{}, SyncStatusIdle},
		{"running wins over error", SyncState{InProgress: true, LastError: "boom"}, SyncStatusRunning},
		{"error", SyncState{LastError: "boom"}, SyncStatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Status())
		})
	}
}

func TestSyncReportOutcome(t *testing.T) {
	cause := errors.New("truncated header")
	parseErr := SyncError{
		Kind:    ErrorKindParse,
		Context: ErrorContext{AccountID: "acct", MailboxID: "1", SourceRowID: 12},
		Cause:   cause,
	}

	clean := &SyncReport{Added: 3}
	assert.False(t, clean.Partial())
	assert.Equal(t, "success", clean.Outcome())
	assert.Empty(t, clean.ErrorSummary())

	cancelled := &SyncReport{Cancelled: true}
	assert.True(t, cancelled.Partial())
	assert.Equal(t, "cancelled", cancelled.ErrorSummary())

	one := &SyncReport{Errors: []SyncError{parseErr}}
	assert.Equal(t, "partial", one.Outcome())
	assert.Equal(t, "parse error (account=acct mailbox=1 row=12): truncated header", one.ErrorSummary())
	assert.ErrorIs(t, one.Errors[0], cause)

	two := &SyncReport{Errors: []SyncError{parseErr, {Kind: ErrorKindBatch, Cause: cause}}}
	assert.Contains(t, two.ErrorSummary(), "2 errors; first: parse error")
}

func TestSyncErrorJSONKeepsCause(t *testing.T) {
	data, err := json.Marshal(SyncError{
		Kind:    ErrorKindRead,
		Context: ErrorContext{AccountID: "acct", Path: "/x/1.emlx"},
		Cause:   errors.New("permission denied"),
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "read", got["kind"])
	assert.Equal(t, "permission denied", got["cause"])
	assert.Equal(t, "/x/1.emlx", got["context"].(map[string]any)["path"])
}
