package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/retry"
	"github.com/vdavid/mailmirror/internal/threading"
	"go.uber.org/zap"
)

const testAccount = "acct-1"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "mirror.db"), Options{
		BusyTimeout: time.Second,
		Retry: retry.Config{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsed:      time.Second,
			MaxRetries:      3,
		},
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedMailboxes(t *testing.T, store *Store, account string, rowIDs ...int64) {
	t.Helper()
	var mailboxes []models.Mailbox
	for _, id := range rowIDs {
		mailboxes = append(mailboxes, models.Mailbox{
			ID:          MailboxID(account, id),
			AccountID:   account,
			SourceRowID: id,
			Name:        "Mailbox " + MailboxID(account, id),
			Kind:        models.MailboxCustom,
		})
	}
	require.NoError(t, store.Do(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
		return UpsertMailboxes(context.Background(), tx, mailboxes)
	}))
}

type stageOpts struct {
	account    string
	mailbox    int64
	messageID  string
	references []string
	subject    string
	sender     string
	sent       time.Time
	body       *string
}

// stage builds a staged message the way the orchestrator would.
func stage(stableID string, o stageOpts) StagedMessage {
	if o.account == "" {
		o.account = testAccount
	}
	if o.mailbox == 0 {
		o.mailbox = 1
	}
	root := threading.Resolve(threading.Input{
		MessageID:  o.messageID,
		References: o.references,
		Subject:    o.subject,
		StableID:   stableID,
	})
	threadID := root.ThreadID()

	var sent *time.Time
	if !o.sent.IsZero() {
		s := o.sent
		sent = &s
	}
	return StagedMessage{
		Message: models.Message{
			StableID:        stableID,
			StabilityTier:   models.TierPermanent,
			AccountID:       o.account,
			MailboxID:       MailboxID(o.account, o.mailbox),
			SourceRowID:     int64(len(stableID)),
			MessageIDHeader: o.messageID,
			References:      o.references,
			ThreadID:        threadID,
			Subject:         o.subject,
			Sender:          o.sender,
			Recipients:      []string{"me@example.com"},
			SentAt:          sent,
			BodyText:        o.body,
		},
		Thread: models.Thread{
			ID:       threadID,
			Root:     root.Value,
			RootKind: string(root.Kind),
			Subject:  threading.NormalizeSubject(o.subject),
		},
		BodyParsed: o.body != nil,
	}
}

func commit(t *testing.T, store *Store, staged ...StagedMessage) BatchResult {
	t.Helper()
	var result BatchResult
	require.NoError(t, store.Do(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		result, err = CommitBatch(context.Background(), tx, staged, time.Now())
		return err
	}))
	return result
}

func strPtr(s string) *string {
	return &s
}
