package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/source"
	mirrorsync "github.com/vdavid/mailmirror/internal/sync"
	"github.com/vdavid/mailmirror/internal/testutil"
	"go.uber.org/zap/zaptest"
)

const testAccount = "acct"

var base = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// mirror is a store populated by a real sync from a fake source.
type mirror struct {
	store *db.Store
	src   *testutil.FakeSource
	svc   *mirrorsync.Service
}

func newMirror(t *testing.T) *mirror {
	t.Helper()
	m := &mirror{store: testutil.NewTestStore(t), src: testutil.NewFakeSource()}
	m.src.AddMailbox(testAccount, source.Mailbox{RowID: 1, Name: "INBOX"})
	m.src.AddMailbox(testAccount, source.Mailbox{RowID: 2, Name: "Archive"})

	add := func(mailbox, row int64, mail testutil.Mail) {
		date := mail.Date
		m.src.AddMessage(testAccount, source.Message{
			RowID: row, MailboxRowID: mailbox, MessageIDHeader: mail.MessageID,
			Subject: mail.Subject, Sender: mail.From, Recipients: []string{mail.To},
			DateSent: &date, DateReceived: &date,
		}, mail.EMLX(0))
	}
	add(1, 1, testutil.Mail{MessageID: "<q1@example.com>", Subject: "Quarterly numbers", From: "cfo@example.com", To: "me@example.com", Date: base, Body: "Revenue is up."})
	add(2, 2, testutil.Mail{MessageID: "<q2@example.com>", InReplyTo: "<q1@example.com>", References: []string{"<q1@example.com>"}, Subject: "Re: Quarterly numbers", From: "me@example.com", To: "cfo@example.com", Date: base.Add(time.Hour), Body: "Great news about revenue."})
	add(1, 3, testutil.Mail{MessageID: "<x@example.com>", Subject: "Offsite", From: "ops@example.com", To: "me@example.com", Date: base.Add(48 * time.Hour), Body: "Bring boots."})

	opts := mirrorsync.DefaultOptions()
	m.svc = mirrorsync.NewService(m.store, m.src, opts, zaptest.NewLogger(t))
	_, err := m.svc.Sync(context.Background(), testAccount, models.SyncFull)
	require.NoError(t, err)
	return m
}

func (m *mirror) idOf(t *testing.T, messageID string) (stableID, threadID string) {
	t.Helper()
	row := struct {
		StableID string `db:"stable_id"`
		ThreadID string `db:"thread_id"`
	}{}
	require.NoError(t, m.store.DB.Get(&row, `SELECT stable_id, thread_id FROM messages WHERE message_id_header = ?`, messageID))
	return row.StableID, row.ThreadID
}

type fakeController struct {
	mu       gosync.Mutex
	statuses []mirrorsync.AccountStatus
	queued   map[string]models.SyncMode
}

func newFakeController(accounts ...string) *fakeController {
	c := &fakeController{queued: make(map[string]models.SyncMode)}
	for _, a := range accounts {
		c.statuses = append(c.statuses, mirrorsync.AccountStatus{AccountID: a})
	}
	return c
}

func (c *fakeController) Trigger(accountID string, mode models.SyncMode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.queued[accountID]; busy {
		return false
	}
	c.queued[accountID] = mode
	return true
}

func (c *fakeController) Statuses() []mirrorsync.AccountStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mirrorsync.AccountStatus(nil), c.statuses...)
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
