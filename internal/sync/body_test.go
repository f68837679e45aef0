package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/source"
	"github.com/vdavid/mailmirror/internal/testutil"
)

func TestFetchBody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.conversation()
	f.src.AddMessage(acct, source.Message{
		RowID: 40, MailboxRowID: archive, MessageIDHeader: "<nofile@example.com>",
		Subject: "Not downloaded", Sender: "x@example.com", DateSent: &base,
	}, nil)
	gone := f.add(archive, 41, testutil.Mail{
		MessageID: "<gone@example.com>", Subject: "Gone", From: "x@example.com", Date: base, Body: "bye",
	}, false)
	f.sync(models.SyncFull)

	t.Run("lazy mailbox body is parsed on demand", func(t *testing.T) {
		id := f.idOf("<b@example.com>")
		require.Nil(t, f.message(id).BodyText)

		msg, err := f.svc.FetchBody(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, msg.BodyText)
		assert.Contains(t, *msg.BodyText, "Sure.")

		stored := f.message(id)
		require.NotNil(t, stored.BodyText)
		assert.Equal(t, *msg.BodyText, *stored.BodyText)

		results, err := db.Search(ctx, f.store.DB, db.SearchQuery{Text: "sure"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, id, results[0].Message.StableID)
	})

	t.Run("cached body is not reread", func(t *testing.T) {
		id := f.idOf("<a@example.com>")
		f.src.ReadErr["/fake/"+acct+"/1/10.emlx"] = errors.New("must not be read")

		msg, err := f.svc.FetchBody(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, *msg.BodyText, "Tacos")
	})

	t.Run("no file at the source", func(t *testing.T) {
		_, err := f.svc.FetchBody(ctx, f.idOf("<nofile@example.com>"))
		assert.ErrorIs(t, err, ErrBodyUnavailable)
	})

	t.Run("file removed since sync", func(t *testing.T) {
		f.src.RemoveFile(gone.Path)
		_, err := f.svc.FetchBody(ctx, f.idOf("<gone@example.com>"))
		assert.ErrorIs(t, err, ErrBodyUnavailable)
	})

	t.Run("unknown message", func(t *testing.T) {
		_, err := f.svc.FetchBody(ctx, "nope")
		assert.ErrorIs(t, err, db.ErrMessageNotFound)
	})
}
