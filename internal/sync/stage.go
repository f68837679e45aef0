package sync

import (
	"context"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/parser"
	"github.com/vdavid/mailmirror/internal/source"
	"github.com/vdavid/mailmirror/internal/stableid"
	"github.com/vdavid/mailmirror/internal/threading"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// workItem is a candidate waiting for its batch.
type workItem struct {
	mailbox  *models.Mailbox
	msg      source.Message
	id       stableid.Result
	existing db.IndexEntry
	known    bool
}

// stagedItem is a workItem that made it through parsing.
type stagedItem struct {
	item workItem
	msg  db.StagedMessage
}

type change int

const (
	changeNone change = iota
	changeAdded
	changeUpdated
	changeMoved
	changeDeleted
)

func (s stagedItem) change() change {
	if !s.item.known {
		return changeAdded
	}
	prev, next := s.item.existing, s.msg.Message
	switch {
	case next.IsDeleted && !prev.IsDeleted:
		return changeDeleted
	case prev.MailboxID != next.MailboxID:
		return changeMoved
	case prev.IsRead != next.IsRead,
		prev.IsFlagged != next.IsFlagged,
		prev.IsDeleted != next.IsDeleted,
		prev.ThreadID != next.ThreadID,
		s.msg.BodyParsed && !prev.HasBody:
		return changeUpdated
	default:
		return changeNone
	}
}

func stagedMessages(items []stagedItem) []db.StagedMessage {
	out := make([]db.StagedMessage, len(items))
	for i := range items {
		out[i] = items[i].msg
	}
	return out
}

// stage parses a batch on the worker pool. Per-message failures are
// recorded in the report and the message is left for the next run.
// The result keeps enumeration order.
func (r *run) stage(ctx context.Context, items []workItem) []stagedItem {
	results := make([]stagedItem, len(items))
	failures := make([]error, len(items))
	kinds := make([]models.ErrorKind, len(items))

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			staged, kind, err := r.stageOne(ctx, items[i])
			if err != nil {
				failures[i], kinds[i] = err, kind
				return nil
			}
			results[i] = staged
			return nil
		})
	}
	_ = g.Wait()

	out := make([]stagedItem, 0, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			return nil
		}
		if failures[i] != nil {
			r.addError(kinds[i], models.ErrorContext{
				AccountID:   r.accountID,
				MailboxID:   item.mailbox.ID,
				SourceRowID: item.msg.RowID,
				StableID:    item.id.ID,
				Path:        item.msg.Path,
			}, failures[i])
			r.log.Warn("Skipping message",
				zap.String("mailbox", item.mailbox.ID),
				zap.Int64("source_row_id", item.msg.RowID),
				zap.String("kind", string(kinds[i])),
				zap.Error(failures[i]))
			continue
		}
		out = append(out, results[i])
	}
	return out
}

// stageOne turns one candidate into a staged upsert. Inbox-kind mailboxes
// get a full parse; the rest only read headers, and a failed header read
// there falls back to index metadata.
func (r *run) stageOne(ctx context.Context, item workItem) (stagedItem, models.ErrorKind, error) {
	src := item.msg
	eager := item.mailbox.Kind == models.MailboxInbox

	var parsed *parser.Message
	if src.Path != "" {
		raw, err := r.source.ReadRaw(ctx, src.Path)
		switch {
		case err != nil && eager:
			return stagedItem{}, models.ErrorKindRead, err
		case err != nil:
			r.log.Debug("Header read failed, using index metadata",
				zap.String("path", src.Path), zap.Error(err))
		case eager:
			if parsed, err = parser.Parse(src.Path, raw); err != nil {
				return stagedItem{}, models.ErrorKindParse, err
			}
		default:
			if parsed, err = parser.ParseHeaders(src.Path, raw); err != nil {
				r.log.Debug("Header parse failed, using index metadata",
					zap.String("path", src.Path), zap.Error(err))
				parsed = nil
			}
		}
	}

	if parsed != nil && parsed.MetadataErr != nil {
		r.log.Debug("Ignoring unreadable emlx trailer",
			zap.String("path", src.Path), zap.Error(parsed.MetadataErr))
	}
	return stagedItem{item: item, msg: buildStaged(r.accountID, item, parsed)}, "", nil
}

// buildStaged merges index metadata with whatever was parsed. Index values
// win for fields both carry, since the stable ID was derived from them.
// Without a parse, a known message keeps the threading headers stored for
// it, so it stays in its thread.
func buildStaged(accountID string, item workItem, parsed *parser.Message) db.StagedMessage {
	src := item.msg
	msg := models.Message{
		StableID:        item.id.ID,
		StabilityTier:   item.id.Tier,
		AccountID:       accountID,
		MailboxID:       item.mailbox.ID,
		SourceRowID:     src.RowID,
		SourcePath:      src.Path,
		MessageIDHeader: src.MessageIDHeader,
		Subject:         src.Subject,
		Sender:          src.Sender,
		Recipients:      src.Recipients,
		SentAt:          src.DateSent,
		ReceivedAt:      src.DateReceived,
		IsRead:          src.IsRead,
		IsFlagged:       src.IsFlagged,
		IsDeleted:       src.IsDeleted,
	}
	if id, ok := threading.NormalizeMessageID(msg.MessageIDHeader); ok {
		msg.MessageIDHeader = id
	}

	if parsed == nil && item.known {
		msg.InReplyTo = item.existing.InReplyTo
		msg.References = item.existing.References
	}

	bodyParsed := false
	if parsed != nil {
		h := parsed.Header
		if msg.MessageIDHeader == "" {
			msg.MessageIDHeader = h.MessageID
		}
		msg.InReplyTo = h.InReplyTo
		msg.References = h.References
		if msg.Subject == "" {
			msg.Subject = h.Subject
		}
		if msg.Sender == "" {
			msg.Sender = h.From
		}
		if len(msg.Recipients) == 0 {
			msg.Recipients = h.Recipients
		}
		if msg.SentAt == nil {
			msg.SentAt = h.Date
		}
		if msg.ReceivedAt == nil {
			msg.ReceivedAt = parsed.Metadata.DateReceived
		}
		if parsed.HasBody {
			text, html := parsed.BodyText, parsed.BodyHTML
			msg.BodyText = &text
			if html != "" {
				msg.BodyHTML = &html
			}
			msg.Attachments = parsed.Attachments
			bodyParsed = true
		}
	}

	root := threading.Resolve(threading.Input{
		MessageID:  msg.MessageIDHeader,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		Subject:    msg.Subject,
		StableID:   msg.StableID,
	})
	msg.ThreadID = root.ThreadID()

	return db.StagedMessage{
		Message: msg,
		Thread: models.Thread{
			ID:       msg.ThreadID,
			Root:     root.Value,
			RootKind: string(root.Kind),
			Subject:  threading.NormalizeSubject(msg.Subject),
		},
		BodyParsed: bodyParsed,
	}
}
