package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/metrics"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/parser"
	"go.uber.org/zap"
)

// ErrBodyUnavailable means the source no longer has (or never downloaded)
// the message file.
var ErrBodyUnavailable = errors.New("message body is not available at the source")

// FetchBody returns the message with its body, parsing it from the source
// on first use. A body already in the mirror is returned as is.
func (s *Service) FetchBody(ctx context.Context, stableID string) (*models.Message, error) {
	msg, err := db.GetMessage(ctx, s.store.DB, stableID)
	if err != nil {
		return nil, err
	}
	if msg.HasBody() {
		metrics.RecordBodyFetch("cached")
		return msg, nil
	}

	log := s.logger.With(zap.String("stable_id", stableID), zap.String("path", msg.SourcePath))
	if msg.SourcePath == "" {
		metrics.RecordBodyFetch("unavailable")
		return nil, ErrBodyUnavailable
	}

	raw, err := s.source.ReadRaw(ctx, msg.SourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.RecordBodyFetch("unavailable")
			return nil, fmt.Errorf("%w: %s", ErrBodyUnavailable, msg.SourcePath)
		}
		metrics.RecordBodyFetch("error")
		return nil, err
	}

	parsed, err := parser.Parse(msg.SourcePath, raw)
	if err != nil {
		metrics.RecordBodyFetch("error")
		log.Warn("Failed to parse message body", zap.Error(err))
		return nil, err
	}

	err = s.store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return db.SaveBody(ctx, tx, stableID, parsed.BodyText, parsed.BodyHTML, parsed.Attachments, s.opts.Now())
	})
	if err != nil {
		metrics.RecordBodyFetch("error")
		return nil, err
	}
	metrics.RecordBodyFetch("fetched")
	log.Debug("Fetched message body", zap.Int("attachments", len(parsed.Attachments)))

	return db.GetMessage(ctx, s.store.DB, stableID)
}
