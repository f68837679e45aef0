package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"go.uber.org/zap"
)

// BodyFetcher loads a message body from the source on demand.
type BodyFetcher interface {
	FetchBody(ctx context.Context, stableID string) (*models.Message, error)
}

// ThreadHandler serves one thread with its messages.
type ThreadHandler struct {
	store  *db.Store
	bodies BodyFetcher
	logger *zap.Logger
}

func NewThreadHandler(store *db.Store, bodies BodyFetcher, logger *zap.Logger) *ThreadHandler {
	return &ThreadHandler{store: store, bodies: bodies, logger: logger.Named("thread")}
}

// GetThread handles /api/v1/thread/{thread_id}. Live messages without a
// body get it fetched first; a fetch failure leaves that body empty.
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	threadID := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/thread/"), "/")[0]
	if threadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	thread, err := db.GetThread(ctx, h.store.DB, threadID)
	if errors.Is(err, db.ErrThreadNotFound) {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, h.logger, "Failed to get thread", err)
		return
	}

	if h.bodies != nil {
		for i := range thread.Messages {
			msg := &thread.Messages[i]
			if msg.IsDeleted || msg.HasBody() {
				continue
			}
			fetched, err := h.bodies.FetchBody(ctx, msg.StableID)
			if err != nil {
				h.logger.Debug("Body not fetched", zap.String("stable_id", msg.StableID), zap.Error(err))
				continue
			}
			*msg = *fetched
		}
	}
	if thread.Messages == nil {
		thread.Messages = []models.Message{}
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, thread)
}
