package api

import (
	"net/http"

	"github.com/vdavid/mailmirror/internal/db"
	"go.uber.org/zap"
)

const defaultThreadsPerPage = 100

// ThreadsHandler lists the threads of one mailbox.
type ThreadsHandler struct {
	store  *db.Store
	logger *zap.Logger
}

func NewThreadsHandler(store *db.Store, logger *zap.Logger) *ThreadsHandler {
	return &ThreadsHandler{store: store, logger: logger.Named("threads")}
}

// GetThreads returns a page of threads with a live message in ?mailbox=,
// most recent first.
func (h *ThreadsHandler) GetThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mailboxID := r.URL.Query().Get("mailbox")
	if mailboxID == "" {
		http.Error(w, "mailbox query parameter is required", http.StatusBadRequest)
		return
	}

	page, limit := ParsePaginationParams(r, defaultThreadsPerPage)
	offset := (page - 1) * limit

	threads, err := db.GetThreadsForMailbox(ctx, h.store.DB, mailboxID, limit, offset)
	if err != nil {
		internalError(w, h.logger, "Failed to get threads", err)
		return
	}
	total, err := db.CountThreadsForMailbox(ctx, h.store.DB, mailboxID)
	if err != nil {
		internalError(w, h.logger, "Failed to count threads", err)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, BuildPaginationResponse(threads, total, page, limit))
}
