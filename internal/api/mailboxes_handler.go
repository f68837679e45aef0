package api

import (
	"net/http"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"go.uber.org/zap"
)

// MailboxesHandler lists mirrored mailboxes.
type MailboxesHandler struct {
	store  *db.Store
	logger *zap.Logger
}

func NewMailboxesHandler(store *db.Store, logger *zap.Logger) *MailboxesHandler {
	return &MailboxesHandler{store: store, logger: logger.Named("mailboxes")}
}

// GetMailboxes returns the mailboxes of ?account=, ordered by source row id.
func (h *MailboxesHandler) GetMailboxes(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		http.Error(w, "account query parameter is required", http.StatusBadRequest)
		return
	}

	mailboxes, err := db.ListMailboxes(r.Context(), h.store.DB, account)
	if err != nil {
		internalError(w, h.logger, "Failed to list mailboxes", err)
		return
	}
	if mailboxes == nil {
		mailboxes = []*models.Mailbox{}
	}
	WriteJSONResponse(w, h.logger, http.StatusOK, mailboxes)
}
