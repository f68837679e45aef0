package api

import (
	"net/http"
	"time"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	mirrorsync "github.com/vdavid/mailmirror/internal/sync"
	"go.uber.org/zap"
)

// SyncController is the part of the poller the API drives.
type SyncController interface {
	Trigger(accountID string, mode models.SyncMode) bool
	Statuses() []mirrorsync.AccountStatus
}

// SyncHandler reports per-account sync state and queues manual syncs.
type SyncHandler struct {
	store  *db.Store
	poller SyncController
	logger *zap.Logger
}

func NewSyncHandler(store *db.Store, poller SyncController, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{store: store, poller: poller, logger: logger.Named("sync")}
}

type accountStatus struct {
	AccountID   string             `json:"account_id"`
	Status      models.SyncStatus  `json:"status"`
	State       *models.SyncState  `json:"state"`
	Polls       int                `json:"polls"`
	LastRunAt   *time.Time         `json:"last_run_at,omitempty"`
	LastReport  *models.SyncReport `json:"last_report,omitempty"`
	PollerError string             `json:"poller_error,omitempty"`
}

// GetStatus merges the persisted sync state with what this process saw.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.poller.Statuses()
	out := make([]accountStatus, 0, len(statuses))
	for _, s := range statuses {
		state, err := db.GetSyncState(r.Context(), h.store.DB, s.AccountID)
		if err != nil {
			internalError(w, h.logger, "Failed to get sync state", err)
			return
		}
		entry := accountStatus{
			AccountID:  s.AccountID,
			Status:     state.Status(),
			State:      state,
			Polls:      s.Polls,
			LastReport: s.LastReport,
		}
		if !s.LastRunAt.IsZero() {
			at := s.LastRunAt
			entry.LastRunAt = &at
		}
		if s.LastError != nil {
			entry.PollerError = s.LastError.Error()
		}
		out = append(out, entry)
	}
	WriteJSONResponse(w, h.logger, http.StatusOK, out)
}

// PostSync queues a sync for ?account=, optionally with ?mode=full|incremental.
// 202 when queued, 409 when one is already queued.
func (h *SyncHandler) PostSync(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		http.Error(w, "account query parameter is required", http.StatusBadRequest)
		return
	}

	var mode models.SyncMode
	if raw := r.URL.Query().Get("mode"); raw != "" {
		parsed, err := models.ParseSyncMode(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = parsed
	}

	known := false
	for _, s := range h.poller.Statuses() {
		if s.AccountID == account {
			known = true
			break
		}
	}
	if !known {
		http.Error(w, "Unknown account", http.StatusNotFound)
		return
	}

	if !h.poller.Trigger(account, mode) {
		http.Error(w, "A sync is already queued for this account", http.StatusConflict)
		return
	}
	h.logger.Info("Queued manual sync", zap.String("account_id", account), zap.String("mode", string(mode)))
	WriteJSONResponse(w, h.logger, http.StatusAccepted, map[string]string{"account_id": account, "mode": string(mode)})
}
