package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"go.uber.org/zap"
)

// MetadataResponse is the annotation view of one message.
type MetadataResponse struct {
	Metadata   *models.MessageMetadata `json:"metadata"`
	Attributes map[string]string       `json:"attributes"`
}

// MetadataRequest replaces the typed annotations. Attributes are merged;
// an empty value removes the key.
type MetadataRequest struct {
	Note         string            `json:"note"`
	Pinned       bool              `json:"pinned"`
	SnoozedUntil *time.Time        `json:"snoozed_until"`
	FollowUpAt   *time.Time        `json:"follow_up_at"`
	Attributes   map[string]string `json:"attributes"`
}

// MetadataHandler serves the user annotations kept beside mirrored messages.
type MetadataHandler struct {
	store  *db.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewMetadataHandler(store *db.Store, logger *zap.Logger) *MetadataHandler {
	return &MetadataHandler{store: store, now: time.Now, logger: logger.Named("metadata")}
}

// ServeHTTP handles GET and PUT on /api/v1/message/{stable_id}/metadata.
func (h *MetadataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stableID, ok := metadataTarget(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, stableID)
	case http.MethodPut:
		h.put(w, r, stableID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func metadataTarget(path string) (string, bool) {
	rest := strings.TrimPrefix(path, "/api/v1/message/")
	stableID, suffix, found := strings.Cut(rest, "/")
	if !found || suffix != "metadata" || stableID == "" {
		return "", false
	}
	return stableID, true
}

func (h *MetadataHandler) get(w http.ResponseWriter, r *http.Request, stableID string) {
	ctx := r.Context()

	if _, err := db.GetMessage(ctx, h.store.DB, stableID); err != nil {
		h.notFoundOrError(w, err)
		return
	}
	resp, err := h.load(ctx, h.store.DB, stableID)
	if err != nil {
		internalError(w, h.logger, "Failed to load metadata", err)
		return
	}
	WriteJSONResponse(w, h.logger, http.StatusOK, resp)
}

func (h *MetadataHandler) put(w http.ResponseWriter, r *http.Request, stableID string) {
	ctx := r.Context()

	var req MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	for key := range req.Attributes {
		if strings.TrimSpace(key) == "" {
			http.Error(w, "attribute keys must not be empty", http.StatusBadRequest)
			return
		}
	}

	var resp *MetadataResponse
	err := h.store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		now := h.now()
		meta := &models.MessageMetadata{
			StableID:     stableID,
			Note:         req.Note,
			Pinned:       req.Pinned,
			SnoozedUntil: req.SnoozedUntil,
			FollowUpAt:   req.FollowUpAt,
		}
		if err := db.SaveMetadata(ctx, tx, meta, now); err != nil {
			return err
		}
		for key, value := range req.Attributes {
			var err error
			if value == "" {
				err = db.DeleteAttribute(ctx, tx, stableID, key)
			} else {
				err = db.SetAttribute(ctx, tx, stableID, key, value, now)
			}
			if err != nil {
				return err
			}
		}
		var err error
		resp, err = h.load(ctx, tx, stableID)
		return err
	})
	if err != nil {
		h.notFoundOrError(w, err)
		return
	}
	WriteJSONResponse(w, h.logger, http.StatusOK, resp)
}

func (h *MetadataHandler) load(ctx context.Context, q sqlx.QueryerContext, stableID string) (*MetadataResponse, error) {
	meta, err := db.GetMetadata(ctx, q, stableID)
	if err != nil {
		return nil, err
	}
	attrs, err := db.GetAttributes(ctx, q, stableID)
	if err != nil {
		return nil, err
	}
	return &MetadataResponse{Metadata: meta, Attributes: attrs}, nil
}

func (h *MetadataHandler) notFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrMessageNotFound) {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	if db.IsLockContentionError(err) {
		h.logger.Warn("Mirror store busy", zap.Error(err))
		http.Error(w, "Mirror store is busy, try again", http.StatusServiceUnavailable)
		return
	}
	internalError(w, h.logger, "Failed to handle metadata", err)
}
