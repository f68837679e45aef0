package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vdavid/mailmirror/internal/models"
	"go.uber.org/zap"
)

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	return page, limit
}

const maxPageSize = 500

// BuildPaginationResponse builds the pagination response structure.
func BuildPaginationResponse(threads []*models.Thread, totalCount, page, limit int) *models.ThreadsResponse {
	if threads == nil {
		threads = []*models.Thread{}
	}
	return &models.ThreadsResponse{
		Threads: threads,
		Pagination: models.PaginationInfo{
			TotalCount: totalCount,
			Page:       page,
			PerPage:    limit,
		},
	}
}

// WriteJSONResponse encodes into a buffer first so a failed encode never
// leaves a half-written body. Returns false if it wrote an error instead.
func WriteJSONResponse(w http.ResponseWriter, logger *zap.Logger, status int, value any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(value); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
	return true
}

func internalError(w http.ResponseWriter, logger *zap.Logger, msg string, err error) {
	logger.Error(msg, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
