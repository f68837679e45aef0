package api

import (
	"net/http"

	"github.com/vdavid/mailmirror/internal/db"
	"go.uber.org/zap"
)

// SearchHandler runs full-text queries over the mirror.
type SearchHandler struct {
	store  *db.Store
	logger *zap.Logger
}

func NewSearchHandler(store *db.Store, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{store: store, logger: logger.Named("search")}
}

type searchHit struct {
	StableID string  `json:"stable_id"`
	ThreadID string  `json:"thread_id"`
	Subject  string  `json:"subject"`
	Sender   string  `json:"sender"`
	Snippet  string  `json:"snippet"`
	Rank     float64 `json:"rank"`
}

type searchResponse struct {
	Query   string      `json:"query"`
	Results []searchHit `json:"results"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
}

// Search handles ?q=&account=&deleted=1&page=&limit=. An empty query
// returns no results.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := ParsePaginationParams(r, 50)

	results, err := db.Search(r.Context(), h.store.DB, db.SearchQuery{
		Text:           q.Get("q"),
		AccountID:      q.Get("account"),
		IncludeDeleted: q.Get("deleted") == "1",
		Limit:          limit,
		Offset:         (page - 1) * limit,
	})
	if err != nil {
		internalError(w, h.logger, "Failed to search", err)
		return
	}

	resp := searchResponse{Query: q.Get("q"), Results: make([]searchHit, 0, len(results)), Page: page, PerPage: limit}
	for _, res := range results {
		resp.Results = append(resp.Results, searchHit{
			StableID: res.Message.StableID,
			ThreadID: res.Message.ThreadID,
			Subject:  res.Message.Subject,
			Sender:   res.Message.Sender,
			Snippet:  res.Snippet,
			Rank:     res.Rank,
		})
	}
	WriteJSONResponse(w, h.logger, http.StatusOK, resp)
}
