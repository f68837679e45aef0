package api

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdavid/mailmirror/internal/auth"
	"github.com/vdavid/mailmirror/internal/db"
	ws "github.com/vdavid/mailmirror/internal/websocket"
	"go.uber.org/zap"
)

// NewServer wires the local query API and the metrics endpoint. Mirrored
// mail is read-only; only annotations and sync triggers write. Bind it to
// loopback. A non-empty
// token guards /api/v1; /metrics stays open for scrapers. A nil hub
// disables /api/v1/ws.
func NewServer(store *db.Store, bodies BodyFetcher, poller SyncController, hub *ws.Hub, token string, logger *zap.Logger) http.Handler {
	mailboxesHandler := NewMailboxesHandler(store, logger)
	threadsHandler := NewThreadsHandler(store, logger)
	threadHandler := NewThreadHandler(store, bodies, logger)
	searchHandler := NewSearchHandler(store, logger)
	syncHandler := NewSyncHandler(store, poller, logger)
	metadataHandler := NewMetadataHandler(store, logger)

	apiMux := http.NewServeMux()
	apiMux.Handle("/api/v1/mailboxes", method(http.MethodGet, mailboxesHandler.GetMailboxes))
	apiMux.Handle("/api/v1/threads", method(http.MethodGet, threadsHandler.GetThreads))
	apiMux.Handle("/api/v1/thread/", method(http.MethodGet, threadHandler.GetThread))
	apiMux.Handle("/api/v1/message/", metadataHandler)
	apiMux.Handle("/api/v1/search", method(http.MethodGet, searchHandler.Search))
	apiMux.Handle("/api/v1/sync", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			syncHandler.GetStatus(w, r)
		case http.MethodPost:
			syncHandler.PostSync(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	if hub != nil {
		apiMux.Handle("/api/v1/ws", http.HandlerFunc(NewWebSocketHandler(hub, logger).Handle))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/v1/", auth.RequireToken(token, logger, apiMux))

	return mux
}

func method(allowed string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != allowed {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailmirror is running")
}
