package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	ws "github.com/vdavid/mailmirror/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler streams sync events on /api/v1/ws.
type WebSocketHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

func NewWebSocketHandler(hub *ws.Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger.Named("ws")}
}

var wsUpgrader = websocket.Upgrader{
	// The API only listens on loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle subscribes the connection to ?account= (every account when empty).
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("account")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.Register(topic, conn)
	if client == nil {
		return
	}
	h.logger.Debug("Subscriber connected", zap.String("account_id", topic))

	go h.readLoop(topic, client)
}

// readLoop drains the connection until the peer goes away.
func (h *WebSocketHandler) readLoop(topic string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(topic, client)
}
