package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailmirror/internal/models"
	"go.uber.org/zap"
)

// AllAccounts is the topic of subscribers that want every account's events.
const AllAccounts = ""

// Event is pushed to subscribers when a sync run ends.
type Event struct {
	Type      string             `json:"type"`
	AccountID string             `json:"account_id"`
	Outcome   string             `json:"outcome"`
	Report    *models.SyncReport `json:"report,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// SyncEvent builds the event for a finished run. Outcome is "success",
// "partial", "rejected" (another run held the lease) or "failed".
func SyncEvent(accountID string, report *models.SyncReport, err error, rejected bool) Event {
	ev := Event{Type: "sync_finished", AccountID: accountID, Report: report}
	switch {
	case rejected:
		ev.Outcome = "rejected"
	case err != nil:
		ev.Outcome = "failed"
	case report != nil:
		ev.Outcome = report.Outcome()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Client wraps a WebSocket connection. Writes are serialized because a
// connection supports one concurrent writer.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages subscribers per account topic.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]map[*Client]struct{} // topic -> set of clients
	maxPerTopic int
	logger      *zap.Logger
}

// NewHub creates a new Hub with a per-topic connection limit.
func NewHub(maxPerTopic int, logger *zap.Logger) *Hub {
	if maxPerTopic <= 0 {
		maxPerTopic = 10
	}
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		maxPerTopic: maxPerTopic,
		logger:      logger.Named("websocket"),
	}
}

// Register subscribes conn to a topic. If the topic is full, the new
// connection is closed and nil is returned.
func (h *Hub) Register(topic string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	topicClients, ok := h.clients[topic]
	if !ok {
		topicClients = make(map[*Client]struct{})
		h.clients[topic] = topicClients
	}

	if len(topicClients) >= h.maxPerTopic {
		h.logger.Warn("Too many subscribers, closing new connection",
			zap.String("topic", topic), zap.Int("max", h.maxPerTopic))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this topic"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	topicClients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(topic string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if topicClients, ok := h.clients[topic]; ok {
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, topic)
		}
	}
	_ = client.conn.Close()
}

// Send writes msg to every subscriber of the topic. Clients that fail a
// write are dropped.
func (h *Hub) Send(topic string, msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[topic]))
	for c := range h.clients[topic] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			h.logger.Debug("Dropping subscriber after failed write", zap.String("topic", topic), zap.Error(err))
			go h.Unregister(topic, client)
		}
	}
}

// Publish sends ev to the account's subscribers and to AllAccounts.
func (h *Hub) Publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	h.Send(ev.AccountID, msg)
	if ev.AccountID != AllAccounts {
		h.Send(AllAccounts, msg)
	}
}

// ActiveConnections returns the number of subscribers of a topic.
func (h *Hub) ActiveConnections(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[topic])
}
