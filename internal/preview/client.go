package preview

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	idleTimeout    = 60 * time.Second
	pingEvery      = idleTimeout * 9 / 10
	maxInboundSize = 1024
	sendBuffer     = 256
	sseHeartbeat   = 15 * time.Second
)

// Client is one attached preview viewer. Websocket viewers have conn set;
// SSE viewers only drain send.
type Client struct {
	hub    *Hub
	logger *slog.Logger
	conn   *websocket.Conn
	send   chan BaseMessage

	mu       sync.Mutex
	workflow string
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{hub: hub, conn: conn, logger: logger, send: make(chan BaseMessage, sendBuffer)}
}

func (c *Client) wants(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workflow == "" || workflowOf(line) == c.workflow
}

func (c *Client) setWorkflow(id string) {
	c.mu.Lock()
	c.workflow = id
	c.mu.Unlock()
}

// respond computes the reply to one inbound frame.
func (c *Client) respond(raw []byte) BaseMessage {
	var msg BaseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorMessage("", "bad_request", "invalid message")
	}

	switch msg.Type {
	case TypeSubscribe:
		var sub SubscribePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &sub); err != nil {
				return errorMessage(msg.ID, "bad_request", err.Error())
			}
		}
		c.setWorkflow(sub.WorkflowID)
		c.logger.Info("Preview filter changed", "workflow_id", sub.WorkflowID)
		return BaseMessage{ID: msg.ID, Type: TypeSubscribeAck}
	default:
		return errorMessage(msg.ID, "unknown_type", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// reply queues msg; a full buffer drops it.
func (c *Client) reply(msg BaseMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) extendRead() {
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
}

func (c *Client) writeJSON(msg BaseMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Client) writeControl(kind int) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(kind, nil)
}

// readLoop is the only reader of conn. It unregisters the client on exit,
// which closes send and stops writeLoop.
func (c *Client) readLoop() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	c.extendRead()
	c.conn.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})
	c.logger.Info("Preview connection established")

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Preview connection closed unexpectedly", "error", err)
			} else {
				c.logger.Info("Preview connection closed")
			}
			return
		}
		c.reply(c.respond(raw))
	}
}

// writeLoop is the only writer of conn.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.writeControl(websocket.CloseMessage)
				return
			}
			if err := c.writeJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches a preview client.
func ServeWs(hub *Hub, upgrader *websocket.Upgrader, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Preview upgrade failed", "error", err)
		return
	}
	client := newClient(hub, conn, logger)
	if !hub.Register(client) {
		conn.Close()
		return
	}

	go client.writeLoop()
	go client.readLoop()
}

// ServeSSE streams preview lines as Server-Sent Events. The optional
// workflow query parameter filters lines.
func ServeSSE(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := newClient(hub, nil, logger)
	client.setWorkflow(r.URL.Query().Get("workflow"))
	if !hub.Register(client) {
		http.Error(w, "Preview is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer hub.Unregister(client)
	logger.Info("Preview SSE connection established", "workflow_id", r.URL.Query().Get("workflow"))

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case message, ok := <-client.send:
			if !ok {
				return
			}
			data, err := json.Marshal(message)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Warn("Preview SSE write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
