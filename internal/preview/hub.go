package preview

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Line is one debug line produced by the engine.
type Line struct {
	Text string
	At   time.Time
}

// Hub maintains the set of active clients and broadcasts debug lines to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	broadcast  chan Line
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	runCtx   context.Context
	runCtxMu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Line, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.setRunCtx(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdownClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case line := <-h.broadcast:
			msg := logMessage(line)
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(line.Text) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					// Slow preview clients lose lines rather than stall the engine.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues line for every client. It never blocks: when the hub is
// not running or is backed up, the line is dropped.
func (h *Hub) Broadcast(line Line) {
	select {
	case <-h.Done():
		return
	default:
	}

	select {
	case h.broadcast <- line:
	default:
	}
}

func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.Done():
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.Done():
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) setRunCtx(ctx context.Context) {
	h.runCtxMu.Lock()
	h.runCtx = ctx
	h.runCtxMu.Unlock()
}

func (h *Hub) Done() <-chan struct{} {
	h.runCtxMu.RLock()
	defer h.runCtxMu.RUnlock()
	if h.runCtx == nil {
		return nil
	}
	return h.runCtx.Done()
}

func (h *Hub) shutdownClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// workflowOf extracts the workflow id from a "workflow <id>: ..." line.
func workflowOf(line string) string {
	rest, ok := strings.CutPrefix(line, "workflow ")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return id
}
