package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/alkorolyov/dcmon/internal/observability"
)

// agentConn wraps one stream connection with its write lock; gorilla
// connections allow only one concurrent writer.
type agentConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *agentConn) writeJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub tracks live command-stream connections and the per-agent
// notifiers that wake long-pollers when a command is enqueued.
type Hub struct {
	mu        sync.Mutex
	conns     map[string]*agentConn
	notifiers map[string]chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*agentConn),
		notifiers: make(map[string]chan struct{}),
	}
}

// Notify wakes the agent's long-poller, if any, and returns the live
// stream connection so the caller can push directly.
func (h *Hub) Notify(agentID string) *agentConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.notifiers[agentID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return h.conns[agentID]
}

// Subscribe registers a notifier channel for one long-poll. The
// returned cancel must run before the poll handler exits.
func (h *Hub) Subscribe(agentID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.notifiers[agentID] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if h.notifiers[agentID] == ch {
			delete(h.notifiers, agentID)
		}
		h.mu.Unlock()
	}
}

// Register attaches a stream connection, displacing a stale one.
func (h *Hub) Register(agentID string, conn *websocket.Conn) *agentConn {
	ac := &agentConn{conn: conn}
	h.mu.Lock()
	old := h.conns[agentID]
	h.conns[agentID] = ac
	h.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	observability.StreamConnections.Inc()
	return ac
}

func (h *Hub) Unregister(agentID string, ac *agentConn) {
	h.mu.Lock()
	if h.conns[agentID] == ac {
		delete(h.conns, agentID)
	}
	h.mu.Unlock()
	observability.StreamConnections.Dec()
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*agentConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*agentConn)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}
