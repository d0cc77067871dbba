package hub

import (
	"sort"

	"github.com/orchestra-mcp/chatrelay/src/types"
)

// OnConnection registers a callback for new connections. Callbacks run on
// the event loop and must not call back into the hub.
func (h *Hub) OnConnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections. Same rules as
// OnConnection.
func (h *Hub) OnDisconnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// ConnectedClients returns the ids of connected clients, sorted.
func (h *Hub) ConnectedClients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(clientID string) *types.ClientInfo {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	info := client.Info()
	return &info
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Full reports whether the registry has reached MaxConnections. It is a
// hint for refusing an upgrade early; Accept makes the binding decision.
func (h *Hub) Full() bool {
	return h.ClientCount() >= h.cfg.MaxConnections
}

// MaxConnections returns the configured registry bound.
func (h *Hub) MaxConnections() int {
	return h.cfg.MaxConnections
}
