package hub

// Pending returns the number of operations waiting for the event loop.
func (h *Hub) Pending() int { return len(h.ops) }
