package hub

import (
	"github.com/orchestra-mcp/chatrelay/src/types"
)

// fanOut delivers f to every registered connection. A recipient that cannot
// take the frame counts as a failure and is skipped; it never holds up the
// rest of the fan-out. Runs on the event loop only.
func (h *Hub) fanOut(from *Client, f types.Frame) types.BroadcastResult {
	out := types.Frame{Event: types.EventReceiveMessage, Data: f.Data}

	h.mu.RLock()
	// Copy recipients to avoid holding the lock during sends.
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c == from && !h.cfg.EchoToSender {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	res := types.BroadcastResult{Recipients: len(targets)}
	for _, c := range targets {
		if c.enqueue(out) {
			res.Delivered++
			continue
		}
		res.Failed++
		c.logger.Warn().Msg("send queue full or closed, dropping")
	}

	if from != nil && f.ID != "" {
		if !from.enqueue(types.AckFrame(f.ID, res)) {
			from.logger.Debug().Str("ack_id", f.ID).Msg("ack dropped")
		}
	}

	h.rec().Broadcast(res)
	h.emit(types.Event{
		Kind:       types.EventKindBroadcast,
		ClientID:   senderID(from),
		Recipients: res.Recipients,
		Delivered:  res.Delivered,
		Failed:     res.Failed,
	})
	h.logger.Debug().
		Str("from", senderID(from)).
		Int("recipients", res.Recipients).
		Int("failed", res.Failed).
		Msg("broadcast")
	return res
}

func senderID(c *Client) string {
	if c == nil {
		return ""
	}
	return c.ID
}
