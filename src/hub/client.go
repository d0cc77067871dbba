package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/rs/zerolog"
)

// Client wraps a WebSocket connection and manages message flow.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	send        chan types.Frame
	connectedAt time.Time
	remoteAddr  string
	userAgent   string
	state       atomic.Int32
	logger      zerolog.Logger
	mu          sync.Mutex
	done        chan struct{}
	closed      bool
}

// NewClient creates a new WebSocket client wrapper in the Connecting state.
func NewClient(id string, conn types.Conn, h *Hub) *Client {
	c := &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		send:        make(chan types.Frame, h.cfg.SendQueueLength),
		connectedAt: time.Now(),
		logger:      h.logger.With().Str("client_id", id).Logger(),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(types.StateConnecting))
	return c
}

// SetPeer records transport metadata shown in ClientInfo.
func (c *Client) SetPeer(remoteAddr, userAgent string) {
	c.remoteAddr = remoteAddr
	c.userAgent = userAgent
}

// State returns the current lifecycle state.
func (c *Client) State() types.State {
	return types.State(c.state.Load())
}

// setState moves the client forward. Disconnected is terminal.
func (c *Client) setState(s types.State) {
	for {
		cur := c.state.Load()
		if types.State(cur) == types.StateDisconnected || types.State(cur) >= s {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	return types.ClientInfo{
		ID:          c.ID,
		State:       c.State(),
		ConnectedAt: c.connectedAt,
		RemoteAddr:  c.remoteAddr,
		UserAgent:   c.userAgent,
	}
}

// enqueue places a frame on the outbound queue without blocking. It reports
// false when the queue is full or the client is closed.
func (c *Client) enqueue(f types.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the WebSocket and hands messages to the hub.
// It returns when the transport fails or closes, and always unregisters the
// client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	for {
		var f types.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if isDecodeError(err) {
				c.logger.Debug().Err(err).Msg("malformed frame")
				c.enqueue(types.ErrorFrame(types.CodeBadFrame))
				continue
			}
			c.logger.Debug().Err(err).Msg("read ended")
			return
		}

		switch f.Event {
		case types.EventSendMessage:
			if !c.hub.receive(c, f) {
				return
			}
		default:
			c.logger.Debug().Str("event", f.Event).Msg("unknown event")
			c.enqueue(types.ErrorFrame(types.CodeUnknownEvent))
		}
	}
}

// WritePump writes queued frames to the WebSocket and pings periodically.
// Every write carries a deadline so one stalled peer cannot hold its pump
// forever.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.hub.rec().WriteFailed()
				c.logger.Warn().Err(err).Str("event", f.Event).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WritePing(); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.setState(types.StateDisconnected)
		close(c.done)
		close(c.send)
	}
}

func isDecodeError(err error) bool {
	var decodeErr *types.DecodeError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &decodeErr) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
