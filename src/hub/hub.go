package hub

import (
	"sync"
	"time"

	"github.com/orchestra-mcp/chatrelay/config"
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/rs/zerolog"
)

// EventTap mirrors relay lifecycle events to an external sink.
// Defined here to avoid circular imports with the tap package.
type EventTap interface {
	Publish(ev types.Event) error
	Available() bool
}

// Recorder receives relay counters. Defined here so the hub does not depend
// on a metrics backend.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected()
	Broadcast(res types.BroadcastResult)
	WriteFailed()
}

// Hub owns the connection registry and fans every inbound message out to
// all registered connections. A single event loop serializes registration,
// removal and broadcast, so broadcasts are totally ordered by arrival.
type Hub struct {
	cfg     *config.RelayConfig
	clients map[string]*Client

	// ops carries registrations, removals and messages in arrival order.
	ops chan op

	onConnect []func(string)
	onDisconn []func(string)

	tap      EventTap
	recorder Recorder
	mu       sync.RWMutex
	logger   zerolog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opMessage
)

// op is one unit of work for the event loop. from is nil for
// server-originated broadcasts.
type op struct {
	kind   opKind
	client *Client
	frame  types.Frame
	result chan error
	reply  chan types.BroadcastResult
}

// New creates a new Hub instance.
func New(cfg *config.RelayConfig, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		clients:  make(map[string]*Client),
		ops:      make(chan op, 256),
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "hub").Logger(),
		done:     make(chan struct{}),
	}
}

// SetTap attaches an event tap. Events are published from the event loop,
// so Publish must not block.
func (h *Hub) SetTap(t EventTap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tap = t
}

// SetRecorder attaches a metrics recorder.
func (h *Hub) SetRecorder(r Recorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r == nil {
		r = nopRecorder{}
	}
	h.recorder = r
}

// Run starts the hub event loop. Call in a goroutine. When the hub is
// stopped every remaining connection is closed.
func (h *Hub) Run() {
	for {
		select {
		case o := <-h.ops:
			h.handle(o)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) handle(o op) {
	switch o.kind {
	case opRegister:
		o.result <- h.addClient(o.client)
	case opUnregister:
		h.removeClient(o.client)
	case opMessage:
		res := h.fanOut(o.client, o.frame)
		if o.reply != nil {
			o.reply <- res
		}
	}
}

// submit queues o behind everything already received. It reports false
// once the hub is stopped.
func (h *Hub) submit(o op) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ops <- o:
		return true
	case <-h.done:
		return false
	}
}

// Stop halts the hub event loop. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Accept registers a connection. It returns types.ErrCapacityExceeded when
// the registry is full and types.ErrHubStopped after Stop. The connection
// only sees messages that arrive after its registration.
func (h *Hub) Accept(c *Client) error {
	result := make(chan error, 1)
	if !h.submit(op{kind: opRegister, client: c, result: result}) {
		return types.ErrHubStopped
	}
	select {
	case err := <-result:
		return err
	case <-h.done:
		return types.ErrHubStopped
	}
}

// Disconnect queues a connection for removal. Removing a connection that is
// not registered is a no-op.
func (h *Hub) Disconnect(c *Client) {
	h.submit(op{kind: opUnregister, client: c})
}

// Broadcast fans a server-originated message out to every connection and
// waits for the delivery summary.
func (h *Hub) Broadcast(data string) (types.BroadcastResult, error) {
	reply := make(chan types.BroadcastResult, 1)
	ok := h.submit(op{
		kind:  opMessage,
		frame: types.Frame{Event: types.EventReceiveMessage, Data: data},
		reply: reply,
	})
	if !ok {
		return types.BroadcastResult{}, types.ErrHubStopped
	}
	select {
	case res := <-reply:
		return res, nil
	case <-h.done:
		return types.BroadcastResult{}, types.ErrHubStopped
	}
}

// receive hands a client message to the event loop. It reports false once
// the hub is stopped.
func (h *Hub) receive(from *Client, f types.Frame) bool {
	return h.submit(op{kind: opMessage, client: from, frame: f})
}

func (h *Hub) addClient(c *Client) error {
	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		c.setState(types.StateDisconnected)
		h.rec().ConnectionRejected()
		h.logger.Warn().
			Str("client_id", c.ID).
			Int("max_connections", h.cfg.MaxConnections).
			Msg("connection rejected, registry full")
		return types.ErrCapacityExceeded
	}
	h.clients[c.ID] = c
	c.setState(types.StateConnected)
	h.mu.Unlock()

	h.rec().ConnectionOpened()
	h.logger.Info().Str("client_id", c.ID).Str("remote_addr", c.remoteAddr).Msg("client connected")
	h.emit(types.Event{Kind: types.EventKindConnected, ClientID: c.ID})

	h.mu.RLock()
	cbs := h.onConnect
	h.mu.RUnlock()
	for _, cb := range cbs {
		cb(c.ID)
	}
	return nil
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	h.mu.Unlock()

	c.Close()
	h.rec().ConnectionClosed()
	h.logger.Info().
		Str("client_id", c.ID).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("client disconnected")
	h.emit(types.Event{Kind: types.EventKindDisconnected, ClientID: c.ID})

	h.mu.RLock()
	cbs := h.onDisconn
	h.mu.RUnlock()
	for _, cb := range cbs {
		cb(c.ID)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.removeClient(c)
	}
}

func (h *Hub) emit(ev types.Event) {
	h.mu.RLock()
	t := h.tap
	h.mu.RUnlock()

	if t == nil || !t.Available() {
		return
	}
	ev.At = time.Now()
	if err := t.Publish(ev); err != nil {
		h.logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("tap publish failed")
	}
}

func (h *Hub) rec() Recorder {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recorder
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()                 {}
func (nopRecorder) ConnectionClosed()                 {}
func (nopRecorder) ConnectionRejected()               {}
func (nopRecorder) Broadcast(_ types.BroadcastResult) {}
func (nopRecorder) WriteFailed()                      {}
