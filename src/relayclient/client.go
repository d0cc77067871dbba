// Package relayclient holds one long-lived session to the relay and keeps
// an append-only, arrival-ordered list of received messages.
package relayclient

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatrelay/src/store"
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/rs/zerolog"
)

// Status is the session state shown to the user.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusRejected     Status = "rejected"
	StatusClosed       Status = "closed"
)

// View is an immutable snapshot of the client state.
type View struct {
	Status   Status
	Messages []string
	// LastDelivery is the most recent acknowledgement, when acks are on.
	LastDelivery *types.BroadcastResult
	// Err is set when the session ended for good.
	Err error
}

// Config holds client settings.
type Config struct {
	URL          string
	Outbox       int           // pending send queue depth, default 64
	WriteTimeout time.Duration // per-frame write deadline, default 10s
	MinBackoff   time.Duration // first reconnect delay, default 250ms
	MaxBackoff   time.Duration // reconnect delay cap, default 10s
	// MaxReconnect bounds the total time spent reconnecting after a drop.
	// Zero retries forever.
	MaxReconnect time.Duration
	// RequestAcks asks the relay to acknowledge every send.
	RequestAcks bool
	Dialer      *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.Outbox <= 0 {
		c.Outbox = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Client is one relay session. Construct it with New, start it with
// Connect, and always release it with Close.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	state  *store.Store[View]
	outbox chan types.Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex // orders session start against Close
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates an unconnected client.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "relay-client").Logger(),
		state:  store.New(View{Status: StatusIdle}),
		outbox: make(chan types.Frame, cfg.Outbox),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect opens the session. A rejection or a failed first dial is
// returned directly; drops after that are retried in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.started.Store(false)
		if IsRejected(err) {
			c.setStatus(StatusRejected, err)
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		conn.Close()
		return ErrClosed
	}
	c.setStatus(StatusConnected, nil)
	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// Send queues message for delivery iff it is non-empty after trimming
// whitespace. Empty messages report false with no error. Sends made while
// reconnecting wait in the outbox.
func (c *Client) Send(message string) (bool, error) {
	if strings.TrimSpace(message) == "" {
		return false, nil
	}
	if c.ctx.Err() != nil {
		return false, ErrClosed
	}
	if v := c.state.Get(); v.Status == StatusRejected {
		return false, v.Err
	}

	f := types.Frame{Event: types.EventSendMessage, Data: message}
	if c.cfg.RequestAcks {
		f.ID = uuid.NewString()
	}
	select {
	case c.outbox <- f:
		return true, nil
	default:
		return false, ErrOutboxFull
	}
}

// View returns the current state snapshot.
func (c *Client) View() View { return c.state.Get() }

// Messages returns the received messages in arrival order.
func (c *Client) Messages() []string { return c.state.Get().Messages }

// Subscribe registers handler for state changes. Call the returned function
// on teardown.
func (c *Client) Subscribe(handler func(View)) (unsubscribe func()) {
	return c.state.Subscribe(handler)
}

// Close ends the session and waits for its goroutines. Safe to call more
// than once and before Connect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()
		c.wg.Wait()
		c.state.Update(func(v View) View {
			if v.Status != StatusRejected {
				v.Status = StatusClosed
			}
			return v
		})
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, classifyDial(err, resp)
	}
	return conn, nil
}

// run supervises the session: serve until it ends, then either reconnect
// with backoff or stop for good.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = c.cfg.MaxReconnect

	for {
		err := classifySession(c.serve(conn))
		if c.ctx.Err() != nil {
			return
		}
		if IsRejected(err) {
			c.logger.Warn().Err(err).Msg("session rejected")
			c.setStatus(StatusRejected, err)
			return
		}

		c.logger.Info().Err(err).Msg("session dropped, reconnecting")
		c.setStatus(StatusReconnecting, nil)

		conn, err = c.reconnect(b)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("giving up")
				c.setStatus(statusFor(err), err)
			}
			return
		}
		c.setStatus(StatusConnected, nil)
	}
}

func (c *Client) reconnect(b *backoff.ExponentialBackOff) (*websocket.Conn, error) {
	b.Reset()
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, ErrTransientDisconnect
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return nil, ErrClosed
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn, nil
		}
		if IsRejected(err) {
			return nil, err
		}
		c.logger.Debug().Err(err).Dur("waited", wait).Msg("reconnect attempt failed")
	}
}

// serve pumps one connection until it fails or the client closes. Reads
// run in their own goroutine; writes happen here.
func (c *Client) serve(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	for {
		select {
		case f := <-c.outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				conn.Close()
				<-readErr
				return err
			}
		case err := <-readErr:
			conn.Close()
			return err
		case <-c.ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
			<-readErr
			return c.ctx.Err()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var f types.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Event {
		case types.EventReceiveMessage:
			c.onReceive(f.Data)
		case types.EventAck:
			c.onAck(f)
		case types.EventError:
			if err := rejectionFromFrame(f); err != nil {
				return err
			}
			c.logger.Warn().Str("code", f.Data).Msg("relay reported an error")
		default:
			c.logger.Debug().Str("event", f.Event).Msg("ignoring unknown event")
		}
	}
}

// onReceive appends msg to the message list. The slice is clipped first so
// earlier snapshots never share a backing array with later ones.
func (c *Client) onReceive(msg string) {
	c.state.Update(func(v View) View {
		v.Messages = append(slices.Clip(v.Messages), msg)
		return v
	})
}

func (c *Client) onAck(f types.Frame) {
	res := types.BroadcastResult{}
	if f.Delivered != nil {
		res.Delivered = *f.Delivered
	}
	if f.Failed != nil {
		res.Failed = *f.Failed
	}
	res.Recipients = res.Delivered + res.Failed
	c.state.Update(func(v View) View {
		v.LastDelivery = &res
		return v
	})
}

func (c *Client) setStatus(s Status, err error) {
	c.state.Update(func(v View) View {
		v.Status = s
		v.Err = err
		return v
	})
}

func statusFor(err error) Status {
	if IsRejected(err) {
		return StatusRejected
	}
	return StatusClosed
}
