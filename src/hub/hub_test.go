package hub_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatrelay/config"
	"github.com/orchestra-mcp/chatrelay/src/hub"
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu       sync.Mutex
	written  []types.Frame
	readCh   chan types.Frame
	writeErr error
	block    chan struct{} // when set, writes wait until it is closed
	attempts int
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan types.Frame, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if f, ok := v.(types.Frame); ok {
		m.written = append(m.written, f)
	}
	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	select {
	case f := <-m.readCh:
		if ptr, ok := v.(*types.Frame); ok {
			*ptr = f
		}
		return nil
	case <-m.closedCh:
		return errors.New("connection closed")
	}
}

func (m *mockConn) WritePing() error                 { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) writeAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *mockConn) frames() []types.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]types.Frame, len(m.written))
	copy(cp, m.written)
	return cp
}

// messages returns the data of every receiveMessage frame, in arrival order.
func (m *mockConn) messages() []string {
	var out []string
	for _, f := range m.frames() {
		if f.Event == types.EventReceiveMessage {
			out = append(out, f.Data)
		}
	}
	return out
}

func (m *mockConn) send(data string) {
	m.readCh <- types.Frame{Event: types.EventSendMessage, Data: data}
}

func testConfig() *config.RelayConfig {
	cfg := config.DefaultConfig()
	cfg.MaxConnections = 16
	return cfg
}

// newTestHub creates a hub and starts its event loop in a goroutine.
func newTestHub(t *testing.T, cfg *config.RelayConfig) *hub.Hub {
	t.Helper()
	h := hub.New(cfg, zerolog.Nop())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// connect accepts a client on conn and starts both pumps.
func connect(t *testing.T, h *hub.Hub, id string, conn *mockConn) *hub.Client {
	t.Helper()
	client := hub.NewClient(id, conn, h)
	require.NoError(t, h.Accept(client))
	go client.WritePump()
	go client.ReadPump()
	return client
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestHubAcceptAndDisconnect(t *testing.T) {
	h := newTestHub(t, testConfig())

	c1 := connect(t, h, "client-1", newMockConn())
	connect(t, h, "client-2", newMockConn())

	assert.Equal(t, []string{"client-1", "client-2"}, h.ConnectedClients())
	assert.Equal(t, types.StateConnected, c1.State())

	h.Disconnect(c1)
	eventually(t, func() bool { return h.ClientCount() == 1 }, "client-1 should be removed")
	assert.Equal(t, types.StateDisconnected, c1.State())
	assert.Nil(t, h.ClientInfo("client-1"))

	// A second disconnect is a no-op.
	h.Disconnect(c1)
	eventually(t, func() bool { return h.ClientCount() == 1 }, "client-2 should remain")
}

func TestHubNewClientStartsConnecting(t *testing.T) {
	h := newTestHub(t, testConfig())
	c := hub.NewClient("fresh", newMockConn(), h)
	assert.Equal(t, types.StateConnecting, c.State())
}

func TestHubRejectsBeyondCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	h := newTestHub(t, cfg)

	connect(t, h, "a", newMockConn())
	connect(t, h, "b", newMockConn())
	assert.True(t, h.Full())

	extra := hub.NewClient("c", newMockConn(), h)
	err := h.Accept(extra)
	require.ErrorIs(t, err, types.ErrCapacityExceeded)
	assert.Equal(t, types.StateDisconnected, extra.State())
	assert.Equal(t, 2, h.ClientCount())
}

func TestHubBroadcastReachesEveryClientIncludingSender(t *testing.T) {
	h := newTestHub(t, testConfig())

	conns := []*mockConn{newMockConn(), newMockConn(), newMockConn()}
	for i, conn := range conns {
		connect(t, h, fmt.Sprintf("c%d", i+1), conn)
	}

	conns[0].send("hello")

	for i, conn := range conns {
		conn := conn
		eventually(t, func() bool { return len(conn.messages()) == 1 }, fmt.Sprintf("c%d should receive", i+1))
		assert.Equal(t, []string{"hello"}, conn.messages())
	}
}

func TestHubEchoDisabledSkipsSender(t *testing.T) {
	cfg := testConfig()
	cfg.EchoToSender = false
	h := newTestHub(t, cfg)

	sender, other := newMockConn(), newMockConn()
	connect(t, h, "sender", sender)
	connect(t, h, "other", other)

	sender.send("ping")
	eventually(t, func() bool { return len(other.messages()) == 1 }, "other should receive")

	// The sender never gets its own message.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sender.messages())
}

func TestHubPreservesPerSenderOrder(t *testing.T) {
	h := newTestHub(t, testConfig())

	a, b, c := newMockConn(), newMockConn(), newMockConn()
	connect(t, h, "a", a)
	connect(t, h, "b", b)
	connect(t, h, "c", c)

	a.send("a")
	a.send("b")

	for _, conn := range []*mockConn{a, b, c} {
		conn := conn
		eventually(t, func() bool { return len(conn.messages()) == 2 }, "all recipients get both")
		assert.Equal(t, []string{"a", "b"}, conn.messages())
	}
}

func TestHubAllRecipientsSeeSameTotalOrder(t *testing.T) {
	h := newTestHub(t, testConfig())

	a, b := newMockConn(), newMockConn()
	connect(t, h, "a", a)
	connect(t, h, "b", b)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			a.send(fmt.Sprintf("a-%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.send(fmt.Sprintf("b-%d", i))
		}
	}()
	wg.Wait()

	eventually(t, func() bool { return len(a.messages()) == 2*n && len(b.messages()) == 2*n }, "all messages delivered")
	assert.Equal(t, a.messages(), b.messages())
}

func TestHubWriteFailureIsIsolated(t *testing.T) {
	h := newTestHub(t, testConfig())

	healthy1, broken, healthy2 := newMockConn(), newMockConn(), newMockConn()
	broken.writeErr = errors.New("broken pipe")
	connect(t, h, "healthy-1", healthy1)
	connect(t, h, "broken", broken)
	connect(t, h, "healthy-2", healthy2)

	healthy1.send("one")
	healthy1.send("two")

	eventually(t, func() bool { return len(healthy2.messages()) == 2 }, "healthy-2 should receive both")
	eventually(t, func() bool { return len(healthy1.messages()) == 2 }, "healthy-1 should receive both")
	assert.Equal(t, []string{"one", "two"}, healthy1.messages())
	assert.Equal(t, []string{"one", "two"}, healthy2.messages())

	// The failing connection is torn down on its own.
	eventually(t, func() bool { return h.ClientInfo("broken") == nil }, "broken client should be removed")
	assert.Equal(t, 2, h.ClientCount())
}

func TestHubDisconnectDuringBroadcastDoesNotAffectOthers(t *testing.T) {
	h := newTestHub(t, testConfig())

	sender, leaving, staying := newMockConn(), newMockConn(), newMockConn()
	connect(t, h, "sender", sender)
	leaver := connect(t, h, "leaving", leaving)
	connect(t, h, "staying", staying)

	for i := 0; i < 10; i++ {
		sender.send(fmt.Sprintf("m%d", i))
		if i == 3 {
			h.Disconnect(leaver)
		}
	}

	eventually(t, func() bool { return len(staying.messages()) == 10 }, "staying should receive all")
	eventually(t, func() bool { return len(sender.messages()) == 10 }, "sender should receive all")
	want := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9"}
	assert.Equal(t, want, staying.messages())
	assert.Equal(t, want, sender.messages())
}

func TestHubFullQueueCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueLength = 1
	h := newTestHub(t, cfg)

	slow := newMockConn()
	slow.block = make(chan struct{})
	t.Cleanup(func() { close(slow.block) })
	connect(t, h, "slow", slow)
	fast := newMockConn()
	connect(t, h, "fast", fast)

	// The first frame is taken by the blocked write pump, the second fills
	// the queue, the third overflows.
	_, err := h.Broadcast("n0")
	require.NoError(t, err)
	eventually(t, func() bool { return slow.writeAttempts() == 1 }, "slow pump should be stuck writing")

	res, err := h.Broadcast("n1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)

	last, err := h.Broadcast("n2")
	require.NoError(t, err)
	assert.Equal(t, 2, last.Recipients)
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, 1, last.Delivered)

	eventually(t, func() bool { return len(fast.messages()) == 3 }, "fast should not be held up")
}

func TestHubAcknowledgesWhenAsked(t *testing.T) {
	h := newTestHub(t, testConfig())

	sender, other := newMockConn(), newMockConn()
	connect(t, h, "sender", sender)
	connect(t, h, "other", other)

	sender.readCh <- types.Frame{Event: types.EventSendMessage, Data: "hi", ID: "m-1"}

	eventually(t, func() bool { return len(sender.frames()) == 2 }, "sender gets echo and ack")
	frames := sender.frames()
	assert.Equal(t, types.EventReceiveMessage, frames[0].Event)
	ack := frames[1]
	assert.Equal(t, types.EventAck, ack.Event)
	assert.Equal(t, "m-1", ack.ID)
	require.NotNil(t, ack.Delivered)
	require.NotNil(t, ack.Failed)
	assert.Equal(t, 2, *ack.Delivered)
	assert.Equal(t, 0, *ack.Failed)

	// Without an id there is no ack.
	sender.send("quiet")
	eventually(t, func() bool { return len(other.messages()) == 2 }, "other gets both")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sender.frames(), 3)
}

func TestHubUnknownEventGetsErrorFrame(t *testing.T) {
	h := newTestHub(t, testConfig())

	conn := newMockConn()
	connect(t, h, "odd", conn)
	conn.readCh <- types.Frame{Event: "joinRoom", Data: "lobby"}

	eventually(t, func() bool { return len(conn.frames()) == 1 }, "error frame expected")
	assert.Equal(t, types.ErrorFrame(types.CodeUnknownEvent), conn.frames()[0])
}

func TestHubReconnectGetsNoReplay(t *testing.T) {
	h := newTestHub(t, testConfig())

	talker := newMockConn()
	connect(t, h, "talker", talker)
	first := newMockConn()
	c := connect(t, h, "listener-1", first)

	talker.send("before")
	eventually(t, func() bool { return len(first.messages()) == 1 }, "listener sees first message")

	h.Disconnect(c)
	eventually(t, func() bool { return h.ClientInfo("listener-1") == nil }, "listener removed")
	talker.send("while-away")
	eventually(t, func() bool { return len(talker.messages()) == 2 }, "talker sees its echo")

	second := newMockConn()
	connect(t, h, "listener-2", second)
	talker.send("after")

	eventually(t, func() bool { return len(second.messages()) == 1 }, "reconnected listener sees new message")
	assert.Equal(t, []string{"after"}, second.messages())
}

func TestHubStopClosesClientsAndRejectsAccept(t *testing.T) {
	h := hub.New(testConfig(), zerolog.Nop())
	go h.Run()

	conn := newMockConn()
	c := connect(t, h, "c", conn)

	h.Stop()
	h.Stop()

	eventually(t, func() bool { return c.State() == types.StateDisconnected }, "client closed on stop")
	assert.ErrorIs(t, h.Accept(hub.NewClient("late", newMockConn(), h)), types.ErrHubStopped)

	_, err := h.Broadcast("x")
	assert.ErrorIs(t, err, types.ErrHubStopped)
}

func TestHubConnectionCallbacks(t *testing.T) {
	h := newTestHub(t, testConfig())

	var mu sync.Mutex
	var connectedID, disconnectedID string
	h.OnConnection(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		connectedID = id
	})
	h.OnDisconnection(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		disconnectedID = id
	})

	client := connect(t, h, "cb-client", newMockConn())
	mu.Lock()
	assert.Equal(t, "cb-client", connectedID)
	mu.Unlock()

	h.Disconnect(client)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnectedID == "cb-client"
	}, "disconnect callback expected")
}

func TestHubClientInfo(t *testing.T) {
	h := newTestHub(t, testConfig())

	conn := newMockConn()
	client := hub.NewClient("info-client", conn, h)
	client.SetPeer("10.0.0.1:5555", "test-agent")
	require.NoError(t, h.Accept(client))
	go client.WritePump()
	go client.ReadPump()

	info := h.ClientInfo("info-client")
	require.NotNil(t, info)
	assert.Equal(t, "info-client", info.ID)
	assert.Equal(t, types.StateConnected, info.State)
	assert.Equal(t, "10.0.0.1:5555", info.RemoteAddr)
	assert.Equal(t, "test-agent", info.UserAgent)
	assert.False(t, info.ConnectedAt.IsZero())
}

type countingRecorder struct {
	mu                       sync.Mutex
	opened, closed, rejected int
	broadcasts               []types.BroadcastResult
	writeFailures            int
}

func (r *countingRecorder) ConnectionOpened()   { r.mu.Lock(); r.opened++; r.mu.Unlock() }
func (r *countingRecorder) ConnectionClosed()   { r.mu.Lock(); r.closed++; r.mu.Unlock() }
func (r *countingRecorder) ConnectionRejected() { r.mu.Lock(); r.rejected++; r.mu.Unlock() }
func (r *countingRecorder) WriteFailed()        { r.mu.Lock(); r.writeFailures++; r.mu.Unlock() }
func (r *countingRecorder) Broadcast(res types.BroadcastResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, res)
}

type recordingTap struct {
	mu     sync.Mutex
	events []types.Event
}

func (t *recordingTap) Available() bool { return true }
func (t *recordingTap) Publish(ev types.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	return nil
}

func (t *recordingTap) kinds() []types.EventKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.EventKind, 0, len(t.events))
	for _, ev := range t.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestHubReportsToRecorderAndTap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	h := hub.New(cfg, zerolog.Nop())
	rec := &countingRecorder{}
	tap := &recordingTap{}
	h.SetRecorder(rec)
	h.SetTap(tap)
	go h.Run()
	t.Cleanup(h.Stop)

	c := connect(t, h, "only", newMockConn())
	assert.ErrorIs(t, h.Accept(hub.NewClient("extra", newMockConn(), h)), types.ErrCapacityExceeded)

	res, err := h.Broadcast("announce")
	require.NoError(t, err)
	assert.Equal(t, types.BroadcastResult{Recipients: 1, Delivered: 1}, res)

	h.Disconnect(c)
	eventually(t, func() bool { return len(tap.kinds()) == 3 }, "three tap events")
	assert.Equal(t, []types.EventKind{
		types.EventKindConnected,
		types.EventKindBroadcast,
		types.EventKindDisconnected,
	}, tap.kinds())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.opened)
	assert.Equal(t, 1, rec.closed)
	assert.Equal(t, 1, rec.rejected)
	assert.Len(t, rec.broadcasts, 1)
}

func TestHubAcceptQueuesBehindReceivedMessages(t *testing.T) {
	h := newTestHub(t, testConfig())

	gate := make(chan struct{})
	h.OnConnection(func(id string) {
		if id == "gate" {
			<-gate
		}
	})

	sender := newMockConn()
	connect(t, h, "sender", sender)

	// Hold the event loop inside a connection callback.
	gated := make(chan error, 1)
	go func() { gated <- h.Accept(hub.NewClient("gate", newMockConn(), h)) }()
	eventually(t, func() bool { return h.ClientCount() == 2 }, "loop should be held by the gate callback")

	for i := 1; i <= 5; i++ {
		sender.send(fmt.Sprintf("m%d", i))
	}
	eventually(t, func() bool { return h.Pending() == 5 }, "messages should be queued")

	late := newMockConn()
	lateClient := hub.NewClient("late", late, h)
	accepted := make(chan error, 1)
	go func() { accepted <- h.Accept(lateClient) }()
	eventually(t, func() bool { return h.Pending() == 6 }, "registration should queue behind the messages")

	close(gate)
	require.NoError(t, <-gated)
	require.NoError(t, <-accepted)
	go lateClient.WritePump()
	go lateClient.ReadPump()

	sender.send("after")

	eventually(t, func() bool { return len(sender.messages()) == 6 }, "sender should see every message")
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5", "after"}, sender.messages())
	eventually(t, func() bool { return len(late.messages()) == 1 }, "late client should see the next message")
	assert.Equal(t, []string{"after"}, late.messages())
}
