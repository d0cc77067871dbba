package providers

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatrelay/src/hub"
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	wsPath      = "/ws"
	metricsPath = "/metrics"
)

// RegisterRoutes registers the info, health and admin routes via Fiber.
// The WebSocket upgrade itself goes through Handler, since Fiber v3 does
// not expose *fasthttp.RequestCtx.
func (p *RelayProvider) RegisterRoutes(app *fiber.App) {
	app.Use(cors.New())
	app.Get("/healthz", p.handleHealth)

	group := app.Group("/api")
	group.Get("/ws/info", p.handleInfo)
	p.registerAdminRoutes(group)
}

func (p *RelayProvider) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (p *RelayProvider) handleInfo(c fiber.Ctx) error {
	stats := p.service.Stats()
	return c.JSON(fiber.Map{
		"websocket":       true,
		"endpoint":        wsPath,
		"clients":         stats.Clients,
		"max_connections": stats.MaxConnections,
		"echo_to_sender":  p.cfg.EchoToSender,
	})
}

// Handler returns the fasthttp handler for the whole relay: WebSocket
// upgrades, Prometheus metrics and everything else through Fiber.
func (p *RelayProvider) Handler() fasthttp.RequestHandler {
	appHandler := p.app.Handler()
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}),
	)
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case wsPath:
			p.handleUpgrade(ctx)
		case metricsPath:
			metricsHandler(ctx)
		default:
			appHandler(ctx)
		}
	}
}

func (p *RelayProvider) handleUpgrade(ctx *fasthttp.RequestCtx) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	// Cheap early refusal; Accept below makes the binding decision.
	if p.hub.Full() {
		p.recorder.ConnectionRejected()
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"` + types.CodeCapacityExceeded + `"}`)
		return
	}

	clientID := uuid.New().String()
	remoteAddr := ctx.RemoteAddr().String()
	userAgent := string(ctx.UserAgent())
	h := p.hub
	logger := p.logger

	err := p.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		wc := newFasthttpConn(conn, p.cfg.MaxMessageSize, p.cfg.PongWait)
		client := hub.NewClient(clientID, wc, h)
		client.SetPeer(remoteAddr, userAgent)
		if err := h.Accept(client); err != nil {
			logger.Warn().Err(err).Str("client_id", clientID).Msg("connection refused")
			wc.refuse(err, p.cfg.WriteTimeout)
			return
		}
		go client.WritePump()
		client.ReadPump()
	})
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// fasthttpConn wraps fasthttp/websocket.Conn to satisfy types.Conn. Reads
// are bounded by a size limit and a pong-extended deadline.
type fasthttpConn struct {
	conn *websocket.Conn
}

func newFasthttpConn(conn *websocket.Conn, readLimit int64, pongWait time.Duration) *fasthttpConn {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &fasthttpConn{conn: conn}
}

func (f *fasthttpConn) WriteJSON(v any) error { return f.conn.WriteJSON(v) }

// ReadJSON reads one whole message before decoding it, so a malformed
// payload surfaces as *types.DecodeError and a transport failure does not.
func (f *fasthttpConn) ReadJSON(v any) error {
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &types.DecodeError{Err: err}
	}
	return nil
}

func (f *fasthttpConn) WritePing() error {
	return f.conn.WriteMessage(websocket.PingMessage, nil)
}
func (f *fasthttpConn) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *fasthttpConn) Close() error                       { return f.conn.Close() }

// refuse tells a peer that lost the capacity race why, then closes.
func (f *fasthttpConn) refuse(err error, timeout time.Duration) {
	defer f.conn.Close()

	deadline := time.Now().Add(timeout)
	_ = f.conn.SetWriteDeadline(deadline)

	code, reason := websocket.CloseGoingAway, "relay shutting down"
	if errors.Is(err, types.ErrCapacityExceeded) {
		_ = f.conn.WriteJSON(types.ErrorFrame(types.CodeCapacityExceeded))
		code, reason = websocket.CloseTryAgainLater, types.CodeCapacityExceeded
	}
	_ = f.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
