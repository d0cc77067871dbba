package providers

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/chatrelay/config"
	"github.com/orchestra-mcp/chatrelay/src/hub"
	"github.com/orchestra-mcp/chatrelay/src/metrics"
	"github.com/orchestra-mcp/chatrelay/src/service"
	"github.com/orchestra-mcp/chatrelay/src/tap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Options tunes what Activate wires in.
type Options struct {
	// Tap enables the Redis event tap. Nil leaves it off.
	Tap *tap.RedisConfig
}

// RelayProvider owns the relay's hub, service, HTTP surface and optional tap.
type RelayProvider struct {
	active   atomic.Bool
	cfg      *config.RelayConfig
	opts     Options
	logger   zerolog.Logger
	hub      *hub.Hub
	service  *service.Service
	tap      tap.Tap
	registry *prometheus.Registry
	recorder *metrics.Recorder
	app      *fiber.App
	server   *fasthttp.Server
	upgrader websocket.FastHTTPUpgrader
}

// NewRelayProvider creates a new relay provider instance.
func NewRelayProvider(cfg *config.RelayConfig, opts Options, logger zerolog.Logger) *RelayProvider {
	return &RelayProvider{cfg: cfg, opts: opts, logger: logger}
}

func (p *RelayProvider) ID() string      { return "chatrelay/relay" }
func (p *RelayProvider) Name() string    { return "Chat relay" }
func (p *RelayProvider) IsActive() bool  { return p.active.Load() }
func (p *RelayProvider) Addr() string    { return p.cfg.Addr }
func (p *RelayProvider) Version() string { return "0.1.0" }

// Service exposes the relay service for embedders.
func (p *RelayProvider) Service() *service.Service { return p.service }

// Activate initializes the hub, service, metrics and HTTP surface, and
// starts the event loop.
func (p *RelayProvider) Activate() error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}

	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.New(p.registry)
	if err != nil {
		return err
	}
	p.recorder = rec

	p.hub = hub.New(p.cfg, p.logger)
	p.hub.SetRecorder(rec)
	p.service = service.New(p.hub, p.logger)

	p.upgrader = websocket.FastHTTPUpgrader{
		ReadBufferSize:  p.cfg.ReadBufferSize,
		WriteBufferSize: p.cfg.WriteBufferSize,
		// Any origin may connect.
		CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
	}

	go p.hub.Run()

	// Attempt the Redis tap (non-fatal if unavailable).
	p.initTap()

	p.app = fiber.New()
	p.RegisterRoutes(p.app)
	p.server = &fasthttp.Server{
		Name:    "chatrelay",
		Handler: p.Handler(),
	}

	p.active.Store(true)
	p.logger.Info().
		Str("provider", p.ID()).
		Str("addr", p.cfg.Addr).
		Int("max_connections", p.cfg.MaxConnections).
		Bool("echo_to_sender", p.cfg.EchoToSender).
		Msg("relay activated")
	return nil
}

// initTap tries to start the Redis event tap.
// If Redis is not reachable, the relay runs without it.
func (p *RelayProvider) initTap() {
	if p.opts.Tap == nil {
		return
	}
	rt := tap.NewRedisTap(p.opts.Tap, p.logger)

	if err := rt.Start(); err != nil {
		p.logger.Warn().Err(err).Msg("redis tap unavailable, running without it")
		_ = rt.Stop()
		return
	}

	p.tap = rt
	p.hub.SetTap(rt)
	p.logger.Info().Str("redis_addr", p.opts.Tap.Addr).Msg("redis tap connected")
}

// ListenAndServe serves on the configured address until Deactivate.
func (p *RelayProvider) ListenAndServe() error {
	return p.server.ListenAndServe(p.cfg.Addr)
}

// Serve serves on ln until Deactivate.
func (p *RelayProvider) Serve(ln net.Listener) error {
	return p.server.Serve(ln)
}

// Deactivate closes every connection, then stops the server and the tap.
func (p *RelayProvider) Deactivate(ctx context.Context) error {
	if !p.active.CompareAndSwap(true, false) {
		return nil
	}

	// Stopping the hub closes every WebSocket, so the server has no
	// hijacked connections left to wait for.
	p.hub.Stop()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.server.ShutdownWithContext(ctx)

	if p.tap != nil {
		if terr := p.tap.Stop(); terr != nil {
			p.logger.Error().Err(terr).Msg("tap stop error")
		}
		p.tap = nil
	}
	p.logger.Info().Msg("relay deactivated")
	return err
}
