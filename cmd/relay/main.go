// Command relay runs the chat relay server.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/orchestra-mcp/chatrelay/config"
	"github.com/orchestra-mcp/chatrelay/providers"
	"github.com/orchestra-mcp/chatrelay/src/tap"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const serviceName = "chatrelay"

var opts struct {
	ConfigPath string
	Tap        bool
	LogLevel   string
	Console    bool
}

func main() {
	app := &cli.App{
		Name:    serviceName,
		Usage:   "WebSocket chat relay server",
		Version: commitHash(),
		Action:  action,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to a YAML config file",
				EnvVars:     []string{"RELAY_CONFIG"},
				Destination: &opts.ConfigPath,
			},
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address",
				Value:   config.DefaultAddr,
				EnvVars: []string{"RELAY_ADDR"},
			},
			&cli.IntFlag{
				Name:    "max-connections",
				Usage:   "maximum concurrent connections",
				Value:   config.DefaultMaxConnections,
				EnvVars: []string{"RELAY_MAX_CONNECTIONS"},
			},
			&cli.DurationFlag{
				Name:    "write-timeout",
				Usage:   "per-frame write deadline",
				Value:   config.DefaultWriteTimeout,
				EnvVars: []string{"RELAY_WRITE_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "echo",
				Usage:   "deliver broadcasts back to their sender",
				Value:   true,
				EnvVars: []string{"RELAY_ECHO"},
			},
			&cli.BoolFlag{
				Name:        "tap",
				Usage:       "mirror relay events to Redis (REDIS_ADDR, REDIS_PASSWORD, REDIS_DB)",
				EnvVars:     []string{"RELAY_TAP"},
				Destination: &opts.Tap,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "trace, debug, info, warn or error",
				Value:       "info",
				EnvVars:     []string{"RELAY_LOG_LEVEL"},
				Destination: &opts.LogLevel,
			},
			&cli.BoolFlag{
				Name:        "console",
				Usage:       "human-readable log output",
				EnvVars:     []string{"RELAY_CONSOLE"},
				Destination: &opts.Console,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger := zerolog.New(os.Stderr)
		logger.Fatal().Err(err).Msg("relay exited")
	}
}

func action(c *cli.Context) error {
	logger, err := newLogger(c.App.Version)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	// Flags override the file only when given.
	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
	}
	if c.IsSet("max-connections") {
		cfg.MaxConnections = c.Int("max-connections")
	}
	if c.IsSet("write-timeout") {
		cfg.WriteTimeout = c.Duration("write-timeout")
	}
	if c.IsSet("echo") {
		cfg.EchoToSender = c.Bool("echo")
	}

	var providerOpts providers.Options
	if opts.Tap {
		providerOpts.Tap = tap.RedisConfigFromEnv()
	}

	relay := providers.NewRelayProvider(cfg, providerOpts, logger)
	if err := relay.Activate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		return relay.ListenAndServe()
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return relay.Deactivate(context.Background())
	})
	return group.Wait()
}

func newLogger(version string) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		return zerolog.Nop(), err
	}
	var logger zerolog.Logger
	if opts.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger(), nil
}

func commitHash() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
		return info.Main.Version
	}
	return "unknown"
}
