// Command relay-chat is a line-oriented terminal client for the relay.
// Each stdin line is broadcast; received messages are printed as they
// arrive.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/orchestra-mcp/chatrelay/src/relayclient"
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var opts struct {
	URL  string
	Acks bool
}

func main() {
	app := &cli.App{
		Name:   "relay-chat",
		Usage:  "chat through a relay from the terminal",
		Action: action,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "relay WebSocket URL",
				Value:       "ws://localhost:3001/ws",
				EnvVars:     []string{"RELAY_URL"},
				Destination: &opts.URL,
			},
			&cli.BoolFlag{
				Name:        "acks",
				Usage:       "print delivery counts for each message sent",
				Destination: &opts.Acks,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func action(c *cli.Context) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.WarnLevel).
		With().Timestamp().Logger()

	client := relayclient.New(relayclient.Config{
		URL:         opts.URL,
		RequestAcks: opts.Acks,
	}, logger)
	defer client.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		if relayclient.IsRejected(err) {
			return fmt.Errorf("relay is full, try again later: %w", err)
		}
		return err
	}

	ended := make(chan error, 1)
	unsubscribe := client.Subscribe(newPrinter(ended).print)
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := client.Send(line); err != nil {
				if errors.Is(err, relayclient.ErrOutboxFull) {
					fmt.Fprintln(os.Stderr, "* still reconnecting, message dropped")
					continue
				}
				return err
			}
		case err := <-ended:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// printer renders view changes. Handlers run serialized, so it needs no
// locking of its own.
type printer struct {
	seen   int
	status relayclient.Status
	// acked is the last delivery report shown. Each ack is a new value.
	acked *types.BroadcastResult
	ended chan<- error
}

func newPrinter(ended chan<- error) *printer {
	return &printer{status: relayclient.StatusConnected, ended: ended}
}

func (p *printer) print(v relayclient.View) {
	for _, msg := range v.Messages[p.seen:] {
		fmt.Println(msg)
	}
	p.seen = len(v.Messages)

	if v.LastDelivery != nil && v.LastDelivery != p.acked {
		p.acked = v.LastDelivery
		fmt.Fprintf(os.Stderr, "* delivered to %d, failed %d\n", p.acked.Delivered, p.acked.Failed)
	}

	if v.Status == p.status {
		return
	}
	p.status = v.Status
	switch v.Status {
	case relayclient.StatusReconnecting:
		fmt.Fprintln(os.Stderr, "* connection lost, reconnecting")
	case relayclient.StatusConnected:
		fmt.Fprintln(os.Stderr, "* reconnected")
	case relayclient.StatusRejected:
		p.finish(fmt.Errorf("relay rejected the session: %w", v.Err))
	case relayclient.StatusClosed:
		p.finish(v.Err)
	}
}

func (p *printer) finish(err error) {
	select {
	case p.ended <- err:
	default:
	}
}
