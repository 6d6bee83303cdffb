// Command mockclient simulates a push-to-talk phone against a dictation
// gateway: it greets the gateway, dictates one text with partial results and
// then keeps the connection alive with heartbeats.
//
// Usage:
//
//	mockclient --url ws://localhost:9876/ws --text "Hello world"
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pttdictation/dictation-gateway/internal/observability"
)

func main() {
	app := &cli.App{
		Name:  "mockclient",
		Usage: "Simulate a push-to-talk phone client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "ws://localhost:9876/ws",
				Usage:   "Gateway WebSocket URL",
				EnvVars: []string{"GATEWAY_URL"},
			},
			&cli.StringFlag{
				Name:  "client-id",
				Value: "mock-phone-01",
				Usage: "Client id sent in every frame",
			},
			&cli.StringFlag{
				Name:  "device-model",
				Value: "Mock Device",
				Usage: "Device model reported in HELLO",
			},
			&cli.StringFlag{
				Name:  "engine",
				Value: "MockSTT",
				Usage: "Speech engine reported in HELLO",
			},
			&cli.StringFlag{
				Name:  "text",
				Value: "Hello. Today's meeting is at 3 PM.",
				Usage: "Final text to dictate",
			},
			&cli.IntFlag{
				Name:  "partials",
				Value: 4,
				Usage: "Number of PARTIAL frames sent before FINAL",
			},
			&cli.DurationFlag{
				Name:  "partial-delay",
				Value: 300 * time.Millisecond,
				Usage: "Delay between PARTIAL frames",
			},
			&cli.DurationFlag{
				Name:  "heartbeat",
				Value: 5 * time.Second,
				Usage: "Heartbeat interval",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Exit after the FINAL is acknowledged",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Action: runAction,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	if c.Duration("heartbeat") <= 0 {
		return cli.Exit("--heartbeat must be positive", 2)
	}

	logger := observability.NewLogger(os.Stderr, c.String("log-level"), true)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPhone(options{
		URL:          c.String("url"),
		ClientID:     c.String("client-id"),
		DeviceModel:  c.String("device-model"),
		Engine:       c.String("engine"),
		Text:         c.String("text"),
		Partials:     c.Int("partials"),
		PartialDelay: c.Duration("partial-delay"),
		Heartbeat:    c.Duration("heartbeat"),
		Once:         c.Bool("once"),
	}, logger)

	return p.run(ctx)
}
