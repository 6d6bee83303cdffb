package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pttdictation/dictation-gateway/internal/protocol"
	"github.com/pttdictation/dictation-gateway/internal/resilience"
)

const ackTimeout = 10 * time.Second

type options struct {
	URL          string
	ClientID     string
	DeviceModel  string
	Engine       string
	Text         string
	Partials     int
	PartialDelay time.Duration
	Heartbeat    time.Duration

	// Once stops after the first acknowledged FINAL instead of heartbeating
	Once bool
}

// phone plays the mobile side of the protocol: HELLO, one push-to-talk
// session and then heartbeats until stopped.
type phone struct {
	opts      options
	logger    zerolog.Logger
	dialer    *websocket.Dialer
	reconnect *resilience.ReconnectConfig

	dictated bool
}

func newPhone(opts options, logger zerolog.Logger) *phone {
	return &phone{
		opts:   opts,
		logger: logger.With().Str("client_id", opts.ClientID).Logger(),
		dialer: websocket.DefaultDialer,
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: 0,
			Backoff:     time.Second,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}
}

// run connects and reconnects until ctx is cancelled or, with Once, until
// the text has been acknowledged.
func (p *phone) run(ctx context.Context) error {
	err := resilience.Reconnect(ctx, p.logger, p.connect, p.reconnect)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *phone) connect(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", p.opts.URL, err)
	}
	defer conn.Close()

	// Unblocks the reader when the user interrupts
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	p.logger.Info().Str("url", p.opts.URL).Msg("Connected to gateway")

	acks := make(chan protocol.Ack, 4)
	readErr := make(chan error, 1)
	go p.readLoop(conn, acks, readErr)

	// Errors caused by the interrupt are a clean exit
	fail := func(err error) error {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	hello := protocol.Hello{
		ClientID: p.opts.ClientID,
		Payload: protocol.HelloPayload{
			DeviceModel:  p.opts.DeviceModel,
			Engine:       p.opts.Engine,
			Capabilities: []string{"WS"},
		},
	}
	if err := p.send(conn, hello); err != nil {
		return fail(err)
	}
	if err := p.awaitAck(ctx, acks, readErr, protocol.TypeHello); err != nil {
		return fail(err)
	}

	if !p.dictated {
		if err := p.dictate(ctx, conn, acks, readErr); err != nil {
			return fail(err)
		}
		p.dictated = true
		if p.opts.Once {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}

	ticker := time.NewTicker(p.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return fail(fmt.Errorf("connection lost: %w", err))
		case <-ticker.C:
			if err := p.send(conn, protocol.Heartbeat{ClientID: p.opts.ClientID}); err != nil {
				return fail(err)
			}
		}
	}
}

// dictate runs one push-to-talk session with growing partial transcripts
func (p *phone) dictate(ctx context.Context, conn *websocket.Conn, acks <-chan protocol.Ack, readErr <-chan error) error {
	sessionID := "s-" + uuid.NewString()
	logger := p.logger.With().Str("session_id", sessionID).Logger()

	if err := p.send(conn, protocol.PttStart{
		ClientID: p.opts.ClientID,
		Payload:  protocol.PttStartPayload{SessionID: sessionID},
	}); err != nil {
		return err
	}
	logger.Info().Msg("PTT_START sent")

	for i, text := range partials(p.opts.Text, p.opts.Partials) {
		if err := sleep(ctx, p.opts.PartialDelay); err != nil {
			return err
		}
		err := p.send(conn, protocol.Partial{
			ClientID:  p.opts.ClientID,
			Timestamp: uint64(time.Now().UnixMilli()),
			Payload: protocol.PartialPayload{
				SessionID:  sessionID,
				Seq:        uint64(i + 1),
				Text:       text,
				Confidence: min(0.5+0.1*float64(i), 0.9),
			},
		})
		if err != nil {
			return err
		}
		logger.Debug().Str("text", text).Msg("PARTIAL sent")
	}

	if err := p.send(conn, protocol.Final{
		ClientID:  p.opts.ClientID,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload: protocol.FinalPayload{
			SessionID:  sessionID,
			Text:       p.opts.Text,
			Confidence: 0.95,
		},
	}); err != nil {
		return err
	}
	logger.Info().Str("text", p.opts.Text).Msg("FINAL sent")

	return p.awaitAck(ctx, acks, readErr, protocol.TypeFinal)
}

func (p *phone) send(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(ackTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.MessageType(), err)
	}
	return nil
}

func (p *phone) readLoop(conn *websocket.Conn, acks chan<- protocol.Ack, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Invalid message from gateway")
			continue
		}

		ack, ok := msg.(protocol.Ack)
		if !ok {
			p.logger.Debug().Str("type", msg.MessageType().String()).Msg("Ignoring message")
			continue
		}
		p.logger.Info().Str("ack_type", ack.Payload.AckType).Msg("Received ACK")

		select {
		case acks <- ack:
		default:
		}
	}
}

func (p *phone) awaitAck(ctx context.Context, acks <-chan protocol.Ack, readErr <-chan error, want protocol.Type) error {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("connection lost waiting for %s ack: %w", want, err)
		case <-timer.C:
			return fmt.Errorf("timed out waiting for %s ack", want)
		case ack := <-acks:
			if ack.Payload.AckType == want.String() {
				return nil
			}
		}
	}
}

// partials returns n growing prefixes of text, split on words
func partials(text string, n int) []string {
	words := strings.Fields(text)
	if n <= 0 || len(words) == 0 {
		return nil
	}
	n = min(n, len(words))

	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		k := len(words) * i / n
		out = append(out, strings.Join(words[:k], " "))
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
