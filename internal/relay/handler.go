package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pttdictation/dictation-gateway/internal/events"
	"github.com/pttdictation/dictation-gateway/internal/injection"
	"github.com/pttdictation/dictation-gateway/internal/observability"
	"github.com/pttdictation/dictation-gateway/internal/protocol"
	"github.com/pttdictation/dictation-gateway/internal/registry"
)

// Handler applies protocol messages to the registry, the text injector and
// the event sink. One Handler is shared by every connection.
type Handler struct {
	registry *registry.Registry
	injector injection.TextInjector
	sink     events.Sink
	logger   zerolog.Logger

	// lifecycle orders registry membership changes with their events, so
	// ClientConnected and ClientDisconnected for one id reach the sink in the
	// order the registry saw them. The sink must not block.
	lifecycle sync.Mutex
}

// NewHandler creates a Handler. A nil injector or sink is replaced by a no-op.
func NewHandler(reg *registry.Registry, injector injection.TextInjector, sink events.Sink, logger zerolog.Logger) *Handler {
	if injector == nil {
		injector = injection.NopInjector{}
	}
	if sink == nil {
		sink = events.Nop
	}
	return &Handler{
		registry: reg,
		injector: injector,
		sink:     sink,
		logger:   observability.WithComponent(logger, "relay"),
	}
}

// NewConn creates the state for one connection. logger should already carry
// the connection id.
func (h *Handler) NewConn(logger zerolog.Logger) *Conn {
	return &Conn{
		h:      h,
		base:   logger,
		logger: logger,
	}
}

// Conn is the per-connection state. It remembers which client id the
// connection introduced itself as so the record can be removed on close.
// A Conn is used by a single goroutine.
type Conn struct {
	h      *Handler
	base   zerolog.Logger
	logger zerolog.Logger

	clientID   string
	generation uint64
	bound      bool
	closed     bool
}

// ClientID returns the id bound by the last HELLO on this connection
func (c *Conn) ClientID() (string, bool) {
	return c.clientID, c.bound
}

// HandleFrame decodes one text frame, handles it and encodes the reply.
// Frames that fail to decode are logged and dropped; the connection stays up.
func (c *Conn) HandleFrame(ctx context.Context, data []byte) ([]byte, bool) {
	msg, err := protocol.Decode(data)
	if err != nil {
		observability.RecordDecodeError()
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping invalid message")
		return nil, false
	}

	reply, ok := c.Handle(ctx, msg)
	if !ok {
		return nil, false
	}

	out, err := protocol.Encode(reply)
	if err != nil {
		c.logger.Error().Err(err).Str("type", reply.MessageType().String()).Msg("Failed to encode reply")
		return nil, false
	}
	return out, true
}

// Handle applies one decoded message and returns the reply to send, if any
func (c *Conn) Handle(ctx context.Context, msg protocol.Message) (protocol.Message, bool) {
	observability.RecordMessage(msg.MessageType().String())

	switch m := msg.(type) {
	case protocol.Hello:
		return c.handleHello(m), true
	case protocol.PttStart:
		c.handlePttStart(m)
	case protocol.Partial:
		c.handlePartial(m)
	case protocol.Final:
		return c.handleFinal(ctx, m), true
	case protocol.Heartbeat:
		if !c.h.registry.Heartbeat(m.ClientID) {
			c.miss(m)
		}
	case protocol.Ack:
		// phones never expect anything back for an ACK
	}
	return nil, false
}

func (c *Conn) handleHello(m protocol.Hello) protocol.Message {
	c.h.lifecycle.Lock()
	defer c.h.lifecycle.Unlock()

	rec := c.h.registry.Register(m.ClientID, m.Payload.DeviceModel, m.Payload.Engine)

	if c.bound && c.clientID != m.ClientID {
		c.logger.Info().
			Str("previous_client_id", c.clientID).
			Str("client_id", m.ClientID).
			Msg("Connection switched client id")
	}
	c.clientID = rec.ClientID
	c.generation = rec.Generation
	c.bound = true
	c.logger = c.base.With().Str("client_id", rec.ClientID).Logger()

	c.logger.Info().
		Str("device_model", m.Payload.DeviceModel).
		Str("engine", m.Payload.Engine).
		Strs("capabilities", m.Payload.Capabilities).
		Uint64("generation", rec.Generation).
		Msg("Client registered")

	c.h.sink.Emit(events.ClientConnected{
		ClientID:    m.ClientID,
		DeviceModel: m.Payload.DeviceModel,
	})
	return c.ack(m.ClientID, protocol.TypeHello)
}

func (c *Conn) handlePttStart(m protocol.PttStart) {
	if !c.h.registry.StartSession(m.ClientID, m.Payload.SessionID) {
		c.miss(m)
	}
	c.logger.Debug().Str("session_id", m.Payload.SessionID).Msg("PTT started")

	c.h.sink.Emit(events.PttStarted{
		ClientID:  m.ClientID,
		SessionID: m.Payload.SessionID,
	})
}

func (c *Conn) handlePartial(m protocol.Partial) {
	text := m.Payload.Text
	if !c.h.registry.SetPartialText(m.ClientID, &text) {
		c.miss(m)
	}

	c.h.sink.Emit(events.PartialText{
		ClientID:   m.ClientID,
		SessionID:  m.Payload.SessionID,
		Text:       m.Payload.Text,
		Seq:        m.Payload.Seq,
		Confidence: m.Payload.Confidence,
	})
}

func (c *Conn) handleFinal(ctx context.Context, m protocol.Final) protocol.Message {
	if !c.h.registry.EndSession(m.ClientID) {
		c.miss(m)
	}

	// The registry lock is not held here; injection may block on the desktop
	if err := c.h.injector.Inject(ctx, m.Payload.Text); err != nil {
		ev := c.logger.Error()
		if errors.Is(err, injection.ErrEmptyText) {
			ev = c.logger.Debug()
		}
		ev.Err(err).Str("session_id", m.Payload.SessionID).Msg("Failed to inject final text")
	}

	c.logger.Info().
		Str("session_id", m.Payload.SessionID).
		Int("text_length", len(m.Payload.Text)).
		Float64("confidence", m.Payload.Confidence).
		Msg("Final text received")

	c.h.sink.Emit(events.FinalText{
		ClientID:   m.ClientID,
		SessionID:  m.Payload.SessionID,
		Text:       m.Payload.Text,
		Confidence: m.Payload.Confidence,
	})
	return c.ack(m.ClientID, protocol.TypeFinal)
}

func (c *Conn) ack(clientID string, acked protocol.Type) protocol.Message {
	observability.RecordAck(acked.String())
	return protocol.NewAck(clientID, acked)
}

func (c *Conn) miss(m protocol.Message) {
	c.logger.Debug().
		Str("type", m.MessageType().String()).
		Str("sender", m.Sender()).
		Msg("Message for unregistered client")
}

// Close releases the client bound to this connection. The record is only
// removed if no later HELLO on another connection has replaced it, and
// ClientDisconnected is only emitted when something was removed. Close is
// idempotent.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if !c.bound {
		return
	}

	c.h.lifecycle.Lock()
	defer c.h.lifecycle.Unlock()

	rec, removed := c.h.registry.UnregisterGeneration(c.clientID, c.generation)
	if !removed {
		c.logger.Debug().Uint64("generation", c.generation).Msg("Client record owned by a newer connection")
		return
	}

	c.logger.Info().Time("connected_at", rec.ConnectedAt).Msg("Client disconnected")

	c.h.sink.Emit(events.ClientDisconnected{ClientID: rec.ClientID})
}

// Evict removes every client whose last heartbeat is older than timeout at
// now and emits ClientDisconnected for each. A HELLO that re-registers an
// evicted id is ordered after the eviction's event.
func (h *Handler) Evict(now time.Time, timeout time.Duration) []registry.ClientRecord {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	evicted := h.registry.EvictTimedOut(now, timeout)
	for _, rec := range evicted {
		h.logger.Info().
			Str("client_id", rec.ClientID).
			Time("last_heartbeat", rec.LastHeartbeat).
			Msg("Client timed out")
		h.sink.Emit(events.ClientDisconnected{ClientID: rec.ClientID})
	}
	return evicted
}
