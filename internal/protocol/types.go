package protocol

// Type is the wire discriminator carried in the "type" field of every frame
type Type string

const (
	TypeHello     Type = "HELLO"
	TypePttStart  Type = "PTT_START"
	TypePartial   Type = "PARTIAL"
	TypeFinal     Type = "FINAL"
	TypeHeartbeat Type = "HEARTBEAT"
	TypeAck       Type = "ACK"
)

func (t Type) String() string {
	return string(t)
}

// Message is one decoded protocol frame. The set of implementations is closed:
// Hello, PttStart, Partial, Final, Heartbeat and Ack.
type Message interface {
	// MessageType returns the wire discriminator
	MessageType() Type

	// Sender returns the client id the frame was sent by (or addressed to, for Ack)
	Sender() string

	sealed()
}

// HelloPayload is the greeting payload
type HelloPayload struct {
	DeviceModel  string
	Engine       string
	Capabilities []string
}

// PttStartPayload opens a push-to-talk session
type PttStartPayload struct {
	SessionID string
}

// PartialPayload carries an incremental transcript
type PartialPayload struct {
	SessionID  string
	Seq        uint64
	Text       string
	Confidence float64
}

// FinalPayload carries the final transcript of a session
type FinalPayload struct {
	SessionID  string
	Text       string
	Confidence float64
}

// AckPayload names the message type being acknowledged
type AckPayload struct {
	AckType string
}

// Hello is sent once per connection by the phone to identify itself
type Hello struct {
	ClientID string
	Payload  HelloPayload
}

// PttStart marks the beginning of a push-to-talk session
type PttStart struct {
	ClientID string
	Payload  PttStartPayload
}

// Partial is an in-progress recognition result
type Partial struct {
	ClientID  string
	Timestamp uint64
	Payload   PartialPayload
}

// Final is the recognized text of a finished session
type Final struct {
	ClientID  string
	Timestamp uint64
	Payload   FinalPayload
}

// Heartbeat is a liveness ping
type Heartbeat struct {
	ClientID string
}

// Ack acknowledges a HELLO or FINAL
type Ack struct {
	ClientID string
	Payload  AckPayload
}

func (Hello) MessageType() Type     { return TypeHello }
func (PttStart) MessageType() Type  { return TypePttStart }
func (Partial) MessageType() Type   { return TypePartial }
func (Final) MessageType() Type     { return TypeFinal }
func (Heartbeat) MessageType() Type { return TypeHeartbeat }
func (Ack) MessageType() Type       { return TypeAck }

func (m Hello) Sender() string     { return m.ClientID }
func (m PttStart) Sender() string  { return m.ClientID }
func (m Partial) Sender() string   { return m.ClientID }
func (m Final) Sender() string     { return m.ClientID }
func (m Heartbeat) Sender() string { return m.ClientID }
func (m Ack) Sender() string       { return m.ClientID }

func (Hello) sealed()     {}
func (PttStart) sealed()  {}
func (Partial) sealed()   {}
func (Final) sealed()     {}
func (Heartbeat) sealed() {}
func (Ack) sealed()       {}

// NewAck builds the acknowledgment for a message of type acked
func NewAck(clientID string, acked Type) Ack {
	return Ack{
		ClientID: clientID,
		Payload:  AckPayload{AckType: acked.String()},
	}
}
