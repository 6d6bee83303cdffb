package events

import "encoding/json"

// Kind is the "kind" tag carried by every serialized event
type Kind string

const (
	KindClientConnected    Kind = "ClientConnected"
	KindClientDisconnected Kind = "ClientDisconnected"
	KindPttStarted         Kind = "PttStarted"
	KindPartialText        Kind = "PartialText"
	KindFinalText          Kind = "FinalText"
)

// Event is a notification for the desktop UI. The set of implementations is
// closed.
type Event interface {
	Kind() Kind

	// Name is the UI channel the event is published on, e.g. "client-connected"
	Name() string

	// Client returns the client id the event is about
	Client() string

	sealed()
}

// ClientConnected is emitted after a HELLO registers a client
type ClientConnected struct {
	ClientID    string `json:"client_id"`
	DeviceModel string `json:"device_model"`
}

// ClientDisconnected is emitted when a client record is removed
type ClientDisconnected struct {
	ClientID string `json:"client_id"`
}

// PttStarted is emitted when a push-to-talk session opens
type PttStarted struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
}

// PartialText carries an in-progress transcript
type PartialText struct {
	ClientID   string  `json:"client_id"`
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Seq        uint64  `json:"seq"`
	Confidence float64 `json:"confidence"`
}

// FinalText carries the final transcript of a session
type FinalText struct {
	ClientID   string  `json:"client_id"`
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (ClientConnected) Kind() Kind    { return KindClientConnected }
func (ClientDisconnected) Kind() Kind { return KindClientDisconnected }
func (PttStarted) Kind() Kind         { return KindPttStarted }
func (PartialText) Kind() Kind        { return KindPartialText }
func (FinalText) Kind() Kind          { return KindFinalText }

func (ClientConnected) Name() string    { return "client-connected" }
func (ClientDisconnected) Name() string { return "client-disconnected" }
func (PttStarted) Name() string         { return "ptt-started" }
func (PartialText) Name() string        { return "partial-text" }
func (FinalText) Name() string          { return "final-text" }

func (e ClientConnected) Client() string    { return e.ClientID }
func (e ClientDisconnected) Client() string { return e.ClientID }
func (e PttStarted) Client() string         { return e.ClientID }
func (e PartialText) Client() string        { return e.ClientID }
func (e FinalText) Client() string          { return e.ClientID }

func (ClientConnected) sealed()    {}
func (ClientDisconnected) sealed() {}
func (PttStarted) sealed()         {}
func (PartialText) sealed()        {}
func (FinalText) sealed()          {}

func (e ClientConnected) MarshalJSON() ([]byte, error) {
	type plain ClientConnected
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{e.Kind(), plain(e)})
}

func (e ClientDisconnected) MarshalJSON() ([]byte, error) {
	type plain ClientDisconnected
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{e.Kind(), plain(e)})
}

func (e PttStarted) MarshalJSON() ([]byte, error) {
	type plain PttStarted
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{e.Kind(), plain(e)})
}

func (e PartialText) MarshalJSON() ([]byte, error) {
	type plain PartialText
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{e.Kind(), plain(e)})
}

func (e FinalText) MarshalJSON() ([]byte, error) {
	type plain FinalText
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{e.Kind(), plain(e)})
}
