package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	// ErrDecode is wrapped by every error returned from Decode
	ErrDecode = errors.New("invalid frame")

	// ErrEncode is wrapped by every error returned from Encode
	ErrEncode = errors.New("unencodable message")
)

// object holds the members of one JSON object. Keys are matched exactly, so
// "clientId" and "ClientId" are different fields.
type object map[string]json.RawMessage

func parseObject(raw []byte) (object, error) {
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errors.New("not an object")
	}
	return o, nil
}

func (o object) has(key string) bool {
	raw, ok := o[key]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// field decodes the member stored under key into dst. A missing or null
// member is reported as missing.
func (o object) field(t Type, key string, dst any) error {
	prefix := ""
	if t != "" {
		prefix = string(t) + ": "
	}
	if !o.has(key) {
		return fmt.Errorf("%w: %smissing field %q", ErrDecode, prefix, key)
	}
	if err := json.Unmarshal(o[key], dst); err != nil {
		return fmt.Errorf("%w: %sfield %q: %v", ErrDecode, prefix, key, err)
	}
	return nil
}

// fields decodes (key, dst) pairs in order and reports the first failure
func (o object) fields(t Type, pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		if err := o.field(t, key, pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses one frame. It never returns a partially populated message:
// invalid UTF-8, an unknown type, a missing required field or a mistyped
// value is an error wrapping ErrDecode.
func Decode(data []byte) (Message, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrDecode)
	}
	env, err := parseObject(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var typ, clientID string
	if err := env.field("", "type", &typ); err != nil {
		return nil, err
	}
	if err := env.field(Type(typ), "clientId", &clientID); err != nil {
		return nil, err
	}

	switch t := Type(typ); t {
	case TypeHello:
		p, err := payloadOf(t, env)
		if err != nil {
			return nil, err
		}
		var hp HelloPayload
		if err := p.fields(t, "deviceModel", &hp.DeviceModel, "engine", &hp.Engine, "capabilities", &hp.Capabilities); err != nil {
			return nil, err
		}
		if len(hp.Capabilities) == 0 {
			hp.Capabilities = nil
		}
		return Hello{ClientID: clientID, Payload: hp}, nil

	case TypePttStart:
		p, err := payloadOf(t, env)
		if err != nil {
			return nil, err
		}
		var pp PttStartPayload
		if err := p.field(t, "sessionId", &pp.SessionID); err != nil {
			return nil, err
		}
		return PttStart{ClientID: clientID, Payload: pp}, nil

	case TypePartial:
		msg := Partial{ClientID: clientID}
		if err := env.field(t, "timestamp", &msg.Timestamp); err != nil {
			return nil, err
		}
		p, err := payloadOf(t, env)
		if err != nil {
			return nil, err
		}
		if err := p.fields(t,
			"sessionId", &msg.Payload.SessionID,
			"seq", &msg.Payload.Seq,
			"text", &msg.Payload.Text,
			"confidence", &msg.Payload.Confidence,
		); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeFinal:
		msg := Final{ClientID: clientID}
		if err := env.field(t, "timestamp", &msg.Timestamp); err != nil {
			return nil, err
		}
		p, err := payloadOf(t, env)
		if err != nil {
			return nil, err
		}
		if err := p.fields(t,
			"sessionId", &msg.Payload.SessionID,
			"text", &msg.Payload.Text,
			"confidence", &msg.Payload.Confidence,
		); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeHeartbeat:
		return Heartbeat{ClientID: clientID}, nil

	case TypeAck:
		p, err := payloadOf(t, env)
		if err != nil {
			return nil, err
		}
		var ap AckPayload
		if err := p.field(t, "ackType", &ap.AckType); err != nil {
			return nil, err
		}
		return Ack{ClientID: clientID, Payload: ap}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, typ)
	}
}

func payloadOf(t Type, env object) (object, error) {
	if !env.has("payload") {
		return nil, fmt.Errorf("%w: %s: missing field \"payload\"", ErrDecode, t)
	}
	p, err := parseObject(env["payload"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrDecode, t, err)
	}
	return p, nil
}

type wireHello struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
	Payload  struct {
		DeviceModel  string   `json:"deviceModel"`
		Engine       string   `json:"engine"`
		Capabilities []string `json:"capabilities"`
	} `json:"payload"`
}

type wirePttStart struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
	Payload  struct {
		SessionID string `json:"sessionId"`
	} `json:"payload"`
}

type wirePartial struct {
	Type      Type   `json:"type"`
	ClientID  string `json:"clientId"`
	Timestamp uint64 `json:"timestamp"`
	Payload   struct {
		SessionID  string  `json:"sessionId"`
		Seq        uint64  `json:"seq"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"payload"`
}

type wireFinal struct {
	Type      Type   `json:"type"`
	ClientID  string `json:"clientId"`
	Timestamp uint64 `json:"timestamp"`
	Payload   struct {
		SessionID  string  `json:"sessionId"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"payload"`
}

type wireHeartbeat struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
}

type wireAck struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
	Payload  struct {
		AckType string `json:"ackType"`
	} `json:"payload"`
}

// Encode serializes a message to its wire form. Strings that are not valid
// UTF-8 and non-finite confidences cannot be represented and yield an error
// wrapping ErrEncode.
func Encode(msg Message) ([]byte, error) {
	var v any

	switch m := msg.(type) {
	case Hello:
		if err := validStrings(TypeHello, append([]string{m.ClientID, m.Payload.DeviceModel, m.Payload.Engine}, m.Payload.Capabilities...)...); err != nil {
			return nil, err
		}
		w := wireHello{Type: TypeHello, ClientID: m.ClientID}
		w.Payload.DeviceModel = m.Payload.DeviceModel
		w.Payload.Engine = m.Payload.Engine
		w.Payload.Capabilities = m.Payload.Capabilities
		if w.Payload.Capabilities == nil {
			w.Payload.Capabilities = []string{}
		}
		v = w

	case PttStart:
		if err := validStrings(TypePttStart, m.ClientID, m.Payload.SessionID); err != nil {
			return nil, err
		}
		w := wirePttStart{Type: TypePttStart, ClientID: m.ClientID}
		w.Payload.SessionID = m.Payload.SessionID
		v = w

	case Partial:
		if err := validStrings(TypePartial, m.ClientID, m.Payload.SessionID, m.Payload.Text); err != nil {
			return nil, err
		}
		if err := finite(TypePartial, m.Payload.Confidence); err != nil {
			return nil, err
		}
		w := wirePartial{Type: TypePartial, ClientID: m.ClientID, Timestamp: m.Timestamp}
		w.Payload.SessionID = m.Payload.SessionID
		w.Payload.Seq = m.Payload.Seq
		w.Payload.Text = m.Payload.Text
		w.Payload.Confidence = m.Payload.Confidence
		v = w

	case Final:
		if err := validStrings(TypeFinal, m.ClientID, m.Payload.SessionID, m.Payload.Text); err != nil {
			return nil, err
		}
		if err := finite(TypeFinal, m.Payload.Confidence); err != nil {
			return nil, err
		}
		w := wireFinal{Type: TypeFinal, ClientID: m.ClientID, Timestamp: m.Timestamp}
		w.Payload.SessionID = m.Payload.SessionID
		w.Payload.Text = m.Payload.Text
		w.Payload.Confidence = m.Payload.Confidence
		v = w

	case Heartbeat:
		if err := validStrings(TypeHeartbeat, m.ClientID); err != nil {
			return nil, err
		}
		v = wireHeartbeat{Type: TypeHeartbeat, ClientID: m.ClientID}

	case Ack:
		if err := validStrings(TypeAck, m.ClientID, m.Payload.AckType); err != nil {
			return nil, err
		}
		w := wireAck{Type: TypeAck, ClientID: m.ClientID}
		w.Payload.AckType = m.Payload.AckType
		v = w

	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrEncode)

	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrEncode, msg)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

func validStrings(t Type, values ...string) error {
	for _, s := range values {
		if !utf8.ValidString(s) {
			return fmt.Errorf("%w: %s: invalid UTF-8 in %q", ErrEncode, t, s)
		}
	}
	return nil
}

func finite(t Type, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %s: confidence %v is not representable", ErrEncode, t, f)
	}
	return nil
}
