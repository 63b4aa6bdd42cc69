// Package protocol defines the gateway payload types exchanged with the chat
// platform over WebSocket. Every frame is a JSON envelope carrying an opcode,
// an optional sequence number, an optional dispatch event name, and a
// deferred-decoded event body.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Gateway opcodes.
const (
	OpDispatch     = 0  // server: event dispatch (t names the event)
	OpHeartbeat    = 1  // client: keepalive, carries last seen sequence
	OpIdentify     = 2  // client: authenticate after hello
	OpHello        = 10 // server: first frame, carries heartbeat interval
	OpHeartbeatACK = 11 // server: heartbeat acknowledgement
)

// Gateway intents requested at identify time. The moderation assistant needs
// guild metadata, message events, and the message content itself.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMessages  = 1 << 9
	IntentMessageContent = 1 << 15
)

// Dispatch event names handled by this service.
const (
	EventReady         = "READY"
	EventMessageCreate = "MESSAGE_CREATE"
)

// Payload is the gateway envelope. D is kept raw so the event body can be
// decoded once the opcode and event name are known.
type Payload struct {
	Op int             `json:"op"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Hello is the body of the first server frame.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// ConnectionProperties identifies the client implementation to the gateway.
type ConnectionProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the authentication body sent after hello.
type Identify struct {
	Token      string               `json:"token"`
	Properties ConnectionProperties `json:"properties"`
	Intents    int                  `json:"intents"`
}

// User is the author of a chat message.
type User struct {
	ID       string `json:"id"` // snowflake, decimal string
	Username string `json:"username"`
}

// MessageCreate is the body of a MESSAGE_CREATE dispatch.
type MessageCreate struct {
	ID        string `json:"id"`         // snowflake
	ChannelID string `json:"channel_id"` // snowflake
	GuildID   string `json:"guild_id,omitempty"`
	Author    User   `json:"author"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"` // RFC 3339
}

// NewIdentify builds an identify payload for the given bot token with the
// default connection properties and the moderation intents.
func NewIdentify(token string) (Payload, error) {
	body, err := json.Marshal(Identify{
		Token: token,
		Properties: ConnectionProperties{
			OS:      "linux",
			Browser: "modbot",
			Device:  "modbot",
		},
		Intents: IntentGuilds | IntentGuildMessages | IntentMessageContent,
	})
	if err != nil {
		return Payload{}, fmt.Errorf("protocol: marshal identify: %w", err)
	}
	return Payload{Op: OpIdentify, D: body}, nil
}

// NewHeartbeat builds a heartbeat payload carrying the last seen sequence
// number, or null before the first dispatch.
func NewHeartbeat(seq *int64) (Payload, error) {
	body, err := json.Marshal(seq)
	if err != nil {
		return Payload{}, fmt.Errorf("protocol: marshal heartbeat: %w", err)
	}
	return Payload{Op: OpHeartbeat, D: body}, nil
}

// DecodeHello decodes the payload body as a hello frame. It fails if the
// opcode does not match, which callers use to reject a broken handshake.
func (p Payload) DecodeHello() (Hello, error) {
	if p.Op != OpHello {
		return Hello{}, fmt.Errorf("protocol: expected hello opcode %d, got %d", OpHello, p.Op)
	}
	var h Hello
	if err := json.Unmarshal(p.D, &h); err != nil {
		return Hello{}, fmt.Errorf("protocol: decode hello: %w", err)
	}
	if h.HeartbeatInterval <= 0 {
		return Hello{}, fmt.Errorf("protocol: hello without heartbeat interval")
	}
	return h, nil
}

// DecodeMessageCreate decodes the payload body as a MESSAGE_CREATE dispatch.
func (p Payload) DecodeMessageCreate() (MessageCreate, error) {
	if p.Op != OpDispatch || p.T != EventMessageCreate {
		return MessageCreate{}, fmt.Errorf("protocol: payload is not a %s dispatch (op=%d t=%q)",
			EventMessageCreate, p.Op, p.T)
	}
	var mc MessageCreate
	if err := json.Unmarshal(p.D, &mc); err != nil {
		return MessageCreate{}, fmt.Errorf("protocol: decode message_create: %w", err)
	}
	return mc, nil
}
