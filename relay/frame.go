package relay

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Wire format: one JSON object per line, UTF-8, terminated by '\n'.
// No length prefix, no compression, no TLS; unix sockets rely on
// filesystem permissions, TCP is assumed to run on a trusted network.

const (
	TypeRegister  = "register"
	TypeTelemetry = "telemetry"
	TypeCommand   = "command"
	TypeResponse  = "response"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is the tagged union over register/telemetry/command/response.
// Exactly the fields of the active variant are set, the rest stay empty
// and are omitted on the wire.
type Message struct {
	Type        string                 `json:"type,omitempty"`
	ClientID    string                 `json:"client_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CommandName string                 `json:"command_name,omitempty"`
	Parameters  string                 `json:"parameters,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Text        string                 `json:"message,omitempty"`
}

func NewRegister(clientID string) *Message {
	return &Message{Type: TypeRegister, ClientID: clientID}
}

func NewTelemetry(clientID string, data map[string]interface{}) *Message {
	return &Message{Type: TypeTelemetry, ClientID: clientID, Data: data}
}

func NewCommand(name, parameters string) *Message {
	return &Message{Type: TypeCommand, CommandName: name, Parameters: parameters}
}

func ResponseOK(text string) *Message {
	return &Message{Type: TypeResponse, Status: StatusOK, Text: text}
}

func ResponseError(text string) *Message {
	return &Message{Type: TypeResponse, Status: StatusError, Text: text}
}

// IsResponse also accepts untagged acks (status set, no type): earlier
// relay servers sent responses without the type field.
func (m *Message) IsResponse() bool {
	return m.Type == TypeResponse || m.Status != ""
}

// Encode appends the line terminator. json.Marshal escapes newlines
// inside strings, so the invariant "no embedded '\n'" holds.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Annotate(err, "message marshal")
	}
	return append(b, '\n'), nil
}

func Decode(line []byte) (*Message, error) {
	m := new(Message)
	if err := json.Unmarshal(line, m); err != nil {
		return nil, errors.Annotate(err, "message unmarshal")
	}
	return m, nil
}
