package jupyter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cocoonstack/nbinteract/utils"
)

// ProtocolVersion is the messaging protocol version sent in headers.
const ProtocolVersion = "5.3"

// Channel names.
const (
	ChannelShell = "shell"
	ChannelIOPub = "iopub"
)

// IOPub and shell message types handled by this package and its callers.
const (
	MsgExecuteRequest = "execute_request"
	MsgExecuteReply   = "execute_reply"
	MsgStatus         = "status"
	MsgStream         = "stream"
	MsgDisplayData    = "display_data"
	MsgExecuteResult  = "execute_result"
	MsgError          = "error"
	MsgCommOpen       = "comm_open"
	MsgCommMsg        = "comm_msg"
	MsgCommClose      = "comm_close"
)

// Header is a message header. Every field is optional so an empty
// parent_header marshals as {}.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	Username string `json:"username,omitempty"`
	Session  string `json:"session,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Version  string `json:"version,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Message is the websocket JSON envelope.
type Message struct {
	Channel      string          `json:"channel"`
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      []any           `json:"buffers,omitempty"`
}

// Type returns the message type.
func (m *Message) Type() string { return m.Header.MsgType }

// Decode unmarshals the content into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent is the content of a stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ErrorContent is the content of an error message.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// DisplayContent is the content of display_data and execute_result.
type DisplayContent struct {
	Data     map[string]json.RawMessage `json:"data"`
	Metadata map[string]any             `json:"metadata"`
}

// CommContent is the content of comm_open, comm_msg and comm_close.
type CommContent struct {
	CommID     string         `json:"comm_id"`
	TargetName string         `json:"target_name,omitempty"`
	Data       map[string]any `json:"data"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

func newMessage(session, channel, msgType string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return &Message{
		Channel: channel,
		Header: Header{
			MsgID:    utils.NewUUID(),
			Username: "nbinteract",
			Session:  session,
			MsgType:  msgType,
			Version:  ProtocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}
