// Package protocol defines the wire contract between afar devices and the
// orchestrator.
//
// Every frame on the duplex channel is a securechannel envelope; the
// decrypted payload is a single JSON WireMsg. Payload structs here are the
// only types that cross the wire, so both the server and the device client
// import this package and nothing else from each other.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire message kinds.
const (
	MsgAuth             = "auth"              // device -> server, first frame on every connection
	MsgAuthOK           = "auth_ok"           // server -> device, carries still-active project ids
	MsgAuthError        = "auth_error"        // server -> device, soft auth failure (sent in the clear)
	MsgMessage          = "message"           // device -> server, user prompt
	MsgCancel           = "cancel"            // device -> server, cancel the project's running job
	MsgToolAnswer       = "tool_answer"       // device -> server, answers for a pending question
	MsgThinking         = "thinking"          // server -> device, agent thinking delta
	MsgText             = "text"              // server -> device, agent text delta
	MsgToolUse          = "tool_use"          // server -> device, agent tool invocation
	MsgToolResult       = "tool_result"       // server -> device, tool outcome
	MsgDone             = "done"              // server -> device, job reached a terminal state
	MsgError            = "error"             // server -> device, job failure or soft request error
	MsgStreamingRestore = "streaming_restore" // server -> device, in-flight output sent after auth_ok
	MsgSyncUserMessage  = "sync_user_message" // server -> other devices, user action echoed
	MsgSyncCancel       = "sync_cancel"       // server -> other devices, cancel echoed
)

// Auth error reasons carried in WireAuthError. A wrong key never produces an
// auth_error; it closes the connection, so the client knows to re-pair rather
// than retry.
const (
	AuthRateLimited = "rate_limited"
)

// WireMsg is the envelope for all plaintext payloads. Each frame decrypts to
// exactly one WireMsg.
type WireMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a typed payload into a single wire message.
func Encode(msgType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s data: %w", msgType, err)
		}
		raw = b
	}
	b, err := json.Marshal(WireMsg{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msgType, err)
	}
	return b, nil
}

// DecodeMsg parses a plaintext frame into a WireMsg.
func DecodeMsg(data []byte) (*WireMsg, error) {
	var msg WireMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding wire message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("wire message has no type")
	}
	return &msg, nil
}

// DecodeData unmarshals the Data field of a message into a typed payload.
func DecodeData[T any](msg *WireMsg) (*T, error) {
	var data T
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", msg.Type, err)
		}
	}
	return &data, nil
}

// WireAuth is the first message a device sends. Its content is informational:
// authentication is the successful authenticated decryption of the frame.
type WireAuth struct {
	Client string    `json:"client,omitempty"`
	SentAt time.Time `json:"sent_at,omitempty"`
}

// WireAuthOK confirms authentication and lists project ids that still have an
// active job for this device, so the client knows which streams to expect a
// streaming_restore for.
type WireAuthOK struct {
	DeviceID       string   `json:"device_id"`
	ActiveProjects []string `json:"active_projects,omitempty"`
}

// WireAuthError is a soft, unencrypted auth failure. Reason distinguishes
// back-off-and-retry conditions from credential problems.
type WireAuthError struct {
	Reason string `json:"reason"`
}

// WireUserMessage carries a user prompt for a project.
type WireUserMessage struct {
	Text      string `json:"text"`
	ProjectID string `json:"project_id,omitempty"`
}

// WireCancel requests cancellation of the sender's job for a project.
type WireCancel struct {
	ProjectID string `json:"project_id,omitempty"`
}

// ToolAnswerItem is one structured answer to one question.
type ToolAnswerItem struct {
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer"`
}

// WireToolAnswer answers a pending interactive question.
type WireToolAnswer struct {
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Answers   []ToolAnswerItem `json:"answers"`
	ProjectID string           `json:"project_id,omitempty"`
}

// WireThinking is an incremental thinking delta from the agent.
type WireThinking struct {
	ProjectID string `json:"project_id,omitempty"`
	Text      string `json:"text"`
}

// WireText is an incremental text delta from the agent.
type WireText struct {
	ProjectID string `json:"project_id,omitempty"`
	Text      string `json:"text"`
}

// WireToolUse reports a tool invocation by the agent.
type WireToolUse struct {
	ProjectID string          `json:"project_id,omitempty"`
	Tool      string          `json:"tool"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// WireToolResult reports the outcome of a tool invocation.
type WireToolResult struct {
	ProjectID string `json:"project_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WireDone signals that a job reached a terminal state.
type WireDone struct {
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Canceled  bool   `json:"canceled,omitempty"`
}

// WireError signals a job failure or a soft request error. Soft errors leave
// the connection open and change no state.
type WireError struct {
	ProjectID string `json:"project_id,omitempty"`
	Error     string `json:"error"`
}

// WireStreamingRestore delivers the current partial response of an active job
// right after auth_ok, so a reconnecting device can repaint before any queued
// deltas arrive.
type WireStreamingRestore struct {
	ProjectID string         `json:"project_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Chunks    []string       `json:"chunks,omitempty"`
	Activity  []ToolActivity `json:"activity,omitempty"`
}

// WireSyncUserMessage tells other devices of the account that a user message
// was sent, without re-invoking the agent.
type WireSyncUserMessage struct {
	ProjectID string `json:"project_id,omitempty"`
	Text      string `json:"text"`
}

// WireSyncCancel tells other devices that the project's job was cancelled.
type WireSyncCancel struct {
	ProjectID string `json:"project_id,omitempty"`
}

// ToolActivity is one ordered entry in a job's tool trail: either an
// invocation or a result, never both.
type ToolActivity struct {
	ToolUse    *ToolUseActivity    `json:"tool_use,omitempty"`
	ToolResult *ToolResultActivity `json:"tool_result,omitempty"`
}

// ToolUseActivity records a tool invocation.
type ToolUseActivity struct {
	Tool  string          `json:"tool"`
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultActivity records a tool outcome.
type ToolResultActivity struct {
	Tool   string `json:"tool,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}
