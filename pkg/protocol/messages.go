// Package protocol defines the Jupyter-style kernel messages exchanged with a
// remote runtime over WebSocket, and the codec for the two wire encodings the
// service is known to emit.
//
// All messages are JSON-encoded. A reply or streaming event belongs to a
// request iff its parent_header.msg_id equals the request's header.msg_id.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on outbound message headers.
const Version = "5.3"

// Message types produced by this client.
const (
	MsgTypeExecuteRequest    = "execute_request"
	MsgTypeKernelInfoRequest = "kernel_info_request"
	MsgTypeInterruptRequest  = "interrupt_request"
)

// Message types consumed from the kernel.
const (
	MsgTypeExecuteReply    = "execute_reply"
	MsgTypeKernelInfoReply = "kernel_info_reply"
	MsgTypeStream          = "stream"
	MsgTypeError           = "error"
	MsgTypeDisplayData     = "display_data"
	MsgTypeExecuteResult   = "execute_result"
	MsgTypeStatus          = "status"
)

// Execution status values carried in execute_reply content.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusAbort = "abort"
)

// Stream names used by stream events.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Header identifies a single message instance.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// IsZero reports whether the header carries no identity, which is how an
// empty parent_header presents after decoding.
func (h Header) IsZero() bool {
	return h.MsgID == "" && h.MsgType == ""
}

// Message is the in-memory form of one kernel protocol message. Content is
// kept raw so handlers can decode it by msg_type. A Message is immutable
// once created and is never retried.
type Message struct {
	Header       Header            `json:"header"`
	ParentHeader Header            `json:"parent_header"`
	Metadata     map[string]any    `json:"metadata"`
	Content      json.RawMessage   `json:"content"`
	Buffers      []json.RawMessage `json:"buffers,omitempty"`
}

// New builds an outbound message of the given type: fresh msg_id, current
// UTC timestamp, empty parent header.
func New(msgType, session string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			MsgID:   uuid.NewString(),
			MsgType: msgType,
			Session: session,
			Date:    time.Now().UTC().Format(time.RFC3339Nano),
			Version: Version,
		},
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}

// DecodeContent unmarshals the message content into out.
func (m *Message) DecodeContent(out any) error {
	return json.Unmarshal(m.Content, out)
}

// --- Content payloads ---

// ExecuteRequestContent is the content of an execute_request.
type ExecuteRequestContent struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
	AllowStdin   bool   `json:"allow_stdin"`
	StopOnError  bool   `json:"stop_on_error"`
}

// ExecuteReplyContent is the terminal reply to an execute_request.
type ExecuteReplyContent struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
}

// StreamContent carries a chunk of kernel stdout or stderr.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ErrorContent describes an exception raised by the kernel. Execution-level
// errors are data, not faults.
type ErrorContent struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// DisplayDataContent carries rich output (display_data, execute_result).
type DisplayDataContent struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// KernelStatusContent carries the kernel execution state from status events.
type KernelStatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// KernelInfoReplyContent is the (partial) content of a kernel_info_reply.
type KernelInfoReplyContent struct {
	Status          string `json:"status,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Implementation  string `json:"implementation,omitempty"`
	Banner          string `json:"banner,omitempty"`
}
