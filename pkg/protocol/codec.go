package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The service speaks two encodings. Encoding A is a single structured object
// carrying header, parent_header, metadata and content directly; it is the
// only encoding this client produces. Encoding B is the legacy array framing
// [delimiter, signature, header, parent_header, metadata, content, ...buffers]
// where each slot may arrive either as a raw JSON value or as a JSON string
// holding nested JSON. Both decode paths are kept indefinitely; the remote
// side may emit either.

// legacy frame positions, after the Jupyter channel framing.
const (
	frameDelimiter = iota
	frameSignature
	frameHeader
	frameParentHeader
	frameMetadata
	frameContent
	frameBuffers

	minLegacyFrames = 6
)

// previewLimit bounds how much of an offending payload decode errors quote.
const previewLimit = 120

// Encode serializes a message in Encoding A. An empty parent header is
// emitted as {} rather than a zero-valued header object.
func Encode(msg *Message) ([]byte, error) {
	parent := json.RawMessage("{}")
	if !msg.ParentHeader.IsZero() {
		b, err := json.Marshal(msg.ParentHeader)
		if err != nil {
			return nil, fmt.Errorf("encode parent header: %w", err)
		}
		parent = b
	}

	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	content := msg.Content
	if content == nil {
		content = json.RawMessage("{}")
	}

	return json.Marshal(struct {
		Header       Header            `json:"header"`
		ParentHeader json.RawMessage   `json:"parent_header"`
		Metadata     map[string]any    `json:"metadata"`
		Content      json.RawMessage   `json:"content"`
		Buffers      []json.RawMessage `json:"buffers,omitempty"`
	}{
		Header:       msg.Header,
		ParentHeader: parent,
		Metadata:     metadata,
		Content:      content,
		Buffers:      msg.Buffers,
	})
}

// Decode parses a wire payload in either encoding. A JSON array at the top
// level is Encoding B; anything else is parsed as Encoding A and then
// schema-validated.
func Decode(data []byte) (*Message, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodeLegacy(trimmed)
	}
	return decodeObject(data)
}

func decodeObject(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w (payload: %s)", err, preview(data))
	}
	if err := validate(&msg); err != nil {
		return nil, fmt.Errorf("%w (payload: %s)", err, preview(data))
	}
	applyDefaults(&msg)
	return &msg, nil
}

func decodeLegacy(data []byte) (*Message, error) {
	var frames []json.RawMessage
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("decode legacy frames: %w (payload: %s)", err, preview(data))
	}
	if len(frames) < minLegacyFrames {
		return nil, fmt.Errorf("decode legacy frames: expected at least %d elements, got %d (payload: %s)",
			minLegacyFrames, len(frames), preview(data))
	}

	var msg Message
	if err := decodeFrame(frames[frameHeader], &msg.Header); err != nil {
		return nil, fmt.Errorf("decode legacy header: %w (payload: %s)", err, preview(frames[frameHeader]))
	}
	if err := decodeFrame(frames[frameParentHeader], &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("decode legacy parent header: %w (payload: %s)", err, preview(frames[frameParentHeader]))
	}
	if err := decodeFrame(frames[frameMetadata], &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decode legacy metadata: %w (payload: %s)", err, preview(frames[frameMetadata]))
	}
	content, err := rawFrame(frames[frameContent])
	if err != nil {
		return nil, fmt.Errorf("decode legacy content: %w (payload: %s)", err, preview(frames[frameContent]))
	}
	msg.Content = content

	for _, f := range frames[frameBuffers:] {
		buf, err := rawFrame(f)
		if err != nil {
			return nil, fmt.Errorf("decode legacy buffer: %w (payload: %s)", err, preview(f))
		}
		msg.Buffers = append(msg.Buffers, buf)
	}

	if err := validate(&msg); err != nil {
		return nil, fmt.Errorf("%w (payload: %s)", err, preview(data))
	}
	applyDefaults(&msg)
	return &msg, nil
}

// decodeFrame unmarshals one legacy slot into out, unwrapping one level of
// string nesting when the slot was pre-serialized.
func decodeFrame(raw json.RawMessage, out any) error {
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		return json.Unmarshal([]byte(nested), out)
	}
	return json.Unmarshal(raw, out)
}

// rawFrame returns the slot's JSON value, unwrapping one level of string
// nesting when the inner string is itself valid JSON.
func rawFrame(raw json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil && json.Valid([]byte(nested)) {
		return json.RawMessage(nested), nil
	}
	return raw, nil
}

func validate(msg *Message) error {
	switch {
	case msg.Header.MsgID == "":
		return fmt.Errorf("decode message: missing header.msg_id")
	case msg.Header.MsgType == "":
		return fmt.Errorf("decode message: missing header.msg_type")
	case msg.Header.Session == "":
		return fmt.Errorf("decode message: missing header.session")
	}
	return nil
}

func applyDefaults(msg *Message) {
	if msg.Header.Version == "" {
		msg.Header.Version = Version
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	if msg.Content == nil {
		msg.Content = json.RawMessage("{}")
	}
	if msg.Buffers == nil {
		msg.Buffers = []json.RawMessage{}
	}
}

func preview(data []byte) string {
	if len(data) <= previewLimit {
		return string(data)
	}
	return string(data[:previewLimit]) + "..."
}
