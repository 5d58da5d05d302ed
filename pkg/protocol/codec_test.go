package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	msg, err := New(MsgTypeExecuteRequest, "sess-1", ExecuteRequestContent{
		Code:         "print('hi')",
		StoreHistory: true,
	})
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, msg.Header.MsgID, got.Header.MsgID)
	assert.Equal(t, MsgTypeExecuteRequest, got.Header.MsgType)
	assert.Equal(t, "sess-1", got.Header.Session)

	var content ExecuteRequestContent
	require.NoError(t, got.DecodeContent(&content))
	assert.Equal(t, "print('hi')", content.Code)
	assert.True(t, content.StoreHistory)
}

func TestEncodeEmptyParentHeaderIsEmptyObject(t *testing.T) {
	t.Parallel()

	msg, err := New(MsgTypeKernelInfoRequest, "sess-1", map[string]any{})
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.JSONEq(t, "{}", string(wire["parent_header"]))
}

func TestDecodeObjectAppliesDefaults(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"header": {"msg_id": "m1", "msg_type": "status", "session": "s1"},
		"parent_header": {},
		"content": {"execution_state": "idle"}
	}`)

	msg, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, Version, msg.Header.Version)
	assert.Equal(t, "", msg.Header.Username)
	assert.NotNil(t, msg.Metadata)
	assert.NotNil(t, msg.Buffers)
	assert.True(t, msg.ParentHeader.IsZero())
}

func TestDecodeObjectMissingRequiredFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"missing msg_id", `{"header": {"msg_type": "status", "session": "s1"}}`, "msg_id"},
		{"missing msg_type", `{"header": {"msg_id": "m1", "session": "s1"}}`, "msg_type"},
		{"missing session", `{"header": {"msg_id": "m1", "msg_type": "status"}}`, "session"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDecodeLegacyRawSlots(t *testing.T) {
	t.Parallel()

	data := []byte(`[
		"<IDS|MSG>",
		"sig",
		{"msg_id": "m1", "msg_type": "stream", "session": "s1"},
		{"msg_id": "p1", "msg_type": "execute_request", "session": "s1"},
		{},
		{"name": "stdout", "text": "hello"}
	]`)

	msg, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, MsgTypeStream, msg.Header.MsgType)
	assert.Equal(t, "p1", msg.ParentHeader.MsgID)

	var content StreamContent
	require.NoError(t, msg.DecodeContent(&content))
	assert.Equal(t, "hello", content.Text)
}

func TestDecodeLegacyNestedStringSlots(t *testing.T) {
	t.Parallel()

	header, _ := json.Marshal(Header{MsgID: "m2", MsgType: MsgTypeExecuteReply, Session: "s1"})
	parent, _ := json.Marshal(Header{MsgID: "p2", MsgType: MsgTypeExecuteRequest, Session: "s1"})
	content, _ := json.Marshal(ExecuteReplyContent{Status: StatusOK, ExecutionCount: 3})

	frames := []any{"<IDS|MSG>", "", string(header), string(parent), "{}", string(content)}
	data, err := json.Marshal(frames)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "m2", msg.Header.MsgID)
	assert.Equal(t, "p2", msg.ParentHeader.MsgID)

	var reply ExecuteReplyContent
	require.NoError(t, msg.DecodeContent(&reply))
	assert.Equal(t, StatusOK, reply.Status)
	assert.Equal(t, 3, reply.ExecutionCount)
}

func TestDecodeLegacyBuffers(t *testing.T) {
	t.Parallel()

	data := []byte(`[
		"<IDS|MSG>", "",
		{"msg_id": "m3", "msg_type": "display_data", "session": "s1"},
		{}, {},
		{"data": {"text/plain": "42"}},
		{"extra": 1},
		"{\"extra\": 2}"
	]`)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, msg.Buffers, 2)
	assert.JSONEq(t, `{"extra": 1}`, string(msg.Buffers[0]))
	assert.JSONEq(t, `{"extra": 2}`, string(msg.Buffers[1]))
}

func TestDecodeLegacyTooFewElements(t *testing.T) {
	t.Parallel()

	data := []byte(`["<IDS|MSG>", "", {"msg_id": "m1"}]`)
	_, err := Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 6")
	assert.Contains(t, err.Error(), "<IDS|MSG>")
}

func TestDecodeLegacyBadHeaderSlot(t *testing.T) {
	t.Parallel()

	data := []byte(`["<IDS|MSG>", "", "not json at all", {}, {}, {}]`)
	_, err := Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header")
}

func TestDecodeErrorPreviewIsBounded(t *testing.T) {
	t.Parallel()

	long := `{"header": "` + strings.Repeat("x", 4096) + `"`
	_, err := Decode([]byte(long))
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 400)
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}
