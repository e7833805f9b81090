// ABOUTME: Tests for SSE frame writing and parsing.
// ABOUTME: Validates frame format, reader dispatch, comments, and clean stream end.

package events

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSSE_Format(t *testing.T) {
	var buf strings.Builder

	err := WriteSSE(&buf, "thread.id", json.RawMessage(`{"threadId":"thread_1"}`))
	require.NoError(t, err)

	assert.Equal(t, "event: thread.id\ndata: {\"threadId\":\"thread_1\"}\n\n", buf.String())
}

func TestWriteSSEJSON(t *testing.T) {
	var buf strings.Builder

	err := WriteSSEJSON(&buf, "stream.end", StreamEndPayload{Message: "Stream ended"})
	require.NoError(t, err)

	assert.Equal(t, "event: stream.end\ndata: {\"message\":\"Stream ended\"}\n\n", buf.String())
}

func TestWriteSSEJSON_MarshalError(t *testing.T) {
	var buf strings.Builder

	// Channels are not JSON-serializable
	err := WriteSSEJSON(&buf, "stream.end", make(chan int))
	assert.Error(t, err)
	assert.Empty(t, buf.String())
}

func TestReader_Next(t *testing.T) {
	stream := "event: thread.id\ndata: {\"threadId\":\"thread_1\"}\n\n" +
		"event: thread.message.delta\ndata: {\"delta\":{}}\n\n"

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "thread.id", ev.Name)
	assert.JSONEq(t, `{"threadId":"thread_1"}`, string(ev.Data))

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "thread.message.delta", ev.Name)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_RoundTrip(t *testing.T) {
	var buf strings.Builder
	require.NoError(t, WriteSSE(&buf, NameMessageDelta, json.RawMessage(`{"delta":{"content":[{"type":"text","text":{"value":"hi"}}]}}`)))
	require.NoError(t, WriteSSEJSON(&buf, NameStreamEnd, StreamEndPayload{Message: "Stream ended"}))

	r := NewReader(strings.NewReader(buf.String()))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindMessageDelta, ev.Kind())
	text, ok := DeltaText(ev.Data)
	assert.True(t, ok)
	assert.Equal(t, "hi", text)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindStreamEnd, ev.Kind())
}

func TestReader_SkipsComments(t *testing.T) {
	stream := ": keep-alive\n\nevent: stream.end\ndata: {}\n\n"

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "stream.end", ev.Name)
}

func TestReader_SkipsIncompleteFrames(t *testing.T) {
	// A frame with only an event name and no data is dropped
	stream := "event: orphan\n\nevent: stream.end\ndata: {}\n\n"

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "stream.end", ev.Name)
}

func TestReader_DataWithoutSpace(t *testing.T) {
	// "data:" without the optional space after the colon is still valid SSE
	stream := "event: thread.id\ndata:{\"threadId\":\"t\"}\n\n"

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"threadId":"t"}`, string(ev.Data))
}

func TestReader_EmptyStream(t *testing.T) {
	r := NewReader(strings.NewReader(""))

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_TruncatedFrame(t *testing.T) {
	// Stream cut off mid-frame with no terminating blank line
	r := NewReader(strings.NewReader("event: thread.message.delta\ndata: {\"delta\""))

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}
