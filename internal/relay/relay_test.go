// ABOUTME: Tests for the streaming relay HTTP handlers.
// ABOUTME: Validates event ordering, in-band failure reporting, thread validation, and history.

package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/provider"
)

func newTestRelay(t *testing.T, mock *provider.Mock, opts Options) *http.ServeMux {
	t.Helper()
	rl := New(mock, opts, nil)
	t.Cleanup(rl.Close)

	mux := http.NewServeMux()
	rl.Register(mux)
	return mux
}

// readEvents parses every SSE frame from a response body.
func readEvents(t *testing.T, body io.Reader) []events.Event {
	t.Helper()
	r := events.NewReader(body)

	var evs []events.Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return evs
		}
		require.NoError(t, err)
		evs = append(evs, ev)
	}
}

func eventNames(evs []events.Event) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Name
	}
	return names
}

func TestStreaming_NewThread(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("Hello", ", world")
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	evs := readEvents(t, rec.Body)
	assert.Equal(t, []string{
		events.NameThreadID,
		events.NameMessageCreated,
		events.NameMessageDelta,
		events.NameMessageDelta,
		events.NameMessageCompleted,
		events.NameStreamEnd,
	}, eventNames(evs))

	// The announced thread id matches the one the provider created
	var tp events.ThreadIDPayload
	require.NoError(t, json.Unmarshal(evs[0].Data, &tp))
	require.Len(t, mock.CreatedThreads, 1)
	assert.Equal(t, mock.CreatedThreads[0], tp.ThreadID)

	// The user message was submitted to that thread
	assert.Equal(t, []string{"Hi"}, mock.UserMessages[tp.ThreadID])

	// Delta payloads pass through verbatim
	text, ok := events.DeltaText(evs[2].Data)
	assert.True(t, ok)
	assert.Equal(t, "Hello", text)

	var end events.StreamEndPayload
	require.NoError(t, json.Unmarshal(evs[len(evs)-1].Data, &end))
	assert.Equal(t, "Stream ended", end.Message)
}

func TestStreaming_ExistingThread(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("reply")
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=again&threadId=thread_known", nil))

	evs := readEvents(t, rec.Body)
	require.NotEmpty(t, evs)

	// No thread is created; the supplied id is re-announced
	assert.Empty(t, mock.CreatedThreads)
	var tp events.ThreadIDPayload
	require.NoError(t, json.Unmarshal(evs[0].Data, &tp))
	assert.Equal(t, "thread_known", tp.ThreadID)

	assert.Equal(t, []string{"again"}, mock.UserMessages["thread_known"])
}

func TestStreaming_MissingMessage(t *testing.T) {
	mux := newTestRelay(t, provider.NewMock(), Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Error: message is required in query parameters.\n", rec.Body.String())
}

func TestStreaming_MethodNotAllowed(t *testing.T) {
	mux := newTestRelay(t, provider.NewMock(), Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/streaming?message=Hi", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStreaming_CreateThreadFails(t *testing.T) {
	mock := provider.NewMock()
	mock.CreateThreadErr = errors.New("provider down")
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi", nil))

	// Channel is already committed, so the failure is an in-band event
	assert.Equal(t, http.StatusOK, rec.Code)

	evs := readEvents(t, rec.Body)
	require.Len(t, evs, 1)
	assert.Equal(t, events.NameStreamError, evs[0].Name)

	var ep events.StreamErrorPayload
	require.NoError(t, json.Unmarshal(evs[0].Data, &ep))
	assert.Contains(t, ep.Error, "failed to create conversation")
}

func TestStreaming_AddMessageFails(t *testing.T) {
	mock := provider.NewMock()
	mock.AddMessageErr = errors.New("quota exceeded")
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi&threadId=thread_1", nil))

	evs := readEvents(t, rec.Body)
	require.Len(t, evs, 2)
	assert.Equal(t, events.NameThreadID, evs[0].Name)
	assert.Equal(t, events.NameStreamError, evs[1].Name)

	var ep events.StreamErrorPayload
	require.NoError(t, json.Unmarshal(evs[1].Data, &ep))
	assert.Contains(t, ep.Error, "failed to submit message")
}

func TestStreaming_StreamRunFails(t *testing.T) {
	mock := provider.NewMock()
	mock.StreamRunErr = errors.New("run rejected")
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi&threadId=thread_1", nil))

	evs := readEvents(t, rec.Body)
	require.Len(t, evs, 2)
	assert.Equal(t, events.NameThreadID, evs[0].Name)
	assert.Equal(t, events.NameStreamError, evs[1].Name)
}

func TestStreaming_MidStreamFailure(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("partial")
	mock.StreamFailAfter = 2 // after message.created and one delta
	mock.StreamFailWithErr = errors.New("connection reset")
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi&threadId=thread_1", nil))

	evs := readEvents(t, rec.Body)
	names := eventNames(evs)
	require.NotEmpty(t, names)

	// Exactly one terminal event, and it is stream.error, not stream.end
	assert.Equal(t, events.NameStreamError, names[len(names)-1])
	assert.NotContains(t, names, events.NameStreamEnd)
	assert.Contains(t, names, events.NameMessageDelta)
}

func TestStreaming_ValidateRejectsUnknownThread(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("reply")
	mux := newTestRelay(t, mock, Options{ValidateThreads: true})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi&threadId=thread_forged", nil))

	evs := readEvents(t, rec.Body)
	require.Len(t, evs, 1)
	assert.Equal(t, events.NameStreamError, evs[0].Name)

	var ep events.StreamErrorPayload
	require.NoError(t, json.Unmarshal(evs[0].Data, &ep))
	assert.Contains(t, ep.Error, "unknown thread id")
}

func TestStreaming_ValidateAcceptsIssuedThread(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("first reply")
	mux := newTestRelay(t, mock, Options{ValidateThreads: true})

	// First request creates the thread, registering its id
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi", nil))
	require.Len(t, mock.CreatedThreads, 1)
	threadID := mock.CreatedThreads[0]

	// Second request reuses the issued id and is accepted
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=more&threadId="+threadID, nil))

	names := eventNames(readEvents(t, rec.Body))
	assert.Equal(t, events.NameStreamEnd, names[len(names)-1])
}

func TestStreaming_HistoryFetchDoesNotAuthorizeThread(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("reply")
	// The provider knows this thread, but this relay never issued it
	mock.History["thread_foreign"] = []provider.ThreadMessage{
		{Role: "user", Content: "hello from elsewhere"},
	}
	mux := newTestRelay(t, mock, Options{ValidateThreads: true})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history/thread_foreign", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Fetching history must not register the id for validation
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/streaming?message=Hi&threadId=thread_foreign", nil))

	evs := readEvents(t, rec.Body)
	require.Len(t, evs, 1)
	assert.Equal(t, events.NameStreamError, evs[0].Name)

	var ep events.StreamErrorPayload
	require.NoError(t, json.Unmarshal(evs[0].Data, &ep))
	assert.Contains(t, ep.Error, "unknown thread id")
}

func TestHistory(t *testing.T) {
	mock := provider.NewMock()
	mock.History["thread_1"] = []provider.ThreadMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello, world"},
	}
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history/thread_1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		History []provider.ThreadMessage `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.History, 2)
	assert.Equal(t, "user", resp.History[0].Role)
	assert.Equal(t, "Hello, world", resp.History[1].Content)
}

func TestHistory_NotFound(t *testing.T) {
	mux := newTestRelay(t, provider.NewMock(), Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history/thread_missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat history not found for the given id", resp["error"])
}

func TestHistory_ProviderError(t *testing.T) {
	mock := provider.NewMock()
	mock.ListMessagesErr = errors.New("upstream timeout")
	mux := newTestRelay(t, mock, Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history/thread_1", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "internal server error")
}

func TestHistory_MissingThreadID(t *testing.T) {
	mux := newTestRelay(t, provider.NewMock(), Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history/", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory_MethodNotAllowed(t *testing.T) {
	mux := newTestRelay(t, provider.NewMock(), Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chat/history/thread_1", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	mux := newTestRelay(t, provider.NewMock(), Options{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
