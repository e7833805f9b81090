// ABOUTME: End-to-end tests running the consumer against a real relay server over HTTP.
// ABOUTME: Validates that a sent message round-trips into streamed content and fetchable history.

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/relay"
	"github.com/threadline/threadline/internal/session"
)

// startRelay serves a relay over the mock provider on a real listener.
func startRelay(t *testing.T, mock *provider.Mock) *httptest.Server {
	t.Helper()
	rl := relay.New(mock, relay.Options{}, nil)
	t.Cleanup(rl.Close)

	mux := http.NewServeMux()
	rl.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTrip_SendThenFetchHistory(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("Hi", " there")
	srv := startRelay(t, mock)

	api := NewAPI(srv.URL)
	sessions := session.NewStore(newMemBackend(), nil)
	c := NewConsumer(api, api, sessions, nil)

	require.NoError(t, c.Send(context.Background(), "hello"))
	waitSettled(t, c)

	// The streamed reply is the concatenated fragments, in order
	require.Empty(t, c.LastError())
	messages := c.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, Message{Role: RoleUser, Content: "hello"}, messages[0])
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Hi there"}, messages[1])

	threadID := c.ActiveThread()
	require.NotEmpty(t, threadID)

	// One session saved for the new conversation
	saved := sessions.Load()
	require.Len(t, saved, 1)
	assert.Equal(t, threadID, saved[0].ThreadID)
	assert.Equal(t, "hello", saved[0].Title)

	// A history fetch for the same handle returns the same content
	history, err := api.FetchHistory(context.Background(), threadID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, Message{Role: RoleUser, Content: "hello"}, history[0])
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Hi there"}, history[1])
}

func TestRoundTrip_SwitchBackRestoresConversation(t *testing.T) {
	mock := provider.NewMock()
	mock.ScriptTextRun("first answer")
	srv := startRelay(t, mock)

	api := NewAPI(srv.URL)
	c := NewConsumer(api, api, session.NewStore(newMemBackend(), nil), nil)

	require.NoError(t, c.Send(context.Background(), "first question"))
	waitSettled(t, c)
	threadID := c.ActiveThread()
	require.NotEmpty(t, threadID)

	// Leave for a fresh chat, then switch back through the history endpoint
	c.NewChat()
	require.Empty(t, c.Messages())

	require.NoError(t, c.SwitchSession(context.Background(), threadID))

	messages := c.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "first question", messages[0].Content)
	assert.Equal(t, "first answer", messages[1].Content)
}

func TestRoundTrip_HistoryUnknownThread(t *testing.T) {
	srv := startRelay(t, provider.NewMock())

	api := NewAPI(srv.URL)
	c := NewConsumer(api, api, session.NewStore(newMemBackend(), nil), nil)

	err := c.SwitchSession(context.Background(), "thread_nowhere")
	require.Error(t, err)
	assert.Equal(t, "failed to load chat history: chat history not found for the given id", c.LastError())
	assert.Equal(t, "thread_nowhere", c.ActiveThread())
}
