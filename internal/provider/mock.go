// ABOUTME: Scripted in-memory Provider for tests.
// ABOUTME: Each run replays a programmed event script and records side effects.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/events"
)

// Mock implements Provider with scripted behavior. Failure points are
// programmable so relay error paths can be exercised.
type Mock struct {
	mu sync.Mutex

	// Script is the event sequence replayed by every run stream.
	Script []events.Event

	// Failure injection. When set, the corresponding call returns the error.
	CreateThreadErr   error
	AddMessageErr     error
	StreamRunErr      error
	ListMessagesErr   error
	StreamFailAfter   int   // fail the stream after this many events...
	StreamFailWithErr error // ...with this error

	// Recorded side effects.
	CreatedThreads []string
	UserMessages   map[string][]string // threadID -> contents

	// History served by ListMessages, keyed by thread id. Submitted user
	// messages and completed runs append here, so a history fetch after a
	// run returns what the stream delivered.
	History map[string][]ThreadMessage
}

// NewMock creates an empty mock provider.
func NewMock() *Mock {
	return &Mock{
		UserMessages: make(map[string][]string),
		History:      make(map[string][]ThreadMessage),
	}
}

// ScriptTextRun programs a standard successful run: message.created, one
// delta per fragment, then message.completed. Returns the message id used.
func (m *Mock) ScriptTextRun(fragments ...string) string {
	msgID := "msg_" + uuid.New().String()[:8]

	script := []events.Event{
		{Name: events.NameMessageCreated, Data: json.RawMessage(fmt.Sprintf(`{"id":%q}`, msgID))},
	}
	for _, f := range fragments {
		script = append(script, events.Event{
			Name: events.NameMessageDelta,
			Data: json.RawMessage(fmt.Sprintf(`{"delta":{"content":[{"type":"text","text":{"value":%q}}]}}`, f)),
		})
	}
	script = append(script, events.Event{
		Name: events.NameMessageCompleted,
		Data: json.RawMessage(fmt.Sprintf(`{"id":%q}`, msgID)),
	})

	m.mu.Lock()
	m.Script = script
	m.mu.Unlock()
	return msgID
}

func (m *Mock) CreateThread(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateThreadErr != nil {
		return "", m.CreateThreadErr
	}
	id := "thread_" + uuid.New().String()[:8]
	m.CreatedThreads = append(m.CreatedThreads, id)
	if _, ok := m.History[id]; !ok {
		m.History[id] = []ThreadMessage{}
	}
	return id, nil
}

func (m *Mock) AddUserMessage(ctx context.Context, threadID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddMessageErr != nil {
		return m.AddMessageErr
	}
	m.UserMessages[threadID] = append(m.UserMessages[threadID], content)
	m.History[threadID] = append(m.History[threadID], ThreadMessage{Role: "user", Content: content})
	return nil
}

func (m *Mock) StreamRun(ctx context.Context, threadID string) (RunStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StreamRunErr != nil {
		return nil, m.StreamRunErr
	}
	script := make([]events.Event, len(m.Script))
	copy(script, m.Script)

	// The reply a completed run leaves in the thread is the script's
	// concatenated delta text.
	var reply string
	for _, ev := range script {
		if ev.Kind() == events.KindMessageDelta {
			if text, ok := events.DeltaText(ev.Data); ok {
				reply += text
			}
		}
	}

	return &mockRunStream{
		mock:      m,
		threadID:  threadID,
		reply:     reply,
		script:    script,
		failAfter: m.StreamFailAfter,
		failErr:   m.StreamFailWithErr,
	}, nil
}

func (m *Mock) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListMessagesErr != nil {
		return nil, m.ListMessagesErr
	}
	history, ok := m.History[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return history, nil
}

// mockRunStream replays a script, optionally failing partway through. A run
// that replays to the end records its reply in the thread's history; a
// failed run records nothing.
type mockRunStream struct {
	mock      *Mock
	threadID  string
	reply     string
	script    []events.Event
	pos       int
	failAfter int
	failErr   error
	recorded  bool
}

func (s *mockRunStream) Next() (events.Event, error) {
	if s.failErr != nil && s.pos >= s.failAfter {
		return events.Event{}, s.failErr
	}
	if s.pos >= len(s.script) {
		if !s.recorded {
			s.recorded = true
			s.mock.recordReply(s.threadID, s.reply)
		}
		return events.Event{}, io.EOF
	}
	ev := s.script[s.pos]
	s.pos++
	return ev, nil
}

func (m *Mock) recordReply(threadID, reply string) {
	if reply == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History[threadID] = append(m.History[threadID], ThreadMessage{Role: "assistant", Content: reply})
}

func (s *mockRunStream) Close() error { return nil }
