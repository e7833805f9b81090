// ABOUTME: Boundary to the remote conversational-AI provider.
// ABOUTME: Threads, message submission, run streams, and history live behind this interface.

package provider

import (
	"context"
	"errors"

	"github.com/threadline/threadline/internal/events"
)

// ErrThreadNotFound is returned when the provider does not recognize a
// conversation handle. The history endpoint maps it to a 404.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadMessage is one stored message from a thread's backlog, reduced to
// the renderable parts.
type ThreadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunStream delivers the provider's run events in order. Next returns io.EOF
// when the upstream stream ends cleanly.
type RunStream interface {
	Next() (events.Event, error)
	Close() error
}

// Provider is the conversational backend the relay brokers to. Conversation
// handles (thread ids) are owned by the provider; the relay only references
// them.
type Provider interface {
	// CreateThread requests a new conversation handle.
	CreateThread(ctx context.Context) (string, error)

	// AddUserMessage appends the user's message to a thread. The append
	// itself is not streamed to the client.
	AddUserMessage(ctx context.Context, threadID, content string) error

	// StreamRun starts an assistant run on the thread and returns its
	// event stream.
	StreamRun(ctx context.Context, threadID string) (RunStream, error)

	// ListMessages returns the thread's backlog in chronological order,
	// keeping only messages with extractable text. Returns
	// ErrThreadNotFound for unrecognized handles.
	ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
}
