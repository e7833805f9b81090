// ABOUTME: Client-side stream consumer state machine and session coordination.
// ABOUTME: Reconciles pushed events into a coherent message list with one live stream at a time.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/session"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the in-memory conversation view. Streaming is true
// only for the assistant message currently receiving deltas; at most one
// message is streaming at any instant.
type Message struct {
	Role      string
	Content   string
	Streaming bool
}

// State of the active stream machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateSettled
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// StreamOpener opens the push channel for one send.
type StreamOpener interface {
	OpenStream(ctx context.Context, message, threadID string) (io.ReadCloser, error)
}

// HistoryFetcher loads a conversation's backlog on session switch.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, threadID string) ([]Message, error)
}

// sessionTitleLimit is how much of the first user message becomes the
// session title.
const sessionTitleLimit = 30

// activeStream is the per-stream state. The pending session save lives here
// so its lifetime is scoped to one stream, not the whole consumer: a
// re-announced thread.id on the same stream can never persist twice.
type activeStream struct {
	cancel      context.CancelFunc
	body        io.ReadCloser
	saveSession bool
	title       string
	messageID   string
	done        chan struct{}
}

// Consumer drives the in-memory message list from pushed stream events and
// keeps the session store consistent. All state is guarded by one mutex;
// events are dispatched from a single read loop per stream, and events from
// an abandoned stream are dropped.
type Consumer struct {
	opener   StreamOpener
	history  HistoryFetcher
	sessions *session.Store
	logger   *slog.Logger

	// OnFragment, when set, is called with each applied delta fragment.
	// It runs outside the consumer's lock and may call back into the
	// consumer. Set it before the first Send.
	OnFragment func(fragment string)

	mu             sync.Mutex
	state          State
	messages       []Message
	activeThreadID string
	lastError      string
	loadingHistory bool
	cur            *activeStream
}

// NewConsumer creates a consumer. Pass nil logger for the default.
func NewConsumer(opener StreamOpener, history HistoryFetcher, sessions *session.Store, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		opener:   opener,
		history:  history,
		sessions: sessions,
		logger:   logger.With("component", "consumer"),
		state:    StateIdle,
	}
}

// State returns the current stream state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the in-memory message list.
func (c *Consumer) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ActiveThread returns the bound session's thread id, or empty.
func (c *Consumer) ActiveThread() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeThreadID
}

// LastError returns the most recent surfaced error description, or empty.
func (c *Consumer) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// InputEnabled reports whether a new send is currently accepted.
func (c *Consumer) InputEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.state == StateIdle || c.state == StateSettled) && !c.loadingHistory
}

// Sessions returns the persisted session list, most recent first.
func (c *Consumer) Sessions() []session.ChatSession {
	return c.sessions.Load()
}

// Wait returns a channel closed when the current stream settles. If no
// stream is active the returned channel is already closed.
func (c *Consumer) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return c.cur.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Send appends the user message and a streaming assistant placeholder, opens
// a new push channel, and moves to connecting. Any prior open channel is
// closed first, so at most one stream is live at a time.
func (c *Consumer) Send(ctx context.Context, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCurrentLocked()
	c.lastError = ""

	c.messages = append(c.messages,
		Message{Role: RoleUser, Content: text},
		Message{Role: RoleAssistant, Streaming: true},
	)

	streamCtx, cancel := context.WithCancel(ctx)
	s := &activeStream{
		cancel:      cancel,
		saveSession: c.activeThreadID == "",
		title:       makeTitle(text),
		done:        make(chan struct{}),
	}
	c.cur = s
	c.state = StateConnecting

	go c.pump(streamCtx, s, text, c.activeThreadID)
	return nil
}

// pump opens the channel and dispatches its events until the stream settles.
// One pump per stream; events for a stream that is no longer current are
// dropped inside the handlers.
func (c *Consumer) pump(ctx context.Context, s *activeStream, text, threadID string) {
	body, err := c.opener.OpenStream(ctx, text, threadID)
	if err != nil {
		c.transportError(s, err)
		return
	}

	c.mu.Lock()
	if c.cur != s {
		// Abandoned while connecting
		c.mu.Unlock()
		body.Close()
		return
	}
	s.body = body
	c.mu.Unlock()

	reader := events.NewReader(body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if !c.isCurrent(s) || c.isSettled(s) {
				return
			}
			// io.EOF here means the channel closed without a terminal
			// event; treated identically to stream.error
			c.transportError(s, err)
			return
		}
		c.handleEvent(s, ev)
		if c.isSettled(s) {
			return
		}
	}
}

// handleEvent applies one pushed event to the state machine. The fragment
// callback runs after the lock is released so it may call back into the
// consumer.
func (c *Consumer) handleEvent(s *activeStream, ev events.Event) {
	var applied string
	notify := c.OnFragment

	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		if applied != "" && notify != nil {
			notify(applied)
		}
	}()

	if c.cur != s {
		return
	}

	switch ev.Kind() {
	case events.KindThreadID:
		var p events.ThreadIDPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		c.bindThreadLocked(s, p.ThreadID)

	case events.KindMessageCreated:
		s.messageID = events.MessageID(ev.Data)
		c.logger.Debug("assistant message created", "message_id", s.messageID)

	case events.KindMessageDelta:
		if c.state != StateConnecting && c.state != StateStreaming {
			return
		}
		fragment, ok := events.DeltaText(ev.Data)
		if !ok {
			return
		}
		if c.appendFragmentLocked(fragment) {
			applied = fragment
		}
		c.state = StateStreaming

	case events.KindMessageCompleted:
		c.finalizeLastLocked()
		c.settleLocked(s)

	case events.KindStreamEnd:
		// Idempotent finalizer: message.completed may have been missed
		c.finalizeLastLocked()
		c.settleLocked(s)

	case events.KindStreamError:
		var p events.StreamErrorPayload
		msg := "unknown stream error"
		if err := json.Unmarshal(ev.Data, &p); err == nil && p.Error != "" {
			msg = p.Error
		}
		c.failLocked(s, "assistant error: "+msg)

	default:
		// Provider run lifecycle events pass through the relay; ignore
	}
}

// bindThreadLocked binds the session id first-write-wins and persists a new
// session exactly once per stream.
func (c *Consumer) bindThreadLocked(s *activeStream, threadID string) {
	if threadID == "" {
		return
	}
	if c.activeThreadID == "" {
		c.activeThreadID = threadID
	}
	if s.saveSession {
		s.saveSession = false
		c.sessions.Upsert(session.ChatSession{
			ThreadID:  threadID,
			Title:     s.title,
			Timestamp: time.Now().UnixMilli(),
		})
		c.logger.Debug("session saved", "thread_id", threadID)
	}
}

// appendFragmentLocked appends delta text to the trailing placeholder and
// reports whether it was applied.
func (c *Consumer) appendFragmentLocked(fragment string) bool {
	if len(c.messages) == 0 {
		return false
	}
	c.messages[len(c.messages)-1].Content += fragment
	return true
}

// finalizeLastLocked clears the streaming flag on the trailing message.
func (c *Consumer) finalizeLastLocked() {
	if len(c.messages) == 0 {
		return
	}
	c.messages[len(c.messages)-1].Streaming = false
}

// removeTrailingPlaceholderLocked drops the trailing message if it is still
// streaming. A failed turn never leaves a half-written reply behind.
func (c *Consumer) removeTrailingPlaceholderLocked() {
	if len(c.messages) == 0 {
		return
	}
	if c.messages[len(c.messages)-1].Streaming {
		c.messages = c.messages[:len(c.messages)-1]
	}
}

// settleLocked closes the channel and re-enables input. Exactly one settle
// per stream.
func (c *Consumer) settleLocked(s *activeStream) {
	if c.cur != s {
		return
	}
	c.state = StateSettled
	c.cur = nil
	s.cancel()
	if s.body != nil {
		s.body.Close()
	}
	close(s.done)
}

// failLocked is the error settle path: placeholder removed, error surfaced.
func (c *Consumer) failLocked(s *activeStream, msg string) {
	if c.cur != s {
		return
	}
	c.removeTrailingPlaceholderLocked()
	c.lastError = msg
	c.logger.Debug("stream failed", "error", msg)
	c.settleLocked(s)
}

// transportError handles channel failures outside in-band events.
func (c *Consumer) transportError(s *activeStream, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(s, "connection error: "+err.Error())
}

func (c *Consumer) isCurrent(s *activeStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == s
}

func (c *Consumer) isSettled(s *activeStream) bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// closeCurrentLocked cancels any open stream and resolves its placeholder.
func (c *Consumer) closeCurrentLocked() {
	if c.cur == nil {
		return
	}
	s := c.cur
	c.cur = nil
	s.cancel()
	if s.body != nil {
		s.body.Close()
	}
	c.removeTrailingPlaceholderLocked()
	c.state = StateSettled
	close(s.done)
}

// SwitchSession selects another session: any in-flight stream is cancelled,
// the message list is replaced by the session's backlog, and the machine
// returns to idle. Switching to the already-active session is a no-op.
// On fetch failure the session stays selected so the user can retry.
func (c *Consumer) SwitchSession(ctx context.Context, threadID string) error {
	c.mu.Lock()
	if threadID == c.activeThreadID {
		c.mu.Unlock()
		return nil
	}

	c.closeCurrentLocked()
	c.messages = nil
	c.lastError = ""
	c.activeThreadID = threadID
	c.loadingHistory = true
	c.mu.Unlock()

	history, err := c.history.FetchHistory(ctx, threadID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadingHistory = false
	c.state = StateIdle

	if err != nil {
		c.messages = nil
		c.lastError = "failed to load chat history: " + err.Error()
		return err
	}

	for i := range history {
		history[i].Streaming = false
	}
	c.messages = history
	return nil
}

// ReloadHistory refetches the active session's backlog, the retry path after
// a failed switch.
func (c *Consumer) ReloadHistory(ctx context.Context) error {
	c.mu.Lock()
	threadID := c.activeThreadID
	c.mu.Unlock()
	if threadID == "" {
		return nil
	}

	c.mu.Lock()
	c.activeThreadID = ""
	c.mu.Unlock()
	return c.SwitchSession(ctx, threadID)
}

// NewChat cancels any stream and resets to an unbound, empty conversation.
func (c *Consumer) NewChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCurrentLocked()
	c.messages = nil
	c.activeThreadID = ""
	c.lastError = ""
	c.loadingHistory = false
	c.state = StateIdle
}

// DeleteSession removes one persisted session. Deleting the active session
// also resets to an unbound, empty conversation.
func (c *Consumer) DeleteSession(threadID string) {
	c.sessions.Remove(threadID)

	c.mu.Lock()
	active := c.activeThreadID == threadID
	c.mu.Unlock()
	if active {
		c.NewChat()
	}
}

// ClearAll deletes every persisted session and resets to the idle,
// no-active-session state.
func (c *Consumer) ClearAll() {
	c.sessions.Clear()
	c.NewChat()
}

// makeTitle derives a session title from the first user message.
func makeTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= sessionTitleLimit {
		return text
	}
	return string(runes[:sessionTitleLimit]) + "..."
}
