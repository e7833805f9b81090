// ABOUTME: HTTP relay turning one-shot chat requests into server-pushed SSE streams.
// ABOUTME: Brokers thread setup and run streaming against the remote provider.

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/provider"
)

const (
	defaultRegistryTTL  = 24 * time.Hour
	defaultRegistrySize = 4096
)

// Options configures relay behavior.
type Options struct {
	// ValidateThreads rejects streaming requests whose threadId was not
	// issued by this relay. Rejection is in-band (stream.error) because the
	// check runs after the channel is committed.
	ValidateThreads bool

	// Registry bounds. Zero values use defaults.
	RegistryTTL  time.Duration
	RegistrySize int
}

// Relay serves the streaming chat endpoint and thread history. Each request
// runs one sequential forwarding loop; requests share no mutable state
// beyond the thread registry.
type Relay struct {
	provider provider.Provider
	registry *Registry
	validate bool
	logger   *slog.Logger
}

// New creates a relay over the given provider. Pass nil logger for default.
func New(p provider.Provider, opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.RegistryTTL
	if ttl == 0 {
		ttl = defaultRegistryTTL
	}
	size := opts.RegistrySize
	if size == 0 {
		size = defaultRegistrySize
	}
	return &Relay{
		provider: p,
		registry: NewRegistry(ttl, size),
		validate: opts.ValidateThreads,
		logger:   logger.With("component", "relay"),
	}
}

// Register installs the relay's routes on the mux.
func (rl *Relay) Register(mux *http.ServeMux) {
	mux.HandleFunc("/chat/streaming", rl.handleStreaming)
	mux.HandleFunc("/chat/history/", rl.handleHistory)
	mux.HandleFunc("/healthz", rl.handleHealth)
}

// Close releases the thread registry.
func (rl *Relay) Close() {
	rl.registry.Close()
}

// handleStreaming handles GET /chat/streaming?message=...&threadId=...
//
// A missing message is the only conventional rejection; once SSE headers are
// committed every outcome is an in-band event. The event order is fixed:
// thread.id first, then forwarded provider events, then exactly one terminal
// stream.end or stream.error.
func (rl *Relay) handleStreaming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	message := r.URL.Query().Get("message")
	if message == "" {
		http.Error(w, "Error: message is required in query parameters.", http.StatusBadRequest)
		return
	}
	clientThreadID := r.URL.Query().Get("threadId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		rl.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	rl.logger.Debug("streaming request",
		"message_len", len(message),
		"thread_id", clientThreadID)

	// Commit the push channel. From here on failures are in-band events.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Resolve the conversation handle
	threadID := clientThreadID
	if threadID == "" {
		created, err := rl.provider.CreateThread(ctx)
		if err != nil {
			rl.logger.Error("failed to create thread", "error", err)
			rl.writeStreamError(w, flusher, "failed to create conversation: "+err.Error())
			return
		}
		threadID = created
		rl.logger.Debug("thread created", "thread_id", threadID)
	} else if rl.validate && !rl.registry.Known(threadID) {
		rl.logger.Warn("rejecting unknown thread id", "thread_id", threadID)
		rl.writeStreamError(w, flusher, fmt.Sprintf("unknown thread id %q", threadID))
		return
	}
	rl.registry.Touch(threadID)

	// Announce the handle before any content so the client can bind its
	// session first. Re-announced even when the caller supplied it.
	if err := events.WriteSSEJSON(w, events.NameThreadID, events.ThreadIDPayload{ThreadID: threadID}); err != nil {
		return
	}
	flusher.Flush()

	// Submit the user's message. The append itself is not streamed.
	if err := rl.provider.AddUserMessage(ctx, threadID, message); err != nil {
		rl.logger.Error("failed to add message", "thread_id", threadID, "error", err)
		rl.writeStreamError(w, flusher, "failed to submit message: "+err.Error())
		return
	}

	stream, err := rl.provider.StreamRun(ctx, threadID)
	if err != nil {
		rl.logger.Error("failed to open run stream", "thread_id", threadID, "error", err)
		rl.writeStreamError(w, flusher, "failed to start assistant run: "+err.Error())
		return
	}
	defer stream.Close()

	// Forward upstream events verbatim until the stream terminates.
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			rl.logger.Debug("stream ended", "thread_id", threadID)
			if werr := events.WriteSSEJSON(w, events.NameStreamEnd, events.StreamEndPayload{Message: "Stream ended"}); werr == nil {
				flusher.Flush()
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client went away; nobody is listening for an error event
				rl.logger.Debug("client disconnected mid-stream", "thread_id", threadID)
				return
			}
			rl.logger.Error("upstream stream failed", "thread_id", threadID, "error", err)
			rl.writeStreamError(w, flusher, "assistant stream failed: "+err.Error())
			return
		}

		if werr := events.WriteSSE(w, ev.Name, ev.Data); werr != nil {
			return
		}
		flusher.Flush()
	}
}

// handleHistory handles GET /chat/history/{threadId}.
func (rl *Relay) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	threadID := strings.TrimPrefix(r.URL.Path, "/chat/history/")
	if threadID == "" || strings.Contains(threadID, "/") {
		rl.sendJSONError(w, http.StatusBadRequest, "thread id is required")
		return
	}

	messages, err := rl.provider.ListMessages(r.Context(), threadID)
	if errors.Is(err, provider.ErrThreadNotFound) {
		rl.sendJSONError(w, http.StatusNotFound, "chat history not found for the given id")
		return
	}
	if err != nil {
		rl.logger.Error("failed to fetch history", "thread_id", threadID, "error", err)
		rl.sendJSONError(w, http.StatusInternalServerError, "internal server error fetching chat history")
		return
	}

	// Refresh relay-issued ids only. A history fetch must not register a
	// foreign id, or it would pass thread validation afterwards.
	if rl.registry.Known(threadID) {
		rl.registry.Touch(threadID)
	}
	rl.logger.Debug("history fetched", "thread_id", threadID, "messages", len(messages))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]provider.ThreadMessage{"history": messages})
}

// handleHealth handles GET /healthz.
func (rl *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeStreamError emits the single in-band terminal error event.
func (rl *Relay) writeStreamError(w http.ResponseWriter, flusher http.Flusher, msg string) {
	if err := events.WriteSSEJSON(w, events.NameStreamError, events.StreamErrorPayload{Error: msg}); err == nil {
		flusher.Flush()
	}
}

// sendJSONError writes a JSON error response with the given status.
func (rl *Relay) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
