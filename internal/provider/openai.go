// ABOUTME: OpenAI Assistants implementation of the Provider interface.
// ABOUTME: Setup calls go through go-openai; the run stream is read raw so events pass through verbatim.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadline/threadline/internal/events"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAI talks to the OpenAI Assistants API. One assistant id is configured
// per deployment; threads are created on demand.
type OpenAI struct {
	client      *openai.Client
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	assistantID string
	logger      *slog.Logger
}

// NewOpenAI creates a provider for the given API key and assistant id.
// baseURL may be empty for the public API. Pass nil logger for the default.
func NewOpenAI(apiKey, assistantID, baseURL string, logger *slog.Logger) *OpenAI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		httpClient:  http.DefaultClient,
		apiKey:      apiKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		assistantID: assistantID,
		logger:      logger.With("component", "provider"),
	}
}

// CreateThread requests a new conversation handle from the provider.
func (p *OpenAI) CreateThread(ctx context.Context) (string, error) {
	thread, err := p.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	p.logger.Debug("thread created", "thread_id", thread.ID)
	return thread.ID, nil
}

// AddUserMessage appends the user's message to the thread.
func (p *OpenAI) AddUserMessage(ctx context.Context, threadID, content string) error {
	_, err := p.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
	if err != nil {
		return fmt.Errorf("adding message to thread %s: %w", threadID, mapNotFound(err))
	}
	return nil
}

// ListMessages fetches the thread backlog in chronological order and keeps
// only messages carrying text content.
func (p *OpenAI) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	order := "asc"
	list, err := p.client.ListMessage(ctx, threadID, nil, &order, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("listing messages for thread %s: %w", threadID, mapNotFound(err))
	}

	messages := make([]ThreadMessage, 0, len(list.Messages))
	for _, msg := range list.Messages {
		var text string
		for _, c := range msg.Content {
			if c.Type == "text" && c.Text != nil {
				text = c.Text.Value
				break
			}
		}
		if text == "" {
			continue
		}
		messages = append(messages, ThreadMessage{
			Role:    string(msg.Role),
			Content: text,
		})
	}
	return messages, nil
}

// runRequest is the body for starting a streamed assistant run.
type runRequest struct {
	AssistantID string `json:"assistant_id"`
	Stream      bool   `json:"stream"`
}

// StreamRun starts an assistant run and returns its raw event stream.
//
// This call bypasses the SDK on purpose: the relay forwards upstream events
// downstream with their original names and untouched payloads, so the stream
// must be read at the wire level rather than through typed SDK events.
func (p *OpenAI) StreamRun(ctx context.Context, threadID string) (RunStream, error) {
	body, err := json.Marshal(runRequest{AssistantID: p.assistantID, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling run request: %w", err)
	}

	url := fmt.Sprintf("%s/threads/%s/runs", p.baseURL, threadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating run request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting run on thread %s: %w", threadID, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("starting run on thread %s: %s", threadID, readAPIError(resp.Body, resp.StatusCode))
	}

	p.logger.Debug("run stream opened", "thread_id", threadID, "assistant_id", p.assistantID)
	return &openAIRunStream{reader: events.NewReader(resp.Body), body: resp.Body}, nil
}

// openAIRunStream adapts the raw SSE response into a RunStream. The upstream
// "done" sentinel frame carries "[DONE]" rather than JSON and marks clean end.
type openAIRunStream struct {
	reader *events.Reader
	body   io.ReadCloser
}

func (s *openAIRunStream) Next() (events.Event, error) {
	ev, err := s.reader.Next()
	if err != nil {
		return events.Event{}, err
	}
	if ev.Name == "done" {
		return events.Event{}, io.EOF
	}
	return ev, nil
}

func (s *openAIRunStream) Close() error {
	return s.body.Close()
}

// CreateAssistant provisions a new assistant and returns its id.
func (p *OpenAI) CreateAssistant(ctx context.Context, model, name, instructions string) (string, error) {
	assistant, err := p.client.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        []openai.AssistantTool{{Type: openai.AssistantToolTypeCodeInterpreter}},
	})
	if err != nil {
		return "", fmt.Errorf("creating assistant: %w", err)
	}
	return assistant.ID, nil
}

// UpdateAssistant changes the configured assistant's name and instructions.
func (p *OpenAI) UpdateAssistant(ctx context.Context, model, name, instructions string) error {
	_, err := p.client.ModifyAssistant(ctx, p.assistantID, openai.AssistantRequest{
		Model:        model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        []openai.AssistantTool{{Type: openai.AssistantToolTypeFileSearch}},
	})
	if err != nil {
		return fmt.Errorf("updating assistant %s: %w", p.assistantID, err)
	}
	return nil
}

// mapNotFound converts provider 404s into ErrThreadNotFound so callers can
// distinguish unknown handles from other failures.
func mapNotFound(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
		return ErrThreadNotFound
	}
	return err
}

// readAPIError extracts a readable message from a non-200 API response body.
func readAPIError(body io.Reader, status int) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return fmt.Sprintf("provider returned status %d", status)
}
