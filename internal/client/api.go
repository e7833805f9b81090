// ABOUTME: HTTP client for the relay's streaming and history endpoints.
// ABOUTME: Implements StreamOpener and HistoryFetcher over the real server.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// API talks to a relay server over HTTP.
type API struct {
	server string
	http   *http.Client
}

// NewAPI creates an API client for the given server base URL.
func NewAPI(server string) *API {
	return &API{
		server: strings.TrimSuffix(server, "/"),
		http:   http.DefaultClient,
	}
}

// OpenStream issues GET /chat/streaming and returns the SSE body. A non-200
// response is the relay's conventional pre-channel rejection; its plain-text
// body becomes the error.
func (a *API) OpenStream(ctx context.Context, message, threadID string) (io.ReadCloser, error) {
	params := url.Values{}
	params.Set("message", message)
	params.Set("threadId", threadID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.server+"/chat/streaming?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("server returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s", msg)
	}

	return resp.Body, nil
}

// historyResponse is the JSON body of GET /chat/history/{threadId}.
type historyResponse struct {
	History []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"history"`
}

// FetchHistory loads a thread's backlog from the relay.
func (a *API) FetchHistory(ctx context.Context, threadID string) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.server+"/chat/history/"+url.PathEscape(threadID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating history request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok && msg != "" {
				return nil, fmt.Errorf("%s", msg)
			}
		}
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var payload historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parsing history response: %w", err)
	}

	messages := make([]Message, 0, len(payload.History))
	for _, m := range payload.History {
		role := RoleAssistant
		if m.Role == RoleUser {
			role = RoleUser
		}
		messages = append(messages, Message{Role: role, Content: m.Content})
	}
	return messages, nil
}
