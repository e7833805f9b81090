// ABOUTME: Stream event vocabulary shared by the relay server and the chat client.
// ABOUTME: Defines event kinds, payload shapes, and helpers for extracting delta text.

package events

import (
	"encoding/json"
)

// Kind identifies a stream event. The relay forwards provider events with
// their original wire names; the client dispatches on Kind from one read loop.
type Kind int

const (
	KindUnknown Kind = iota
	KindThreadID
	KindMessageCreated
	KindMessageDelta
	KindMessageCompleted
	KindStreamEnd
	KindStreamError
)

// Wire names for events the client acts on. Provider events not in this set
// are forwarded by the relay but ignored by the client.
const (
	NameThreadID         = "thread.id"
	NameMessageCreated   = "thread.message.created"
	NameMessageDelta     = "thread.message.delta"
	NameMessageCompleted = "thread.message.completed"
	NameStreamEnd        = "stream.end"
	NameStreamError      = "stream.error"
)

// KindOf maps a wire event name to its Kind.
func KindOf(name string) Kind {
	switch name {
	case NameThreadID:
		return KindThreadID
	case NameMessageCreated:
		return KindMessageCreated
	case NameMessageDelta:
		return KindMessageDelta
	case NameMessageCompleted:
		return KindMessageCompleted
	case NameStreamEnd:
		return KindStreamEnd
	case NameStreamError:
		return KindStreamError
	default:
		return KindUnknown
	}
}

// Event is one named event with its raw JSON payload. Payloads from the
// provider pass through the relay untouched.
type Event struct {
	Name string
	Data json.RawMessage
}

// Kind returns the dispatch kind for the event's wire name.
func (e Event) Kind() Kind {
	return KindOf(e.Name)
}

// ThreadIDPayload is the payload of a thread.id event.
type ThreadIDPayload struct {
	ThreadID string `json:"threadId"`
}

// StreamEndPayload is the payload of the terminal stream.end event.
type StreamEndPayload struct {
	Message string `json:"message"`
}

// StreamErrorPayload is the payload of an in-band stream.error event.
type StreamErrorPayload struct {
	Error string `json:"error"`
}

// deltaPayload mirrors the provider's message delta shape:
// {"delta":{"content":[{"type":"text","text":{"value":"..."}}]}}
type deltaPayload struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

// DeltaText extracts the renderable text fragment from a message delta
// payload. Only content entries with type "text" carry renderable content.
// Returns false when the payload holds no text fragment.
func DeltaText(data json.RawMessage) (string, bool) {
	var p deltaPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", false
	}
	var text string
	for _, c := range p.Delta.Content {
		if c.Type == "text" {
			text += c.Text.Value
		}
	}
	return text, text != ""
}

// MessageID extracts the id field from a provider message object payload.
func MessageID(data json.RawMessage) string {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	return p.ID
}
