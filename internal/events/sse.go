// ABOUTME: Server-Sent Events framing for the push channel.
// ABOUTME: Writer emits "event:/data:" frames; Reader parses them back into Events.

package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WriteSSE writes one SSE frame with the given event name and raw JSON data.
// Data must already be valid JSON; provider payloads are forwarded as-is.
func WriteSSE(w io.Writer, name string, data json.RawMessage) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return nil
}

// WriteSSEJSON marshals v and writes it as one SSE frame.
func WriteSSEJSON(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	return WriteSSE(w, name, data)
}

// Reader parses SSE frames from a stream. It is not safe for concurrent use.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r for SSE frame parsing.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	// Deltas are small but completed-message payloads can be large.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next complete event from the stream. It returns io.EOF
// when the stream ends cleanly, or the underlying read error otherwise.
// Frames without an event name or data are skipped, as are comment lines.
func (r *Reader) Next() (Event, error) {
	var name string
	var dataLines []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// Blank line terminates a frame.
		if line == "" {
			if name != "" && len(dataLines) > 0 {
				return Event{
					Name: name,
					Data: json.RawMessage(strings.Join(dataLines, "\n")),
				}, nil
			}
			name = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if after, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(after)
			continue
		}

		if after, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(after, " "))
			continue
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
