package client

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event frame.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEReader assembles server-sent event frames from an incremental byte
// stream. Partial frames at a chunk boundary are buffered until the
// blank-line frame terminator arrives.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps a response body in an SSE frame reader.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &SSEReader{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
func (r *SSEReader) Next() (*SSEEvent, error) {
	var event SSEEvent
	var dataLines []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				event.Data = strings.Join(dataLines, "\n")
				return &event, nil
			}
			continue
		}

		// Comment lines keep the connection alive and carry no data.
		if strings.HasPrefix(line, ":") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			dataLines = append(dataLines, data)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if len(dataLines) > 0 {
		event.Data = strings.Join(dataLines, "\n")
		return &event, nil
	}
	return nil, io.EOF
}
