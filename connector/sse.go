package connector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
)

// Event represents a single Server-Sent Event
type Event struct {
	Event string
	Data  []byte
	ID    string
}

// ReadEvents reads SSE events from a reader and calls the handler for each complete event.
// It returns when the reader is exhausted or ctx is cancelled; a clean EOF yields nil.
func ReadEvents(ctx context.Context, reader io.Reader, handler func(Event)) error {
	br := bufio.NewReader(reader)

	var event string
	var data bytes.Buffer
	var hasData bool
	var id string

	dispatch := func() {
		if hasData {
			handler(Event{Event: event, Data: bytes.Clone(data.Bytes()), ID: id})
		}
		event = ""
		data.Reset()
		hasData = false
		id = ""
	}

	parseLine := func(line []byte) {
		line = bytes.TrimRight(line, "\r\n")

		// Empty line marks the end of an event
		if len(line) == 0 {
			dispatch()
			return
		}

		// Comments are used as keep-alives
		if line[0] == ':' {
			return
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			event = string(bytes.TrimSpace(value))
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "id":
			id = string(bytes.TrimSpace(value))
		}
		// "retry" and unknown fields are ignored
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			parseLine(line)
		}
		if err != nil {
			// Dispatch any pending event before returning
			dispatch()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// looksLikeEventStream reports whether body carries SSE fields rather than a
// bare JSON document.
func looksLikeEventStream(body []byte) bool {
	body = bytes.TrimSpace(body)
	return bytes.HasPrefix(body, []byte("event:")) ||
		bytes.HasPrefix(body, []byte("data:")) ||
		bytes.Contains(body, []byte("\ndata:"))
}
