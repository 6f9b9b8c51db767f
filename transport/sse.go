package transport

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// sseEvent is one parsed server-sent-events frame.
type sseEvent struct {
	id    string
	event string
	data  string
	retry time.Duration
}

// sseDecoder incrementally parses a text/event-stream body. Frames are
// blank-line delimited; multiple data: lines within a frame are joined with
// a newline. Lines may end in LF or CRLF. The decoder buffers partial lines
// internally, so reads that split a frame across chunk boundaries are safe.
type sseDecoder struct {
	r *bufio.Reader
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: bufio.NewReader(r)}
}

// Next returns the next complete frame, or io.EOF at end of stream. A
// partial frame at stream end (no terminating blank line) is discarded per
// the SSE grammar.
func (d *sseDecoder) Next() (*sseEvent, error) {
	var (
		dataLines []string
		eventType string
		id        string
		retry     time.Duration
		sawField  bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if !sawField {
				// Stray blank line between frames.
				continue
			}
			ev := &sseEvent{
				id:    id,
				event: eventType,
				data:  strings.Join(dataLines, "\n"),
				retry: retry,
			}
			if ev.event == "" {
				ev.event = "message"
			}
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			// Comment line, typically used as a keep-alive.
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			dataLines = append(dataLines, value)
			sawField = true
		case "event":
			eventType = value
			sawField = true
		case "id":
			id = value
			sawField = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				retry = time.Duration(ms) * time.Millisecond
			}
			sawField = true
		}
	}
}
