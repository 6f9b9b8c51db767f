package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentuity/go-acp/acp"
	"github.com/agentuity/go-acp/store"
)

const truncationMarker = "[earlier events omitted]"

// renderTranscript renders persisted events into the single text block
// spliced into the next prompt after a resume. Oldest events are dropped
// first when the character budget is exceeded, and a marker line records
// that truncation happened.
func renderTranscript(events []store.SessionEvent, truncated bool, maxChars int) string {
	if len(events) == 0 {
		return ""
	}
	lines := make([]string, 0, len(events))
	total := 0
	for _, ev := range events {
		line := renderEvent(&ev)
		lines = append(lines, line)
		total += len(line) + 1
	}
	for total > maxChars && len(lines) > 1 {
		total -= len(lines[0]) + 1
		lines = lines[1:]
		truncated = true
	}

	var b strings.Builder
	b.WriteString("This session was restored after a disconnect. Prior conversation follows.\n")
	if truncated {
		b.WriteString(truncationMarker)
		b.WriteByte('\n')
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func renderEvent(ev *store.SessionEvent) string {
	env := ev.Payload
	if env == nil {
		return fmt.Sprintf("%d %s: (empty)", ev.EventIndex, ev.Sender)
	}
	var body string
	switch {
	case env.Method != "":
		body = env.Method + " " + compactJSON(env.Params)
	case env.Error != nil:
		body = "error: " + env.Error.Error()
	default:
		body = "result " + compactJSON(env.Result)
	}
	return fmt.Sprintf("%d %s: %s", ev.EventIndex, ev.Sender, strings.TrimSpace(body))
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// prependTranscript splices the replay transcript before the caller's prompt
// blocks, tolerating the shapes a map-typed params value can carry.
func prependTranscript(prompt interface{}, transcript string) interface{} {
	lead := acp.TextBlock(transcript)
	switch blocks := prompt.(type) {
	case []acp.ContentBlock:
		return append([]acp.ContentBlock{lead}, blocks...)
	case []interface{}:
		return append([]interface{}{lead}, blocks...)
	case nil:
		return []acp.ContentBlock{lead}
	default:
		return []interface{}{lead, prompt}
	}
}
