// Package stream translates the upstream's incremental event protocol into
// OpenAI-compatible server-sent events.
package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ChrisColeTech/qwen-gateway/internal/upstream"
)

// EventKind discriminates the parsed upstream events.
type EventKind int

const (
	// EventMetadata carries the new parent message id. It is consumed by the
	// gateway and never forwarded to the caller.
	EventMetadata EventKind = iota
	// EventContent carries a content delta.
	EventContent
	// EventFinish signals the end of generation, with optional usage.
	EventFinish
	// EventDone is the upstream [DONE] sentinel.
	EventDone
)

// Event is one parsed upstream stream event.
type Event struct {
	Kind         EventKind
	ParentID     string
	Content      string
	FinishReason string
	Usage        *upstream.Usage
}

// Scanner is a lazy, finite, non-restartable sequence of parsed events over
// an upstream event stream. Malformed lines are counted and skipped; one bad
// line never aborts the stream.
type Scanner struct {
	scanner   *bufio.Scanner
	event     Event
	err       error
	skipped   int
	exhausted bool
}

// NewScanner wraps the raw upstream stream body.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	// Content deltas are small but the upstream occasionally batches large
	// frames; give the scanner headroom.
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)
	return &Scanner{scanner: sc}
}

// Scan advances to the next parsed event. It returns false at the [DONE]
// sentinel, end of input, or a transport error; Err distinguishes the last
// two.
func (s *Scanner) Scan() bool {
	if s.exhausted {
		return false
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.event = Event{Kind: EventDone}
			s.exhausted = true
			return true
		}

		event, ok := parseEvent(data)
		if !ok {
			s.skipped++
			continue
		}
		s.event = event
		return true
	}
	s.exhausted = true
	s.err = s.scanner.Err()
	return false
}

// Event returns the event produced by the last successful Scan.
func (s *Scanner) Event() Event { return s.event }

// Err returns the transport error that ended the stream, if any.
func (s *Scanner) Err() error { return s.err }

// Skipped reports how many data lines yielded no event, whether malformed or
// valid frames this gateway does not consume.
func (s *Scanner) Skipped() int { return s.skipped }

// parseEvent probes the frame body for its discriminating fields without
// decoding the whole document.
func parseEvent(data string) (Event, bool) {
	if !gjson.Valid(data) {
		return Event{}, false
	}

	if created := gjson.Get(data, `response\.created`); created.Exists() {
		parentID := created.Get("id").String()
		if parentID == "" {
			parentID = created.Get("response_id").String()
		}
		return Event{Kind: EventMetadata, ParentID: parentID}, true
	}

	delta := gjson.Get(data, "choices.0.delta")
	if status := delta.Get("status").String(); status == "finished" {
		event := Event{Kind: EventFinish, FinishReason: status}
		if usage := gjson.Get(data, "usage"); usage.Exists() {
			event.Usage = &upstream.Usage{
				InputTokens:  int(usage.Get("input_tokens").Int()),
				OutputTokens: int(usage.Get("output_tokens").Int()),
				TotalTokens:  int(usage.Get("total_tokens").Int()),
			}
		}
		return event, true
	}

	if content := delta.Get("content").String(); content != "" {
		return Event{Kind: EventContent, Content: content}, true
	}

	// Valid JSON that matches nothing we understand: a keepalive or an
	// event type this gateway does not consume.
	return Event{}, false
}
