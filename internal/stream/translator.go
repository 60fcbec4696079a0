package stream

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
	"github.com/ChrisColeTech/qwen-gateway/internal/transform"
)

// translator states. Errors are reachable from any state.
type state int

const (
	awaitingMetadata state = iota
	streamingContent
	finished
	failed
)

// Result is what the translator learned from the stream: the continuity
// metadata for the session store plus the accumulated reply.
type Result struct {
	// ParentMessageID is the new head of the upstream thread, or empty if
	// the stream errored before metadata arrived. An empty value must leave
	// the session's continuity state untouched.
	ParentMessageID string

	// Content is the full accumulated assistant reply.
	Content string

	// Usage is the reported (or estimated) token accounting; nil when the
	// stream never finished.
	Usage *domain.Usage

	FinishReason string
}

// UsageEstimator supplies token counts when the upstream omits them.
type UsageEstimator func(prompt, completion string) domain.Usage

// Translator converts one upstream event stream into OpenAI-shaped SSE
// frames. It performs no blocking I/O of its own; content chunks are written
// in arrival order and metadata extraction never delays them.
type Translator struct {
	Model        string
	CompletionID string
	Logger       *slog.Logger

	// Prompt is the outbound text, used only for usage estimation.
	Prompt string

	// EstimateUsage fills missing usage on the terminal frame. Optional.
	EstimateUsage UsageEstimator
}

// Run consumes the upstream stream and writes translated frames to w until
// the stream finishes or fails. The returned Result is valid even on error:
// metadata captured before the failure is preserved so the session can be
// updated to the latest known-good state.
func (t *Translator) Run(body io.Reader, w *SSEWriter) (*Result, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if t.CompletionID == "" {
		t.CompletionID = transform.CompletionID()
	}
	created := time.Now().Unix()

	result := &Result{}
	var content strings.Builder
	st := awaitingMetadata
	wroteRole := false

	scanner := NewScanner(body)
	for scanner.Scan() {
		event := scanner.Event()
		switch event.Kind {
		case EventMetadata:
			// Captured for the orchestrator; never surfaced in the caller's
			// stream.
			result.ParentMessageID = event.ParentID
			if st == awaitingMetadata {
				st = streamingContent
			}

		case EventContent:
			st = streamingContent
			content.WriteString(event.Content)
			chunk := t.chunk(created, domain.Delta{Content: event.Content}, nil, nil)
			if !wroteRole {
				chunk.Choices[0].Delta.Role = domain.RoleAssistant
				wroteRole = true
			}
			if err := w.WriteFrame(chunk); err != nil {
				return t.fail(result, content.String(), err, logger)
			}

		case EventFinish:
			st = finished
			result.FinishReason = transform.MapFinishReason(event.FinishReason)
			result.Content = content.String()
			result.Usage = t.resolveUsage(event, result.Content)

			reason := result.FinishReason
			final := t.chunk(created, domain.Delta{}, &reason, result.Usage)
			if err := w.WriteFrame(final); err != nil {
				return result, err
			}
			if err := w.WriteDone(); err != nil {
				return result, err
			}
			if skipped := scanner.Skipped(); skipped > 0 {
				logger.Warn("malformed stream lines skipped", slog.Int("count", skipped))
			}
			return result, nil

		case EventDone:
			// [DONE] without a finish frame: treat as a clean stop so the
			// caller still gets a terminal chunk.
			if st != finished {
				st = finished
				result.FinishReason = "stop"
				result.Content = content.String()
				result.Usage = t.resolveUsage(Event{}, result.Content)
				reason := result.FinishReason
				if err := w.WriteFrame(t.chunk(created, domain.Delta{}, &reason, result.Usage)); err != nil {
					return result, err
				}
				if err := w.WriteDone(); err != nil {
					return result, err
				}
			}
			return result, nil
		}
	}

	// Stream ended before FINISHED: transport error or premature close.
	err := scanner.Err()
	if err == nil {
		err = domain.ErrUpstreamTransport("upstream stream closed before finish")
	}
	return t.fail(result, content.String(), err, logger)
}

// fail emits a best-effort terminal error chunk and preserves whatever the
// stream produced before breaking.
func (t *Translator) fail(result *Result, content string, err error, logger *slog.Logger) (*Result, error) {
	result.Content = content
	result.FinishReason = "error"
	logger.Error("stream translation failed", slog.String("error", err.Error()))
	return result, err
}

// WriteErrorFrame writes the terminal error chunk if the connection is
// still writable. Callers invoke it after Run returns an error.
func (t *Translator) WriteErrorFrame(w *SSEWriter) {
	reason := "error"
	_ = w.WriteFrame(t.chunk(time.Now().Unix(), domain.Delta{}, &reason, nil))
}

func (t *Translator) resolveUsage(event Event, completion string) *domain.Usage {
	if event.Usage != nil {
		return &domain.Usage{
			PromptTokens:     event.Usage.InputTokens,
			CompletionTokens: event.Usage.OutputTokens,
			TotalTokens:      event.Usage.TotalTokens,
		}
	}
	if t.EstimateUsage != nil {
		usage := t.EstimateUsage(t.Prompt, completion)
		return &usage
	}
	return &domain.Usage{}
}

func (t *Translator) chunk(created int64, delta domain.Delta, finishReason *string, usage *domain.Usage) *domain.ChatChunk {
	return &domain.ChatChunk{
		ID:      t.CompletionID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   t.Model,
		Choices: []domain.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}
