// Package orchestrator drives one inbound request through session
// resolution, protocol translation, upstream dispatch, and session
// persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
	"github.com/ChrisColeTech/qwen-gateway/internal/retry"
	"github.com/ChrisColeTech/qwen-gateway/internal/session"
	"github.com/ChrisColeTech/qwen-gateway/internal/storage/sqlite"
	"github.com/ChrisColeTech/qwen-gateway/internal/stream"
	"github.com/ChrisColeTech/qwen-gateway/internal/transform"
	"github.com/ChrisColeTech/qwen-gateway/internal/upstream"
)

// maxTitleLength bounds the chat title derived from the first user message.
const maxTitleLength = 40

// Upstream is the upstream client surface the orchestrator consumes.
type Upstream interface {
	CreateChat(ctx context.Context, title string, models []string) (string, error)
	SendMessage(ctx context.Context, payload *upstream.SendPayload) (*upstream.BufferedResponse, error)
	StreamMessage(ctx context.Context, payload *upstream.SendPayload) (io.ReadCloser, error)
	ListModels(ctx context.Context) (*upstream.ModelsResponse, error)
}

// ExchangeLogger is the fire-and-forget audit sink. Failures are logged and
// never fail a request.
type ExchangeLogger interface {
	LogExchange(ctx context.Context, rec *sqlite.ExchangeRecord) error
}

// Orchestrator coordinates the gateway's collaborators for each request.
type Orchestrator struct {
	sessions     *session.Store
	client       Upstream
	policy       retry.Policy
	logger       *slog.Logger
	sink         ExchangeLogger
	estimate     stream.UsageEstimator
	defaultModel string
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithExchangeLogger sets the audit sink.
func WithExchangeLogger(sink ExchangeLogger) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithUsageEstimator sets the fallback token estimator for streams whose
// terminal frame omits usage.
func WithUsageEstimator(est stream.UsageEstimator) Option {
	return func(o *Orchestrator) { o.estimate = est }
}

// WithDefaultModel sets the model used when the request names none.
func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) { o.defaultModel = model }
}

// New builds an orchestrator around a session store and upstream client.
func New(sessions *session.Store, client Upstream, policy retry.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		client:   client,
		policy:   policy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// prepared is the state carried from session resolution into dispatch.
type prepared struct {
	sess  session.Session
	out   *transform.OutboundResult
	model string
	start time.Time
}

// prepare validates the request, resolves or creates the session, binds an
// upstream chat to fresh sessions, and builds the outbound payload.
func (o *Orchestrator) prepare(ctx context.Context, req *domain.ChatRequest) (*prepared, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	if model == "" {
		return nil, domain.ErrValidation("model is required")
	}
	// Structural rejection happens here, before any session is created or any
	// upstream chat is bound; a bad request must leave no state behind.
	if err := transform.ValidateHistory(req.Messages); err != nil {
		return nil, err
	}

	sess, isNew, err := o.sessions.ResolveOrCreate(req.Messages)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("session resolved",
		slog.String("session_id", sess.ID),
		slog.Bool("new", isNew),
		slog.Int("turn_count", sess.TurnCount))

	if sess.UpstreamChatID == "" {
		chatID, err := retry.Do(ctx, o.policy, "create_chat", func(ctx context.Context) (string, error) {
			return o.client.CreateChat(ctx, chatTitle(sess.FirstUserMessage), []string{model})
		})
		if err != nil {
			return nil, err
		}
		if err := o.sessions.SetUpstreamChatID(sess.ID, chatID); err != nil {
			// A concurrent request bound the session first; use its chat.
			current, ok := o.sessions.Get(sess.ID)
			if !ok {
				return nil, err
			}
			sess = current
		} else {
			sess.UpstreamChatID = chatID
		}
	}

	out, err := transform.Outbound(req.Messages, sess.UpstreamChatID, sess.ParentMessageID, model, req.Tools)
	if err != nil {
		return nil, err
	}
	return &prepared{sess: sess, out: out, model: model, start: time.Now()}, nil
}

// Complete handles a non-streaming chat completion.
func (o *Orchestrator) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	prep, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := retry.Do(ctx, o.policy, "send_message", func(ctx context.Context) (*upstream.BufferedResponse, error) {
		return o.client.SendMessage(ctx, prep.out.Payload)
	})
	if err != nil {
		o.logExchange(prep, "", "", "error", nil, err)
		return nil, err
	}

	translated, err := transform.Inbound(resp, prep.model)
	if err != nil {
		o.logExchange(prep, "", "", "error", nil, err)
		return nil, err
	}
	if translated.Usage == (domain.Usage{}) && o.estimate != nil {
		translated.Usage = o.estimate(prep.out.Payload.Messages[0].Content, translated.Choices[0].Message.Content)
	}

	// The buffered envelope carries no message id, so the thread head is
	// left where the last streamed exchange put it; continuity for buffered
	// callers rides on the fingerprint.
	reply := translated.Choices[0].Message.Content
	if err := o.sessions.RecordExchange(prep.sess.ID, "", reply); err != nil {
		o.logger.Warn("session persistence failed",
			slog.String("session_id", prep.sess.ID),
			slog.String("error", err.Error()))
	}

	o.logExchange(prep, "", reply, translated.Choices[0].FinishReason, &translated.Usage, nil)
	return translated, nil
}

// Stream handles a streaming chat completion, writing SSE frames to w. A
// non-nil error means nothing was written and the caller should render a
// JSON error response; errors after streaming begins are reported in-band
// as a terminal error chunk.
func (o *Orchestrator) Stream(ctx context.Context, req *domain.ChatRequest, w http.ResponseWriter) error {
	prep, err := o.prepare(ctx, req)
	if err != nil {
		return err
	}

	body, err := retry.Do(ctx, o.policy, "stream_message", func(ctx context.Context) (io.ReadCloser, error) {
		return o.client.StreamMessage(ctx, prep.out.Payload)
	})
	if err != nil {
		o.logExchange(prep, "", "", "error", nil, err)
		return err
	}
	defer body.Close()

	stream.PrepareHeaders(w)
	writer := stream.NewSSEWriter(w)
	translator := &stream.Translator{
		Model:         prep.model,
		Logger:        o.logger,
		Prompt:        prep.out.Payload.Messages[0].Content,
		EstimateUsage: o.estimate,
	}

	result, runErr := translator.Run(body, writer)

	// Persist whatever the stream produced. A failed stream that never
	// yielded metadata must leave the session's continuity state untouched.
	if runErr == nil || result.ParentMessageID != "" {
		if err := o.sessions.RecordExchange(prep.sess.ID, result.ParentMessageID, result.Content); err != nil {
			o.logger.Warn("session persistence failed",
				slog.String("session_id", prep.sess.ID),
				slog.String("error", err.Error()))
		}
	}

	if runErr != nil {
		translator.WriteErrorFrame(writer)
		o.logExchange(prep, result.ParentMessageID, result.Content, result.FinishReason, result.Usage, runErr)
		return nil
	}

	o.logExchange(prep, result.ParentMessageID, result.Content, result.FinishReason, result.Usage, nil)
	return nil
}

// ListModels proxies the upstream model listing in OpenAI shape.
func (o *Orchestrator) ListModels(ctx context.Context) (*domain.ModelList, error) {
	resp, err := retry.Do(ctx, o.policy, "list_models", func(ctx context.Context) (*upstream.ModelsResponse, error) {
		return o.client.ListModels(ctx)
	})
	if err != nil {
		return nil, err
	}

	list := &domain.ModelList{Object: "list", Data: make([]domain.Model, 0, len(resp.Data))}
	for _, m := range resp.Data {
		list.Data = append(list.Data, domain.Model{
			ID:      m.ID,
			Object:  "model",
			OwnedBy: "qwen",
		})
	}
	return list, nil
}

// DeleteSession removes a session by id, reporting whether it existed.
func (o *Orchestrator) DeleteSession(id string) bool {
	return o.sessions.Delete(id)
}

func (o *Orchestrator) logExchange(prep *prepared, parentID, content, finishReason string, usage *domain.Usage, cause error) {
	if o.sink == nil {
		return
	}

	rec := &sqlite.ExchangeRecord{
		ID:              transform.CompletionID(),
		SessionID:       prep.sess.ID,
		UpstreamChatID:  prep.sess.UpstreamChatID,
		ParentMessageID: parentID,
		Model:           prep.model,
		Streaming:       prep.out.Payload.Stream,
		ResponseContent: content,
		FinishReason:    finishReason,
		DurationNS:      time.Since(prep.start).Nanoseconds(),
	}
	if raw, err := json.Marshal(prep.out.Payload); err == nil {
		rec.RequestBody = string(raw)
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	if cause != nil {
		apiErr := domain.AsAPIError(cause)
		rec.ErrorKind = string(apiErr.Kind)
		rec.ErrorMessage = apiErr.Message
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.sink.LogExchange(ctx, rec); err != nil {
			o.logger.Warn("exchange log write failed",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()))
		}
	}()
}

// chatTitle derives the upstream chat title from the first user message.
func chatTitle(firstUserMessage string) string {
	runes := []rune(firstUserMessage)
	if len(runes) == 0 {
		return "New Chat"
	}
	if len(runes) > maxTitleLength {
		return string(runes[:maxTitleLength])
	}
	return firstUserMessage
}
