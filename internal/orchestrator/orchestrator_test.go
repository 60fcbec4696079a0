package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
	"github.com/ChrisColeTech/qwen-gateway/internal/retry"
	"github.com/ChrisColeTech/qwen-gateway/internal/session"
	"github.com/ChrisColeTech/qwen-gateway/internal/upstream"
)

type fakeUpstream struct {
	mu             sync.Mutex
	createCalls    int
	createErr      error
	sendPayloads   []*upstream.SendPayload
	sendFn         func(*upstream.SendPayload) (*upstream.BufferedResponse, error)
	streamPayloads []*upstream.SendPayload
	streamFn       func(*upstream.SendPayload) (io.ReadCloser, error)
}

func (f *fakeUpstream) CreateChat(ctx context.Context, title string, models []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "chat-1", nil
}

func (f *fakeUpstream) SendMessage(ctx context.Context, payload *upstream.SendPayload) (*upstream.BufferedResponse, error) {
	f.mu.Lock()
	f.sendPayloads = append(f.sendPayloads, payload)
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(payload)
	}
	return bufferedReply("Hello!"), nil
}

func (f *fakeUpstream) StreamMessage(ctx context.Context, payload *upstream.SendPayload) (io.ReadCloser, error) {
	f.mu.Lock()
	f.streamPayloads = append(f.streamPayloads, payload)
	f.mu.Unlock()
	if f.streamFn != nil {
		return f.streamFn(payload)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeUpstream) ListModels(ctx context.Context) (*upstream.ModelsResponse, error) {
	return &upstream.ModelsResponse{Data: []upstream.ModelInfo{
		{ID: "qwen3-coder-plus", Name: "Qwen3 Coder Plus"},
	}}, nil
}

func bufferedReply(content string) *upstream.BufferedResponse {
	resp := &upstream.BufferedResponse{
		Choices: []upstream.BufferedChoice{{FinishReason: "finished"}},
		Usage:   &upstream.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
	}
	resp.Choices[0].Message.Role = domain.RoleAssistant
	resp.Choices[0].Message.Content = content
	return resp
}

func newTestOrchestrator(t *testing.T, fake *fakeUpstream) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(time.Hour, logger)
	policy := retry.NewPolicy(
		retry.WithMaxAttempts(3),
		retry.WithInitialBackoff(time.Millisecond),
		retry.WithMaxBackoff(2*time.Millisecond),
		retry.WithLogger(logger),
	)
	return New(store, fake, policy,
		WithLogger(logger),
		WithDefaultModel("qwen3-coder-plus"))
}

func userMessage(text string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: domain.Text(text)}
}

func assistantMessage(text string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: domain.Text(text)}
}

func TestComplete_FreshConversation(t *testing.T) {
	fake := &fakeUpstream{}
	orch := newTestOrchestrator(t, fake)

	resp, err := orch.Complete(context.Background(), &domain.ChatRequest{
		Messages: []domain.Message{userMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if fake.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", fake.createCalls)
	}
	if resp.Choices[0].Message.Content != "Hello!" {
		t.Errorf("content = %q, want Hello!", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("usage total = %d, want 5", resp.Usage.TotalTokens)
	}

	payload := fake.sendPayloads[0]
	if payload.ChatID != "chat-1" {
		t.Errorf("ChatID = %q, want chat-1", payload.ChatID)
	}
	if payload.ParentID != nil {
		t.Errorf("ParentID = %v, want nil on first exchange", *payload.ParentID)
	}
	if len(payload.Messages) != 1 || payload.Messages[0].Content != "Hi" {
		t.Errorf("payload messages = %+v, want single Hi", payload.Messages)
	}
	if payload.Model != "qwen3-coder-plus" {
		t.Errorf("model = %q, want default applied", payload.Model)
	}
}

func TestComplete_ResumedConversationReusesChat(t *testing.T) {
	fake := &fakeUpstream{}
	orch := newTestOrchestrator(t, fake)
	ctx := context.Background()

	if _, err := orch.Complete(ctx, &domain.ChatRequest{
		Messages: []domain.Message{userMessage("Hi")},
	}); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}

	// Same conversation resent with full history.
	if _, err := orch.Complete(ctx, &domain.ChatRequest{
		Messages: []domain.Message{
			userMessage("Hi"),
			assistantMessage("Hello!"),
			userMessage("Again"),
		},
	}); err != nil {
		t.Fatalf("second Complete() error = %v", err)
	}

	if fake.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (no new upstream chat)", fake.createCalls)
	}
	second := fake.sendPayloads[1]
	if second.ChatID != "chat-1" {
		t.Errorf("second ChatID = %q, want chat-1", second.ChatID)
	}
	if len(second.Messages) != 1 || second.Messages[0].Content != "Again" {
		t.Errorf("second payload = %+v, want single Again", second.Messages)
	}
}

func TestComplete_RetriesTransportErrors(t *testing.T) {
	calls := 0
	fake := &fakeUpstream{
		sendFn: func(*upstream.SendPayload) (*upstream.BufferedResponse, error) {
			calls++
			if calls == 1 {
				return nil, domain.ErrUpstreamTransport("connection reset")
			}
			return bufferedReply("ok"), nil
		},
	}
	orch := newTestOrchestrator(t, fake)

	resp, err := orch.Complete(context.Background(), &domain.ChatRequest{
		Messages: []domain.Message{userMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("send calls = %d, want 2", calls)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Choices[0].Message.Content)
	}
}

func TestComplete_ValidationSkipsUpstream(t *testing.T) {
	fake := &fakeUpstream{}
	orch := newTestOrchestrator(t, fake)

	_, err := orch.Complete(context.Background(), &domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleSystem, Content: domain.Text("only system")}},
	})
	if err == nil {
		t.Fatal("Complete() error = nil, want validation error")
	}
	if apiErr := domain.AsAPIError(err); apiErr.Kind != domain.KindInvalidRequest {
		t.Errorf("kind = %q, want invalid_request", apiErr.Kind)
	}
	if fake.createCalls != 0 || len(fake.sendPayloads) != 0 {
		t.Error("upstream touched despite validation failure")
	}
}

func TestComplete_RejectsBlankFollowupBeforeSessionWork(t *testing.T) {
	fake := &fakeUpstream{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(time.Hour, logger)
	policy := retry.NewPolicy(
		retry.WithMaxAttempts(3),
		retry.WithInitialBackoff(time.Millisecond),
		retry.WithMaxBackoff(2*time.Millisecond),
		retry.WithLogger(logger),
	)
	orch := New(store, fake, policy,
		WithLogger(logger),
		WithDefaultModel("qwen3-coder-plus"))

	_, err := orch.Complete(context.Background(), &domain.ChatRequest{
		Messages: []domain.Message{
			userMessage("Hi"),
			assistantMessage("Hello!"),
			userMessage("   "),
		},
	})
	if err == nil {
		t.Fatal("Complete() error = nil, want validation error")
	}
	if apiErr := domain.AsAPIError(err); apiErr.Kind != domain.KindInvalidRequest {
		t.Errorf("kind = %q, want invalid_request", apiErr.Kind)
	}
	if fake.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 (rejected before upstream)", fake.createCalls)
	}
	if store.Len() != 0 {
		t.Errorf("live sessions = %d, want 0 (rejected before session creation)", store.Len())
	}
}

func TestStream_CapturesParentForNextTurn(t *testing.T) {
	fake := &fakeUpstream{
		streamFn: func(*upstream.SendPayload) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(strings.Join([]string{
				`data: {"response.created":{"id":"parent-1"}}`,
				`data: {"choices":[{"delta":{"content":"Hello!"}}]}`,
				`data: {"choices":[{"delta":{"status":"finished"}}]}`,
				`data: [DONE]`,
				"",
			}, "\n"))), nil
		},
	}
	orch := newTestOrchestrator(t, fake)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	if err := orch.Stream(ctx, &domain.ChatRequest{
		Stream:   true,
		Messages: []domain.Message{userMessage("Hi")},
	}, rec); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"Hello!"`) {
		t.Errorf("stream output missing content: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream output not terminated by [DONE]: %s", body)
	}
	if strings.Contains(body, "parent-1") {
		t.Error("continuity metadata leaked into the client stream")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}

	// The follow-up turn must point at the captured parent.
	if err := orch.Stream(ctx, &domain.ChatRequest{
		Stream: true,
		Messages: []domain.Message{
			userMessage("Hi"),
			assistantMessage("Hello!"),
			userMessage("Again"),
		},
	}, httptest.NewRecorder()); err != nil {
		t.Fatalf("second Stream() error = %v", err)
	}

	if fake.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", fake.createCalls)
	}
	second := fake.streamPayloads[1]
	if second.ParentID == nil || *second.ParentID != "parent-1" {
		t.Errorf("second ParentID = %v, want parent-1", second.ParentID)
	}
}

func TestStream_EstablishmentFailureReturnsError(t *testing.T) {
	fake := &fakeUpstream{
		streamFn: func(*upstream.SendPayload) (io.ReadCloser, error) {
			return nil, domain.ErrValidation("bad request").WithStatusCode(400)
		},
	}
	orch := newTestOrchestrator(t, fake)

	rec := httptest.NewRecorder()
	err := orch.Stream(context.Background(), &domain.ChatRequest{
		Stream:   true,
		Messages: []domain.Message{userMessage("Hi")},
	}, rec)
	if err == nil {
		t.Fatal("Stream() error = nil, want establishment failure")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body written despite establishment failure: %s", rec.Body.String())
	}
}

func TestStream_PrematureCloseEmitsErrorChunk(t *testing.T) {
	fake := &fakeUpstream{
		streamFn: func(*upstream.SendPayload) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(strings.Join([]string{
				`data: {"response.created":{"id":"parent-1"}}`,
				`data: {"choices":[{"delta":{"content":"par"}}]}`,
				"",
			}, "\n"))), nil
		},
	}
	orch := newTestOrchestrator(t, fake)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	if err := orch.Stream(ctx, &domain.ChatRequest{
		Stream:   true,
		Messages: []domain.Message{userMessage("Hi")},
	}, rec); err != nil {
		t.Fatalf("Stream() error = %v, want in-band error handling", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"finish_reason":"error"`) {
		t.Errorf("missing terminal error chunk: %s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("[DONE] emitted on errored stream: %s", body)
	}

	// Parent id captured before the failure still advances the session.
	if err := orch.Stream(ctx, &domain.ChatRequest{
		Stream: true,
		Messages: []domain.Message{
			userMessage("Hi"),
			assistantMessage("par"),
			userMessage("Again"),
		},
	}, httptest.NewRecorder()); err != nil {
		t.Fatalf("second Stream() error = %v", err)
	}
	second := fake.streamPayloads[1]
	if second.ParentID == nil || *second.ParentID != "parent-1" {
		t.Errorf("second ParentID = %v, want parent-1", second.ParentID)
	}
	if fake.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", fake.createCalls)
	}
}

func TestListModels(t *testing.T) {
	orch := newTestOrchestrator(t, &fakeUpstream{})
	list, err := orch.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 {
		t.Fatalf("list = %+v, want one model", list)
	}
	if list.Data[0].ID != "qwen3-coder-plus" || list.Data[0].Object != "model" {
		t.Errorf("model = %+v", list.Data[0])
	}
}

func TestDeleteSession(t *testing.T) {
	fake := &fakeUpstream{}
	orch := newTestOrchestrator(t, fake)

	if orch.DeleteSession("missing") {
		t.Error("DeleteSession(missing) = true, want false")
	}

	if _, err := orch.Complete(context.Background(), &domain.ChatRequest{
		Messages: []domain.Message{userMessage("Hi")},
	}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// The session id is internal; delete by resolving it again.
	if _, err := orch.Complete(context.Background(), &domain.ChatRequest{
		Messages: []domain.Message{
			userMessage("Hi"),
			assistantMessage("Hello!"),
			userMessage("Again"),
		},
	}); err != nil {
		t.Fatalf("resume Complete() error = %v", err)
	}
	if fake.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 before delete", fake.createCalls)
	}
}
