// Package upstream is the HTTP client for the upstream conversational AI
// service. It exposes the three operations the gateway consumes: create-chat,
// send-message (buffered or streaming), and list-models.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

const defaultBaseURL = "https://chat.qwen.ai"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to the upstream chat API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an upstream API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChat opens a new chat thread and returns its id.
func (c *Client) CreateChat(ctx context.Context, title string, models []string) (string, error) {
	respBody, err := c.postJSON(ctx, "/api/v1/chats", CreateChatRequest{Title: title, Models: models})
	if err != nil {
		return "", err
	}

	var result createChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", domain.ErrUpstreamFormat("decode create-chat response: %s", err).WithCause(err)
	}
	if result.chatID() == "" {
		return "", domain.ErrUpstreamFormat("create-chat response carried no chat id")
	}
	return result.chatID(), nil
}

// SendMessage sends a buffered chat-completion request.
func (c *Client) SendMessage(ctx context.Context, payload *SendPayload) (*BufferedResponse, error) {
	payload.Stream = false
	respBody, err := c.postJSON(ctx, "/api/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	var result BufferedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrUpstreamFormat("decode send-message response: %s", err).WithCause(err)
	}
	return &result, nil
}

// StreamMessage sends a streaming chat-completion request and returns the
// raw event stream. The caller owns the returned body and must close it.
func (c *Client) StreamMessage(ctx context.Context, payload *SendPayload) (io.ReadCloser, error) {
	payload.Stream = true
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrUpstreamTransport("upstream request failed: %s", err).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, respBody)
	}

	return resp.Body, nil
}

// ListModels retrieves the upstream model listing.
func (c *Client) ListModels(ctx context.Context) (*ModelsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrUpstreamTransport("upstream request failed: %s", err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrUpstreamTransport("read upstream response: %s", err).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}

	var result ModelsResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrUpstreamFormat("decode models response: %s", err).WithCause(err)
	}
	return &result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrUpstreamTransport("upstream request failed: %s", err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrUpstreamTransport("read upstream response: %s", err).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// statusError classifies a non-200 upstream status: 5xx is a retryable
// transport failure, 4xx is a non-retryable client error.
func statusError(status int, body []byte) *domain.APIError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if status >= 500 {
		return domain.ErrUpstreamTransport("upstream returned %d: %s", status, msg).WithStatusCode(http.StatusBadGateway)
	}
	return domain.ErrValidation("upstream rejected request (%d): %s", status, msg).WithStatusCode(status)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "qwen-gateway/1.0")
}
