package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a gateway failure. The kind decides both the HTTP
// status surfaced to the caller and whether the retry layer may re-dispatch.
type ErrorKind string

const (
	// KindInvalidRequest is a malformed or structurally invalid request.
	// Rejected before any session or upstream interaction; never retried.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindUpstreamTransport is a network failure or 5xx-equivalent upstream
	// response. Retryable within the retry budget.
	KindUpstreamTransport ErrorKind = "upstream_transport"

	// KindUpstreamFormat is an upstream response with an unexpected shape.
	// Logged and surfaced as a server error; never retried.
	KindUpstreamFormat ErrorKind = "upstream_format"

	// KindSessionAmbiguity marks a first-message fallback that matched more
	// than one live session. Treated as not-found by the resolver.
	KindSessionAmbiguity ErrorKind = "session_ambiguity"

	// KindServer is an internal gateway failure.
	KindServer ErrorKind = "server"
)

// APIError is the canonical error all components raise. Handlers translate it
// to the OpenAI {"error":{...}} envelope via HTTPStatusCode and WireType.
type APIError struct {
	Kind    ErrorKind
	Code    string
	Message string

	// StatusCode overrides the kind's default mapping when the upstream
	// supplied a concrete status worth preserving.
	StatusCode int

	cause error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// HTTPStatusCode maps the error kind to a transport status code.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUpstreamTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WireType is the "type" field of the OpenAI error envelope.
func (e *APIError) WireType() string {
	if e.Kind == KindInvalidRequest {
		return "invalid_request"
	}
	return "server_error"
}

// Retryable reports whether the retry layer may re-dispatch the failed call.
func (e *APIError) Retryable() bool {
	return e.Kind == KindUpstreamTransport
}

// WithCode attaches a machine-readable code.
func (e *APIError) WithCode(code string) *APIError {
	e.Code = code
	return e
}

// WithStatusCode pins a specific HTTP status.
func (e *APIError) WithStatusCode(status int) *APIError {
	e.StatusCode = status
	return e
}

// WithCause records the wrapped underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// ErrValidation creates an invalid-request error.
func ErrValidation(format string, args ...any) *APIError {
	return &APIError{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// ErrUpstreamTransport creates a retryable transport error.
func ErrUpstreamTransport(format string, args ...any) *APIError {
	return &APIError{Kind: KindUpstreamTransport, Message: fmt.Sprintf(format, args...)}
}

// ErrUpstreamFormat creates an unexpected-shape error.
func ErrUpstreamFormat(format string, args ...any) *APIError {
	return &APIError{Kind: KindUpstreamFormat, Message: fmt.Sprintf(format, args...)}
}

// ErrSessionAmbiguity creates an ambiguous-resolution error. The resolver
// treats ambiguity as not-found and creates a fresh session, so this kind is
// logged for the audit trail rather than surfaced to callers.
func ErrSessionAmbiguity(format string, args ...any) *APIError {
	return &APIError{Kind: KindSessionAmbiguity, Message: fmt.Sprintf(format, args...)}
}

// ErrServer creates an internal server error.
func ErrServer(format string, args ...any) *APIError {
	return &APIError{Kind: KindServer, Message: fmt.Sprintf(format, args...)}
}

// AsAPIError unwraps err to an *APIError, or wraps it as a server error so
// every failure leaving the gateway carries a kind and a status code.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrServer("%s", err.Error()).WithCause(err)
}

// IsRetryable reports whether err is classified as retryable. Unclassified
// errors are treated as transport failures so plain connection errors from
// the HTTP client still get the retry budget.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
