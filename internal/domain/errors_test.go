package domain

import (
	"errors"
	"net/http"
	"testing"
)

func TestAPIError_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want int
	}{
		{"validation", ErrValidation("bad"), http.StatusBadRequest},
		{"transport", ErrUpstreamTransport("down"), http.StatusBadGateway},
		{"format", ErrUpstreamFormat("odd shape"), http.StatusInternalServerError},
		{"ambiguity", ErrSessionAmbiguity("two matches"), http.StatusInternalServerError},
		{"server", ErrServer("boom"), http.StatusInternalServerError},
		{"pinned", ErrValidation("gone").WithStatusCode(http.StatusNotFound), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrUpstreamTransport("down")) {
		t.Error("transport errors must be retryable")
	}
	if IsRetryable(ErrValidation("bad")) || IsRetryable(ErrUpstreamFormat("odd")) {
		t.Error("validation and format errors must not be retryable")
	}
	if IsRetryable(ErrSessionAmbiguity("two matches")) {
		t.Error("ambiguity errors must not be retryable")
	}
	// Unclassified errors get the retry budget.
	if !IsRetryable(errors.New("connection refused")) {
		t.Error("plain errors must be treated as transient")
	}
}

func TestAsAPIError_WrapsUnknown(t *testing.T) {
	plain := errors.New("boom")
	apiErr := AsAPIError(plain)
	if apiErr.Kind != KindServer {
		t.Errorf("Kind = %q, want server", apiErr.Kind)
	}
	if !errors.Is(apiErr, plain) {
		t.Error("cause not preserved")
	}
}
