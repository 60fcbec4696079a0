package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

// errorEnvelope is the OpenAI-style error response body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, domain.ErrValidation("invalid request body: %v", err))
		return
	}

	AddLogField(r.Context(), "model", req.Model)

	if req.Stream {
		if err := s.gateway.Stream(r.Context(), &req, w); err != nil {
			// Nothing was streamed yet; a JSON error is still possible.
			s.writeError(w, r, err)
		}
		return
	}

	resp, err := s.gateway.Complete(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.gateway.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.gateway.DeleteSession(id) {
		s.writeError(w, r, domain.ErrValidation("session not found").
			WithCode("session_not_found").
			WithStatusCode(http.StatusNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	apiErr := domain.AsAPIError(err)
	s.writeJSON(w, apiErr.HTTPStatusCode(), errorEnvelope{Error: errorBody{
		Message: apiErr.Message,
		Type:    apiErr.WireType(),
		Code:    apiErr.Code,
	}})
}
