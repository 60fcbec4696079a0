// Package server exposes the gateway's OpenAI-compatible HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

// Gateway is the orchestrator surface the HTTP layer drives.
type Gateway interface {
	Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
	Stream(ctx context.Context, req *domain.ChatRequest, w http.ResponseWriter) error
	ListModels(ctx context.Context) (*domain.ModelList, error)
	DeleteSession(id string) bool
}

// Server routes gateway endpoints over chi.
type Server struct {
	router  *chi.Mux
	httpSrv *http.Server
	gateway Gateway
	logger  *slog.Logger
}

// New builds the router with the full middleware chain and routes.
func New(port int, logger *slog.Logger, gateway Gateway) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		gateway: gateway,
		logger:  logger,
	}

	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "qwen-gateway")
	})

	s.router.Post("/v1/chat/completions", s.handleChatCompletions)
	s.router.Get("/v1/models", s.handleListModels)
	s.router.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	s.router.Get("/health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
