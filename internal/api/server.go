// Package api exposes the ledger and promotion operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// Server represents the API server.
type Server struct {
	Addr    string
	router  *chi.Mux
	server  *http.Server
	service *Service
	stream  *EventStream
	metrics http.Handler
	auth    func(http.Handler) http.Handler
	errs    *ferrors.HTTPErrorAdapter
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithEventStream serves es on /api/events.
func WithEventStream(es *EventStream) Option { return func(s *Server) { s.stream = es } }

// WithAuth requires ledger users on mutating routes.
func WithAuth(store *ledger.SQLStore) Option { return func(s *Server) { s.auth = BasicAuth(store) } }

// NewServer creates a new API server.
func NewServer(addr string, svc *Service, opts ...Option) *Server {
	s := &Server{
		Addr:    addr,
		router:  chi.NewRouter(),
		service: svc,
		stream:  NewEventStream(),
		errs:    ferrors.NewHTTPErrorAdapter(nil),
	}
	for _, o := range opts {
		o(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Stream returns the event stream fed to SSE clients.
func (s *Server) Stream() *EventStream { return s.stream }

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/commits", s.handleCommits)
			r.Get("/repo_status", s.handleRepoStatus)
			r.Get("/promotions", s.handlePromotions)

			r.Group(func(r chi.Router) {
				if s.auth != nil {
					r.Use(s.auth)
				}
				r.Post("/promote", s.handlePromote)
				r.Post("/promote-batch", s.handlePromoteBatch)
				r.Post("/recheck", s.handleRecheck)
				r.Post("/remote/import", s.handleImport)
				r.Post("/report_result", s.handleReportResult)
			})
		})
	})
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	_ = s.stream.Close()
	return s.server.Shutdown(ctx)
}

// Response represents a standard API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Error writes a classified error response.
func (s *Server) Error(w http.ResponseWriter, r *http.Request, err error) {
	s.errs.WriteErrorResponse(w, r, err)
}

// Success writes a success response.
func (s *Server) Success(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, Response{Success: true, Data: data})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}
