package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"albert/internal/gateway"
)

const maxRequestBytes = 32 << 20

type Server struct {
	gateway *gateway.Service
}

type Config struct {
	Gateway        *gateway.Service
	Logger         zerolog.Logger
	HealthPath     string
	MetricsPath    string
	MetricsHandler http.Handler
}

// NewRouter serves the OpenAI-compatible surface both at the root and
// under /v1, since clients disagree on where the base URL ends.
func NewRouter(cfg Config) http.Handler {
	s := &Server{gateway: cfg.Gateway}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(cfg.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	r.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsPath != "" && cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}

	s.routes(r)
	r.Route("/v1", s.routes)
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Get("/models", s.handleModels)
	r.Get("/models/*", s.handleModel)
	r.Get("/tools", s.handleTools)
	r.Get("/collections", s.handleCollections)
	r.Get("/collections/{id}", s.handleCollection)
	r.Get("/chat/history/{user}", s.handleHistory)
	r.Get("/chat/history/{user}/{id}", s.handleChat)
	r.Post("/completions", s.handleCompletions)
	r.Post("/chat/completions", s.handleChatCompletions)
	r.Post("/embeddings", s.handleEmbeddings)
}
