// Package api serves the job API: submission, status polling, report
// downloads, the model catalog and a live event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/metrics"
)

// ServerOptions wires the handlers. History and Events may be nil.
type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	AuthToken    string
	CORSOrigins  []string

	Jobs      JobService
	Artifacts Artifacts
	History   History
	Events    EventSource
	Health    *HealthHandler
	OpenAPI   []byte

	Log zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		http: &http.Server{
			Addr:         opts.Addr,
			Handler:      NewRouter(opts),
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter builds the HTTP handler tree.
func NewRouter(opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(opts.CORSOrigins))

	// no auth
	if opts.Health != nil {
		r.Get("/api/v1/health", opts.Health.ServeHTTP)
	}
	r.Handle("/metrics", promhttp.Handler())
	if len(opts.OpenAPI) > 0 {
		r.Get("/api/v1/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			w.Write(opts.OpenAPI)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(opts.AuthToken))
		NewJobsHandler(opts.Jobs, opts.Artifacts, opts.History).Routes(r)
		NewEventsHandler(opts.Events).Routes(r)
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
