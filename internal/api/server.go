// Package api serves the shutters over HTTP and streams their changes over a
// WebSocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jkaflik/rfxshutter/internal/registry"
)

const (
	readTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Enabled bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	Listen  string `yaml:"listen" default:":8080" env:"LISTEN"`
}

type Server struct {
	cfg      Config
	registry *registry.Registry
	hub      *Hub
}

// New creates a server for the shutters of reg. Its hub follows registry
// events from now on.
func New(cfg Config, reg *registry.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		hub:      NewHub(),
	}

	for _, sh := range reg.Shutters() {
		s.hub.Track(sh)
	}
	reg.OnEvent(s.hub.HandleEvent)

	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/discover", s.handleDiscover)
		r.Get("/events", s.handleEvents)

		r.Route("/shutters", func(r chi.Router) {
			r.Get("/", s.handleListShutters)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetShutter)
				r.Put("/position", s.handleSetPosition)
				r.Post("/open", s.handleOpen)
				r.Post("/close", s.handleClose)
				r.Post("/stop", s.handleStop)
			})
		})
	})

	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
	}

	errs := make(chan error, 1)
	go func() {
		logrus.Infof("api: listening on %s", s.cfg.Listen)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		s.hub.Close()
		return errors.Wrap(err, "api")
	case <-ctx.Done():
	}

	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "api: shutdown")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("api: request")
	})
}
