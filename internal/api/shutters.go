package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jkaflik/rfxshutter/internal/registry"
	"github.com/jkaflik/rfxshutter/internal/rfx"
	"github.com/jkaflik/rfxshutter/internal/shutter"
)

type positionRequest struct {
	Position *int `json:"position"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"shutters": s.registry.Len(),
	})
}

func (s *Server) handleListShutters(w http.ResponseWriter, _ *http.Request) {
	shutters := s.registry.Shutters()

	result := make([]shutter.Update, 0, len(shutters))
	for _, sh := range shutters {
		result = append(result, sh.Snapshot())
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetShutter(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sh.Snapshot())
}

func (s *Server) handleSetPosition(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Position == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "position is required")
		return
	}

	s.command(r.Context(), w, sh, func(ctx context.Context) error {
		return sh.SetTargetPosition(ctx, *req.Position)
	})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if sh, ok := s.lookup(w, r); ok {
		s.command(r.Context(), w, sh, sh.Open)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if sh, ok := s.lookup(w, r); ok {
		s.command(r.Context(), w, sh, sh.Close)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if sh, ok := s.lookup(w, r); ok {
		s.command(r.Context(), w, sh, sh.Stop)
	}
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	changes, err := s.registry.Discover(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, changes)
	case errors.Is(err, registry.ErrDiscoveryTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, rfx.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		logrus.Errorf("api: discovery failed: %s", err)
		writeError(w, http.StatusBadGateway, ErrCodeBridge, err.Error())
	}
}

// command runs a motion request and answers once it is accepted. The travel
// itself goes on in the background.
func (s *Server) command(ctx context.Context, w http.ResponseWriter, sh *shutter.Controller, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		logrus.Errorf("%s: api command failed: %s", sh.Name(), err)
		if errors.Is(err, rfx.ErrNotInitialized) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeBridge, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, sh.Snapshot())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*shutter.Controller, bool) {
	sh, err := s.registry.Get(deviceIDParam(r))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return nil, false
	}
	return sh, true
}

// deviceIDParam accepts both "0x010203%2F1" and "0x010203_1".
func deviceIDParam(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	return strings.ReplaceAll(id, "_", "/")
}
