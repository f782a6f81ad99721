package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stevedore/internal/config"
	"stevedore/internal/logging"
	"stevedore/internal/manifest"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
	errc     chan error
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg.Metrics.Enabled),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes(metrics bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/items", s.handleItems)
	mux.HandleFunc("/api/items/", s.handleItem)
	mux.HandleFunc("/api/installed", s.handleInstalled)
	if metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(s.daemon.registry, promhttp.HandlerOpts{
			Registry:          s.daemon.registry,
			EnableOpenMetrics: true,
		}))
	}
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	s.errc = make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
			s.errc <- err
		}
		close(s.errc)
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.String(logging.FieldEventType, "api_listening"),
	)
	return nil
}

// serve blocks until ctx ends or the listener fails.
func (s *apiServer) serve(ctx context.Context) error {
	if s == nil || s.errc == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-s.errc:
		if !ok {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *apiServer) stop() {
	if s == nil || s.listener == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		history, _ := strconv.Atoi(r.URL.Query().Get("history"))
		items, err := s.daemon.List(r.Context(), history)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req SubmitRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		view, err := s.daemon.Submit(r.Context(), req)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{"item": view})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleItem(w http.ResponseWriter, r *http.Request) {
	handle := strings.TrimPrefix(r.URL.Path, "/api/items/")
	if handle == "" || strings.Contains(handle, "/") {
		s.writeError(w, http.StatusNotFound, "item not found")
		return
	}
	var (
		view ItemView
		err  error
	)
	switch r.Method {
	case http.MethodGet:
		view, err = s.daemon.Describe(r.Context(), handle)
	case http.MethodDelete:
		view, err = s.daemon.Cancel(r.Context(), handle)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"item": view})
}

func (s *apiServer) handleInstalled(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pkgs, err := s.daemon.Installed(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (s *apiServer) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, httpStatus(err), err.Error())
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, orchestrator.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation), errors.Is(err, manifest.ErrAmbiguous):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrDisabled), errors.Is(err, ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
