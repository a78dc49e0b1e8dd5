// Package web serves the supervisor and relay over HTTP, with a WebSocket
// endpoint for interactive attach.
package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/probe"
	"github.com/pbeaucage/AFL-andon/internal/relay"
	"github.com/pbeaucage/AFL-andon/internal/supervisor"
)

// Server exposes the HTTP API.
type Server struct {
	store  *config.Store
	sup    *supervisor.Supervisor
	relay  *relay.Relay
	prober *probe.Prober

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// Option configures the server.
type Option func(*Server)

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// New creates a server.
func New(store *config.Store, sup *supervisor.Supervisor, rl *relay.Relay, prober *probe.Prober, opts ...Option) *Server {
	s := &Server{
		store:  store,
		sup:    sup,
		relay:  rl,
		prober: prober,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
		},
		mux: http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/servers", s.handleList)
	s.mux.HandleFunc("GET /api/servers/{name}", s.handleGet)
	s.mux.HandleFunc("PUT /api/servers/{name}", s.handlePut)
	s.mux.HandleFunc("DELETE /api/servers/{name}", s.handleDelete)
	s.mux.HandleFunc("POST /api/servers/{name}/toggle", s.handleToggle)

	s.mux.HandleFunc("POST /api/servers/{name}/start", s.handleStart)
	s.mux.HandleFunc("POST /api/servers/{name}/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/servers/{name}/restart", s.handleRestart)
	s.mux.HandleFunc("GET /api/servers/{name}/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/servers/{name}/log", s.handleLog)
	s.mux.HandleFunc("GET /api/servers/{name}/probe", s.handleProbe)
	s.mux.HandleFunc("GET /api/status", s.handleStatusAll)

	s.mux.HandleFunc("GET /api/servers/{name}/attach", s.handleAttach)
	s.mux.HandleFunc("POST /api/servers/{name}/detach", s.handleDetach)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
}

// Handler returns the HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.relay.DetachAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed for WebSocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func isConfigError(err error) bool {
	return errors.Is(err, config.ErrUnknownServer) ||
		errors.Is(err, config.ErrNoLaunchTarget) ||
		errors.Is(err, config.ErrMissingCredential) ||
		errors.Is(err, relay.ErrAlreadyAttached)
}

// writeConfigError maps configuration errors to HTTP statuses.
func writeConfigError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrUnknownServer):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, config.ErrNoLaunchTarget):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, config.ErrMissingCredential):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, relay.ErrAlreadyAttached):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, relay.ErrNotAttached):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
