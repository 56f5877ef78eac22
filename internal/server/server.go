// Package server binds the engine's boundary operations to a minimal HTTP
// JSON surface: liveness and readiness probes, Prometheus metrics and the
// v1 session and statement endpoints used by clients and test harnesses.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YarShev/omniscidb/pkg/dberr"
	"github.com/YarShev/omniscidb/pkg/dispatch"
	"github.com/YarShev/omniscidb/pkg/engine"
)

const (
	// maxBodyBytes caps request bodies. Statements can be large; anything
	// beyond this is rejected before decoding.
	maxBodyBytes = 16 << 20

	// shutdownGrace bounds how long Run waits for in-flight requests after
	// its context is cancelled.
	shutdownGrace = 10 * time.Second
)

// Server serves the engine over HTTP.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
	mux    *http.ServeMux
}

// New builds the HTTP binding for an engine.
func New(e *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{engine: e, log: log}
	s.mux = s.routes()
	return s
}

// Handler returns the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.withRequestLog(s.mux)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	checker := s.engine.Health()
	mux.Handle("GET /healthz", checker.LivenessHandler())
	mux.Handle("GET /readyz", checker.ReadinessHandler())
	if s.engine.Config().Server.Metrics {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.engine.Metrics().Registry(), promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /v1/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/render", s.handleRender)
	mux.HandleFunc("POST /v1/udf", s.handleRegisterUDF)
	mux.HandleFunc("POST /v1/clear-gpu-memory", s.handleClearGPUMemory)
	return mux
}

// Run serves the API on the configured address until ctx is cancelled, then
// drains in-flight requests within the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.engine.Config().Server.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return <-errCh
}

type connectRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

type connectResponse struct {
	Session string `json:"session"`
}

type sessionRequest struct {
	Session string `json:"session"`
}

type executeRequest struct {
	Session  string `json:"session"`
	SQL      string `json:"sql"`
	Columnar bool   `json:"columnar"`
	Nonce    string `json:"nonce,omitempty"`

	// FirstRowOffset and RowLimit default to -1 (no offset, no limit) when
	// absent, matching the statement boundary.
	FirstRowOffset *int64 `json:"first_row_offset,omitempty"`
	RowLimit       *int64 `json:"row_limit,omitempty"`
}

type interruptResponse struct {
	Interrupted int `json:"interrupted"`
}

type renderRequest struct {
	Session  string `json:"session"`
	WidgetID int64  `json:"widget_id"`
	Vega     string `json:"vega"`
}

type udfRequest struct {
	Session string `json:"session"`
	Name    string `json:"name"`
	Source  string `json:"source"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.engine.Connect(r.Context(), req.User, req.Password, req.Database)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{Session: id})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.Disconnect(r.Context(), req.Session); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decode(w, r, &req) {
		return
	}
	offset, limit := int64(-1), int64(-1)
	if req.FirstRowOffset != nil {
		offset = *req.FirstRowOffset
	}
	if req.RowLimit != nil {
		limit = *req.RowLimit
	}
	res, err := s.engine.ExecuteSQL(r.Context(), dispatch.Request{
		SessionID:      req.Session,
		SQL:            req.SQL,
		Columnar:       req.Columnar,
		Nonce:          req.Nonce,
		FirstRowOffset: offset,
		RowLimit:       limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.engine.Interrupt(req.Session)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, interruptResponse{Interrupted: n})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !s.decode(w, r, &req) {
		return
	}
	image, err := s.engine.RenderVega(r.Context(), req.Session, req.WidgetID, req.Vega)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

func (s *Server) handleRegisterUDF(w http.ResponseWriter, r *http.Request) {
	var req udfRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.RegisterRuntimeUDF(r.Context(), req.Session, req.Name, req.Source); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearGPUMemory(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.ClearGPUMemory(r.Context(), req.Session); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads the JSON body into dst. On failure it writes a 400 response
// and reports false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "malformed request body: " + err.Error(),
			Kind:  "bad_request",
		})
		return false
	}
	return true
}

// writeError maps the engine error taxonomy onto HTTP statuses. Auth and
// session failures are 401, privilege failures 403, admission denials 429,
// statement diagnostics 400 and internal faults 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := dberr.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "kind", kind.String(), "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}

func statusForKind(kind dberr.Kind) int {
	switch kind {
	case dberr.KindAuth, dberr.KindSessionNotFound, dberr.KindSessionExpired:
		return http.StatusUnauthorized
	case dberr.KindAuthorization:
		return http.StatusForbidden
	case dberr.KindResourceExhausted:
		return http.StatusTooManyRequests
	case dberr.KindQuery:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withRequestLog logs one line per request with status and duration.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
