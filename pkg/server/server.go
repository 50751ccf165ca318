// Package server exposes a serve-mode pipeline over HTTP: one request in,
// exactly one correlated response out.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/coordinator"
	enginerr "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// DefaultRequestTimeout bounds how long a caller waits for the pipeline to
// answer before receiving a gateway-timeout response.
const DefaultRequestTimeout = 30 * time.Second

// requestIDHeader carries the request identifier back to the caller.
const requestIDHeader = "DAG-Request-ID"

// Config holds the server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// RequestTimeout is the per-request deadline for pipeline completion.
	RequestTimeout time.Duration

	// Logger for structured logging; a production logger is substituted
	// when nil.
	Logger *zap.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Server accepts feature vectors over HTTP, injects them at the coordinator
// and answers each call with the correlated terminal result.
type Server struct {
	coord   *coordinator.Coordinator
	timeout time.Duration
	addr    string
	logger  *zap.Logger
}

type processRequest struct {
	Features []float64 `json:"features"`
}

type processResponse struct {
	RequestID string    `json:"request_id"`
	Result    []float64 `json:"result"`
}

type errorResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// New creates a server for an already started coordinator.
func New(coord *coordinator.Coordinator, cfg Config) (*Server, error) {
	if coord == nil {
		return nil, errors.New("coordinator cannot be nil")
	}
	if coord.Graph().Mode() != graph.ModeServe {
		return nil, errors.New("server requires a graph built for serve mode")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Server{
		coord:   coord,
		timeout: cfg.RequestTimeout,
		addr:    cfg.Addr,
		logger:  logger,
	}, nil
}

// Handler returns the HTTP handler, exposed separately so tests can drive it
// with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/process", s.handleProcess)
	mux.HandleFunc("/graph", s.handleGraph)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe runs the server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(requestIDHeader, requestID)

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, requestID, "POST required")
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, requestID, "invalid request body")
		return
	}
	if len(req.Features) == 0 {
		s.writeError(w, http.StatusBadRequest, requestID, "features must be a non-empty array of numbers")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.coord.Inject(ctx, req.Features)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case enginerr.IsTimeout(err):
			status = http.StatusGatewayTimeout
		case enginerr.IsStepFailed(err):
			status = http.StatusUnprocessableEntity
		}
		s.logger.Warn("request failed",
			zap.String("request_id", requestID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		s.writeError(w, status, requestID, err.Error())
		return
	}

	s.logger.Info("request completed",
		zap.String("request_id", requestID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("dims", len(result)))
	s.writeJSON(w, http.StatusOK, processResponse{RequestID: requestID, Result: result})
}

// handleGraph exposes the finalized graph as a read-only structure for
// external renderers.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "", "GET required")
		return
	}
	g := s.coord.Graph()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mode":  g.Mode().String(),
		"steps": g.Steps(),
		"edges": g.Edges(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, requestID, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{RequestID: requestID, Error: msg})
}
