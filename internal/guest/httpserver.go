package guest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cindervm/cinder/internal/transport"
)

// DefaultHTTPAddr is where the agent's HTTP server listens inside the guest.
const DefaultHTTPAddr = ":8080"

const (
	agentReadHeaderTimeout = 5 * time.Second
	agentShutdownTimeout   = 2 * time.Second
)

// HTTPServer serves the agent over HTTP for the TAP-network transport.
type HTTPServer struct {
	agent  *Agent
	addr   string
	logger *slog.Logger
}

// NewHTTPServer creates the agent HTTP server.
func NewHTTPServer(agent *Agent, addr string, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{agent: agent, addr: addr, logger: logger}
}

// Router builds the agent's HTTP routes.
func (s *HTTPServer) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/health", s.handleHealth)
	router.Post("/execute", s.handleExecute)
	router.Post("/write_file", s.handleWriteFile)
	return router
}

// Run serves until ctx is cancelled or the listener fails.
func (s *HTTPServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: agentReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), agentShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Health())
}

func (s *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req transport.ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		http.Error(w, "missing command parameter", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, s.agent.ExecuteCommand(req.Command, req.Timeout))
}

func (s *HTTPServer) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req transport.WriteFileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.agent.WriteFile(req.FilePath, req.Content, req.Encoding); err != nil {
		writeJSON(w, http.StatusOK, transport.WriteFileResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, transport.WriteFileResponse{
		Success:  true,
		FilePath: req.FilePath,
	})
}

// decodeBody decodes a JSON body capped at the request size limit, answering
// 413 for oversized bodies and 400 for malformed ones.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, transport.MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
