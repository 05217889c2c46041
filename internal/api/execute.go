package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cindervm/cinder/internal/executor"
	"github.com/cindervm/cinder/internal/policy"
)

// maxExecuteBody bounds the execute request body; code itself is capped at
// 1 MiB further down the stack, this just keeps the envelope sane.
const maxExecuteBody = 2 << 20

// defaultTimeoutSeconds applies when the request omits a timeout.
const defaultTimeoutSeconds = 10

type executeRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
	Policy         string `json:"policy,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxExecuteBody)

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing code"})
		return
	}

	timeout := defaultTimeoutSeconds
	if req.TimeoutSeconds != nil {
		timeout = *req.TimeoutSeconds
	}
	policyTag := req.Policy
	if policyTag == "" {
		policyTag = policy.Sandbox
	}

	result, err := s.exec.Execute(r.Context(), req.Code, req.Language, timeout, policyTag)
	switch {
	case errors.Is(err, executor.ErrUnsupportedLanguage):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, executor.ErrVMUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("execute failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDebugVMPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.PoolDebugInfo())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
