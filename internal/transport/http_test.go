package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cindervm/cinder/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newAgentServer starts an httptest server and returns a transport aimed at it.
func newAgentServer(t *testing.T, handler http.Handler) (*httptest.Server, *transport.HTTPTransport) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("parse server addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return srv, transport.NewHTTPTransport(host, port, discardLogger())
}

func TestHTTPExecute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req transport.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Command != "echo ready" || req.Timeout != 5 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(transport.ExecResult{
			Success:    true,
			Stdout:     "ready\n",
			ReturnCode: 0,
		})
	})

	_, tr := newAgentServer(t, mux)

	res, err := tr.Execute(context.Background(), "echo ready", 5)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Stdout != "ready\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPExecuteRetriesThenRecoverable(t *testing.T) {
	// The execute endpoint always fails but /health answers, so the VM is
	// recoverable and the error is ErrCommandFailed.
	var executeCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		executeCalls.Add(1)
		http.Error(w, "agent busy", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transport.HealthResponse{Status: "healthy", AgentID: "a1"})
	})

	_, tr := newAgentServer(t, mux)

	_, err := tr.Execute(context.Background(), "true", 1)
	if !errors.Is(err, transport.ErrCommandFailed) {
		t.Fatalf("error = %v, want ErrCommandFailed", err)
	}
	if got := executeCalls.Load(); got != 3 {
		t.Errorf("execute attempts = %d, want 3", got)
	}
}

func TestHTTPExecuteDeadAgent(t *testing.T) {
	srv, tr := newAgentServer(t, http.NotFoundHandler())
	srv.Close()

	_, err := tr.Execute(context.Background(), "true", 1)
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestHTTPWriteFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /write_file", func(w http.ResponseWriter, r *http.Request) {
		var req transport.WriteFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(req.FilePath, "/tmp/") {
			json.NewEncoder(w).Encode(transport.WriteFileResponse{Success: false, Error: "path outside /tmp"})
			return
		}
		if req.Encoding != transport.EncodingUTF8 {
			t.Errorf("encoding = %q, want utf8", req.Encoding)
		}
		json.NewEncoder(w).Encode(transport.WriteFileResponse{Success: true, FilePath: req.FilePath})
	})

	_, tr := newAgentServer(t, mux)
	ctx := context.Background()

	if err := tr.WriteFile(ctx, "/tmp/user_code_1.py", "print(2+2)"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := tr.WriteFile(ctx, "/etc/passwd", "nope")
	if !errors.Is(err, transport.ErrCommandFailed) {
		t.Fatalf("WriteFile outside /tmp: error = %v, want ErrCommandFailed", err)
	}
}

func TestHTTPWriteFileTooLarge(t *testing.T) {
	_, tr := newAgentServer(t, http.NotFoundHandler())

	big := strings.Repeat("a", transport.MaxRequestBytes+1)
	err := tr.WriteFile(context.Background(), "/tmp/big.py", big)
	if !errors.Is(err, transport.ErrCommandFailed) {
		t.Fatalf("error = %v, want ErrCommandFailed", err)
	}
}

func TestHTTPHealth(t *testing.T) {
	healthy := atomic.Bool{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(transport.HealthResponse{Status: "healthy", AgentID: "a1", UptimeSeconds: 1})
	})

	_, tr := newAgentServer(t, mux)
	ctx := context.Background()

	if tr.Health(ctx) {
		t.Error("Health = true while agent returns 503")
	}
	healthy.Store(true)
	if !tr.Health(ctx) {
		t.Error("Health = false for healthy agent")
	}
}
