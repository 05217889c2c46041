package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cindervm/cinder/internal/api"
	"github.com/cindervm/cinder/internal/executor"
	"github.com/cindervm/cinder/internal/model"
	"github.com/cindervm/cinder/internal/pool"
)

// fakeExecutor scripts executor behavior for handler tests.
type fakeExecutor struct {
	result     model.ExecutionResult
	err        error
	gotTimeout int
	gotPolicy  string
	gotLang    string
}

func (f *fakeExecutor) Execute(_ context.Context, code, language string, timeoutSeconds int, policyTag string) (model.ExecutionResult, error) {
	f.gotLang = language
	f.gotTimeout = timeoutSeconds
	f.gotPolicy = policyTag
	if f.err != nil {
		return model.ExecutionResult{Success: false, Error: f.err.Error()}, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) Initialize(_ context.Context) {}
func (f *fakeExecutor) Shutdown(_ context.Context)   {}

func (f *fakeExecutor) PoolDebugInfo() pool.DebugInfo {
	return pool.DebugInfo{
		Languages: map[string]pool.LanguageDebug{
			"python": {Available: 2, Target: 3},
		},
		Active: map[string]pool.ActiveDebug{},
	}
}

func newTestServer(t *testing.T, exec api.Executor) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := httptest.NewServer(api.NewServer(":0", exec, logger).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postExecute(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/execute", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/execute: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleExecute(t *testing.T) {
	fake := &fakeExecutor{result: model.ExecutionResult{
		Success:       true,
		Output:        "4\n",
		ExecutionTime: 0.2,
		VMID:          "vm1",
	}}
	srv := newTestServer(t, fake)

	resp := postExecute(t, srv, `{"code":"print(2+2)","language":"python","timeout_seconds":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result model.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success || result.Output != "4\n" || result.VMID != "vm1" {
		t.Errorf("result = %+v", result)
	}
	if fake.gotTimeout != 5 || fake.gotLang != "python" {
		t.Errorf("executor saw timeout=%d lang=%q", fake.gotTimeout, fake.gotLang)
	}
	if fake.gotPolicy != "sandbox" {
		t.Errorf("default policy = %q, want sandbox", fake.gotPolicy)
	}
}

func TestHandleExecuteDefaults(t *testing.T) {
	fake := &fakeExecutor{result: model.ExecutionResult{Success: true}}
	srv := newTestServer(t, fake)

	resp := postExecute(t, srv, `{"code":"print(1)","language":"python"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fake.gotTimeout != 10 {
		t.Errorf("default timeout = %d, want 10", fake.gotTimeout)
	}
}

func TestHandleExecuteValidation(t *testing.T) {
	fake := &fakeExecutor{result: model.ExecutionResult{Success: true}}
	srv := newTestServer(t, fake)

	if resp := postExecute(t, srv, `{notjson`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
	if resp := postExecute(t, srv, `{"language":"python"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing code status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleExecuteErrorMapping(t *testing.T) {
	fake := &fakeExecutor{err: fmt.Errorf("%w: %q", executor.ErrUnsupportedLanguage, "cobol")}
	srv := newTestServer(t, fake)
	if resp := postExecute(t, srv, `{"code":"x","language":"cobol"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unsupported language status = %d, want 400", resp.StatusCode)
	}

	fake2 := &fakeExecutor{err: fmt.Errorf("%w: boot storm", executor.ErrVMUnavailable)}
	srv2 := newTestServer(t, fake2)
	if resp := postExecute(t, srv2, `{"code":"x","language":"python"}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("vm unavailable status = %d, want 503", resp.StatusCode)
	}
}

func TestHandleExecuteOversizedBody(t *testing.T) {
	fake := &fakeExecutor{result: model.ExecutionResult{Success: true}}
	srv := newTestServer(t, fake)

	var body bytes.Buffer
	body.WriteString(`{"code":"`)
	body.WriteString(strings.Repeat("a", 3<<20))
	body.WriteString(`","language":"python"}`)

	resp := postExecute(t, srv, body.String())
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeExecutor{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDebugVMPools(t *testing.T) {
	srv := newTestServer(t, &fakeExecutor{})

	resp, err := http.Get(srv.URL + "/debug/vm-pools")
	if err != nil {
		t.Fatalf("GET /debug/vm-pools: %v", err)
	}
	defer resp.Body.Close()

	var info pool.DebugInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Languages["python"].Available != 2 {
		t.Errorf("debug info = %+v", info)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeExecutor{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "cinder_pool_vms_created_total") {
		t.Error("pool metrics missing from /metrics output")
	}
}
