package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Shared-directory entry names, used by both the host transport and the
// guest agent loop.
const (
	RequestsDir    = "requests"
	ResponsesDir   = "responses"
	StatusFileName = "guest_status.json"

	// hostPollInterval is how often the host checks for a response file.
	hostPollInterval = 100 * time.Millisecond

	// fsReadSlack is added to the operation timeout when waiting for a
	// response, mirroring the HTTP transport's read slack.
	fsReadSlack = 5 * time.Second

	// staleHeartbeat is the status-file age past which the agent is
	// considered unhealthy.
	staleHeartbeat = 5 * time.Second
)

// FSTransport reaches the guest agent through a per-VM shared directory.
// Requests are dropped as <uuid>.json under requests/, the guest leaves the
// matching response under responses/. Both sides write through a temporary
// name and rename into place so readers never see half a file.
type FSTransport struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
}

// NewFSTransport creates a transport rooted at the VM's shared directory.
func NewFSTransport(fsys afero.Fs, root string, logger *slog.Logger) *FSTransport {
	return &FSTransport{fs: fsys, root: root, logger: logger}
}

// Setup creates the shared-directory skeleton.
func (t *FSTransport) Setup() error {
	for _, dir := range []string{RequestsDir, ResponsesDir} {
		if err := t.fs.MkdirAll(filepath.Join(t.root, dir), 0o755); err != nil {
			return fmt.Errorf("create shared dir %s: %w", dir, err)
		}
	}
	return nil
}

// Execute drops an execute request and waits for the response until the
// operation timeout plus slack expires.
func (t *FSTransport) Execute(ctx context.Context, command string, timeoutSeconds int) (ExecResult, error) {
	deadline := time.Duration(timeoutSeconds)*time.Second + fsReadSlack

	resp, err := t.roundTrip(ctx, FileRequest{
		Type:    TypeExecute,
		Command: command,
		Timeout: timeoutSeconds,
	}, deadline)
	if err != nil {
		return ExecResult{}, err
	}
	if resp.Type == TypeErrorResponse {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrCommandFailed, resp.Error)
	}

	return ExecResult{
		Success:    resp.Success,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		ReturnCode: resp.ReturnCode,
	}, nil
}

// WriteFile drops a write_file request. Content that is not valid UTF-8
// travels base64-encoded.
func (t *FSTransport) WriteFile(ctx context.Context, path, content string) error {
	req := FileRequest{
		Type:     TypeWriteFile,
		FilePath: path,
		Content:  content,
		Encoding: EncodingUTF8,
	}
	if !utf8.ValidString(content) {
		req.Content = encodeBase64(content)
		req.Encoding = EncodingBase64
	}
	if len(req.Content) > MaxRequestBytes {
		return fmt.Errorf("%w: file content exceeds %d bytes", ErrCommandFailed, MaxRequestBytes)
	}

	resp, err := t.roundTrip(ctx, req, writeFileTimeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: write %s: %s", ErrCommandFailed, path, resp.Error)
	}
	return nil
}

// Health checks the agent heartbeat file first and falls back to a health
// request when the heartbeat is missing or stale.
func (t *FSTransport) Health(ctx context.Context) bool {
	if status, err := t.readStatus(); err == nil {
		age := nowUnix() - status.Timestamp
		if status.Status == StatusRunning && age >= 0 && age < staleHeartbeat.Seconds() {
			return true
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	resp, err := t.roundTrip(probeCtx, FileRequest{Type: TypeHealth}, healthProbeTimeout)
	if err != nil {
		return false
	}
	return resp.Status == StatusHealthy
}

// Close removes nothing: the shared directory is torn down with the VM's
// other scratch state.
func (t *FSTransport) Close() error {
	return nil
}

// roundTrip writes the request file atomically and polls for the response
// until the deadline expires. The response file is consumed on success; the
// request file is removed on timeout so the guest does not run it later.
func (t *FSTransport) roundTrip(ctx context.Context, req FileRequest, deadline time.Duration) (FileResponse, error) {
	req.RequestID = uuid.NewString()
	req.Timestamp = nowUnix()

	requestPath := filepath.Join(t.root, RequestsDir, req.RequestID+".json")
	responsePath := filepath.Join(t.root, ResponsesDir, req.RequestID+".json")

	if err := WriteFileAtomic(t.fs, requestPath, req); err != nil {
		return FileResponse{}, fmt.Errorf("%w: write request: %v", ErrUnavailable, err)
	}

	expire := time.Now().Add(deadline)
	for time.Now().Before(expire) {
		select {
		case <-ctx.Done():
			_ = t.fs.Remove(requestPath)
			return FileResponse{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		default:
		}

		resp, err := t.readResponse(responsePath)
		if err == nil {
			_ = t.fs.Remove(responsePath)
			return resp, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Debug("response not readable yet", "request_id", req.RequestID, "error", err)
		}

		time.Sleep(hostPollInterval)
	}

	_ = t.fs.Remove(requestPath)
	return FileResponse{}, fmt.Errorf("%w: request %s expired after %s", ErrTimeout, req.RequestID, deadline)
}

func (t *FSTransport) readResponse(path string) (FileResponse, error) {
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return FileResponse{}, err
	}
	var resp FileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return FileResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}

func (t *FSTransport) readStatus() (AgentStatus, error) {
	data, err := afero.ReadFile(t.fs, filepath.Join(t.root, StatusFileName))
	if err != nil {
		return AgentStatus{}, err
	}
	var status AgentStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return AgentStatus{}, fmt.Errorf("parse status file: %w", err)
	}
	return status, nil
}

// WriteFileAtomic marshals v and renames it into place. The temporary name
// does not end in .json, so pollers skip it.
func WriteFileAtomic(fsys afero.Fs, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fsys, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
