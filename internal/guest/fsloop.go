package guest

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/cindervm/cinder/internal/transport"
)

// DefaultSharedDir is the shared-directory mount point inside the guest.
const DefaultSharedDir = "/tmp/cinder_shared"

const (
	// requestPollInterval keeps the guest side at 10 Hz.
	requestPollInterval = 100 * time.Millisecond

	// heartbeatInterval refreshes the status file at 1 Hz.
	heartbeatInterval = time.Second
)

// FSLoop serves the agent over the shared-directory protocol: poll the
// requests directory, process each file, delete it, write the response
// atomically, and keep the heartbeat fresh.
type FSLoop struct {
	fs     afero.Fs
	agent  *Agent
	root   string
	logger *slog.Logger
}

// NewFSLoop creates the shared-directory serving loop.
func NewFSLoop(fsys afero.Fs, agent *Agent, root string, logger *slog.Logger) *FSLoop {
	return &FSLoop{fs: fsys, agent: agent, root: root, logger: logger}
}

// Run processes requests until ctx is cancelled. The status file reads
// "running" while the loop lives and "stopped" after it exits.
func (l *FSLoop) Run(ctx context.Context) error {
	for _, dir := range []string{transport.RequestsDir, transport.ResponsesDir} {
		if err := l.fs.MkdirAll(filepath.Join(l.root, dir), 0o755); err != nil {
			return err
		}
	}

	l.writeStatus(transport.StatusRunning)
	defer l.writeStatus(transport.StatusStopped)

	lastBeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(requestPollInterval):
		}

		l.drainRequests()

		if time.Since(lastBeat) >= heartbeatInterval {
			l.writeStatus(transport.StatusRunning)
			lastBeat = time.Now()
		}
	}
}

func (l *FSLoop) drainRequests() {
	requests := filepath.Join(l.root, transport.RequestsDir)
	entries, err := afero.ReadDir(l.fs, requests)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			// Temp files mid-rename do not end in .json; skip them.
			continue
		}
		l.processRequest(filepath.Join(requests, entry.Name()))
	}
}

func (l *FSLoop) processRequest(path string) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		l.logger.Warn("read request", "path", path, "error", err)
		return
	}

	// Remove immediately so a slow handler cannot reprocess the file.
	if err := l.fs.Remove(path); err != nil {
		l.logger.Warn("remove request", "path", path, "error", err)
	}

	var req transport.FileRequest
	if err := json.Unmarshal(data, &req); err != nil {
		l.logger.Warn("parse request", "path", path, "error", err)
		l.writeResponse(transport.FileResponse{
			RequestID: strings.TrimSuffix(filepath.Base(path), ".json"),
			Type:      transport.TypeErrorResponse,
			Error:     "malformed request: " + err.Error(),
		})
		return
	}

	l.writeResponse(l.handle(req))
}

func (l *FSLoop) handle(req transport.FileRequest) transport.FileResponse {
	resp := transport.FileResponse{RequestID: req.RequestID}

	switch req.Type {
	case transport.TypeExecute:
		if req.Command == "" {
			resp.Type = transport.TypeErrorResponse
			resp.Error = "missing command parameter"
			return resp
		}
		result := l.agent.ExecuteCommand(req.Command, req.Timeout)
		resp.Type = transport.TypeExecuteResponse
		resp.Success = result.Success
		resp.Stdout = result.Stdout
		resp.Stderr = result.Stderr
		resp.ReturnCode = result.ReturnCode

	case transport.TypeWriteFile:
		resp.Type = transport.TypeWriteFileResponse
		if err := l.agent.WriteFile(req.FilePath, req.Content, req.Encoding); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.FilePath = req.FilePath
		}

	case transport.TypeHealth:
		health := l.agent.Health()
		resp.Type = transport.TypeHealthResponse
		resp.Success = true
		resp.Status = health.Status
		resp.AgentID = health.AgentID
		resp.UptimeSeconds = health.UptimeSeconds

	default:
		resp.Type = transport.TypeErrorResponse
		resp.Error = "unknown request type: " + req.Type
	}

	return resp
}

func (l *FSLoop) writeResponse(resp transport.FileResponse) {
	resp.Timestamp = unixNow()
	path := filepath.Join(l.root, transport.ResponsesDir, resp.RequestID+".json")
	if err := transport.WriteFileAtomic(l.fs, path, resp); err != nil {
		l.logger.Error("write response", "request_id", resp.RequestID, "error", err)
	}
}

func (l *FSLoop) writeStatus(state string) {
	health := l.agent.Health()
	status := transport.AgentStatus{
		AgentID:       health.AgentID,
		Status:        state,
		Timestamp:     unixNow(),
		UptimeSeconds: health.UptimeSeconds,
		SharedDir:     l.root,
	}
	path := filepath.Join(l.root, transport.StatusFileName)
	if err := transport.WriteFileAtomic(l.fs, path, status); err != nil {
		l.logger.Warn("write status file", "error", err)
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
