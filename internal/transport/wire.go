package transport

import (
	"encoding/base64"
	"fmt"
)

// Wire schemas shared by both transports and the guest agent.

// Request type tags.
const (
	TypeExecute   = "execute"
	TypeWriteFile = "write_file"
	TypeHealth    = "health"
)

// Response type tags (filesystem transport).
const (
	TypeExecuteResponse   = "execute_response"
	TypeWriteFileResponse = "write_file_response"
	TypeHealthResponse    = "health_response"
	TypeErrorResponse     = "error_response"
)

// Content encodings accepted by write_file.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// StatusHealthy is the health status a live agent reports.
const StatusHealthy = "healthy"

// Agent run states recorded in the shared-directory status file.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// MaxRequestBytes caps a single request body or file payload (1 MiB).
const MaxRequestBytes = 1 << 20

// ExecuteRequest is the execute payload.
type ExecuteRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

// WriteFileRequest is the write_file payload.
type WriteFileRequest struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// WriteFileResponse acknowledges a write_file request.
type WriteFileResponse struct {
	Success  bool   `json:"success"`
	FilePath string `json:"file_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse is the agent's health report.
type HealthResponse struct {
	Status        string  `json:"status"`
	AgentID       string  `json:"agent_id"`
	UptimeSeconds float64 `json:"uptime"`
}

// FileRequest is the on-disk request envelope for the filesystem transport.
// Exactly one request type's fields are populated, selected by Type.
type FileRequest struct {
	RequestID string  `json:"request_id"`
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`

	// execute
	Command string `json:"command,omitempty"`
	Timeout int    `json:"timeout,omitempty"`

	// write_file
	FilePath string `json:"file_path,omitempty"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// FileResponse is the on-disk response envelope for the filesystem transport.
type FileResponse struct {
	RequestID string  `json:"request_id"`
	Type      string  `json:"type"`
	Success   bool    `json:"success"`
	Timestamp float64 `json:"timestamp"`

	// execute_response
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"return_code"`

	// write_file_response
	FilePath string `json:"file_path,omitempty"`

	// health_response
	Status        string  `json:"status,omitempty"`
	AgentID       string  `json:"agent_id,omitempty"`
	UptimeSeconds float64 `json:"uptime,omitempty"`

	// error_response (and failed typed responses)
	Error string `json:"error,omitempty"`
}

// AgentStatus is the heartbeat the agent writes to guest_status.json.
type AgentStatus struct {
	AgentID       string  `json:"agent_id"`
	Status        string  `json:"status"`
	Timestamp     float64 `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime"`
	SharedDir     string  `json:"shared_dir"`
}

func encodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeContent decodes a write_file payload according to its encoding tag.
func DecodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 content: %w", err)
		}
		return data, nil
	case EncodingUTF8, "":
		return []byte(content), nil
	}
	return nil, fmt.Errorf("unknown content encoding %q", encoding)
}
