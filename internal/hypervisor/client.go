// Package hypervisor drives a single Firecracker instance: a process
// supervisor for the hypervisor child and a JSON client for its control API,
// served over a per-VM Unix domain socket.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrUnavailable reports that the control socket never became ready within
// its deadline (or the hypervisor process died before it did).
var ErrUnavailable = errors.New("hypervisor control socket unavailable")

// APIError is a control-API response with status >= 400.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hypervisor %s: status %d: %s", e.Op, e.Status, e.Detail)
}

const (
	// DefaultSocketTimeout bounds the wait for control-socket readiness.
	DefaultSocketTimeout = 10 * time.Second

	socketPollInterval = 100 * time.Millisecond
	requestTimeout     = 10 * time.Second
	maxErrorBody       = 4096
)

// Client is a control-API client bound to one hypervisor's Unix socket.
// Each socket has exactly one owning client.
type Client struct {
	socketPath string
	httpc      *http.Client
}

// NewClient creates a client for the control socket at socketPath. The socket
// does not need to exist yet; WaitReady polls for it.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// WaitReady polls until the socket file exists and a trivial GET succeeds.
// proc, when non-nil, is checked each round so a hypervisor that died during
// boot fails fast instead of burning the whole deadline.
func (c *Client) WaitReady(ctx context.Context, proc *Process, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if proc != nil && !proc.Alive() {
			return fmt.Errorf("%w: hypervisor exited before socket became ready", ErrUnavailable)
		}

		if _, err := os.Stat(c.socketPath); err == nil {
			if err := c.call(ctx, http.MethodGet, "/", nil); err == nil {
				return nil
			}
		}

		time.Sleep(socketPollInterval)
	}

	return fmt.Errorf("%w: not ready after %s", ErrUnavailable, timeout)
}

// MachineConfig sets the vCPU and memory configuration.
func (c *Client) MachineConfig(ctx context.Context, vcpus, memSizeMiB int) error {
	return c.call(ctx, http.MethodPut, "/machine-config", machineConfig{
		VcpuCount:  vcpus,
		MemSizeMiB: memSizeMiB,
		SMT:        false,
	})
}

// BootSource sets the kernel image and boot arguments.
func (c *Client) BootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.call(ctx, http.MethodPut, "/boot-source", bootSource{
		KernelImagePath: kernelPath,
		BootArgs:        bootArgs,
	})
}

// Drive attaches a block device backed by hostPath.
func (c *Client) Drive(ctx context.Context, id, hostPath string, root, readOnly bool) error {
	return c.call(ctx, http.MethodPut, "/drives/"+id, drive{
		DriveID:      id,
		PathOnHost:   hostPath,
		IsRootDevice: root,
		IsReadOnly:   readOnly,
	})
}

// NetworkInterface attaches a guest NIC backed by the named host TAP device.
func (c *Client) NetworkInterface(ctx context.Context, ifaceID, guestMAC, tapName string) error {
	return c.call(ctx, http.MethodPut, "/network-interfaces/"+ifaceID, networkInterface{
		IfaceID:     ifaceID,
		GuestMAC:    guestMAC,
		HostDevName: tapName,
	})
}

// StartInstance boots the configured machine. Not idempotent: call exactly
// once per hypervisor process.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.call(ctx, http.MethodPut, "/actions", instanceAction{ActionType: "InstanceStart"})
}

// Pause suspends the guest's vCPUs. Required before CreateSnapshot.
func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, http.MethodPatch, "/vm", vmState{State: "Paused"})
}

// Resume restarts a paused guest's vCPUs.
func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, http.MethodPatch, "/vm", vmState{State: "Resumed"})
}

// CreateSnapshot persists the VM state and guest memory to the given paths.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memPath string) error {
	return c.call(ctx, http.MethodPut, "/snapshot/create", snapshotCreate{
		SnapshotPath: snapshotPath,
		MemFilePath:  memPath,
	})
}

// LoadSnapshot restores a snapshot pair into a freshly spawned hypervisor.
// With resume set the guest is running on return and must answer RPC within
// the guest-ready deadline.
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memPath string, resume bool) error {
	return c.call(ctx, http.MethodPut, "/snapshot/load", snapshotLoad{
		SnapshotPath: snapshotPath,
		MemBackend: memBackend{
			BackendType: "File",
			BackendPath: memPath,
		},
		ResumeVM: resume,
	})
}

// Close releases idle connections to the socket.
func (c *Client) Close() {
	c.httpc.CloseIdleConnections()
}

func (c *Client) call(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("hypervisor %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Op:     method + " " + path,
			Status: resp.StatusCode,
			Detail: strings.TrimSpace(string(detail)),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
