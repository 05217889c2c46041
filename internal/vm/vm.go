// Package vm composes the hypervisor client, image manager, network fabric,
// and guest transport into a single microVM instance with a boot / execute /
// reset / stop lifecycle.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cindervm/cinder/internal/hypervisor"
	"github.com/cindervm/cinder/internal/image"
	"github.com/cindervm/cinder/internal/model"
	"github.com/cindervm/cinder/internal/network"
	"github.com/cindervm/cinder/internal/transport"
)

// GuestAgentPath is where the agent binary lives inside every rootfs; it is
// also the guest's init.
const GuestAgentPath = "/usr/local/bin/cinder-guest"

// baseBootArgs boots the minimal kernel straight into the agent.
const baseBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

const (
	// guestReadyTimeout bounds the wait for a booted (or restored) guest to
	// answer health checks and echo back.
	guestReadyTimeout = 30 * time.Second

	guestReadyPoll = 500 * time.Millisecond

	// echoProbeTimeout bounds the readiness echo command.
	echoProbeTimeout = 5

	// healthGateTimeout bounds a pre-dispatch health probe.
	healthGateTimeout = 2 * time.Second

	// healthVerifyTimeout bounds the post-reset health program run.
	healthVerifyTimeout = 10

	// cleanupTimeout bounds best-effort guest scratch cleanup.
	cleanupTimeout = 10 * time.Second

	// stopTimeout bounds resource teardown on Stop.
	stopTimeout = 30 * time.Second
)

// State is the lifecycle state of a VM instance. Dead is terminal.
type State int

const (
	StateNew State = iota
	StateBooting
	StateReady
	StateBusy
	StateResetting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateBooting:
		return "booting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateResetting:
		return "resetting"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// Config is the configuration a VM boots with. Immutable once started;
// per-request limits are applied as execute-call arguments, not by mutating
// a running VM.
type Config struct {
	Vcpus          int
	MemoryMiB      int
	TimeoutSeconds int
	NetworkEnabled bool
	PolicyTag      string
}

// DefaultConfig matches the sandbox policy's bounds.
func DefaultConfig() Config {
	return Config{
		Vcpus:          1,
		MemoryMiB:      64,
		TimeoutSeconds: 10,
		NetworkEnabled: false,
		PolicyTag:      "sandbox",
	}
}

// Paths collects the per-VM scratch files. Every path is unique to the VM id
// and released on every terminal path.
type Paths struct {
	Socket    string
	Rootfs    string
	BaseImage string
	Kernel    string
	Snapshot  string
	Mem       string
	SharedDir string
	Log       string
}

var errNoSnapshot = errors.New("no snapshot available")

// Instance is one microVM. All operations on an Instance are serialized by
// its owner: between acquire and release exactly one task drives it.
type Instance struct {
	id       string
	language model.Language
	cfg      Config
	paths    Paths
	bin      string

	images       *image.Manager
	fabric       *network.Fabric
	newTransport func(iface *network.Interface) transport.GuestTransport

	hv    *hypervisor.Client
	proc  *hypervisor.Process
	iface *network.Interface
	tr    transport.GuestTransport

	logger *slog.Logger

	mu             sync.Mutex
	state          State
	executionCount int
	needsReset     bool
	hasSnapshot    bool
	stopped        bool
	createdAt      time.Time
	rootfsChecksum string
}

// ID returns the VM's short unique id.
func (i *Instance) ID() string { return i.id }

// Language returns the VM's language tag.
func (i *Instance) Language() model.Language { return i.language }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Age is the time since the VM was created.
func (i *Instance) Age() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.createdAt)
}

// ExecutionCount is the number of executions since boot or last reset.
func (i *Instance) ExecutionCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.executionCount
}

// NeedsReset reports whether the VM has run anything since its last reset.
func (i *Instance) NeedsReset() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.needsReset
}

// RootfsChecksum is the working rootfs digest recorded at prepare time, or
// empty when checksumming failed.
func (i *Instance) RootfsChecksum() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rootfsChecksum
}

// Start boots the VM: rootfs copy, TAP, hypervisor spawn and configuration,
// guest readiness, and a best-effort snapshot. On failure every allocated
// resource is rolled back and the instance is Dead.
func (i *Instance) Start(ctx context.Context) error {
	i.setState(StateBooting)

	if err := i.boot(ctx); err != nil {
		i.markDead()
		i.teardown(context.Background())
		return err
	}

	i.setState(StateReady)
	i.logger.Info("vm ready", "boot_args", i.bootArgs())
	return nil
}

func (i *Instance) boot(ctx context.Context) error {
	if err := i.images.PrepareRootfs(i.paths.BaseImage, i.paths.Rootfs); err != nil {
		return fmt.Errorf("prepare rootfs: %w", err)
	}
	if sum, err := i.images.Checksum(i.paths.Rootfs); err == nil {
		i.mu.Lock()
		i.rootfsChecksum = sum
		i.mu.Unlock()
	}

	if i.fabric != nil {
		if err := i.fabric.EnsureBridge(); err != nil {
			i.logger.Warn("bridge setup degraded", "error", err)
		}
		iface, err := i.fabric.CreateTap(i.id)
		if err != nil {
			return fmt.Errorf("create tap: %w", err)
		}
		i.iface = iface
	}

	if err := i.spawnHypervisor(ctx); err != nil {
		return err
	}
	if err := i.configure(ctx); err != nil {
		return err
	}
	if err := i.hv.StartInstance(ctx); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}

	i.tr = i.newTransport(i.iface)
	if err := i.waitGuestReady(ctx); err != nil {
		return err
	}

	if err := i.createSnapshot(ctx); err != nil {
		// Snapshots are an optimization; resets fall back to a rebuild.
		i.logger.Warn("snapshot create failed", "error", err)
	}
	return nil
}

func (i *Instance) spawnHypervisor(ctx context.Context) error {
	proc, err := hypervisor.Spawn(i.bin, i.paths.Socket, i.paths.Log)
	if err != nil {
		return fmt.Errorf("spawn hypervisor: %w", err)
	}
	i.proc = proc
	i.hv = hypervisor.NewClient(i.paths.Socket)

	if err := i.hv.WaitReady(ctx, proc, hypervisor.DefaultSocketTimeout); err != nil {
		return err
	}
	return nil
}

func (i *Instance) configure(ctx context.Context) error {
	if err := i.hv.MachineConfig(ctx, i.cfg.Vcpus, i.cfg.MemoryMiB); err != nil {
		return err
	}
	if err := i.hv.BootSource(ctx, i.paths.Kernel, i.bootArgs()); err != nil {
		return err
	}
	if err := i.hv.Drive(ctx, "rootfs", i.paths.Rootfs, true, false); err != nil {
		return err
	}
	if i.iface != nil {
		if err := i.hv.NetworkInterface(ctx, "eth0", i.iface.MAC, i.iface.TapName); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) bootArgs() string {
	if i.iface == nil {
		return baseBootArgs
	}
	return baseBootArgs + " " + i.iface.BootArg()
}

// waitGuestReady polls until the agent answers health checks AND echoes a
// probe back, or the deadline passes.
func (i *Instance) waitGuestReady(ctx context.Context) error {
	deadline := time.Now().Add(guestReadyTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if i.tr.Health(ctx) {
			res, err := i.tr.Execute(ctx, "echo ready", echoProbeTimeout)
			if err == nil && strings.TrimSpace(res.Stdout) == "ready" {
				return nil
			}
		}

		time.Sleep(guestReadyPoll)
	}

	return fmt.Errorf("guest not ready after %s", guestReadyTimeout)
}

// createSnapshot pauses the guest, persists state and memory, and resumes.
func (i *Instance) createSnapshot(ctx context.Context) error {
	if err := i.hv.Pause(ctx); err != nil {
		return err
	}
	if err := i.hv.CreateSnapshot(ctx, i.paths.Snapshot, i.paths.Mem); err != nil {
		_ = i.hv.Resume(ctx)
		return err
	}
	if err := i.hv.Resume(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	i.hasSnapshot = true
	i.mu.Unlock()
	return nil
}

// Execute runs one code submission: write the source into the guest, run the
// language command, classify, translate, and best-effort clean guest scratch.
// Exactly one ExecutionResult comes back per call.
func (i *Instance) Execute(ctx context.Context, code string, timeoutSeconds int) model.ExecutionResult {
	start := time.Now()

	i.mu.Lock()
	if i.stopped || (i.state != StateReady && i.state != StateBusy) {
		state := i.state
		i.mu.Unlock()
		return i.failure(start, fmt.Sprintf("vm is not ready for execution (state %s)", state))
	}
	i.state = StateBusy
	i.executionCount++
	i.needsReset = true
	count := i.executionCount
	tr := i.tr
	i.mu.Unlock()

	defer i.cleanupGuestScratch()

	execID := fmt.Sprintf("exec_%d_%d", time.Now().UnixMicro(), count)
	guestPath := fmt.Sprintf("/tmp/user_code_%s%s", execID, i.language.Extension())

	if err := tr.WriteFile(ctx, guestPath, code); err != nil {
		if errors.Is(err, transport.ErrUnavailable) {
			i.markDead()
		}
		return i.failure(start, fmt.Sprintf("transfer code to guest: %v", err))
	}

	command := executionCommand(i.language, guestPath, timeoutSeconds)
	res, err := tr.Execute(ctx, command, timeoutSeconds)
	if err != nil {
		if errors.Is(err, transport.ErrUnavailable) {
			i.markDead()
		}
		if errors.Is(err, transport.ErrTimeout) {
			return i.failure(start, fmt.Sprintf("Execution timed out after %d seconds", timeoutSeconds))
		}
		return i.failure(start, fmt.Sprintf("guest execution failed: %v", err))
	}

	return i.translate(start, res, timeoutSeconds)
}

func (i *Instance) translate(start time.Time, res transport.ExecResult, timeoutSeconds int) model.ExecutionResult {
	elapsed := time.Since(start).Seconds()

	switch Classify(i.language, res) {
	case OutcomeTimedOut:
		return model.ExecutionResult{
			Success:       false,
			Output:        res.Stdout,
			Error:         fmt.Sprintf("Execution timed out after %d seconds", timeoutSeconds),
			ExecutionTime: elapsed,
			VMID:          i.id,
		}

	case OutcomeSuccess:
		return model.ExecutionResult{
			Success:       true,
			Output:        res.Stdout,
			Error:         res.Stderr,
			ExecutionTime: elapsed,
			VMID:          i.id,
		}
	}

	// The language commands merge stderr into stdout, so a failing run's
	// diagnostic often arrives on stdout.
	errMsg := res.Stderr
	if errMsg == "" {
		errMsg = res.Stdout
	}
	if errMsg == "" {
		errMsg = "unknown execution error"
	}
	return model.ExecutionResult{
		Success:       false,
		Output:        res.Stdout,
		Error:         errMsg,
		ExecutionTime: elapsed,
		VMID:          i.id,
	}
}

func (i *Instance) failure(start time.Time, msg string) model.ExecutionResult {
	return model.ExecutionResult{
		Success:       false,
		Error:         msg,
		ExecutionTime: time.Since(start).Seconds(),
		VMID:          i.id,
	}
}

// cleanupGuestScratch removes per-execution files inside the guest. Failures
// only warn; the next reset wipes the guest anyway.
func (i *Instance) cleanupGuestScratch() {
	i.mu.Lock()
	tr := i.tr
	dead := i.stopped || i.state == StateDead
	i.mu.Unlock()
	if tr == nil || dead {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := tr.Execute(ctx, guestCleanupCommand, 5); err != nil {
		i.logger.Warn("guest scratch cleanup failed", "error", err)
	}
}

// Reset returns the VM to a clean Ready state: restore the boot snapshot into
// a fresh hypervisor when one exists, rebuild from the base image otherwise,
// then verify the toolchain with a trivial program. A VM that was never used
// since its last reset is returned as-is.
func (i *Instance) Reset(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped || i.state == StateDead {
		i.mu.Unlock()
		return errors.New("vm is dead")
	}
	if !i.needsReset {
		i.state = StateReady
		i.mu.Unlock()
		return nil
	}
	i.state = StateResetting
	hasSnapshot := i.hasSnapshot
	i.mu.Unlock()

	err := errNoSnapshot
	if hasSnapshot {
		err = i.restoreFromSnapshot(ctx)
	}
	if err != nil {
		if !errors.Is(err, errNoSnapshot) {
			i.logger.Warn("snapshot restore failed, rebuilding from base", "error", err)
		}
		if err := i.rebuild(ctx); err != nil {
			i.markDead()
			return fmt.Errorf("rebuild vm: %w", err)
		}
	}

	if err := i.verifyHealthy(ctx); err != nil {
		i.markDead()
		return fmt.Errorf("post-reset verification: %w", err)
	}

	i.mu.Lock()
	i.needsReset = false
	i.executionCount = 0
	i.state = StateReady
	i.mu.Unlock()

	i.logger.Debug("vm reset complete", "from_snapshot", hasSnapshot)
	return nil
}

// restoreFromSnapshot replaces the hypervisor process and resumes the guest
// from the boot-time snapshot pair.
func (i *Instance) restoreFromSnapshot(ctx context.Context) error {
	if err := i.replaceHypervisor(ctx); err != nil {
		return err
	}
	if err := i.hv.LoadSnapshot(ctx, i.paths.Snapshot, i.paths.Mem, true); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return i.waitGuestReady(ctx)
}

// rebuild boots a brand-new guest on a fresh rootfs copy, then re-snapshots.
func (i *Instance) rebuild(ctx context.Context) error {
	i.mu.Lock()
	i.hasSnapshot = false
	i.mu.Unlock()

	if err := i.images.Cleanup(i.paths.Rootfs, i.paths.Snapshot, i.paths.Mem); err != nil {
		i.logger.Warn("stale image cleanup", "error", err)
	}
	if err := i.images.PrepareRootfs(i.paths.BaseImage, i.paths.Rootfs); err != nil {
		return fmt.Errorf("prepare rootfs: %w", err)
	}

	if err := i.replaceHypervisor(ctx); err != nil {
		return err
	}
	if err := i.configure(ctx); err != nil {
		return err
	}
	if err := i.hv.StartInstance(ctx); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}
	if err := i.waitGuestReady(ctx); err != nil {
		return err
	}

	if err := i.createSnapshot(ctx); err != nil {
		i.logger.Warn("snapshot create failed", "error", err)
	}
	return nil
}

// replaceHypervisor stops the current hypervisor process and spawns a fresh
// one on the same (recreated) control socket.
func (i *Instance) replaceHypervisor(ctx context.Context) error {
	if i.proc != nil {
		if err := i.proc.Stop(ctx); err != nil {
			i.logger.Warn("hypervisor stop during reset", "error", err)
		}
	}
	if i.hv != nil {
		i.hv.Close()
	}
	if err := i.images.Cleanup(i.paths.Socket); err != nil {
		i.logger.Warn("stale socket cleanup", "error", err)
	}
	return i.spawnHypervisor(ctx)
}

// verifyHealthy runs the language's trivial program and checks its marker.
func (i *Instance) verifyHealthy(ctx context.Context) error {
	guestPath := "/tmp/execution_health" + i.language.Extension()
	if err := i.tr.WriteFile(ctx, guestPath, healthProgram(i.language)); err != nil {
		return fmt.Errorf("write health program: %w", err)
	}

	command := executionCommand(i.language, guestPath, healthVerifyTimeout)
	res, err := i.tr.Execute(ctx, command, healthVerifyTimeout)
	if err != nil {
		return fmt.Errorf("run health program: %w", err)
	}
	if !strings.Contains(res.Stdout, healthProbeOutput) {
		return fmt.Errorf("health program output %q missing %q", res.Stdout, healthProbeOutput)
	}
	return nil
}

// Healthy probes the guest agent with a bounded deadline. Dead or stopped
// VMs are never healthy.
func (i *Instance) Healthy(ctx context.Context) bool {
	i.mu.Lock()
	tr := i.tr
	dead := i.stopped || i.state == StateDead
	i.mu.Unlock()
	if dead || tr == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthGateTimeout)
	defer cancel()
	return tr.Health(probeCtx)
}

// Stop tears the VM down and releases every host resource it owns: the
// hypervisor process, control socket, writable rootfs, snapshot pair, TAP
// device, and shared directory. Idempotent.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	i.state = StateDead
	i.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	i.teardown(stopCtx)
	i.logger.Info("vm stopped")
	return nil
}

func (i *Instance) teardown(ctx context.Context) {
	if i.proc != nil {
		if err := i.proc.Stop(ctx); err != nil {
			i.logger.Warn("hypervisor stop failed", "error", err)
		}
	}
	if i.hv != nil {
		i.hv.Close()
	}
	if i.tr != nil {
		_ = i.tr.Close()
	}

	if i.images != nil {
		if err := i.images.Cleanup(i.paths.Socket, i.paths.Rootfs, i.paths.Snapshot, i.paths.Mem, i.paths.Log); err != nil {
			i.logger.Warn("scratch cleanup incomplete", "error", err)
		}
		if i.paths.SharedDir != "" {
			if err := i.images.RemoveAll(i.paths.SharedDir); err != nil {
				i.logger.Warn("shared dir cleanup failed", "error", err)
			}
		}
	}

	if i.fabric != nil {
		if err := i.fabric.DeleteTap(i.id); err != nil {
			i.logger.Warn("tap cleanup failed", "error", err)
		}
	}
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) markDead() {
	i.mu.Lock()
	i.state = StateDead
	i.mu.Unlock()
}
