package guest

import (
	"errors"
	"log/slog"
	"os"
	"syscall"
)

// guestHostname is what every sandbox guest reports as its host name.
const guestHostname = "cinder-guest"

// essentialMounts are the pseudo-filesystems the agent needs before it can
// run anything: /proc for process-group bookkeeping, /sys and /dev for the
// toolchains, and a tmpfs /tmp because that is the only writable surface
// user code gets.
var essentialMounts = []struct {
	source string
	target string
	fstype string
}{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs"},
}

// Bootstrap prepares the guest environment when the agent is the kernel's
// init. Mount failures are individually non-fatal: a guest that cannot mount
// /sys can still execute most workloads, and the host's readiness probe
// decides whether the VM is usable. A no-op when not PID 1.
func Bootstrap(logger *slog.Logger) {
	if !IsInit() {
		return
	}

	logger.Info("agent is guest init, preparing environment")

	for _, m := range essentialMounts {
		if err := mountIdempotent(m.source, m.target, m.fstype); err != nil {
			logger.Warn("mount failed", "target", m.target, "fstype", m.fstype, "error", err)
		}
	}

	// User code runs with HOME and TMPDIR pointed at /tmp; it needs the
	// usual sticky world-writable mode.
	if err := os.Chmod("/tmp", os.ModeSticky|0o777); err != nil {
		logger.Warn("chmod /tmp", "error", err)
	}

	if err := syscall.Sethostname([]byte(guestHostname)); err != nil {
		logger.Warn("set hostname", "error", err)
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}

// mountIdempotent mounts a pseudo-filesystem, tolerating an already-mounted
// target: the supervision loop re-runs Bootstrap whenever the agent is
// restarted, and the kernel answers EBUSY for mounts that survived.
func mountIdempotent(source, target, fstype string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := syscall.Mount(source, target, fstype, 0, ""); err != nil && !errors.Is(err, syscall.EBUSY) {
		return err
	}
	return nil
}

// IsInit reports whether this process is the guest's init. When it is, the
// agent must be supervised in-process: there is no one else to restart it.
func IsInit() bool {
	return os.Getpid() == 1
}
