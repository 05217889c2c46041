package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
)

// Transport mode names. The engine picks one guest transport at startup and
// every VM it creates uses it.
const (
	TransportHTTP = "http"
	TransportFS   = "fs"
)

const (
	defaultListenAddr     = ":8080"
	defaultImageRoot      = "/opt/cinder"
	defaultScratchDir     = "/var/lib/cinder/vms"
	defaultFirecrackerBin = "firecracker"
	defaultBridgeName     = "cinderbr0"
	defaultSubnet         = "169.254.90.0/24"
	defaultAgentPort      = 8080
	defaultPoolSize       = 3

	envListenAddr     = "CINDER_LISTEN_ADDR"
	envLogLevel       = "CINDER_LOG_LEVEL"
	envImageRoot      = "CINDER_IMAGE_ROOT"
	envScratchDir     = "CINDER_SCRATCH_DIR"
	envFirecrackerBin = "CINDER_FC_BIN"
	envBridgeName     = "CINDER_BRIDGE"
	envSubnet         = "CINDER_SUBNET"
	envTransport      = "CINDER_TRANSPORT"
	envAgentPort      = "CINDER_AGENT_PORT"
	envPoolSize       = "CINDER_POOL_SIZE"
)

// Config holds host-side configuration loaded from environment variables.
type Config struct {
	// ListenAddr is the address the HTTP front end binds to.
	ListenAddr string

	// LogLevel controls the structured logger.
	LogLevel slog.Level

	// ImageRoot contains the per-language base images:
	// <root>/kernels/<lang>/vmlinux and <root>/rootfs/<lang>/rootfs.ext4.
	ImageRoot string

	// ScratchDir receives per-VM scratch state (control socket, writable
	// rootfs copy, snapshot pair, shared directory).
	ScratchDir string

	// FirecrackerBin is the hypervisor binary.
	FirecrackerBin string

	// BridgeName is the host bridge every TAP device is enslaved to.
	BridgeName string

	// Subnet is the bridge's private /24; the gateway is its first host.
	Subnet string

	// Transport selects the guest transport: "http" or "fs".
	Transport string

	// AgentPort is the guest agent's HTTP port (http transport only).
	AgentPort int

	// PoolSize is the warm-pool target per language.
	PoolSize int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		LogLevel:       slog.LevelInfo,
		ImageRoot:      defaultImageRoot,
		ScratchDir:     defaultScratchDir,
		FirecrackerBin: defaultFirecrackerBin,
		BridgeName:     defaultBridgeName,
		Subnet:         defaultSubnet,
		Transport:      TransportHTTP,
		AgentPort:      defaultAgentPort,
		PoolSize:       defaultPoolSize,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envImageRoot); v != "" {
		cfg.ImageRoot = v
	}
	if v := os.Getenv(envScratchDir); v != "" {
		cfg.ScratchDir = v
	}
	if v := os.Getenv(envFirecrackerBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envBridgeName); v != "" {
		cfg.BridgeName = v
	}
	if v := os.Getenv(envSubnet); v != "" {
		cfg.Subnet = v
	}
	if v := os.Getenv(envTransport); v == TransportHTTP || v == TransportFS {
		cfg.Transport = v
	}
	if v := os.Getenv(envAgentPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.AgentPort = port
		}
	}
	if v := os.Getenv(envPoolSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}

	return cfg
}

// parseLogLevel accepts slog's textual level names ("debug", "warn", also
// offset forms like "warn-2"), falling back to info on anything else.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger creates a structured JSON logger writing to w at the configured
// level. Debug-level loggers also carry source positions, which is worth the
// bytes only when someone is actually chasing engine internals.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}))
}
