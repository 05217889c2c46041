package vm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/cindervm/cinder/internal/config"
	"github.com/cindervm/cinder/internal/image"
	"github.com/cindervm/cinder/internal/model"
	"github.com/cindervm/cinder/internal/network"
	"github.com/cindervm/cinder/internal/transport"
)

// FactoryConfig locates images and scratch space and selects the transport
// every new VM uses.
type FactoryConfig struct {
	ImageRoot      string
	ScratchRoot    string
	FirecrackerBin string
	TransportMode  string
	AgentPort      int
}

// Factory builds and boots instances.
type Factory struct {
	cfg    FactoryConfig
	images *image.Manager
	fabric *network.Fabric
	fs     afero.Fs
	logger *slog.Logger
}

// NewFactory creates a VM factory. fabric may be nil when the engine runs
// without guest networking (filesystem transport with network disabled).
func NewFactory(cfg FactoryConfig, images *image.Manager, fabric *network.Fabric, fsys afero.Fs, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		images: images,
		fabric: fabric,
		fs:     fsys,
		logger: logger,
	}
}

// Create boots a new VM for the language and returns it Ready. On any boot
// failure the partially allocated resources are released before returning.
func (f *Factory) Create(ctx context.Context, lang model.Language, cfg Config) (*Instance, error) {
	id := model.NewVMID()
	scratch := filepath.Join(f.cfg.ScratchRoot, id)

	if err := f.fs.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	paths := Paths{
		Socket:    filepath.Join(scratch, "firecracker.sock"),
		Rootfs:    filepath.Join(scratch, "rootfs.ext4"),
		BaseImage: filepath.Join(f.cfg.ImageRoot, "rootfs", lang.String(), "rootfs.ext4"),
		Kernel:    filepath.Join(f.cfg.ImageRoot, "kernels", lang.String(), "vmlinux"),
		Snapshot:  filepath.Join(scratch, "snapshot.vmstate"),
		Mem:       filepath.Join(scratch, "snapshot.mem"),
		Log:       filepath.Join(scratch, "firecracker.log"),
	}
	if f.cfg.TransportMode == config.TransportFS {
		paths.SharedDir = filepath.Join(scratch, "shared")
	}

	logger := f.logger.With("vm_id", id, "language", lang.String())

	inst := &Instance{
		id:        id,
		language:  lang,
		cfg:       cfg,
		paths:     paths,
		bin:       f.cfg.FirecrackerBin,
		images:    f.images,
		logger:    logger,
		state:     StateNew,
		createdAt: time.Now(),
	}

	// The TAP device exists for the HTTP transport's sake or when the
	// policy grants the guest a network; a shared-dir VM without network
	// needs no NIC at all.
	if f.fabric != nil && (f.cfg.TransportMode == config.TransportHTTP || cfg.NetworkEnabled) {
		inst.fabric = f.fabric
	}

	inst.newTransport = func(iface *network.Interface) transport.GuestTransport {
		if paths.SharedDir != "" {
			t := transport.NewFSTransport(f.fs, paths.SharedDir, logger)
			if err := t.Setup(); err != nil {
				logger.Error("shared dir setup failed", "error", err)
			}
			return t
		}
		guestIP := "127.0.0.1"
		if iface != nil {
			guestIP = iface.GuestIP.String()
		}
		return transport.NewHTTPTransport(guestIP, f.cfg.AgentPort, logger)
	}

	if err := inst.Start(ctx); err != nil {
		return nil, fmt.Errorf("start vm %s: %w", id, err)
	}
	return inst, nil
}
