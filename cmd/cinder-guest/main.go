// cinder-guest is the in-VM agent. The rootfs images set it as the kernel
// init; it mounts the essential filesystems, then serves host requests over
// either HTTP (TAP network) or the shared-directory protocol. As init it also
// supervises itself: a crashed serving loop is restarted, not abandoned.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/cindervm/cinder/internal/guest"
)

const (
	envTransport = "CINDER_GUEST_TRANSPORT"
	envAddr      = "CINDER_GUEST_ADDR"
	envSharedDir = "CINDER_GUEST_SHARED_DIR"

	restartDelay = time.Second
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mode := os.Getenv(envTransport)
	if mode == "" {
		mode = "http"
	}
	addr := os.Getenv(envAddr)
	if addr == "" {
		addr = guest.DefaultHTTPAddr
	}
	sharedDir := os.Getenv(envSharedDir)
	if sharedDir == "" {
		sharedDir = guest.DefaultSharedDir
	}

	for {
		// Re-run on every supervision round: mounts that survived an
		// agent crash are tolerated, missing ones are repaired.
		guest.Bootstrap(logger)

		agent := guest.NewAgent(logger)

		var err error
		switch mode {
		case "fs":
			loop := guest.NewFSLoop(afero.NewOsFs(), agent, sharedDir, logger)
			err = loop.Run(context.Background())
		default:
			server := guest.NewHTTPServer(agent, addr, logger)
			err = server.Run(context.Background())
		}

		if err != nil {
			logger.Error("agent exited", "mode", mode, "error", err)
		}
		if !guest.IsInit() {
			if err != nil {
				os.Exit(1)
			}
			return
		}

		// PID 1 has nobody to restart it; keep serving.
		time.Sleep(restartDelay)
	}
}
