package main

import (
	"log"
	"os"

	"github.com/spf13/afero"

	"github.com/cindervm/cinder/internal/api"
	"github.com/cindervm/cinder/internal/config"
	"github.com/cindervm/cinder/internal/executor"
	"github.com/cindervm/cinder/internal/image"
	"github.com/cindervm/cinder/internal/network"
	"github.com/cindervm/cinder/internal/pool"
	"github.com/cindervm/cinder/internal/vm"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("cinder: starting",
		"listen_addr", cfg.ListenAddr,
		"image_root", cfg.ImageRoot,
		"transport", cfg.Transport,
		"pool_size", cfg.PoolSize,
	)

	fsys := afero.NewOsFs()
	images := image.NewManager(fsys, logger)

	fabric, err := network.NewFabric(cfg.BridgeName, cfg.Subnet, logger)
	if err != nil {
		log.Fatalf("network fabric: %v", err)
	}

	factory := vm.NewFactory(vm.FactoryConfig{
		ImageRoot:      cfg.ImageRoot,
		ScratchRoot:    cfg.ScratchDir,
		FirecrackerBin: cfg.FirecrackerBin,
		TransportMode:  cfg.Transport,
		AgentPort:      cfg.AgentPort,
	}, images, fabric, fsys, logger)

	vmPool := pool.New(cfg.PoolSize, machineFactory{factory}, logger)
	exec := executor.New(vmPool, logger)
	srv := api.NewServer(cfg.ListenAddr, exec, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
