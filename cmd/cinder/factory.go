package main

import (
	"context"

	"github.com/cindervm/cinder/internal/model"
	"github.com/cindervm/cinder/internal/pool"
	"github.com/cindervm/cinder/internal/vm"
)

// machineFactory adapts the VM factory to the pool's Factory interface,
// booting every pooled VM with the default (sandbox-bounded) configuration.
type machineFactory struct {
	factory *vm.Factory
}

func (m machineFactory) Create(ctx context.Context, lang model.Language) (pool.Machine, error) {
	return m.factory.Create(ctx, lang, vm.DefaultConfig())
}
