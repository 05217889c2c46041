// Package executor is the engine's front door: it resolves the request's
// language to a pool, applies policy bounds, runs the code on a checked-out
// VM, and guarantees the VM goes back to the pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cindervm/cinder/internal/model"
	"github.com/cindervm/cinder/internal/policy"
	"github.com/cindervm/cinder/internal/pool"
)

// Request-rejection errors. Everything else is reported inside the
// ExecutionResult, never thrown at the front end.
var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrVMUnavailable       = errors.New("no vm available")
)

// vmPool is the slice of the pool the executor drives.
type vmPool interface {
	Initialize(ctx context.Context)
	Acquire(ctx context.Context, lang model.Language) (pool.Machine, error)
	Release(ctx context.Context, m pool.Machine)
	Shutdown(ctx context.Context)
	Debug() pool.DebugInfo
	Stats(lang model.Language) pool.Stats
}

// Executor coordinates pools and policies for the public execute API.
type Executor struct {
	pool   vmPool
	logger *slog.Logger

	initOnce     sync.Once
	shutdownOnce sync.Once
}

// New creates an executor over the given pool.
func New(p *pool.Pool, logger *slog.Logger) *Executor {
	return &Executor{pool: p, logger: logger}
}

// newWithPool is the test seam.
func newWithPool(p vmPool, logger *slog.Logger) *Executor {
	return &Executor{pool: p, logger: logger}
}

// Initialize warms the pools. Idempotent; also run implicitly by the first
// Execute call.
func (e *Executor) Initialize(ctx context.Context) {
	e.initOnce.Do(func() {
		e.pool.Initialize(ctx)
	})
}

// Execute runs one code submission and always produces exactly one
// ExecutionResult. The returned error is non-nil only for request rejection
// (unknown language, no VM obtainable); execution failures, timeouts, and
// engine-side faults are reported inside the result.
func (e *Executor) Execute(ctx context.Context, code, language string, timeoutSeconds int, policyTag string) (model.ExecutionResult, error) {
	start := time.Now()
	e.Initialize(ctx)

	lang, err := model.ParseLanguage(language)
	if err != nil {
		return model.ExecutionResult{
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: time.Since(start).Seconds(),
		}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	m, err := e.pool.Acquire(ctx, lang)
	if err != nil {
		return model.ExecutionResult{
			Success:       false,
			Error:         fmt.Sprintf("no vm available for %s: %v", lang, err),
			ExecutionTime: time.Since(start).Seconds(),
		}, fmt.Errorf("%w: %v", ErrVMUnavailable, err)
	}

	// The VM goes back no matter what happened in between; release uses a
	// fresh context so a cancelled request cannot leak the VM.
	defer func() {
		e.pool.Release(context.WithoutCancel(ctx), m)
	}()

	pol := policy.Resolve(policyTag)
	effectiveTimeout := pol.ClampTimeout(timeoutSeconds)

	result := e.safeExecute(ctx, m, code, effectiveTimeout)
	result.ExecutionTime = time.Since(start).Seconds()

	e.logger.Info("execution finished",
		"vm_id", result.VMID,
		"language", lang.String(),
		"success", result.Success,
		"timeout_s", effectiveTimeout,
		"duration_ms", int(result.ExecutionTime*1000),
	)
	return result, nil
}

// safeExecute converts a panicking VM path into a failed result so the
// front end always gets something structured.
func (e *Executor) safeExecute(ctx context.Context, m pool.Machine, code string, timeoutSeconds int) (result model.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution panicked", "vm_id", m.ID(), "panic", r)
			result = model.ExecutionResult{
				Success: false,
				Error:   fmt.Sprintf("internal execution error: %v", r),
				VMID:    m.ID(),
			}
		}
	}()
	return m.Execute(ctx, code, timeoutSeconds)
}

// Shutdown stops every pool and VM. Idempotent.
func (e *Executor) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		e.pool.Shutdown(ctx)
	})
}

// PoolDebugInfo snapshots pool state for the debug endpoint.
func (e *Executor) PoolDebugInfo() pool.DebugInfo {
	return e.pool.Debug()
}
