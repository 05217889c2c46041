// Package pool maintains per-language warm queues of booted microVMs with
// background replenishment, pre-dispatch health gating, and a
// return-or-dispose discipline on release.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cindervm/cinder/internal/model"
	"github.com/cindervm/cinder/internal/vm"
)

// DefaultTargetSize is the warm-queue target per language.
const DefaultTargetSize = 3

// destroyTimeout bounds resource teardown for one VM.
const destroyTimeout = 30 * time.Second

// Machine is the slice of a VM instance the pool manages. *vm.Instance
// implements it; tests substitute fakes.
type Machine interface {
	ID() string
	Language() model.Language
	State() vm.State
	Age() time.Duration
	ExecutionCount() int
	Execute(ctx context.Context, code string, timeoutSeconds int) model.ExecutionResult
	Healthy(ctx context.Context) bool
	Reset(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory creates ready-to-use machines for a language.
type Factory interface {
	Create(ctx context.Context, lang model.Language) (Machine, error)
}

// Stats are a language pool's counters at one settled moment.
type Stats struct {
	Created    int `json:"created"`
	Destroyed  int `json:"destroyed"`
	Executions int `json:"executions"`
	Hits       int `json:"hits"`
	Misses     int `json:"misses"`
}

// languageState is one language's queue, active set, and counters. Mutated
// only under the pool's lock.
type languageState struct {
	queue        []Machine
	active       map[string]Machine
	stats        Stats
	replenishing bool
}

// Pool is the per-language warm pool.
type Pool struct {
	target  int
	factory Factory
	logger  *slog.Logger

	mu        sync.Mutex
	languages map[model.Language]*languageState
	closed    bool

	wg sync.WaitGroup
}

// New creates a pool with the given warm-queue target per language.
func New(target int, factory Factory, logger *slog.Logger) *Pool {
	if target <= 0 {
		target = DefaultTargetSize
	}

	languages := make(map[model.Language]*languageState, len(model.Languages))
	for _, lang := range model.Languages {
		languages[lang] = &languageState{active: make(map[string]Machine)}
	}

	return &Pool{
		target:    target,
		factory:   factory,
		logger:    logger,
		languages: languages,
	}
}

// Initialize fills every language's queue to the target in parallel.
// Individual creation failures are logged, never fatal: the executor must
// not be blocked on a fully-filled pool.
func (p *Pool) Initialize(ctx context.Context) {
	p.logger.Info("initializing vm pools", "target_per_language", p.target)

	var g errgroup.Group
	for _, lang := range model.Languages {
		lang := lang
		for i := 0; i < p.target; i++ {
			g.Go(func() error {
				m, err := p.create(ctx, lang)
				if err != nil {
					return fmt.Errorf("%s: %w", lang, err)
				}
				if !p.enqueue(m) {
					p.destroy(m)
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		p.logger.Warn("pool initialization incomplete", "error", err)
	}

	p.logger.Info("vm pools initialized", "queues", p.queueLengths())
}

// Acquire returns a healthy VM for the language. Queued VMs are health-gated
// after the pop; failures are destroyed and the next queue entry tried. An
// empty queue creates on demand and counts a miss.
func (p *Pool) Acquire(ctx context.Context, lang model.Language) (Machine, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is shut down")
		}
		state := p.languages[lang]
		if state == nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("no pool for language %q", lang)
		}

		var m Machine
		if len(state.queue) > 0 {
			m = state.queue[0]
			state.queue = state.queue[1:]
			queueLength.WithLabelValues(lang.String()).Dec()
		}
		p.mu.Unlock()

		if m == nil {
			break
		}

		// Gate after the pop so one stale VM cannot starve healthy ones.
		if !m.Healthy(ctx) {
			p.logger.Warn("health gate failed, destroying vm", "vm_id", m.ID(), "language", lang.String())
			p.destroy(m)
			continue
		}

		p.mu.Lock()
		state.active[m.ID()] = m
		state.stats.Hits++
		p.mu.Unlock()
		acquireHits.WithLabelValues(lang.String()).Inc()
		activeVMs.WithLabelValues(lang.String()).Inc()

		p.scheduleReplenish(lang)
		return m, nil
	}

	// Miss: create on demand.
	p.mu.Lock()
	p.languages[lang].stats.Misses++
	p.mu.Unlock()
	acquireMisses.WithLabelValues(lang.String()).Inc()

	m, err := p.create(ctx, lang)
	if err != nil {
		return nil, fmt.Errorf("create vm for %s: %w", lang, err)
	}

	p.mu.Lock()
	p.languages[lang].active[m.ID()] = m
	p.mu.Unlock()
	activeVMs.WithLabelValues(lang.String()).Inc()

	return m, nil
}

// Release takes a VM back after an execution. Under-target queues get the VM
// reset and requeued; failed resets and full queues destroy it. Every VM
// leaving the active set either re-enters the queue Ready or is destroyed.
func (p *Pool) Release(ctx context.Context, m Machine) {
	lang := m.Language()

	p.mu.Lock()
	state := p.languages[lang]
	if state == nil {
		p.mu.Unlock()
		p.destroy(m)
		return
	}
	if _, ok := state.active[m.ID()]; ok {
		delete(state.active, m.ID())
		activeVMs.WithLabelValues(lang.String()).Dec()
	}
	state.stats.Executions++
	full := p.closed || len(state.queue) >= p.target
	p.mu.Unlock()
	executions.WithLabelValues(lang.String()).Inc()

	if full {
		p.destroy(m)
		return
	}

	if err := m.Reset(ctx); err != nil {
		p.logger.Warn("vm reset failed, destroying", "vm_id", m.ID(), "error", err)
		p.destroy(m)
		p.scheduleReplenish(lang)
		return
	}

	if !p.enqueue(m) {
		p.destroy(m)
	}
}

// Shutdown stops every VM in every queue and active set. Idempotent; waits
// for background replenishment to drain first.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	var machines []Machine
	for lang, state := range p.languages {
		machines = append(machines, state.queue...)
		queueLength.WithLabelValues(lang.String()).Set(0)
		state.queue = nil
		for _, m := range state.active {
			machines = append(machines, m)
		}
		activeVMs.WithLabelValues(lang.String()).Set(0)
		state.active = make(map[string]Machine)
	}
	p.mu.Unlock()

	for _, m := range machines {
		p.destroy(m)
	}

	p.logger.Info("vm pools shut down", "stopped", len(machines))
}

// Stats returns a copy of the language's counters.
func (p *Pool) Stats(lang model.Language) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state := p.languages[lang]; state != nil {
		return state.stats
	}
	return Stats{}
}

// LanguageDebug describes one language pool for the debug endpoint.
type LanguageDebug struct {
	Available   int       `json:"available"`
	Target      int       `json:"target"`
	VMIDs       []string  `json:"vm_ids"`
	AgesSeconds []float64 `json:"ages"`
	Stats       Stats     `json:"stats"`
}

// ActiveDebug describes one checked-out VM for the debug endpoint.
type ActiveDebug struct {
	Language   string  `json:"language"`
	AgeSeconds float64 `json:"age"`
	Executions int     `json:"executions"`
}

// DebugInfo is a point-in-time snapshot of every pool.
type DebugInfo struct {
	Languages map[string]LanguageDebug `json:"per_language"`
	Active    map[string]ActiveDebug   `json:"active"`
}

// Debug snapshots queue contents, active VMs, and counters.
func (p *Pool) Debug() DebugInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := DebugInfo{
		Languages: make(map[string]LanguageDebug, len(p.languages)),
		Active:    make(map[string]ActiveDebug),
	}

	for lang, state := range p.languages {
		dbg := LanguageDebug{
			Available:   len(state.queue),
			Target:      p.target,
			VMIDs:       make([]string, 0, len(state.queue)),
			AgesSeconds: make([]float64, 0, len(state.queue)),
			Stats:       state.stats,
		}
		for _, m := range state.queue {
			dbg.VMIDs = append(dbg.VMIDs, m.ID())
			dbg.AgesSeconds = append(dbg.AgesSeconds, m.Age().Seconds())
		}
		info.Languages[lang.String()] = dbg

		for id, m := range state.active {
			info.Active[id] = ActiveDebug{
				Language:   lang.String(),
				AgeSeconds: m.Age().Seconds(),
				Executions: m.ExecutionCount(),
			}
		}
	}
	return info
}

// create boots one VM and counts it.
func (p *Pool) create(ctx context.Context, lang model.Language) (Machine, error) {
	start := time.Now()
	m, err := p.factory.Create(ctx, lang)
	if err != nil {
		return nil, err
	}
	vmCreateDuration.Observe(time.Since(start).Seconds())

	p.mu.Lock()
	p.languages[lang].stats.Created++
	p.mu.Unlock()
	vmsCreated.WithLabelValues(lang.String()).Inc()

	return m, nil
}

// enqueue returns the machine to its warm queue, reporting false when the
// queue is already full or the pool is closed.
func (p *Pool) enqueue(m Machine) bool {
	lang := m.Language()

	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.languages[lang]
	if state == nil || p.closed || len(state.queue) >= p.target {
		return false
	}
	state.queue = append(state.queue, m)
	queueLength.WithLabelValues(lang.String()).Inc()
	return true
}

// destroy stops a VM and counts it.
func (p *Pool) destroy(m Machine) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	if err := m.Stop(ctx); err != nil {
		p.logger.Warn("vm stop failed", "vm_id", m.ID(), "error", err)
	}

	lang := m.Language()
	p.mu.Lock()
	if state := p.languages[lang]; state != nil {
		state.stats.Destroyed++
	}
	p.mu.Unlock()
	vmsDestroyed.WithLabelValues(lang.String()).Inc()
}

// scheduleReplenish starts one background fill task for the language if none
// is running. Replenishment never blocks an acquire.
func (p *Pool) scheduleReplenish(lang model.Language) {
	p.mu.Lock()
	state := p.languages[lang]
	if state == nil || p.closed || state.replenishing || len(state.queue) >= p.target {
		p.mu.Unlock()
		return
	}
	state.replenishing = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.replenish(lang)
}

// replenish creates VMs until the queue reaches the target, stopping at the
// first failure to avoid hot-looping; the next acquire miss retries.
func (p *Pool) replenish(lang model.Language) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.languages[lang].replenishing = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		needed := !p.closed && len(p.languages[lang].queue) < p.target
		p.mu.Unlock()
		if !needed {
			return
		}

		m, err := p.create(context.Background(), lang)
		if err != nil {
			p.logger.Warn("replenish failed", "language", lang.String(), "error", err)
			return
		}
		if !p.enqueue(m) {
			p.destroy(m)
			return
		}
	}
}

func (p *Pool) queueLengths() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	lengths := make(map[string]int, len(p.languages))
	for lang, state := range p.languages {
		lengths[lang.String()] = len(state.queue)
	}
	return lengths
}
