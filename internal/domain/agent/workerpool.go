package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/core"
)

// WorkerSpec describes one selectable worker profile (spec §4.10:
// "select a worker spec: capability match → model/cost profile").
type WorkerSpec struct {
	Name         string
	Model        string
	Capabilities []string
	CostPerCall  float64
}

// Matches reports whether this spec can satisfy a task requiring capability.
func (s WorkerSpec) Matches(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// PoolTask is one unit of dispatchable work.
type PoolTask struct {
	Description string
	Capability  string
	Timeout     time.Duration
	Run         func(ctx context.Context) (string, error)
}

// CompletedWorker is the result surfaced by WaitForAny/WaitForAll. Per
// spec §4.10, a failing run is converted into a failed result rather
// than propagating as an error from Wait* itself.
type CompletedWorker struct {
	TaskID   string
	Spec     WorkerSpec
	Result   string
	Err      error
	Started  time.Time
	Finished time.Time
}

// InflightStatus is the queryable snapshot for one dispatched-but-not-
// yet-completed worker (spec §4.10).
type InflightStatus struct {
	TaskID      string
	Description string
	Model       string
	Name        string
	ElapsedMs   int64
	StartedAt   time.Time
}

type inflightWorker struct {
	taskID      string
	description string
	spec        WorkerSpec
	started     time.Time
	cancel      context.CancelFunc
}

// Pool is C10: a slot-limited dispatcher over WorkerSpecs, offering
// Promise.race-style completion draining that never rejects.
type Pool struct {
	mu          sync.Mutex
	specs       []WorkerSpec
	maxConc     int
	slotsInUse  int
	ids         *core.Counter
	inflight    map[string]*inflightWorker
	completions chan CompletedWorker
	logger      *zap.Logger
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	MaxConcurrency int
	Specs          []WorkerSpec
}

// DefaultWorkerSpec is used when no spec in the pool matches a task's
// requested capability and no spec list was supplied at all.
var DefaultWorkerSpec = WorkerSpec{Name: "default", Model: "gpt-4o-mini", CostPerCall: 0}

// NewPool creates a worker pool with the given capacity and specs.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	specs := cfg.Specs
	if len(specs) == 0 {
		specs = []WorkerSpec{DefaultWorkerSpec}
	}
	return &Pool{
		specs:       specs,
		maxConc:     cfg.MaxConcurrency,
		ids:         core.NewCounter("worker"),
		inflight:    make(map[string]*inflightWorker),
		completions: make(chan CompletedWorker, cfg.MaxConcurrency*4+1),
		logger:      logger,
	}
}

// selectSpec picks the first spec matching the task's capability, or
// falls back to the first configured spec (spec §4.10: "capability
// match → model/cost profile").
func (p *Pool) selectSpec(capability string) WorkerSpec {
	for _, s := range p.specs {
		if s.Matches(capability) {
			return s
		}
	}
	return p.specs[0]
}

// Dispatch attempts to start task. If no slot is free, it fails
// immediately — the orchestrator is expected to await a completion
// first (spec §4.10).
func (p *Pool) Dispatch(ctx context.Context, task PoolTask) (string, error) {
	p.mu.Lock()
	if p.slotsInUse >= p.maxConc {
		p.mu.Unlock()
		return "", fmt.Errorf("worker pool: no free slot (in use %d/%d)", p.slotsInUse, p.maxConc)
	}
	spec := p.selectSpec(task.Capability)
	taskID := p.ids.NextID()
	runCtx, cancel := context.WithCancel(ctx)
	if task.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, task.Timeout)
		originalCancel := cancel
		cancel = func() {
			timeoutCancel()
			originalCancel()
		}
	}
	p.slotsInUse++
	p.inflight[taskID] = &inflightWorker{
		taskID:      taskID,
		description: task.Description,
		spec:        spec,
		started:     time.Now(),
		cancel:      cancel,
	}
	p.mu.Unlock()

	go p.run(runCtx, taskID, spec, task)
	return taskID, nil
}

func (p *Pool) run(ctx context.Context, taskID string, spec WorkerSpec, task PoolTask) {
	started := time.Now()
	result, err := p.safeRun(ctx, task)
	p.mu.Lock()
	w, registered := p.inflight[taskID]
	if registered {
		delete(p.inflight, taskID)
		p.slotsInUse--
	}
	p.mu.Unlock()
	if registered {
		w.cancel()
	}

	p.completions <- CompletedWorker{
		TaskID:   taskID,
		Spec:     spec,
		Result:   result,
		Err:      err,
		Started:  started,
		Finished: time.Now(),
	}
}

// safeRun converts a panicking task run into an error result so the
// pool's completions never propagate a goroutine panic.
func (p *Pool) safeRun(ctx context.Context, task PoolTask) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.logger != nil {
				p.logger.Error("worker pool task panicked", zap.Any("recover", r))
			}
			err = fmt.Errorf("worker task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

// WaitForAny blocks until the next worker completes, or ctx is
// cancelled. Never returns an error for a failed run — the failure is
// carried in CompletedWorker.Err (spec §4.10: "never rejects").
func (p *Pool) WaitForAny(ctx context.Context) (CompletedWorker, bool) {
	select {
	case c := <-p.completions:
		return c, true
	case <-ctx.Done():
		return CompletedWorker{}, false
	}
}

// WaitForAll drains completions until n have arrived or ctx is done.
func (p *Pool) WaitForAll(ctx context.Context, n int) []CompletedWorker {
	out := make([]CompletedWorker, 0, n)
	for len(out) < n {
		c, ok := p.WaitForAny(ctx)
		if !ok {
			return out
		}
		out = append(out, c)
	}
	return out
}

// CancelAll grants every inflight worker a brief grace window to
// notice cancellation, then unregisters them regardless (spec §4.10).
func (p *Pool) CancelAll(grace time.Duration) {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.inflight))
	for _, w := range p.inflight {
		cancels = append(cancels, w.cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if grace > 0 {
		time.Sleep(grace)
	}

	p.mu.Lock()
	p.inflight = make(map[string]*inflightWorker)
	p.slotsInUse = 0
	p.mu.Unlock()
}

// Status returns a snapshot of every inflight worker.
func (p *Pool) Status() []InflightStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]InflightStatus, 0, len(p.inflight))
	for _, w := range p.inflight {
		out = append(out, InflightStatus{
			TaskID:      w.taskID,
			Description: w.description,
			Model:       w.spec.Model,
			Name:        w.spec.Name,
			ElapsedMs:   now.Sub(w.started).Milliseconds(),
			StartedAt:   w.started,
		})
	}
	return out
}

// AvailableSlots reports how many dispatch slots are currently free.
func (p *Pool) AvailableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConc - p.slotsInUse
}
