package analyzer

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mail-cci/headerguard/internal/metrics"
	"github.com/mail-cci/headerguard/internal/types"
)

// ErrPoolStopped is returned by Submit once the pool no longer accepts work.
var ErrPoolStopped = errors.New("analyzer: worker pool stopped")

// PoolConfig sizes a Pool. Zero values pick defaults.
type PoolConfig struct {
	WorkerCount int
	QueueSize   int
}

// Request is one unit of work for the pool.
type Request struct {
	Headers string
	Body    string
}

type poolRequest struct {
	req  Request
	resp chan types.AnalysisResult
}

// Pool runs analyses on a fixed set of goroutines.
type Pool struct {
	engine    atomic.Pointer[Engine]
	config    PoolConfig
	workQueue chan *poolRequest

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a worker pool with sane defaults.
func NewPool(engine *Engine, cfg PoolConfig) *Pool {
	if engine == nil {
		engine = defaultEngine
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.WorkerCount * 2
	}
	p := &Pool{
		config:    cfg,
		workQueue: make(chan *poolRequest, cfg.QueueSize),
	}
	p.engine.Store(engine)
	return p
}

// SetEngine replaces the engine used for requests picked up from now on.
func (p *Pool) SetEngine(engine *Engine) {
	if engine != nil {
		p.engine.Store(engine)
	}
}

// Engine returns the engine currently in use.
func (p *Pool) Engine() *Engine { return p.engine.Load() }

// Start launches worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(p.ctx)
	}
}

// Stop stops accepting work and waits for the workers to exit. Requests still
// queued are abandoned; their callers get ErrPoolStopped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case pr := <-p.workQueue:
			metrics.InFlightAnalyses.Inc()
			pr.resp <- p.engine.Load().Analyze(pr.req.Headers, pr.req.Body)
			metrics.InFlightAnalyses.Dec()
		case <-ctx.Done():
			return
		}
	}
}

// Submit queues req and waits for its result, for ctx to be done or for the
// pool to stop.
func (p *Pool) Submit(ctx context.Context, req Request) (types.AnalysisResult, error) {
	p.mu.RLock()
	if !p.running {
		p.mu.RUnlock()
		return types.AnalysisResult{}, ErrPoolStopped
	}
	poolCtx := p.ctx
	p.mu.RUnlock()

	pr := &poolRequest{req: req, resp: make(chan types.AnalysisResult, 1)}
	select {
	case p.workQueue <- pr:
	case <-ctx.Done():
		return types.AnalysisResult{}, ctx.Err()
	case <-poolCtx.Done():
		return types.AnalysisResult{}, ErrPoolStopped
	}

	select {
	case res := <-pr.resp:
		return res, nil
	case <-ctx.Done():
		return types.AnalysisResult{}, ctx.Err()
	case <-poolCtx.Done():
		return types.AnalysisResult{}, ErrPoolStopped
	}
}
