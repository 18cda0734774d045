package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize bounds concurrent inference on the server side.
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// Factory builds one engine instance for the pool.
type Factory func() (Engine, error)

// Pool hands out engine instances to concurrent server requests. Each
// engine is used by at most one request at a time.
type Pool struct {
	engines    chan Engine
	size       int
	factory    Factory
	mu         sync.Mutex
	closed     bool
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// Snapshot is a point-in-time copy of the pool counters.
type Snapshot struct {
	PoolSize        int   `json:"pool_size"`
	InUse           int   `json:"in_use"`
	TotalAcquired   int64 `json:"total_acquired"`
	TotalReleased   int64 `json:"total_released"`
	AcquireFailures int64 `json:"acquire_failures"`
}

// NewPool eagerly builds size engines via the factory. A failed build
// tears down the partially-filled pool.
func NewPool(factory Factory, size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &Pool{
		engines: make(chan Engine, size),
		size:    size,
		factory: factory,
		metrics: &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		eng, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize engine %d: %w", i, err)
		}
		pool.engines <- eng
	}

	go pool.healthCheck()

	return pool, nil
}

// Acquire blocks until an engine is free, the acquire timeout fires, or
// the context is cancelled.
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	select {
	case eng := <-p.engines:
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return eng, nil
	case <-time.After(AcquireTimeout):
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available engine")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an engine to the pool. The closed check and the channel
// send happen under one lock so a concurrent Destroy cannot close the
// channel in between.
func (p *Pool) Release(eng Engine) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		eng.Close()
		return
	}

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	// Never blocks: idle plus checked-out engines cannot exceed capacity.
	p.engines <- eng
	p.mu.Unlock()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Destroy closes the pool and every idle engine.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.engines)

	for eng := range p.engines {
		eng.Close()
	}
}

func (p *Pool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if p.isClosed() {
			return
		}

		p.metrics.mu.RLock()
		inUse := p.metrics.inUse
		p.metrics.mu.RUnlock()

		// Idle plus checked-out engines should always add up to the pool
		// size; anything missing was lost to a failed Release.
		currentSize := len(p.engines) + inUse
		if currentSize < p.size {
			p.replenish(p.size - currentSize)
		}
	}
}

func (p *Pool) replenish(count int) {
	for i := 0; i < count; i++ {
		eng, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			eng.Close()
			return
		}
		p.engines <- eng
		p.mu.Unlock()
	}
}

func (p *Pool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// GetMetrics returns a copy of the counters.
func (p *Pool) GetMetrics() Snapshot {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return Snapshot{
		PoolSize:        p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
	}
}
