package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Tutortoise/llie-pipeline/zoo"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// ModelOpener creates one independent model handle for the pool.
type ModelOpener func() (zoo.Model, error)

type ModelPool struct {
	handles    chan zoo.Model
	size       int
	open       ModelOpener
	mu         sync.Mutex
	closed     bool
	missing    int
	metrics    *PoolMetrics
	lastErrors []error
	stop       chan struct{}
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool metrics.
type PoolStats struct {
	PoolSize        int     `json:"pool_size"`
	Available       int     `json:"available"`
	InUse           int     `json:"models_in_use"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalReleased   int64   `json:"total_released"`
	AcquireFailures int64   `json:"acquire_failures"`
	AvgWaitMillis   float64 `json:"avg_wait_ms"`
	RecentErrors    int     `json:"recent_errors"`
}

// CloneOpener hands out the base model first and deep copies of it after.
func CloneOpener(base zoo.Model) (ModelOpener, error) {
	cloner, ok := base.(zoo.Cloner)
	if !ok {
		return nil, fmt.Errorf("model %s cannot be copied for pooling", base.Spec().Name)
	}
	var once sync.Once
	return func() (zoo.Model, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			return base, nil
		}
		return cloner.Clone()
	}, nil
}

func NewModelPool(open ModelOpener, size int) (*ModelPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelPool{
		handles: make(chan zoo.Model, size),
		size:    size,
		open:    open,
		metrics: &PoolMetrics{},
		stop:    make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		m, err := open()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize model %d: %w", i, err)
		}
		pool.handles <- m
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *ModelPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelPool) Acquire(ctx context.Context) (zoo.Model, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case m, ok := <-p.handles:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return m, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available model")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle. A broken handle is closed and replaced by the
// next health check.
func (p *ModelPool) Release(m zoo.Model, broken bool) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || broken {
		if broken && !p.closed {
			p.missing++
		}
		if err := m.Close(); err != nil {
			log.Printf("Error closing model: %v", err)
		}
		return
	}
	p.handles <- m
}

func (p *ModelPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.handles)

	for m := range p.handles {
		if err := m.Close(); err != nil {
			log.Printf("Error closing model: %v", err)
		}
	}
}

func (p *ModelPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish reopens handles that were released as broken.
func (p *ModelPool) replenish() {
	p.mu.Lock()
	count := p.missing
	p.mu.Unlock()

	for i := 0; i < count; i++ {
		m, err := p.open()
		if err != nil {
			p.recordError(err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			m.Close()
			return
		}
		p.missing--
		p.handles <- m
		p.mu.Unlock()
	}
}

func (p *ModelPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelPool) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	p.mu.Lock()
	recent := len(p.lastErrors)
	p.mu.Unlock()

	stats := PoolStats{
		PoolSize:        p.size,
		Available:       len(p.handles),
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		RecentErrors:    recent,
	}
	if p.metrics.totalAcquired > 0 {
		stats.AvgWaitMillis = float64(p.metrics.waitTime.Milliseconds()) / float64(p.metrics.totalAcquired)
	}
	return stats
}
