// ============================================================================
// pcconv Worker Pool - fixed set of consumer goroutines
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of N Worker goroutines plus the single
//           producer task that feeds their queues
//
// Architecture:
//   ┌─────────────┐
//   │   Reader    │ --Push(row % N)--> queue[i]
//   └─────────────┘
//   ┌──────────────────────────────┐
//   │   Pool                       │
//   │  ┌────────┐                  │
//   │  │Worker 0│←── queue[0] ──→ sink[0]
//   │  │Worker 1│←── queue[1] ──→ sink[1]
//   │  │Worker 2│←── queue[2] ──→ sink[2]
//   │  └────────┘                  │
//   └──────────────────────────────┘
//
// Lifecycle:
//   1. NewPool(sinks) - one queue and one worker per opened sink
//   2. Start()        - launch the worker goroutines
//   3. Go(fn)         - launch the producer in the same group
//   4. Quit workers   - orchestrator, one by one as they drain
//   5. Wait()         - join every goroutine; a panic in any of them is re-raised
//   6. CloseErrors()  - failed sink closes, read after Wait
//
// No elasticity: the pool size never changes after NewPool.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/pcconv/internal/sink"
	"github.com/sourcegraph/conc"
)

var (
	// ErrPoolStarted is returned by a second Start
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrNoWorkers is returned by NewPool without sinks
	ErrNoWorkers = errors.New("worker pool needs at least one sink")
)

// Pool owns the workers, their queues and every pipeline goroutine
type Pool struct {
	workers []*Worker
	queues  []*Queue
	wg      conc.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewPool creates one worker per sink. The sinks must already be open.
func NewPool(sinks []sink.Sink, observer WriteObserver) (*Pool, error) {
	if len(sinks) == 0 {
		return nil, ErrNoWorkers
	}

	p := &Pool{
		workers: make([]*Worker, len(sinks)),
		queues:  make([]*Queue, len(sinks)),
	}
	for i, s := range sinks {
		p.queues[i] = NewQueue()
		p.workers[i] = newWorker(i, p.queues[i], s, observer)
	}
	return p, nil
}

// Start launches every worker goroutine
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	for _, w := range p.workers {
		p.wg.Go(w.Run)
	}
	p.started = true
	return nil
}

// Go runs fn as one more member of the pool (the producer).
func (p *Pool) Go(fn func()) {
	p.wg.Go(fn)
}

// Wait blocks until every goroutine started by the pool has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop quits every worker regardless of pending work and waits.
// Each running worker closes its own sink; sinks of a pool that never
// started are closed here once every goroutine has returned.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Quit()
	}
	p.Wait()
	for _, w := range p.workers {
		w.Close()
	}
}

// Workers returns the workers ordered by index.
func (p *Pool) Workers() []*Worker { return p.workers }

// Queues returns the queues ordered by worker index.
func (p *Pool) Queues() []*Queue { return p.queues }

// Depth is the aggregate number of queued records.
func (p *Pool) Depth() int { return Depth(p.queues) }

// Totals sums success and failure counters across workers.
func (p *Pool) Totals() (success, fails int64) {
	for _, w := range p.workers {
		success += w.Success()
		fails += w.Fails()
	}
	return success, fails
}

// CloseErrors counts the workers whose sink failed to close.
// Only meaningful after Wait.
func (p *Pool) CloseErrors() int {
	n := 0
	for _, w := range p.workers {
		if w.CloseErr() != nil {
			n++
		}
	}
	return n
}

// GetWorkerCount returns the number of workers
func (p *Pool) GetWorkerCount() int {
	return len(p.workers)
}

// IsStarted reports whether Start has been called
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
