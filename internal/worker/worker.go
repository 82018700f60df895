// ============================================================================
// pcconv Worker - record consumer
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Owns one Queue and one Sink; each Worker runs in its own goroutine
//
// How it works:
//   Each Worker continuously executes the following loop until told to quit:
//   1. Mark itself busy, then pop the head of its queue (non-blocking)
//   2. Record obtained -> Sink.Write, count success or failure
//   3. Queue empty     -> mark itself idle, back off briefly, retry
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌────────────────────────────────────┐  │
//   │  │ for !quit                          │  │
//   │  │   ├─ idle = false                  │  │
//   │  │   ├─ rec, ok := queue.Pop()        │  │
//   │  │   ├─ ok  -> sink.Write(rec)        │  │
//   │  │   └─ !ok -> idle = true, back off  │  │
//   │  └────────────────────────────────────┘  │
//   │  sink.Close() (once, on this goroutine)  │
//   └──────────────────────────────────────────┘
//
// State machine:
//   Running -> Draining (producer complete, queue draining)
//           -> Closed   (quit set by the orchestrator, Run closes the sink)
//   A worker never decides to stop by itself. Quit only sets the flag, so the
//   sink is never closed while a Write is in flight.
//
// Idle visibility:
//   idle is cleared before every pop and set only after a pop found nothing,
//   so an observer that reads idle == true knows the worker holds no record.
//   Together with "producer complete" and "queue empty" this makes the
//   orchestrator's shutdown check free of races.
//
// Error Handling:
//   - A failed write is counted and logged, the loop moves on
//   - Close errors are logged and returned once; later calls return the same error
//
// ============================================================================

package worker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/pcconv/internal/sink"
	"github.com/ChuLiYu/pcconv/pkg/types"
	"github.com/cenkalti/backoff/v4"
)

const (
	idleInitialBackOff = time.Millisecond
	idleMaxBackOff     = 10 * time.Millisecond
)

// WriteObserver receives the outcome of every sink write.
type WriteObserver interface {
	ObserveWrite(d time.Duration, err error)
}

// Worker represents a consume/write unit bound to one queue and one sink
type Worker struct {
	id       int           // Worker index, also the output name
	queue    *Queue        // Records dispatched to this worker
	sink     sink.Sink     // Output capability, already opened
	observer WriteObserver // Optional write latency observer

	success atomic.Int64
	fails   atomic.Int64
	idle    atomic.Bool // written by the worker, read by the orchestrator
	quit    atomic.Bool // written once by the orchestrator

	closeOnce sync.Once
	closeErr  error
}

// newWorker creates a new Worker instance
func newWorker(id int, queue *Queue, s sink.Sink, observer WriteObserver) *Worker {
	return &Worker{
		id:       id,
		queue:    queue,
		sink:     s,
		observer: observer,
	}
}

// Run is the main loop of Worker; it returns after Quit and the sink is closed
func (w *Worker) Run() {
	idle := newIdleBackOff()

	for !w.quit.Load() {
		w.idle.Store(false)
		rec, ok := w.queue.Pop()
		if !ok {
			w.idle.Store(true)
			time.Sleep(idle.NextBackOff())
			continue
		}
		idle.Reset()
		w.write(rec)
	}

	w.Close()
	slog.Debug("Worker stopped", "worker", w.id, "success", w.success.Load(), "fails", w.fails.Load())
}

func (w *Worker) write(rec types.Record) {
	start := time.Now()
	err := w.sink.Write(rec)
	if w.observer != nil {
		w.observer.ObserveWrite(time.Since(start), err)
	}

	if err != nil {
		w.fails.Add(1)
		slog.Debug("Write failed", "worker", w.id, "row", rec.RowNumber, "error", err)
		return
	}
	w.success.Add(1)
}

// Quit tells the loop to stop; Run closes the sink on its way out.
func (w *Worker) Quit() {
	w.quit.Store(true)
}

// Close closes the sink exactly once. Call it only from Run or after Run
// has returned.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.sink.Close()
		if w.closeErr != nil {
			slog.Error("Failed to close sink", "worker", w.id, "error", w.closeErr)
		}
	})
	return w.closeErr
}

// CloseErr returns the error of the sink close. Read it after Run has returned.
func (w *Worker) CloseErr() error {
	return w.closeErr
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.id }

// Queue returns the worker's queue.
func (w *Worker) Queue() *Queue { return w.queue }

// Success returns the number of records written.
func (w *Worker) Success() int64 { return w.success.Load() }

// Fails returns the number of records whose write failed.
func (w *Worker) Fails() int64 { return w.fails.Load() }

// IsIdle reports whether the last poll found the queue empty.
func (w *Worker) IsIdle() bool { return w.idle.Load() }

// IsQuit reports whether Quit has been called.
func (w *Worker) IsQuit() bool { return w.quit.Load() }

func newIdleBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = idleInitialBackOff
	b.MaxInterval = idleMaxBackOff
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}
