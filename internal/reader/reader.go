// ============================================================================
// pcconv Reader - single producer of the pipeline
// ============================================================================
//
// Package: internal/reader
// File: reader.go
// Function: Streams the decompressed source, splits it into records and
//           dispatches them round robin into the worker queues
//
// Dispatch:
//   row r goes to queue[r % N]. Rows are numbered from 0 in source order, so
//   every queue receives strictly increasing row numbers.
//
// Backpressure (soft):
//   Every BatchSize records the aggregate queue depth is measured. While it
//   exceeds MaxQueueDepth the reader sleeps ThrottleInterval and measures
//   again. Between two checks the bound may be overshot by at most
//   BatchSize-1 records per worker.
//
// Completion:
//   complete is set exactly once, after the last push, on every exit path:
//   end of stream, row cap, read/decode failure or context cancellation.
//   A read failure is logged and returned to the caller but never reaches
//   the workers; they drain whatever was queued.
//
// ============================================================================

package reader

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/pcconv/internal/source"
	"github.com/ChuLiYu/pcconv/internal/worker"
	"github.com/ChuLiYu/pcconv/pkg/types"
)

// Metric names written by the reader.
const (
	MetricRows           = "rows"
	MetricReadTimeMs     = "total_read_time_ms"
	MetricThrottleEvents = "throttle_events"
)

// Defaults
const (
	DefaultBatchSize        = 1000
	DefaultThrottleInterval = 10 * time.Millisecond
	DefaultMaxLineBytes     = 64 * 1024 * 1024
	DefaultBufferSize       = 8 * 1024
)

// Recorder receives the reader's counters.
type Recorder interface {
	Set(name string, v int64)
	Add(name string, delta int64)
}

// Config tunes the reader.
type Config struct {
	BatchSize        int           // records between two backpressure checks
	MaxQueueDepth    int           // aggregate queue depth that pauses reading
	ThrottleInterval time.Duration // sleep while paused
	MaxRows          uint64        // stop after this many rows, 0 = all
	MaxLineBytes     int           // longest accepted line
	BufferSize       int           // initial line buffer
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = DefaultThrottleInterval
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize > c.MaxLineBytes {
		c.BufferSize = c.MaxLineBytes
	}
}

// Reader is the producer stage
type Reader struct {
	cfg    Config
	opener source.Opener
	queues []*worker.Queue
	rec    Recorder

	rows      atomic.Uint64
	throttles atomic.Int64
	complete  atomic.Bool
}

// New creates a reader feeding queues. rec may be nil.
func New(opener source.Opener, queues []*worker.Queue, cfg Config, rec Recorder) *Reader {
	cfg.applyDefaults()
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Reader{
		cfg:    cfg,
		opener: opener,
		queues: queues,
		rec:    rec,
	}
}

// Run reads the whole source. It always marks the reader complete before returning.
func (r *Reader) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		rows := r.rows.Load()
		r.rec.Set(MetricRows, int64(rows))
		r.rec.Set(MetricReadTimeMs, time.Since(start).Milliseconds())
		r.complete.Store(true)
		slog.Info("Reader complete", "rows", rows, "duration", time.Since(start), "throttles", r.throttles.Load())
	}()

	stream, err := r.opener.Open()
	if err != nil {
		slog.Error("Failed to open source", "error", err)
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			slog.Warn("Failed to close source", "error", cerr)
		}
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, r.cfg.BufferSize), r.cfg.MaxLineBytes)

	n := len(r.queues)
	batch := uint64(r.cfg.BatchSize)
	var row uint64
	for (r.cfg.MaxRows == 0 || row < r.cfg.MaxRows) && scanner.Scan() {
		rec := types.Record{RowNumber: row, Line: scanner.Text()}
		r.queues[rec.WorkerIndex(n)].Push(rec)
		row++
		r.rows.Store(row)

		if row%batch == 0 {
			if err := r.throttle(ctx); err != nil {
				slog.Warn("Reader cancelled", "rows", row, "error", err)
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("Read failed", "rows", row, "error", err)
		return fmt.Errorf("read source after %d rows: %w", row, err)
	}
	return nil
}

// throttle blocks while the aggregate queue depth is above the limit.
func (r *Reader) throttle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	depth := worker.Depth(r.queues)
	if depth <= r.cfg.MaxQueueDepth {
		return nil
	}

	r.throttles.Add(1)
	r.rec.Add(MetricThrottleEvents, 1)
	slog.Info("Reader throttled", "queue_depth", depth, "max_queue_depth", r.cfg.MaxQueueDepth)

	paused := time.Now()
	timer := time.NewTimer(r.cfg.ThrottleInterval)
	defer timer.Stop()
	for depth > r.cfg.MaxQueueDepth {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		depth = worker.Depth(r.queues)
		timer.Reset(r.cfg.ThrottleInterval)
	}

	slog.Debug("Reader resumed", "queue_depth", depth, "paused", time.Since(paused))
	return nil
}

// RowsRead returns the number of records dispatched so far.
func (r *Reader) RowsRead() uint64 { return r.rows.Load() }

// Throttles returns how many times the reader paused for backpressure.
func (r *Reader) Throttles() int64 { return r.throttles.Load() }

// IsComplete reports whether the reader has finished producing.
func (r *Reader) IsComplete() bool { return r.complete.Load() }

type nopRecorder struct{}

func (nopRecorder) Set(string, int64) {}
func (nopRecorder) Add(string, int64) {}
