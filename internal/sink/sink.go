// ============================================================================
// pcconv Sink - per-worker output capability
// ============================================================================
//
// Package: internal/sink
// File: sink.go
// Purpose: Defines the contract every output format implements and the
//          errors shared by all variants.
//
// Lifecycle (one Sink per Worker):
//   Open()  -> create the output resource for this worker
//   Write() -> append one record, called only from the owning worker goroutine
//   Close() -> flush and release; a second Close is a no-op
//
// Naming:
//   Output resources are named by worker index plus the sink suffix:
//   worker 2 of a "csv" sink writes "2.csv"; an empty suffix means no
//   extension at all.
//
// ============================================================================

package sink

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/ChuLiYu/pcconv/pkg/types"
)

var (
	// ErrResource matches every ResourceError.
	ErrResource = errors.New("sink: output resource unavailable")
	// ErrUnknownSink is returned by Lookup for a name that is not registered.
	ErrUnknownSink = errors.New("sink: unknown sink")
	// ErrNotOpen is returned by Write before Open succeeded.
	ErrNotOpen = errors.New("sink: not open")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("sink: already closed")
)

// Sink converts records into persisted output for a single worker.
type Sink interface {
	// Open acquires the output resource. Failure is fatal for the run.
	Open() error
	// Write appends one record. Failure only affects this record.
	Write(r types.Record) error
	// Close flushes and releases the resource. Safe to call more than once.
	Close() error
	// Suffix is the file extension of the output, "" for none.
	Suffix() string
}

// Options is what the pipeline hands to a sink constructor.
type Options struct {
	Dir         string // target directory, must exist
	WorkerID    int    // owning worker index
	WriteBuffer int    // buffered writer size in bytes
}

// Factory builds a sink for one worker.
type Factory func(opts Options) Sink

// ResourceError reports a sink that could not create its output.
type ResourceError struct {
	Worker int
	Path   string
	Err    error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("sink: worker %d cannot open %s: %v", e.Worker, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrResource) match any ResourceError.
func (e *ResourceError) Is(target error) bool { return target == ErrResource }

// OutputName returns the deterministic file name for a worker.
func OutputName(workerID int, suffix string) string {
	name := strconv.Itoa(workerID)
	if suffix == "" {
		return name
	}
	return name + "." + suffix
}

// OutputPath joins the target directory and OutputName.
func OutputPath(dir string, workerID int, suffix string) string {
	return filepath.Join(dir, OutputName(workerID, suffix))
}
