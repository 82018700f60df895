// ============================================================================
// pcconv Report - progress output and persisted run report
// ============================================================================
//
// Package: internal/report
// File: report.go
// Function: Collects run metrics and echoed configuration, prints progress
//           lines, and persists the final report as JSON
//
// File format (flat JSON object, keys sorted):
//   {
//     "consumer": "csv",
//     "duration": 1532,
//     "rows": 1000000,
//     "rows_per_second": 652741,
//     "source": "data.csv.gz",
//     "start": 1760000000000,
//     ...
//   }
//
// Atomic write:
//   Save writes <path>.tmp and renames it over <path>, so a reader never
//   sees a half written report.
//
// ============================================================================

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileName is the report name inside the target directory
const FileName = "report.json"

var (
	ErrReportNotFound  = errors.New("report file not found")
	ErrCorruptedReport = errors.New("report file is corrupted")
)

// Report is safe for concurrent use
type Report struct {
	mu      sync.Mutex
	verbose bool
	metrics map[string]any
	config  map[string]any
}

// New creates a report. verbose=false silences progress lines.
func New(verbose bool) *Report {
	return &Report{
		verbose: verbose,
		metrics: make(map[string]any),
		config:  make(map[string]any),
	}
}

// Out emits a human readable progress line
func (r *Report) Out(msg string, args ...any) {
	if !r.verbose {
		return
	}
	slog.Info(msg, args...)
}

// Metric records a measured value
func (r *Report) Metric(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = v
}

// Config records an echoed configuration value
func (r *Report) Config(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config[name] = v
}

// Fields returns a copy of all recorded values; metrics win on key clashes.
func (r *Report) Fields() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]any, len(r.metrics)+len(r.config))
	for k, v := range r.config {
		out[k] = v
	}
	for k, v := range r.metrics {
		out[k] = v
	}
	return out
}

// Save persists the report atomically
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r.Fields(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads a saved report. Numbers decode as json.Number.
func Load(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: empty document", ErrCorruptedReport)
	}
	return fields, nil
}
