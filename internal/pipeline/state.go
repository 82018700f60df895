package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/pcconv/internal/reader"
	"github.com/google/uuid"
)

// Metric names held by SharedState. The set is fixed at construction.
const (
	MetricRows           = reader.MetricRows
	MetricReadTimeMs     = reader.MetricReadTimeMs
	MetricThrottleEvents = reader.MetricThrottleEvents
	MetricReadErrors     = "read_errors"
	MetricCloseErrors    = "close_errors"
)

var metricNames = []string{
	MetricRows,
	MetricReadTimeMs,
	MetricThrottleEvents,
	MetricReadErrors,
	MetricCloseErrors,
}

// SharedState is the run context handed to every component.
// Config is read-only after construction; metrics change only atomically.
type SharedState struct {
	Config    Config
	RunID     string
	StartTime time.Time

	metrics map[string]*atomic.Int64
}

// NewSharedState creates the state for one run.
func NewSharedState(cfg Config) *SharedState {
	s := &SharedState{
		Config:    cfg,
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
		metrics:   make(map[string]*atomic.Int64, len(metricNames)),
	}
	for _, name := range metricNames {
		s.metrics[name] = new(atomic.Int64)
	}
	return s
}

// counter panics on an unknown name: the key set never grows at runtime.
func (s *SharedState) counter(name string) *atomic.Int64 {
	c, ok := s.metrics[name]
	if !ok {
		panic(fmt.Sprintf("pipeline: unknown metric %q", name))
	}
	return c
}

// Set stores v under name.
func (s *SharedState) Set(name string, v int64) { s.counter(name).Store(v) }

// Add adds delta to name.
func (s *SharedState) Add(name string, delta int64) { s.counter(name).Add(delta) }

// Get loads name.
func (s *SharedState) Get(name string) int64 { return s.counter(name).Load() }

// Snapshot copies every metric.
func (s *SharedState) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.metrics))
	for name, c := range s.metrics {
		out[name] = c.Load()
	}
	return out
}

// LogValue implements slog.LogValuer.
func (s *SharedState) LogValue() slog.Value {
	names := make([]string, 0, len(s.metrics))
	for name := range s.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]slog.Attr, 0, len(names)+1)
	attrs = append(attrs, slog.String("run_id", s.RunID))
	for _, name := range names {
		attrs = append(attrs, slog.Int64(name, s.metrics[name].Load()))
	}
	return slog.GroupValue(attrs...)
}
