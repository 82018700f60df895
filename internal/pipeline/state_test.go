package pipeline

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedStateMetrics(t *testing.T) {
	s := NewSharedState(Config{Workers: 2})
	_, err := uuid.Parse(s.RunID)
	require.NoError(t, err, "run id is a uuid")

	snap := s.Snapshot()
	assert.Len(t, snap, len(metricNames))
	for _, name := range metricNames {
		assert.Zero(t, snap[name])
	}

	s.Set(MetricRows, 10)
	s.Add(MetricThrottleEvents, 2)
	s.Add(MetricThrottleEvents, 3)
	assert.Equal(t, int64(10), s.Get(MetricRows))
	assert.Equal(t, int64(5), s.Get(MetricThrottleEvents))
}

func TestSharedStateFixedKeys(t *testing.T) {
	s := NewSharedState(Config{})
	assert.Panics(t, func() { s.Add("not_a_metric", 1) })
	assert.Panics(t, func() { s.Get("not_a_metric") })
	assert.Len(t, s.Snapshot(), len(metricNames), "no key added by a failed access")
}

func TestSharedStateConcurrentAdd(t *testing.T) {
	s := NewSharedState(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Add(MetricCloseErrors, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(6400), s.Get(MetricCloseErrors))
}

func TestSharedStateLogValue(t *testing.T) {
	s := NewSharedState(Config{})
	s.Set(MetricRows, 7)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("done", "state", s)

	out := buf.String()
	assert.Contains(t, out, "state.run_id="+s.RunID)
	assert.Contains(t, out, "state.rows=7")
	assert.Contains(t, out, "state.throttle_events=0")
}

func TestValidateDefaults(t *testing.T) {
	cfg := testConfig(t, "a\n")
	cfg.Workers = 0
	cfg.Sink = ""
	cfg.Codec = ""
	cfg.ReportInterval = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultWorkers(), cfg.Workers)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
	assert.Equal(t, DefaultSink, cfg.Sink)
	assert.Equal(t, "auto", cfg.Codec)
	assert.Equal(t, DefaultReportInterval, cfg.ReportInterval)
	assert.Equal(t, DefaultReadBuffer, cfg.ReadBuffer)
	assert.Equal(t, DefaultWriteBuffer, cfg.WriteBuffer)
	assert.Equal(t, DefaultMaxQueueDepth, cfg.MaxQueueDepth)
	assert.Positive(t, cfg.BatchSize)
	assert.Positive(t, cfg.MaxLineBytes)
	assert.Positive(t, cfg.ThrottleInterval)
}

func TestDefaultConfigIsValidWithPaths(t *testing.T) {
	src := testConfig(t, "x\n")
	cfg := DefaultConfig()
	cfg.Source = src.Source
	cfg.TargetDir = src.TargetDir
	assert.NoError(t, cfg.Validate())
}
