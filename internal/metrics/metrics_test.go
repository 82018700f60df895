package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	rows      uint64
	success   int64
	fails     int64
	depth     int
	throttles int64
}

func (f *fakeSampler) RowsRead() uint64                { return f.rows }
func (f *fakeSampler) Written() (success, fails int64) { return f.success, f.fails }
func (f *fakeSampler) QueueDepth() int                 { return f.depth }
func (f *fakeSampler) ThrottleEvents() int64           { return f.throttles }

func gathered(t *testing.T, g prometheus.Gatherer) map[string]*dto.Metric {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.Metric, len(families))
	for _, mf := range families {
		require.Len(t, mf.GetMetric(), 1, mf.GetName())
		out[mf.GetName()] = mf.GetMetric()[0]
	}
	return out
}

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg, &fakeSampler{})
	require.NoError(t, err)
	assert.NotNil(t, collector.writeLatency, "writeLatency histogram should be initialized")

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestCollectorReadsSampler(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := &fakeSampler{rows: 100, success: 90, fails: 3, depth: 7, throttles: 2}
	_, err := NewCollector(reg, s)
	require.NoError(t, err)

	m := gathered(t, reg)
	assert.Equal(t, 100.0, m["pcconv_rows_read_total"].GetCounter().GetValue())
	assert.Equal(t, 90.0, m["pcconv_records_written_total"].GetCounter().GetValue())
	assert.Equal(t, 3.0, m["pcconv_records_failed_total"].GetCounter().GetValue())
	assert.Equal(t, 2.0, m["pcconv_throttle_events_total"].GetCounter().GetValue())
	assert.Equal(t, 7.0, m["pcconv_queue_depth"].GetGauge().GetValue())

	// values are read at scrape time
	s.depth = 0
	m = gathered(t, reg)
	assert.Equal(t, 0.0, m["pcconv_queue_depth"].GetGauge().GetValue())
}

func TestObserveWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg, &fakeSampler{})
	require.NoError(t, err)

	collector.ObserveWrite(10*time.Microsecond, nil)
	collector.ObserveWrite(time.Millisecond, errors.New("disk full"))

	h := gathered(t, reg)["pcconv_write_latency_seconds"].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 0.00101, h.GetSampleSum(), 1e-9)
}

func TestConcurrentObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg, &fakeSampler{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.ObserveWrite(time.Microsecond, nil)
		}()
	}
	wg.Wait()

	h := gathered(t, reg)["pcconv_write_latency_seconds"].GetHistogram()
	assert.Equal(t, uint64(100), h.GetSampleCount())
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg, &fakeSampler{})
	require.NoError(t, err)

	// a second collector on the same registry is refused, not a panic
	_, err = NewCollector(reg, &fakeSampler{})
	assert.Error(t, err)

	// separate registries stay independent
	_, err = NewCollector(prometheus.NewRegistry(), &fakeSampler{})
	assert.NoError(t, err)
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg, &fakeSampler{rows: 42, depth: 3})
	require.NoError(t, err)

	srv := NewServer(":0", reg)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pcconv_rows_read_total 42")
	assert.Contains(t, string(body), "pcconv_queue_depth 3")

	resp2, err := http.Get(ts.URL + "/other")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
