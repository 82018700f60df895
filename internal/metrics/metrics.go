// ============================================================================
// pcconv Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將管線的即時狀態暴露為 Prometheus 指標
//
// 指標分類:
//
//   1. 計數器 (CounterFunc) - 從管線狀態直接讀取，只增不減：
//      - pcconv_rows_read_total: Reader 已分派的行數
//      - pcconv_records_written_total: 寫入成功的記錄數
//      - pcconv_records_failed_total: 寫入失敗的記錄數
//      - pcconv_throttle_events_total: 背壓暫停次數
//
//   2. 狀態指標 (GaugeFunc) - 瞬時值：
//      - pcconv_queue_depth: 所有 Worker 佇列的總深度
//
//   3. 性能指標 (Histogram)：
//      - pcconv_write_latency_seconds: 單次 Sink.Write 延遲分佈
//
// Prometheus 查詢示例:
//
//   # 每秒寫入行數
//   rate(pcconv_records_written_total[1m])
//
//   # 95 分位寫入延遲
//   histogram_quantile(0.95, pcconv_write_latency_seconds_bucket)
//
//   # 背壓是否頻繁觸發
//   rate(pcconv_throttle_events_total[1m]) > 0
//
// HTTP 端點:
//   /metrics，由 NewServer 建立，默認關閉
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pcconv"

// Sampler 提供指標的即時讀數，必須可從任意 goroutine 調用
type Sampler interface {
	RowsRead() uint64
	Written() (success, fails int64)
	QueueDepth() int
	ThrottleEvents() int64
}

// Collector Prometheus 指標收集器
type Collector struct {
	writeLatency prometheus.Histogram
}

// NewCollector 創建並註冊所有指標
//
// 參數：
//   - reg: 註冊目標，測試時傳入獨立的 prometheus.NewRegistry()
//   - s: 即時讀數來源
func NewCollector(reg prometheus.Registerer, s Sampler) (*Collector, error) {
	c := &Collector{
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "Latency of a single sink write in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
	}

	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_read_total",
			Help:      "Total number of rows dispatched by the reader",
		}, func() float64 { return float64(s.RowsRead()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Total number of records written successfully",
		}, func() float64 {
			success, _ := s.Written()
			return float64(success)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Total number of records whose write failed",
		}, func() float64 {
			_, fails := s.Written()
			return float64(fails)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_events_total",
			Help:      "Total number of reader backpressure pauses",
		}, func() float64 { return float64(s.ThrottleEvents()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of records queued across all workers",
		}, func() float64 { return float64(s.QueueDepth()) }),
		c.writeLatency,
	}

	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// ObserveWrite 記錄一次寫入延遲（成功與失敗都計入）
func (c *Collector) ObserveWrite(d time.Duration, _ error) {
	c.writeLatency.Observe(d.Seconds())
}

// NewServer 建立 Prometheus metrics HTTP 伺服器，由調用方負責 ListenAndServe / Shutdown
//
// 參數：
//   - addr: 監聽地址，例如 ":9090"
//   - g: 指標來源
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
