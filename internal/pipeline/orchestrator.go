// ============================================================================
// pcconv Orchestrator - 管線核心協調器
// ============================================================================
//
// Package: internal/pipeline
// 文件: orchestrator.go
// 功能: 開啟所有 Sink，啟動 Reader 與 Worker，輪詢完成狀態並產出報告
//
// 架構設計:
//   ┌──────────┐  row % N   ┌─────────┐   ┌──────────┐   ┌─────────┐
//   │  Reader  │ ─────────> │ Queue i │ → │ Worker i │ → │ Sink i  │
//   └──────────┘            └─────────┘   └──────────┘   └─────────┘
//        ↑ backpressure: 總深度 > MaxQueueDepth 時暫停
//
// 運行流程:
//   1. openSinks()  - 並發開啟 N 個 Sink，任一失敗即關閉已開啟者並返回
//   2. 啟動 Worker Pool 與 Reader（共 N+1 個 goroutine）
//   3. monitor()    - 每 ReportInterval 檢查一次完成條件，否則輸出進度
//   4. pool.Wait()  - 等待所有 goroutine 退出
//   5. finish()     - 計算吞吐量，寫入 report.json
//
// 完成條件 (checkFinished):
//   只有 Reader 已完成後才評估。此後佇列只減不增，因此：
//   queue 為空 且 worker idle  =>  該 worker 不再持有任何記錄，可安全 Quit。
//   任一 worker 尚未滿足則放棄本輪檢查，下個 tick 再試。
//   所有 worker 都已 Quit 後運行結束。
//
// 取消:
//   ctx 只中止 Reader（SIGINT）。Reader 完成後 Worker 照常排空佇列。
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/pcconv/internal/metrics"
	"github.com/ChuLiYu/pcconv/internal/reader"
	"github.com/ChuLiYu/pcconv/internal/report"
	"github.com/ChuLiYu/pcconv/internal/sink"
	"github.com/ChuLiYu/pcconv/internal/source"
	"github.com/ChuLiYu/pcconv/internal/worker"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRan is returned by a second call to Run.
var ErrAlreadyRan = errors.New("pipeline: orchestrator already ran")

// ============================================================================
// 資料結構定義
// ============================================================================

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithReport replaces the default report collaborator.
func WithReport(r *report.Report) Option {
	return func(o *Orchestrator) { o.report = r }
}

// WithRegisterer exposes the run's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) { o.registerer = reg }
}

// WithOpener replaces the file source.
func WithOpener(op source.Opener) Option {
	return func(o *Orchestrator) { o.opener = op }
}

// WithSinkFactory replaces the sink resolved from Config.Sink.
func WithSinkFactory(f sink.Factory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// Summary 一次運行的最終結果
type Summary struct {
	RunID          string
	Rows           int64
	Success        int64
	Fails          int64
	ThrottleEvents int64
	Duration       time.Duration
	RowsPerSecond  int64
	ReadErr        error  // Reader 的失敗原因（含取消），nil 表示讀完
	ReportPath     string // 已寫入的 report.json
}

// Orchestrator 管線核心控制器
type Orchestrator struct {
	cfg        Config
	state      *SharedState
	report     *report.Report
	opener     source.Opener
	factory    sink.Factory
	registerer prometheus.Registerer
	collector  *metrics.Collector

	current atomic.Pointer[run] // 由 metrics 抓取 goroutine 讀取
	ran     atomic.Bool
}

// run 一次運行中的活動組件
type run struct {
	pool   *worker.Pool
	reader *reader.Reader
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Orchestrator
//
// 流程：
//  1. 驗證配置並補上默認值（失敗返回 ConfigError）
//  2. 建立輸出目錄（失敗返回 ConfigError）
//  3. 解析 Sink 與來源
//  4. 註冊 metrics（若有 WithRegisterer）
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.TargetDir, 0755); err != nil {
		return nil, &ConfigError{Field: "target", Err: err}
	}

	o := &Orchestrator{cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}

	if o.factory == nil {
		f, err := sink.Lookup(cfg.Sink)
		if err != nil {
			return nil, &ConfigError{Field: "sink", Err: err}
		}
		o.factory = f
	}
	if o.opener == nil {
		codec, err := source.ParseCodec(cfg.Codec)
		if err != nil {
			return nil, &ConfigError{Field: "codec", Err: err}
		}
		o.opener = &source.File{
			Path:       cfg.Source,
			Codec:      codec,
			Encoding:   cfg.Encoding,
			BufferSize: cfg.ReadBuffer,
		}
	}
	if o.report == nil {
		o.report = report.New(!cfg.Quiet)
	}

	o.state = NewSharedState(cfg)

	if o.registerer != nil {
		c, err := metrics.NewCollector(o.registerer, o)
		if err != nil {
			return nil, err
		}
		o.collector = c
	}
	return o, nil
}

// Run 執行一次完整轉換
//
// 返回值：
//   - *Summary: 運行結果；Reader 失敗時仍返回（ReadErr 非 nil）
//   - error: Sink 開啟失敗 (ResourceError) 或報告寫入失敗
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRan
	}
	o.state.StartTime = time.Now()

	slog.Info("Starting pipeline",
		"run_id", o.state.RunID,
		"source", o.cfg.Source,
		"target", o.cfg.TargetDir,
		"sink", o.cfg.Sink,
		"workers", o.cfg.Workers)

	// 1. 開啟 Sink
	sinks, err := o.openSinks()
	if err != nil {
		return nil, err
	}

	// 2. 建立 Pool 與 Reader
	var observer worker.WriteObserver
	if o.collector != nil {
		observer = o.collector
	}
	pool, err := worker.NewPool(sinks, observer)
	if err != nil {
		return nil, err
	}
	rd := reader.New(o.opener, pool.Queues(), reader.Config{
		BatchSize:        o.cfg.BatchSize,
		MaxQueueDepth:    o.cfg.MaxQueueDepth,
		ThrottleInterval: o.cfg.ThrottleInterval,
		MaxRows:          o.cfg.MaxRows,
		MaxLineBytes:     o.cfg.MaxLineBytes,
		BufferSize:       o.cfg.ReadBuffer,
	}, o.state)
	o.current.Store(&run{pool: pool, reader: rd})

	// 3. 啟動 N+1 個 goroutine
	// 新建的 Pool 只會在第二次 Start 時返回 ErrPoolStarted
	_ = pool.Start()
	var readErr error
	pool.Go(func() { readErr = rd.Run(ctx) })

	// 4. 輪詢直到所有 worker 退出，sink 由各自的 goroutine 關閉
	o.monitor(rd, pool)
	pool.Wait()
	o.state.Add(MetricCloseErrors, int64(pool.CloseErrors()))

	return o.finish(pool, readErr)
}

// openSinks 並發開啟所有 Sink；任一失敗則關閉已開啟的 Sink
func (o *Orchestrator) openSinks() ([]sink.Sink, error) {
	n := o.cfg.Workers
	sinks := make([]sink.Sink, n)
	for i := range sinks {
		sinks[i] = o.factory(sink.Options{
			Dir:         o.cfg.TargetDir,
			WorkerID:    i,
			WriteBuffer: o.cfg.WriteBuffer,
		})
	}

	opened := make([]bool, n)
	var g errgroup.Group
	for i, s := range sinks {
		i, s := i, s
		g.Go(func() error {
			if err := s.Open(); err != nil {
				if errors.Is(err, sink.ErrResource) {
					return err
				}
				return &sink.ResourceError{
					Worker: i,
					Path:   sink.OutputPath(o.cfg.TargetDir, i, s.Suffix()),
					Err:    err,
				}
			}
			opened[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var merr *multierror.Error
		for i, s := range sinks {
			if !opened[i] {
				continue
			}
			if cerr := s.Close(); cerr != nil {
				merr = multierror.Append(merr, cerr)
			}
		}
		if cerr := merr.ErrorOrNil(); cerr != nil {
			slog.Warn("Failed to release sinks after open failure", "error", cerr)
		}
		slog.Error("Failed to open sinks", "error", err)
		return nil, err
	}

	slog.Debug("Sinks opened", "count", n, "sink", o.cfg.Sink)
	return sinks, nil
}

// monitor 定期檢查完成條件，未完成時輸出進度
func (o *Orchestrator) monitor(rd *reader.Reader, pool *worker.Pool) {
	ticker := time.NewTicker(o.cfg.ReportInterval)
	defer ticker.Stop()

	for range ticker.C {
		if o.checkFinished(rd, pool) {
			slog.Debug("All workers quit", "run_id", o.state.RunID)
			return
		}
		o.progress(rd, pool)
	}
}

// checkFinished 在 Reader 完成後逐一 Quit 已排空且 idle 的 worker
//
// 返回值：
//   - bool: 所有 worker 都已 Quit
func (o *Orchestrator) checkFinished(rd *reader.Reader, pool *worker.Pool) bool {
	if !rd.IsComplete() {
		return false
	}

	for _, w := range pool.Workers() {
		if w.IsQuit() {
			continue
		}
		// Len before idle: the last record was popped after idle was cleared.
		if w.Queue().Len() > 0 || !w.IsIdle() {
			return false
		}
		w.Quit()
	}
	return true
}

// progress 輸出一行進度
func (o *Orchestrator) progress(rd *reader.Reader, pool *worker.Pool) {
	elapsed := time.Since(o.state.StartTime)
	success, fails := pool.Totals()
	written := success + fails
	writeRate := rate(written, elapsed)

	args := []any{
		"success", success,
		"fails", fails,
		"write_rate", writeRate,
		"read_rate", rate(int64(rd.RowsRead()), elapsed),
		"elapsed", elapsed.Truncate(time.Millisecond),
		"queue_depth", pool.Depth(),
	}
	if eta, ok := estimate(o.cfg.ExpectedRows, written, writeRate); ok {
		args = append(args, "eta", eta)
	}
	o.report.Out("Progress", args...)
}

// finish 計算最終指標並寫入報告
func (o *Orchestrator) finish(pool *worker.Pool, readErr error) (*Summary, error) {
	end := time.Now()
	duration := end.Sub(o.state.StartTime)
	success, fails := pool.Totals()
	rows := o.state.Get(MetricRows)
	readMs := o.state.Get(MetricReadTimeMs)

	switch {
	case readErr == nil:
	case errors.Is(readErr, context.Canceled), errors.Is(readErr, context.DeadlineExceeded):
		slog.Warn("Pipeline aborted, wrote rows read so far", "rows", rows, "error", readErr)
		o.report.Metric("aborted", true)
	default:
		o.state.Add(MetricReadErrors, 1)
		o.report.Metric("read_error", readErr.Error())
	}

	summary := &Summary{
		RunID:          o.state.RunID,
		Rows:           rows,
		Success:        success,
		Fails:          fails,
		ThrottleEvents: o.state.Get(MetricThrottleEvents),
		Duration:       duration,
		RowsPerSecond:  rate(success+fails, duration),
		ReadErr:        readErr,
		ReportPath:     filepath.Join(o.cfg.TargetDir, report.FileName),
	}

	r := o.report
	r.Metric("start", o.state.StartTime.UnixMilli())
	r.Metric("end", end.UnixMilli())
	r.Metric("duration", duration.Milliseconds())
	r.Metric("rows_per_second", summary.RowsPerSecond)
	r.Metric("rows_read_per_second", rateMs(rows, readMs))
	r.Metric("success", success)
	r.Metric("fails", fails)
	for name, v := range o.state.Snapshot() {
		r.Metric(name, v)
	}

	r.Config("run_id", o.state.RunID)
	r.Config("source", o.cfg.Source)
	r.Config("target", o.cfg.TargetDir)
	r.Config("consumer", o.cfg.Sink)
	r.Config("threads", o.cfg.Workers+1)
	r.Config("workers", o.cfg.Workers)
	r.Config("max_queue_depth", o.cfg.MaxQueueDepth)
	r.Config("batch_size", o.cfg.BatchSize)
	r.Config("report_interval_ms", o.cfg.ReportInterval.Milliseconds())
	r.Config("codec", o.cfg.Codec)
	if o.cfg.Encoding != "" {
		r.Config("encoding", o.cfg.Encoding)
	}

	slog.Info("Pipeline finished",
		"state", o.state,
		"success", success,
		"fails", fails,
		"duration", duration.Truncate(time.Millisecond),
		"rows_per_second", summary.RowsPerSecond)

	if err := r.Save(summary.ReportPath); err != nil {
		return summary, fmt.Errorf("failed to save report: %w", err)
	}
	return summary, nil
}

// ============================================================================
// 即時讀數 (metrics.Sampler)
// ============================================================================

// RowsRead returns the rows dispatched by the current run.
func (o *Orchestrator) RowsRead() uint64 {
	if r := o.current.Load(); r != nil {
		return r.reader.RowsRead()
	}
	return 0
}

// Written returns the worker success and failure totals.
func (o *Orchestrator) Written() (success, fails int64) {
	if r := o.current.Load(); r != nil {
		return r.pool.Totals()
	}
	return 0, 0
}

// QueueDepth returns the aggregate queue depth.
func (o *Orchestrator) QueueDepth() int {
	if r := o.current.Load(); r != nil {
		return r.pool.Depth()
	}
	return 0
}

// ThrottleEvents returns the reader's backpressure pauses.
func (o *Orchestrator) ThrottleEvents() int64 {
	return o.state.Get(MetricThrottleEvents)
}

// State returns the run's shared state.
func (o *Orchestrator) State() *SharedState { return o.state }

// Config returns the validated configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// ============================================================================
// 輔助函數
// ============================================================================

// rate is count per second; under 1ms of elapsed time the sample is skipped.
func rate(count int64, elapsed time.Duration) int64 {
	return rateMs(count, elapsed.Milliseconds())
}

func rateMs(count, ms int64) int64 {
	if ms < 1 {
		return 0
	}
	return count * 1000 / ms
}

// estimate returns the remaining time when the expected row count is known.
func estimate(expected uint64, done, perSecond int64) (time.Duration, bool) {
	if expected == 0 || perSecond <= 0 {
		return 0, false
	}
	remaining := int64(expected) - done
	if remaining < 0 {
		remaining = 0
	}
	secs := float64(remaining) / float64(perSecond)
	return time.Duration(secs * float64(time.Second)).Truncate(time.Second), true
}
