package pipeline

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/ChuLiYu/pcconv/internal/reader"
	"github.com/ChuLiYu/pcconv/internal/sink"
	"github.com/ChuLiYu/pcconv/internal/source"
)

// Defaults
const (
	DefaultReadBuffer     = 8 * 1024
	DefaultWriteBuffer    = 8 * 1024
	DefaultMaxQueueDepth  = 1_000_000
	DefaultReportInterval = time.Second
	DefaultSink           = "csv"
)

// ErrConfig matches every ConfigError.
var ErrConfig = errors.New("pipeline: invalid configuration")

// ConfigError reports an input that prevents the run from starting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConfig) match any ConfigError.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func configErr(field string, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Config 一次運行的全部輸入
type Config struct {
	Source           string        // 來源檔案路徑
	TargetDir        string        // 輸出目錄
	Sink             string        // sink 名稱，見 sink.Names()
	Workers          int           // Worker 數量，0 = NumCPU-1
	ReadBuffer       int           // 讀取緩衝 (bytes)
	WriteBuffer      int           // 每個 sink 的寫入緩衝 (bytes)
	MaxQueueDepth    int           // 所有佇列的總深度上限
	ReportInterval   time.Duration // 進度輪詢間隔
	MaxRows          uint64        // 最多讀取行數，0 = 全部
	ExpectedRows     uint64        // 預估總行數，僅用於 ETA
	Encoding         string        // 來源文字編碼
	Codec            string        // auto|gzip|zstd|snappy|none
	BatchSize        int           // 背壓檢查間隔（行）
	MaxLineBytes     int           // 單行長度上限
	ThrottleInterval time.Duration // 背壓暫停時的睡眠間隔
	Quiet            bool          // 不輸出進度行
}

// DefaultConfig returns a config with every tunable at its default.
func DefaultConfig() Config {
	return Config{
		Sink:             DefaultSink,
		Workers:          DefaultWorkers(),
		ReadBuffer:       DefaultReadBuffer,
		WriteBuffer:      DefaultWriteBuffer,
		MaxQueueDepth:    DefaultMaxQueueDepth,
		ReportInterval:   DefaultReportInterval,
		Codec:            string(source.CodecAuto),
		BatchSize:        reader.DefaultBatchSize,
		MaxLineBytes:     reader.DefaultMaxLineBytes,
		ThrottleInterval: reader.DefaultThrottleInterval,
	}
}

// DefaultWorkers leaves one CPU for the reader.
func DefaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// Validate fills zero values with defaults and rejects invalid input.
// It does not touch the filesystem beyond checking that the source exists.
func (c *Config) Validate() error {
	if c.Source == "" {
		return configErr("source", "is required")
	}
	info, err := os.Stat(c.Source)
	if err != nil {
		return &ConfigError{Field: "source", Err: err}
	}
	if info.IsDir() {
		return configErr("source", "%s is a directory", c.Source)
	}
	if c.TargetDir == "" {
		return configErr("target", "is required")
	}

	if c.Sink == "" {
		c.Sink = DefaultSink
	}
	if _, err := sink.Lookup(c.Sink); err != nil {
		return &ConfigError{Field: "sink", Err: err}
	}

	if c.Codec == "" {
		c.Codec = string(source.CodecAuto)
	}
	if _, err := source.ParseCodec(c.Codec); err != nil {
		return &ConfigError{Field: "codec", Err: err}
	}
	if _, err := source.LookupEncoding(c.Encoding); err != nil {
		return &ConfigError{Field: "encoding", Err: err}
	}

	ints := []struct {
		name  string
		value *int
		def   int
	}{
		{"workers", &c.Workers, DefaultWorkers()},
		{"read_buffer", &c.ReadBuffer, DefaultReadBuffer},
		{"write_buffer", &c.WriteBuffer, DefaultWriteBuffer},
		{"max_queue_depth", &c.MaxQueueDepth, DefaultMaxQueueDepth},
		{"batch_size", &c.BatchSize, reader.DefaultBatchSize},
		{"max_line_bytes", &c.MaxLineBytes, reader.DefaultMaxLineBytes},
	}
	for _, f := range ints {
		if *f.value < 0 {
			return configErr(f.name, "must not be negative, got %d", *f.value)
		}
		if *f.value == 0 {
			*f.value = f.def
		}
	}

	if c.ReportInterval < 0 {
		return configErr("report_interval", "must not be negative, got %s", c.ReportInterval)
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.ThrottleInterval < 0 {
		return configErr("throttle_interval", "must not be negative, got %s", c.ThrottleInterval)
	}
	if c.ThrottleInterval == 0 {
		c.ThrottleInterval = reader.DefaultThrottleInterval
	}
	return nil
}
