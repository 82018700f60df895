// ============================================================================
// pcconv CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   pcconv                         # Root command
//   ├── run [source] [target]      # Convert one file
//   │   └── --config, -c          # Optional YAML config file
//   ├── sinks                      # List available sinks
//   ├── report <dir|file>          # Print a saved report.json
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Optional YAML file, flags override file values:
//   - pipeline: source, target, sink, workers, buffers, queue bound, codec
//   - logging:  level (debug|info|warn|error), format (text|json)
//   - metrics:  Prometheus endpoint
//
// run Command:
//   1. Load config file (if given) and apply flags
//   2. Install the slog handler
//   3. Start Metrics HTTP server (if enabled)
//   4. Run the pipeline; SIGINT / SIGTERM stop the reader, queued rows drain
//   5. Print the summary
//
//   Examples:
//     ./pcconv run data.csv.gz out/
//     ./pcconv run -s data.csv.zst -t out/ --sink csv.gz -w 8
//     ./pcconv run -c configs/default.yaml
//
// Exit status:
//   non-zero on configuration errors, sink open failures and incomplete reads
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/pcconv/internal/metrics"
	"github.com/ChuLiYu/pcconv/internal/pipeline"
	"github.com/ChuLiYu/pcconv/internal/report"
	"github.com/ChuLiYu/pcconv/internal/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "1.0.0"

// Config represents the complete configuration file
// Maps config file fields through YAML tags
type Config struct {
	Pipeline struct {
		Source           string `yaml:"source"`
		Target           string `yaml:"target"`
		Sink             string `yaml:"sink"`
		Workers          int    `yaml:"workers"`
		ReadBufferKB     int    `yaml:"read_buffer_kb"`
		WriteBufferKB    int    `yaml:"write_buffer_kb"`
		MaxQueueDepth    int    `yaml:"max_queue_depth"`
		ReportIntervalMs int    `yaml:"report_interval_ms"`
		MaxRows          uint64 `yaml:"max_rows"`
		ExpectedRows     uint64 `yaml:"expected_rows"`
		Encoding         string `yaml:"encoding"`
		Codec            string `yaml:"codec"`
		BatchSize        int    `yaml:"batch_size"`
		Quiet            bool   `yaml:"quiet"`
	} `yaml:"pipeline"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// defaultConfig mirrors pipeline.DefaultConfig in file units
func defaultConfig() *Config {
	d := pipeline.DefaultConfig()

	cfg := &Config{}
	cfg.Pipeline.Sink = d.Sink
	cfg.Pipeline.Workers = d.Workers
	cfg.Pipeline.ReadBufferKB = d.ReadBuffer / 1024
	cfg.Pipeline.WriteBufferKB = d.WriteBuffer / 1024
	cfg.Pipeline.MaxQueueDepth = d.MaxQueueDepth
	cfg.Pipeline.ReportIntervalMs = int(d.ReportInterval.Milliseconds())
	cfg.Pipeline.Codec = d.Codec
	cfg.Pipeline.BatchSize = d.BatchSize
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Metrics.Port = 9090
	return cfg
}

// pipelineConfig converts file units (KiB, ms) into pipeline.Config
func (c *Config) pipelineConfig() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		Source:         p.Source,
		TargetDir:      p.Target,
		Sink:           p.Sink,
		Workers:        p.Workers,
		ReadBuffer:     p.ReadBufferKB * 1024,
		WriteBuffer:    p.WriteBufferKB * 1024,
		MaxQueueDepth:  p.MaxQueueDepth,
		ReportInterval: time.Duration(p.ReportIntervalMs) * time.Millisecond,
		MaxRows:        p.MaxRows,
		ExpectedRows:   p.ExpectedRows,
		Encoding:       p.Encoding,
		Codec:          p.Codec,
		BatchSize:      p.BatchSize,
		Quiet:          p.Quiet,
	}
}

func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "pcconv",
		Short: "pcconv: parallel converter for compressed line files",
		Long: `pcconv streams a compressed line-oriented file and fans its records
out round robin to a fixed pool of workers, each writing its own output:
- gzip, zstd and snappy sources, sniffed automatically
- csv, csv.gz, csv.zst and empty sinks
- bounded queues with reader backpressure
- report.json and Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildSinksCommand())
	rootCmd.AddCommand(buildReportCommand())

	return rootCmd
}

func buildRunCommand(configFile *string) *cobra.Command {
	flagCfg := defaultConfig()

	cmd := &cobra.Command{
		Use:   "run [source] [target]",
		Short: "Start a conversion run",
		Long:  "Read the source file, dispatch its lines to the workers and write one output per worker into the target directory",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultConfig()
			if *configFile != "" {
				fileCfg, err := loadConfig(*configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = fileCfg
			}
			applyFlags(cmd, cfg, flagCfg)
			if len(args) > 0 {
				cfg.Pipeline.Source = args[0]
			}
			if len(args) > 1 {
				cfg.Pipeline.Target = args[1]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err := runPipeline(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return err
		},
	}

	f := cmd.Flags()
	p := &flagCfg.Pipeline
	f.StringVarP(&p.Source, "source", "s", "", "source file")
	f.StringVarP(&p.Target, "target", "t", "", "target directory")
	f.StringVar(&p.Sink, "sink", p.Sink, "sink name, see 'pcconv sinks'")
	f.IntVarP(&p.Workers, "workers", "w", p.Workers, "number of workers")
	f.IntVar(&p.ReadBufferKB, "read-buffer", p.ReadBufferKB, "read buffer in KiB")
	f.IntVar(&p.WriteBufferKB, "write-buffer", p.WriteBufferKB, "write buffer per worker in KiB")
	f.IntVar(&p.MaxQueueDepth, "max-queue-depth", p.MaxQueueDepth, "total queued records that pause the reader")
	f.IntVar(&p.ReportIntervalMs, "report-interval", p.ReportIntervalMs, "progress interval in milliseconds")
	f.Uint64Var(&p.MaxRows, "max-rows", 0, "stop after this many rows (0 = all)")
	f.Uint64Var(&p.ExpectedRows, "expected-rows", 0, "expected row count, enables ETA")
	f.StringVar(&p.Encoding, "encoding", "", "source text encoding (default utf-8)")
	f.StringVar(&p.Codec, "codec", p.Codec, "source codec: auto, gzip, zstd, snappy, none")
	f.IntVar(&p.BatchSize, "batch-size", p.BatchSize, "records between backpressure checks")
	f.BoolVarP(&p.Quiet, "quiet", "q", false, "suppress progress lines")
	f.StringVar(&flagCfg.Logging.Level, "log-level", flagCfg.Logging.Level, "log level: debug, info, warn, error")
	f.StringVar(&flagCfg.Logging.Format, "log-format", flagCfg.Logging.Format, "log format: text, json")
	f.BoolVar(&flagCfg.Metrics.Enabled, "metrics", false, "serve Prometheus metrics")
	f.IntVar(&flagCfg.Metrics.Port, "metrics-port", flagCfg.Metrics.Port, "Prometheus metrics port")

	return cmd
}

// applyFlags copies every explicitly set flag from src into dst
func applyFlags(cmd *cobra.Command, dst, src *Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("source", func() { dst.Pipeline.Source = src.Pipeline.Source })
	set("target", func() { dst.Pipeline.Target = src.Pipeline.Target })
	set("sink", func() { dst.Pipeline.Sink = src.Pipeline.Sink })
	set("workers", func() { dst.Pipeline.Workers = src.Pipeline.Workers })
	set("read-buffer", func() { dst.Pipeline.ReadBufferKB = src.Pipeline.ReadBufferKB })
	set("write-buffer", func() { dst.Pipeline.WriteBufferKB = src.Pipeline.WriteBufferKB })
	set("max-queue-depth", func() { dst.Pipeline.MaxQueueDepth = src.Pipeline.MaxQueueDepth })
	set("report-interval", func() { dst.Pipeline.ReportIntervalMs = src.Pipeline.ReportIntervalMs })
	set("max-rows", func() { dst.Pipeline.MaxRows = src.Pipeline.MaxRows })
	set("expected-rows", func() { dst.Pipeline.ExpectedRows = src.Pipeline.ExpectedRows })
	set("encoding", func() { dst.Pipeline.Encoding = src.Pipeline.Encoding })
	set("codec", func() { dst.Pipeline.Codec = src.Pipeline.Codec })
	set("batch-size", func() { dst.Pipeline.BatchSize = src.Pipeline.BatchSize })
	set("quiet", func() { dst.Pipeline.Quiet = src.Pipeline.Quiet })
	set("log-level", func() { dst.Logging.Level = src.Logging.Level })
	set("log-format", func() { dst.Logging.Format = src.Logging.Format })
	set("metrics", func() { dst.Metrics.Enabled = src.Metrics.Enabled })
	set("metrics-port", func() { dst.Metrics.Port = src.Metrics.Port })
}

func runPipeline(ctx context.Context, cfg *Config, out, logOut io.Writer) (*pipeline.Summary, error) {
	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	var opts []pipeline.Option

	// Start Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, pipeline.WithRegisterer(reg))

		srv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), reg)
		go func() {
			slog.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	orch, err := pipeline.New(cfg.pipelineConfig(), opts...)
	if err != nil {
		return nil, err
	}

	summary, err := orch.Run(ctx)
	if err != nil {
		return summary, err
	}

	printSummary(out, summary)

	if summary.ReadErr != nil {
		return summary, fmt.Errorf("source read incomplete after %d rows: %w", summary.Rows, summary.ReadErr)
	}
	return summary, nil
}

func printSummary(w io.Writer, s *pipeline.Summary) {
	fmt.Fprintf(w, "run %s\n", s.RunID)
	fmt.Fprintf(w, "  rows:      %d\n", s.Rows)
	fmt.Fprintf(w, "  success:   %d\n", s.Success)
	fmt.Fprintf(w, "  fails:     %d\n", s.Fails)
	fmt.Fprintf(w, "  throttles: %d\n", s.ThrottleEvents)
	fmt.Fprintf(w, "  duration:  %s\n", s.Duration.Truncate(time.Millisecond))
	fmt.Fprintf(w, "  rows/s:    %d\n", s.RowsPerSecond)
	fmt.Fprintf(w, "  report:    %s\n", s.ReportPath)
}

// newLogger builds the slog handler from config values
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

func buildSinksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sinks",
		Short: "List available sinks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range sink.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func buildReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <target-dir|report.json>",
		Short: "Show a saved run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showReport(cmd.OutOrStdout(), args[0])
		},
	}
}

func showReport(w io.Writer, path string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, report.FileName)
	}

	fields, err := report.Load(path)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "Report: %s\n", path)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-*s  %v\n", width, k, fields[k])
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}
