package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ChuLiYu/pcconv/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const defaultWriteBuffer = 8 * 1024

// compressor wraps the output file, nil for plain text.
type compressor func(w io.Writer) (io.WriteCloser, error)

// CSV writes "rowNumber,field,field,...\n" per record.
// Fields are the comma split of the source line, rejoined with commas, so
// empty trailing fields survive.
type CSV struct {
	opts   Options
	suffix string
	wrap   compressor

	file    *os.File
	comp    io.WriteCloser
	w       *bufio.Writer
	closed  bool
	scratch []byte
}

// NewCSV is the "csv" sink factory.
func NewCSV(opts Options) Sink {
	return &CSV{opts: opts, suffix: "csv"}
}

// NewGzipCSV is the "csv.gz" sink factory.
func NewGzipCSV(opts Options) Sink {
	return &CSV{opts: opts, suffix: "csv.gz", wrap: func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	}}
}

// NewZstdCSV is the "csv.zst" sink factory.
func NewZstdCSV(opts Options) Sink {
	return &CSV{opts: opts, suffix: "csv.zst", wrap: func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	}}
}

func (c *CSV) Suffix() string { return c.suffix }

// Path is the output file of this sink.
func (c *CSV) Path() string {
	return OutputPath(c.opts.Dir, c.opts.WorkerID, c.suffix)
}

func (c *CSV) Open() error {
	path := c.Path()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return &ResourceError{Worker: c.opts.WorkerID, Path: path, Err: err}
	}

	var out io.Writer = file
	if c.wrap != nil {
		comp, err := c.wrap(file)
		if err != nil {
			file.Close()
			return &ResourceError{Worker: c.opts.WorkerID, Path: path, Err: err}
		}
		c.comp = comp
		out = comp
	}

	size := c.opts.WriteBuffer
	if size <= 0 {
		size = defaultWriteBuffer
	}
	c.file = file
	c.w = bufio.NewWriterSize(out, size)
	return nil
}

func (c *CSV) Write(r types.Record) error {
	if c.closed {
		return ErrClosed
	}
	if c.w == nil {
		return ErrNotOpen
	}

	c.scratch = strconv.AppendUint(c.scratch[:0], r.RowNumber, 10)
	c.scratch = append(c.scratch, types.FieldSeparator...)
	if _, err := c.w.Write(c.scratch); err != nil {
		return fmt.Errorf("write row %d: %w", r.RowNumber, err)
	}

	fields := r.Fields()
	for i, field := range fields {
		if _, err := c.w.WriteString(field); err != nil {
			return fmt.Errorf("write row %d: %w", r.RowNumber, err)
		}
		if i+1 < len(fields) {
			if _, err := c.w.WriteString(types.FieldSeparator); err != nil {
				return fmt.Errorf("write row %d: %w", r.RowNumber, err)
			}
		}
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write row %d: %w", r.RowNumber, err)
	}
	return nil
}

// Close flushes the buffer, finishes the compressed stream and closes the file.
// Every step runs even if an earlier one failed.
func (c *CSV) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.file == nil {
		return nil
	}

	var result *multierror.Error
	if err := c.w.Flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush %s: %w", c.Path(), err))
	}
	if c.comp != nil {
		if err := c.comp.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("finish %s: %w", c.Path(), err))
		}
	}
	if err := c.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", c.Path(), err))
	}
	return result.ErrorOrNil()
}
