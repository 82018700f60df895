// Package source opens the input file as a decompressed, decoded text stream.
//
// The codec is taken from configuration or sniffed from the first bytes of
// the file (gzip, zstd and framed snappy have distinct magic numbers). Text in
// encodings other than UTF-8 is transcoded to UTF-8 on the fly.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Codec names a compression format.
type Codec string

const (
	CodecAuto   Codec = "auto"
	CodecGzip   Codec = "gzip"
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
	CodecNone   Codec = "none"
)

const (
	defaultBufferSize = 8 * 1024
	defaultEncoding   = "utf-8"
)

var (
	ErrUnknownCodec    = errors.New("source: unknown codec")
	ErrUnknownEncoding = errors.New("source: unknown text encoding")
)

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// Opener produces the byte stream the reader splits into lines.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// File is an Opener for a file on disk.
type File struct {
	Path       string
	Codec      Codec
	Encoding   string // WHATWG label, "" means UTF-8
	BufferSize int    // read buffer in bytes
}

// ParseCodec validates a codec name; "" means auto.
func ParseCodec(name string) (Codec, error) {
	c := Codec(strings.ToLower(strings.TrimSpace(name)))
	switch c {
	case "":
		return CodecAuto, nil
	case CodecAuto, CodecGzip, CodecZstd, CodecSnappy, CodecNone:
		return c, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownCodec, name)
}

// LookupEncoding resolves a WHATWG encoding label. UTF-8 resolves to nil,
// meaning no transcoding is needed.
func LookupEncoding(label string) (encoding.Encoding, error) {
	if strings.TrimSpace(label) == "" {
		label = defaultEncoding
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnknownEncoding, label, err)
	}
	if enc == unicode.UTF8 {
		return nil, nil
	}
	return enc, nil
}

// Sniff detects the codec from the leading bytes.
func Sniff(head []byte) Codec {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CodecGzip
	case bytes.HasPrefix(head, zstdMagic):
		return CodecZstd
	case bytes.HasPrefix(head, snappyMagic):
		return CodecSnappy
	}
	return CodecNone
}

// Open opens the file, wraps the decompressor and the text decoder.
// Closing the returned stream releases everything that was opened.
func (f File) Open() (io.ReadCloser, error) {
	codec, err := ParseCodec(string(f.Codec))
	if err != nil {
		return nil, err
	}
	enc, err := LookupEncoding(f.Encoding)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	size := f.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	br := bufio.NewReaderSize(file, size)

	if codec == CodecAuto {
		head, _ := br.Peek(len(snappyMagic))
		codec = Sniff(head)
	}

	s := &stream{closers: []io.Closer{file}}
	switch codec {
	case CodecGzip:
		zr, err := pgzip.NewReader(br)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("open gzip stream %s: %w", f.Path, err)
		}
		s.r = zr
		s.closers = append(s.closers, zr)
	case CodecZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("open zstd stream %s: %w", f.Path, err)
		}
		rc := zr.IOReadCloser()
		s.r = rc
		s.closers = append(s.closers, rc)
	case CodecSnappy:
		s.r = snappy.NewReader(br)
	default:
		s.r = br
	}

	if enc != nil {
		s.r = transform.NewReader(s.r, enc.NewDecoder())
	}
	return s, nil
}

// stream closes its layers innermost first.
type stream struct {
	r       io.Reader
	closers []io.Closer
}

func (s *stream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *stream) Close() error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}
