// gendata writes a synthetic compressed line file for trying out pcconv.
//
//	go run ./cmd/gendata -o data.csv.gz -n 1000000
//	go run ./cmd/gendata -o data.csv.zst -n 1000000 --codec zstd
package main

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"

	"github.com/ChuLiYu/pcconv/internal/source"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/spf13/cobra"
)

func main() {
	var (
		out   string
		rows  int
		codec string
		seed  int64
	)

	cmd := &cobra.Command{
		Use:          "gendata",
		Short:        "Generate a compressed CSV-like line file",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := source.ParseCodec(codec)
			if err != nil {
				return err
			}
			return generate(out, rows, c, rand.New(rand.NewSource(seed)))
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "data.csv.gz", "output file")
	cmd.Flags().IntVarP(&rows, "rows", "n", 100000, "number of lines")
	cmd.Flags().StringVar(&codec, "codec", "gzip", "gzip, zstd, snappy or none")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func generate(path string, rows int, codec source.Codec, rnd *rand.Rand) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var zw io.WriteCloser
	switch codec {
	case source.CodecGzip, source.CodecAuto:
		zw = pgzip.NewWriter(f)
	case source.CodecZstd:
		if zw, err = zstd.NewWriter(f); err != nil {
			return err
		}
	case source.CodecSnappy:
		zw = snappy.NewBufferedWriter(f)
	default:
		zw = nopWriteCloser{f}
	}

	w := bufio.NewWriterSize(zw, 64*1024)
	buf := make([]byte, 0, 128)
	for i := 0; i < rows; i++ {
		buf = buf[:0]
		buf = append(buf, "id-"...)
		buf = strconv.AppendInt(buf, int64(i), 10)
		buf = append(buf, ',')
		buf = strconv.AppendInt(buf, rnd.Int63n(1_000_000), 10)
		buf = append(buf, ',')
		buf = strconv.AppendFloat(buf, rnd.Float64()*1000, 'f', 3, 64)
		buf = append(buf, ',')
		if rnd.Intn(10) > 0 {
			buf = append(buf, "label-"...)
			buf = strconv.AppendInt(buf, int64(rnd.Intn(50)), 10)
		}
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
