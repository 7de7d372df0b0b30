// Package writer buffers columnar batches per table and flushes them into
// numbered Parquet partitions. Partitions become visible atomically: each is
// written to a temporary file in the same directory and renamed into place.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/util"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/dustin/go-humanize"

	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

var (
	ErrClosed         = errors.New("writer: closed")
	ErrSchemaMismatch = errors.New("writer: batch schema differs from buffered schema")
	ErrUnknownCodec   = errors.New("writer: unknown compression codec")
)

const (
	DefaultPartitionSize     = 64 << 20
	DefaultMaxRowGroupLength = 1 << 20
)

// Options configures a Writer.
type Options struct {
	PartitionSize     int64            // Buffered bytes that trigger a flush (default 64 MiB)
	Compression       string           // snappy, zstd, gzip, brotli, lz4, none (default snappy)
	MaxRowGroupLength int64            // Rows per Parquet row group (default 1Mi)
	Coerce            bool             // Cast batches to the first batch's schema instead of failing
	Allocator         memory.Allocator // Allocator for coercion (default memory.DefaultAllocator)
}

// ParseSize parses a human readable size such as "64 MiB" or "500MB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("writer: invalid size %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("writer: size %q must be positive", s)
	}
	return int64(n), nil
}

// flushHandle is the join handle of one background flush.
type flushHandle struct {
	path string
	done chan struct{}
	err  error
}

func (h *flushHandle) wait() error {
	<-h.done
	return h.err
}

// Writer appends batches to numbered partitions under one directory. At most
// one flush is in flight at a time.
type Writer struct {
	dir   string
	opts  Options
	codec compress.Compression

	mu      sync.Mutex
	schema  *arrow.Schema
	buffer  []arrow.Record
	bufSize int64
	part    int
	pending *flushHandle
	closed  bool

	doneMu  sync.Mutex
	written []string

	totalBytes atomic.Int64
	totalRows  atomic.Int64
}

// New creates dir if needed and returns a writer for it.
func New(dir string, opts Options) (*Writer, error) {
	if opts.PartitionSize <= 0 {
		opts.PartitionSize = DefaultPartitionSize
	}
	if opts.MaxRowGroupLength <= 0 {
		opts.MaxRowGroupLength = DefaultMaxRowGroupLength
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	codec, err := parseCodec(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}
	return &Writer{dir: dir, opts: opts, codec: codec}, nil
}

// Dir returns the partition directory.
func (w *Writer) Dir() string { return w.dir }

// PartitionPath returns the path of partition i.
func (w *Writer) PartitionPath(i int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%04d.parquet", i))
}

// Write buffers rec and returns the partition path it will land in. When the
// buffer exceeds the partition size a background flush starts. The writer
// retains rec; the caller keeps its own reference.
func (w *Writer) Write(ctx context.Context, rec arrow.Record) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}

	if w.schema == nil {
		w.schema = rec.Schema()
	}
	if !w.schema.Equal(rec.Schema()) {
		if !w.opts.Coerce {
			return "", fmt.Errorf("%w: got %s, expected %s", ErrSchemaMismatch, rec.Schema(), w.schema)
		}
		target, err := schema.FromArrow(w.schema)
		if err != nil {
			return "", err
		}
		cast, err := schema.CoerceBatch(ctx, rec, target, schema.CoerceOptions{WithNull: true, Allocator: w.opts.Allocator})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
		}
		rec = cast
	} else {
		rec.Retain()
	}

	w.buffer = append(w.buffer, rec)
	w.bufSize += util.TotalRecordSize(rec)
	path := w.PartitionPath(w.part)

	if w.bufSize >= w.opts.PartitionSize {
		if err := w.flushLocked(false); err != nil {
			return path, err
		}
	}
	return path, nil
}

// Flush hands the buffer to the background worker, first waiting for any
// prior flush. With blocking set it also waits for this flush to finish.
func (w *Writer) Flush(blocking bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(blocking)
}

func (w *Writer) flushLocked(blocking bool) error {
	if w.pending != nil {
		err := w.pending.wait()
		w.pending = nil
		if err != nil {
			return err
		}
	}
	if len(w.buffer) == 0 {
		return nil
	}

	recs := w.buffer
	h := &flushHandle{path: w.PartitionPath(w.part), done: make(chan struct{})}
	sch := w.schema
	w.buffer = nil
	w.bufSize = 0
	w.part++
	w.pending = h

	go func() {
		defer close(h.done)
		h.err = w.writePartition(h.path, sch, recs)
	}()

	if blocking {
		err := h.wait()
		w.pending = nil
		return err
	}
	return nil
}

// writePartition serializes recs to a temporary file next to path and
// renames it into place. It releases recs.
func (w *Writer) writePartition(path string, sch *arrow.Schema, recs []arrow.Record) (err error) {
	start := time.Now()
	tbl := array.NewTableFromRecords(sch, recs)
	for _, r := range recs {
		r.Release()
	}
	defer tbl.Release()

	tmp, err := os.CreateTemp(w.dir, ".tmp-*.parquet")
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(w.codec),
		parquet.WithMaxRowGroupLength(w.opts.MaxRowGroupLength),
		parquet.WithAllocator(w.opts.Allocator),
	)
	fw, err := pqarrow.NewFileWriter(sch, tmp, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return fmt.Errorf("writer: %s: %w", path, err)
	}
	if err = fw.WriteTable(tbl, w.opts.MaxRowGroupLength); err != nil {
		fw.Close()
		return fmt.Errorf("writer: %s: %w", path, err)
	}
	// Closing the file writer also closes tmp.
	if err = fw.Close(); err != nil {
		return fmt.Errorf("writer: %s: %w", path, err)
	}

	f, err := os.OpenFile(tmp.Name(), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("writer: sync %s: %w", path, err)
	}
	info, err := f.Stat()
	f.Close()
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writer: %w", err)
	}

	w.totalBytes.Add(info.Size())
	w.totalRows.Add(tbl.NumRows())
	w.doneMu.Lock()
	w.written = append(w.written, path)
	w.doneMu.Unlock()

	slog.Debug("Partition written",
		"path", path,
		"rows", tbl.NumRows(),
		"size", humanize.IBytes(uint64(info.Size())),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Partitions returns the partitions written so far, in order.
func (w *Writer) Partitions() []string {
	w.doneMu.Lock()
	defer w.doneMu.Unlock()
	out := make([]string, len(w.written))
	copy(out, w.written)
	return out
}

// TotalBytes returns the bytes written to completed partitions.
func (w *Writer) TotalBytes() int64 { return w.totalBytes.Load() }

// TotalRows returns the rows written to completed partitions.
func (w *Writer) TotalRows() int64 { return w.totalRows.Load() }

// Buffered returns the estimated size of the unflushed buffer.
func (w *Writer) Buffered() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bufSize
}

// Close flushes synchronously and waits for the background worker. Further
// writes fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flushLocked(true)
}

func parseCodec(name string) (compress.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}
