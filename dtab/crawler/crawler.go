// Package crawler scans a directory for files matching registered patterns,
// extracts them concurrently and aggregates the records into one table per
// configured table name.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/patterns"
	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
	"github.com/ZanzyTHEbar/dirtable/dtab/table"
)

var (
	ErrNoTables       = errors.New("crawler: at least one table required")
	ErrNoHandlers     = errors.New("crawler: table has no handlers")
	ErrDuplicateGroup = errors.New("crawler: duplicate handler group")
)

// MaxFailuresError is returned when a crawl records more failures than
// allowed. The partial result is returned alongside it.
type MaxFailuresError struct {
	Dir      string
	Failures int
	Max      int
}

func (e *MaxFailuresError) Error() string {
	return fmt.Sprintf("crawler: %d failures in %s exceeded max failures %d", e.Failures, e.Dir, e.Max)
}

// Handler binds one extractor, and the patterns it handles, to a column
// group of a table.
type Handler struct {
	Group     string
	Patterns  []string
	Extractor extract.Extractor
}

// TableSpec describes one output table.
type TableSpec struct {
	Name     string
	Indexer  extract.Indexer
	Handlers []Handler
}

// Options tunes a Crawler.
type Options struct {
	MaxWorkers  int              // Concurrent extraction tasks (default: clamp(NumCPU*2, 4, 32))
	MaxFailures int              // Abort once failures exceed this count (0 = unlimited)
	Policy      patterns.Policy  // Bindings processed per matching file
	Exclude     []string         // Gitignore-style patterns, relative to the crawl root
	DirColumn   string           // Constant column holding the crawled directory ("" = none)
	Sep         string           // Column prefix separator (default ".")
	Allocator   memory.Allocator // Allocator for finalized tables
}

// Failure records one extraction error.
type Failure struct {
	Path      string
	Pattern   string
	Extractor string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s (pattern %s, extractor %s): %v", f.Path, f.Pattern, f.Extractor, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Counts tallies the matches of a crawl.
type Counts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"error"`
}

// ErrorRate returns Errors / max(Total, 1).
func (c Counts) ErrorRate() float64 {
	return float64(c.Errors) / float64(max(c.Total, 1))
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Total += o.Total
	c.Processed += o.Processed
	c.Errors += o.Errors
}

// Result holds the finalized tables of a crawl.
type Result struct {
	Dir      string
	Tables   map[string]arrow.Record
	Failures []Failure
	Counts   Counts
	Elapsed  time.Duration
	// Stats holds the row and per-group coverage counters of each table.
	Stats map[string]table.Stats
}

// Release releases every table batch.
func (r *Result) Release() {
	if r == nil {
		return
	}
	for _, t := range r.Tables {
		t.Release()
	}
}

type target struct {
	table   int
	handler int
	pattern string
}

type taskResult struct {
	target
	path string
	key  *schema.Record
	rec  *schema.Record
	err  error
}

// Crawler routes files to extractors through a pattern index and runs them on
// a bounded pool. A Crawler can be reused across directories but not for
// concurrent crawls.
type Crawler struct {
	tables []TableSpec
	groups [][]table.Group
	index  *patterns.Index[target]
	ignore *ignore.GitIgnore
	opts   Options
}

// New validates the table specs and builds the pattern index.
func New(tables []TableSpec, opts Options) (*Crawler, error) {
	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = min(max(runtime.NumCPU()*2, 4), 32)
	}
	if opts.Sep == "" {
		opts.Sep = "."
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}

	idx, err := patterns.New[target]()
	if err != nil {
		return nil, err
	}
	groups := make([][]table.Group, len(tables))
	for ti, ts := range tables {
		if len(ts.Handlers) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoHandlers, ts.Name)
		}
		seen := make(map[string]bool, len(ts.Handlers))
		for hi, h := range ts.Handlers {
			if seen[h.Group] {
				return nil, fmt.Errorf("%w: %q in table %s", ErrDuplicateGroup, h.Group, ts.Name)
			}
			seen[h.Group] = true
			groups[ti] = append(groups[ti], table.Group{Name: h.Group, Schema: h.Extractor.Schema()})
			for _, p := range h.Patterns {
				if err := idx.Insert(p, target{table: ti, handler: hi, pattern: p}); err != nil {
					return nil, err
				}
			}
		}
		// Surface schema collisions before the first crawl.
		if _, err := newTable(ts, groups[ti], "", opts); err != nil {
			return nil, fmt.Errorf("crawler: table %s: %w", ts.Name, err)
		}
	}

	var ign *ignore.GitIgnore
	if len(opts.Exclude) > 0 {
		ign = ignore.CompileIgnoreLines(opts.Exclude...)
	}

	return &Crawler{tables: tables, groups: groups, index: idx, ignore: ign, opts: opts}, nil
}

// Schemas returns the combined schema of every table.
func (c *Crawler) Schemas() map[string]*schema.Schema {
	out := make(map[string]*schema.Schema, len(c.tables))
	for i, ts := range c.tables {
		t, err := newTable(ts, c.groups[i], "", c.opts)
		if err != nil {
			continue
		}
		out[ts.Name] = t.Schema()
	}
	return out
}

// IndexStats returns the pattern index counters.
func (c *Crawler) IndexStats() patterns.Stats { return c.index.GetStats() }

// Crawl scans dir and returns one finalized table per table spec.
//
// A single extraction failure is recorded and the crawl continues. When
// MaxFailures is exceeded the scan stops, already submitted tasks drain and
// the partial result is returned with a *MaxFailuresError. Schema violations
// from the table layer abort the crawl the same way.
func (c *Crawler) Crawl(ctx context.Context, dir string) (*Result, error) {
	start := time.Now()
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("crawler: %w", err)
	}

	tables := make([]*table.Table, len(c.tables))
	for i, ts := range c.tables {
		ts.Indexer.SetRoot(dir)
		t, err := newTable(ts, c.groups[i], dir, c.opts)
		if err != nil {
			return nil, fmt.Errorf("crawler: table %s: %w", ts.Name, err)
		}
		tables[i] = t
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan taskResult, c.opts.MaxWorkers*4)
	agg := &aggregator{tables: tables, specs: c.tables, maxFailures: c.opts.MaxFailures, dir: dir, cancel: cancel}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range results {
			agg.add(r)
		}
	}()

	p := pool.New().WithMaxGoroutines(c.opts.MaxWorkers)
	var submitted atomic.Int64
	walkErr := walk(scanCtx, dir, c.ignore, func(path string) {
		for _, b := range c.index.Match(path, c.opts.Policy) {
			t := b.Value
			submitted.Add(1)
			p.Go(func() {
				results <- c.process(t, path)
			})
		}
	})
	p.Wait()
	close(results)
	<-done

	res := &Result{
		Dir:      dir,
		Tables:   make(map[string]arrow.Record, len(tables)),
		Failures: agg.failures,
		Counts:   agg.counts,
		Stats:    make(map[string]table.Stats, len(tables)),
	}
	for i, t := range tables {
		res.Stats[c.tables[i].Name] = t.Stats()
		rec, err := t.Finalize()
		if err != nil {
			res.Release()
			return nil, fmt.Errorf("crawler: finalize %s: %w", c.tables[i].Name, err)
		}
		res.Tables[c.tables[i].Name] = rec
	}
	res.Elapsed = time.Since(start)

	slog.Info("Crawl completed",
		"dir", dir,
		"tasks", submitted.Load(),
		"total", res.Counts.Total,
		"processed", res.Counts.Processed,
		"errors", res.Counts.Errors,
		"tables", res.Stats,
		"index", c.IndexStats(),
		"duration_ms", res.Elapsed.Milliseconds())

	if agg.fatal != nil {
		return res, agg.fatal
	}
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return res, fmt.Errorf("crawler: scan %s: %w", dir, walkErr)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// process runs the indexer then the extractor for one match. Panics in user
// loaders are recovered and reported as failures.
func (c *Crawler) process(t target, path string) (res taskResult) {
	res = taskResult{target: t, path: path}
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Recovered extractor panic", "path", path, "stack", string(debug.Stack()))
			res.key, res.rec = nil, nil
			res.err = fmt.Errorf("panic: %v", r)
		}
	}()

	ts := c.tables[t.table]
	key, err := ts.Indexer.Key(path)
	if err != nil {
		res.err = fmt.Errorf("indexer %s: %w", ts.Indexer.Name(), err)
		return res
	}
	if key == nil {
		return res
	}
	res.key = key

	rec, err := ts.Handlers[t.handler].Extractor.Extract(path)
	if err != nil {
		res.err = err
		return res
	}
	res.rec = rec
	return res
}

func newTable(ts TableSpec, groups []table.Group, dir string, opts Options) (*table.Table, error) {
	var constants *schema.Record
	if opts.DirColumn != "" {
		constants = schema.NewRecord()
		constants.Set(opts.DirColumn, schema.String(dir))
	}
	return table.New(ts.Indexer.Schema(), groups, table.Options{
		Constants: constants,
		Sep:       opts.Sep,
		Allocator: opts.Allocator,
	})
}
