// Package engine orchestrates one worker of a run: it resolves the shared
// path list, takes this worker's slice, crawls each directory in turn and
// streams the resulting tables into partitioned Parquet writers while
// recording progress in the processing log.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	internal "github.com/ZanzyTHEbar/dirtable/dtab"
	"github.com/ZanzyTHEbar/dirtable/dtab/config"
	"github.com/ZanzyTHEbar/dirtable/dtab/crawler"
	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/patterns"
	"github.com/ZanzyTHEbar/dirtable/dtab/proclog"
	"github.com/ZanzyTHEbar/dirtable/dtab/writer"
)

// DefaultPollInterval is how often a waiting worker re-checks for the
// shared paths list in addition to watching for it.
const DefaultPollInterval = time.Second

// Marker is written once per worker and run.
type Marker struct {
	ID       int    `json:"id"`
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
}

// DirCounts tallies directories handled by a worker.
type DirCounts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

// Report summarizes one worker's run.
type Report struct {
	RunID      string
	WorkerID   int
	Paths      []string // this worker's slice
	Dirs       DirCounts
	Files      crawler.Counts
	Partitions []string
	Bytes      int64
	Elapsed    time.Duration
	// AlreadyRan is set when the worker marker existed and nothing was done.
	AlreadyRan bool
}

// Engine runs one worker. It owns its writers and processing log.
type Engine struct {
	cfg     *config.Config
	crawler *crawler.Crawler
	tables  []string

	// Poll is the fallback interval for waiting on the paths list.
	Poll time.Duration

	runLog zerolog.Logger
}

// New validates cfg and builds every configured table from registry.
func New(cfg *config.Config, registry *extract.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	specs, err := BuildTables(cfg, registry)
	if err != nil {
		return nil, err
	}
	policy, err := patterns.ParsePolicy(cfg.Crawler.MatchStrategy)
	if err != nil {
		return nil, err
	}
	c, err := crawler.New(specs, crawler.Options{
		MaxWorkers:  cfg.Crawler.MaxWorkers,
		MaxFailures: cfg.Crawler.MaxFailures,
		Policy:      policy,
		Exclude:     cfg.Crawler.Exclude,
		DirColumn:   cfg.Crawler.DirColumn,
		Sep:         cfg.Crawler.Separator,
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(specs))
	schemas := c.Schemas()
	for _, s := range specs {
		names = append(names, s.Name)
		slog.Debug("Table schema", "table", s.Name, "columns", schemas[s.Name].Names())
	}
	return &Engine{
		cfg:     cfg,
		crawler: c,
		tables:  names,
		Poll:    DefaultPollInterval,
		runLog:  zerolog.Nop(),
	}, nil
}

// BuildTables turns the configured tables into crawler table specs. Tables
// and extractors are built in name order; an extractor's column group is its
// label, or its id when the label is empty.
func BuildTables(cfg *config.Config, registry *extract.Registry) ([]crawler.TableSpec, error) {
	names := make([]string, 0, len(cfg.Tables))
	for name := range cfg.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]crawler.TableSpec, 0, len(names))
	for _, name := range names {
		tc := cfg.Tables[name]
		indexer, err := registry.NewIndexer(tc.Indexer)
		if err != nil {
			return nil, fmt.Errorf("engine: table %s: %w", name, err)
		}
		slog.Info("Loaded indexer", "table", name, "indexer", indexer.Name(), "columns", indexer.Schema().Names())

		ids := make([]string, 0, len(tc.Extractors))
		for id := range tc.Extractors {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		ts := crawler.TableSpec{Name: name, Indexer: indexer}
		for _, id := range ids {
			spec := tc.Extractors[id]
			ex, err := registry.NewExtractor(id, spec)
			if err != nil {
				return nil, fmt.Errorf("engine: table %s: %w", name, err)
			}
			group := spec.Label
			if group == "" {
				group = id
			}
			ts.Handlers = append(ts.Handlers, crawler.Handler{Group: group, Patterns: spec.Pattern, Extractor: ex})
			slog.Info("Loaded extractor", "table", name, "extractor", id, "pattern", spec.Pattern, "label", group)
		}
		specs = append(specs, ts)
	}
	return specs, nil
}

// Crawler returns the configured crawler.
func (e *Engine) Crawler() *crawler.Crawler { return e.crawler }

func (e *Engine) runLogDir() string {
	return filepath.Join(e.cfg.LogDir, e.cfg.RunID)
}

// PathsListPath returns the shared, expanded path list of the run.
func (e *Engine) PathsListPath() string {
	return filepath.Join(e.runLogDir(), pathsListName)
}

// MarkerPath returns the marker file of this worker.
func (e *Engine) MarkerPath() string {
	return filepath.Join(e.runLogDir(), "workers", fmt.Sprintf("%04d.json", e.cfg.WorkerID))
}

// RunLogPath returns this worker's run log file.
func (e *Engine) RunLogPath() string {
	return filepath.Join(e.runLogDir(), fmt.Sprintf("%04d.log", e.cfg.WorkerID))
}

// ResolvePaths returns the full path list of the run. The head worker loads
// and expands it and, unless dry, saves it for the others; other workers
// wait until the saved list appears. A dry resolve never waits.
func (e *Engine) ResolvePaths(ctx context.Context, dry bool) ([]string, error) {
	listPath := e.PathsListPath()
	if e.cfg.WorkerID == 0 || dry {
		if _, err := os.Stat(listPath); errors.Is(err, os.ErrNotExist) {
			paths, err := LoadPaths(e.cfg.Paths, e.cfg.DBDir, e.cfg.RedoThreshold())
			if err != nil {
				return nil, err
			}
			if dry {
				return paths, nil
			}
			if err := os.MkdirAll(filepath.Dir(listPath), 0o755); err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			data := strings.Join(paths, "\n")
			if len(paths) > 0 {
				data += "\n"
			}
			if err := writeFileAtomic(listPath, []byte(data)); err != nil {
				return nil, err
			}
			slog.Info("Saved expanded paths", "file", listPath, "count", len(paths))
			return paths, nil
		}
	}

	if err := waitForFile(ctx, listPath, e.Poll); err != nil {
		return nil, err
	}
	slog.Info("Loading expanded paths", "file", listPath)
	return readLines(listPath)
}

// Plan returns this worker's slice of the run's paths without crawling.
func (e *Engine) Plan(ctx context.Context) ([]string, error) {
	paths, err := e.ResolvePaths(ctx, true)
	if err != nil {
		return nil, err
	}
	return Partition(paths, e.cfg.WorkerID, e.cfg.NumWorkers, e.cfg.Paths.MinPerWorker), nil
}

// Run executes this worker. A worker that already ran within the run
// returns immediately with AlreadyRan set.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	cfg := e.cfg
	report := &Report{RunID: cfg.RunID, WorkerID: cfg.WorkerID}
	slog.Info("Starting worker", "run_id", cfg.RunID, "worker_id", cfg.WorkerID, "num_workers", cfg.NumWorkers, "dry_run", cfg.DryRun)

	if cfg.DryRun && cfg.WorkerID != 0 {
		slog.Info("Dry run only supported in head worker (worker_id=0); exiting")
		return report, nil
	}

	if !cfg.DryRun {
		if err := os.MkdirAll(e.runLogDir(), 0o755); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		f, err := os.OpenFile(e.RunLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("engine: open run log: %w", err)
		}
		defer f.Close()
		e.runLog = internal.GetWorkerLogger(f, cfg.RunID, cfg.WorkerID)
	} else {
		e.runLog = internal.GetWorkerLogger(os.Stderr, cfg.RunID, cfg.WorkerID)
	}

	paths, err := e.ResolvePaths(ctx, cfg.DryRun)
	if err != nil {
		return nil, err
	}

	if !cfg.DryRun {
		ran, err := e.writeMarker()
		if err != nil {
			return nil, err
		}
		if ran {
			slog.Info("Worker was run previously; exiting", "worker_id", cfg.WorkerID, "marker", e.MarkerPath())
			report.AlreadyRan = true
			return report, nil
		}
	}

	report.Paths = Partition(paths, cfg.WorkerID, cfg.NumWorkers, cfg.Paths.MinPerWorker)
	if len(report.Paths) == 0 {
		slog.Info("No paths assigned to process; exiting")
		return report, nil
	}
	slog.Info("Partitioned paths", "assigned", len(report.Paths), "total", len(paths))

	err = e.generate(ctx, report)
	return report, err
}

// writeMarker records this worker in the run. It reports true when the
// marker already existed.
func (e *Engine) writeMarker() (bool, error) {
	p := e.MarkerPath()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, fmt.Errorf("engine: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	data, err := json.Marshal(Marker{ID: e.cfg.WorkerID, Hostname: host, PID: os.Getpid()})
	if err != nil {
		return false, fmt.Errorf("engine: %w", err)
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("engine: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return false, fmt.Errorf("engine: write marker: %w", err)
	}
	slog.Info("Wrote worker marker", "worker_id", e.cfg.WorkerID, "hostname", host, "pid", os.Getpid())
	return false, f.Close()
}

func (e *Engine) newWriters() (map[string]*writer.Writer, error) {
	size, err := writer.ParseSize(e.cfg.Writer.PartitionSize)
	if err != nil {
		return nil, err
	}
	writers := make(map[string]*writer.Writer, len(e.tables))
	for _, name := range e.tables {
		dir := filepath.Join(e.cfg.DBDir, name, e.cfg.RunID, fmt.Sprintf("%04d", e.cfg.WorkerID))
		w, err := writer.New(dir, writer.Options{
			PartitionSize:     size,
			Compression:       e.cfg.Writer.Compression,
			MaxRowGroupLength: e.cfg.Writer.MaxRowGroupLength,
			Coerce:            e.cfg.Writer.Coerce,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: table %s: %w", name, err)
		}
		writers[name] = w
		slog.Info("Initialized writer", "table", name, "dir", dir)
	}
	return writers, nil
}

// generate crawls each assigned directory in order.
func (e *Engine) generate(ctx context.Context, report *Report) (err error) {
	cfg := e.cfg
	start := time.Now()

	var writers map[string]*writer.Writer
	var plog *proclog.Log
	if !cfg.DryRun {
		if writers, err = e.newWriters(); err != nil {
			return err
		}
		if plog, err = proclog.New(cfg.DBDir); err != nil {
			return err
		}
	}

	defer func() {
		if writers != nil && (err == nil || cfg.FlushOnError) {
			if cerr := closeWriters(writers); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		report.Elapsed = time.Since(start)
		report.Bytes = totalBytes(writers)
		for _, name := range e.tables {
			if w := writers[name]; w != nil {
				report.Partitions = append(report.Partitions, w.Partitions()...)
			}
		}
		e.logProgress("Crawler done", nil, report)
		slog.Info("Crawler done",
			"dirs_processed", report.Dirs.Processed,
			"dirs_skipped", report.Dirs.Skipped,
			"files_total", report.Files.Total,
			"files_error", report.Files.Errors,
			"written", humanize.IBytes(uint64(report.Bytes)),
			"duration", report.Elapsed.Round(time.Millisecond))
	}()

	for _, path := range report.Paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Dirs.Total++
		if info, statErr := os.Stat(path); statErr != nil || !info.IsDir() {
			slog.Warn("Skipping path; not a directory", "path", path)
			report.Dirs.Skipped++
			continue
		}

		res, crawlErr := e.crawler.Crawl(ctx, path)
		if crawlErr != nil {
			res.Release()
			return fmt.Errorf("engine: crawl %s: %w", path, crawlErr)
		}
		report.Files.Add(res.Counts)
		report.Dirs.Processed++
		if report.Dirs.Processed%cfg.LogFrequency == 0 {
			report.Elapsed = time.Since(start)
			report.Bytes = totalBytes(writers)
			e.logProgress("Crawler progress", res, report)
		}

		if cfg.DryRun {
			logTables(res)
			res.Release()
			break
		}

		partitions, werr := e.writeTables(ctx, writers, res.Tables)
		if werr != nil {
			res.Release()
			return werr
		}
		if err := plog.Write(cfg.RunID, cfg.WorkerID, path, res.Counts, partitions, res.Failures); err != nil {
			res.Release()
			return err
		}
		res.Release()
	}
	return nil
}

// writeTables hands each non-empty table to its writer and returns the
// partitions the rows will land in.
func (e *Engine) writeTables(ctx context.Context, writers map[string]*writer.Writer, tables map[string]arrow.Record) ([]string, error) {
	var partitions []string
	for _, name := range e.tables {
		rec := tables[name]
		if rec == nil || rec.NumRows() == 0 {
			continue
		}
		p, err := writers[name].Write(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("engine: write table %s: %w", name, err)
		}
		partitions = append(partitions, p)
	}
	return partitions, nil
}

func (e *Engine) logProgress(msg string, last *crawler.Result, report *Report) {
	secs := max(report.Elapsed.Seconds(), 1e-9)
	ev := e.runLog.Info().
		Interface("dir_counts", report.Dirs).
		Interface("file_counts", report.Files).
		Dur("runtime", report.Elapsed).
		Str("throughput", humanize.IBytes(uint64(float64(report.Bytes)/secs))+"/s")
	if last != nil {
		ev = ev.Str("last_dir", last.Dir).
			Interface("last_dir_counts", last.Counts).
			Interface("last_dir_tables", last.Stats)
	}
	ev.Msg(msg)
}

func logTables(res *crawler.Result) {
	names := make([]string, 0, len(res.Tables))
	for n := range res.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		rec := res.Tables[n]
		st := res.Stats[n]
		slog.Info("Table", "name", n, "rows", rec.NumRows(), "missing", st.Missing, "schema", rec.Schema().String())
	}
}

// closeWriters flushes and closes every writer concurrently.
func closeWriters(writers map[string]*writer.Writer) error {
	var g errgroup.Group
	for name, w := range writers {
		g.Go(func() error {
			if err := w.Close(); err != nil {
				return fmt.Errorf("engine: close writer %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func totalBytes(writers map[string]*writer.Writer) int64 {
	var n int64
	for _, w := range writers {
		n += w.TotalBytes()
	}
	return n
}
