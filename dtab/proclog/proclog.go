// Package proclog records which directories each worker has processed so
// that re-runs can skip completed work. Every worker appends JSON lines to
// its own file under {db_dir}/_proc/{run_id}/.
package proclog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	internal "github.com/ZanzyTHEbar/dirtable/dtab"
	"github.com/ZanzyTHEbar/dirtable/dtab/crawler"
)

// DirName is the log directory under the database directory.
var DirName = internal.DefaultProcDirName

const existsCacheSize = 1 << 14

// FailureEntry is one recorded extraction failure.
type FailureEntry struct {
	Path      string `json:"path"`
	Pattern   string `json:"pattern"`
	Extractor string `json:"extractor"`
	Exception string `json:"exception"`
}

// Entry is one processed directory.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	WorkerID   int            `json:"worker_id"`
	Path       string         `json:"path"`
	Counts     crawler.Counts `json:"counts"`
	ErrorRate  float64        `json:"error_rate"`
	Partitions []string       `json:"partitions"`
	Errors     []FailureEntry `json:"errors"`
}

// Summary aggregates the de-duplicated log.
type Summary struct {
	Dirs              int
	Runs              []string
	Counts            crawler.Counts
	MeanErrorRate     float64
	MissingPartitions int
	Incomplete        []string // directories with at least one missing partition
}

// Log reads and appends processing log entries.
type Log struct {
	dbDir  string
	exists *lru.Cache[string, bool]

	mu sync.Mutex
}

// New returns a log rooted at dbDir.
func New(dbDir string) (*Log, error) {
	abs, err := filepath.Abs(dbDir)
	if err != nil {
		return nil, fmt.Errorf("proclog: %w", err)
	}
	cache, err := lru.New[string, bool](existsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("proclog: %w", err)
	}
	return &Log{dbDir: abs, exists: cache}, nil
}

// FilePath returns the log file of one worker in one run.
func (l *Log) FilePath(runID string, workerID int) string {
	return filepath.Join(l.dbDir, DirName, runID, fmt.Sprintf("%04d.proc.json", workerID))
}

// Write appends an entry for the directory path. Partition paths are stored
// relative to the database directory and failures are flattened to strings.
func (l *Log) Write(runID string, workerID int, path string, counts crawler.Counts, partitions []string, failures []crawler.Failure) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("proclog: %w", err)
	}
	rel := make([]string, 0, len(partitions))
	for _, p := range partitions {
		r, err := l.relative(p)
		if err != nil {
			return err
		}
		rel = append(rel, r)
	}
	errs := make([]FailureEntry, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, FailureEntry{Path: f.Path, Pattern: f.Pattern, Extractor: f.Extractor, Exception: f.Err.Error()})
	}

	return l.append(Entry{
		Timestamp:  time.Now().UTC(),
		RunID:      runID,
		WorkerID:   workerID,
		Path:       abs,
		Counts:     counts,
		ErrorRate:  counts.ErrorRate(),
		Partitions: rel,
		Errors:     errs,
	})
}

func (l *Log) append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("proclog: marshal entry: %w", err)
	}
	line = append(line, '\n')

	p := l.FilePath(e.RunID, e.WorkerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("proclog: %w", err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("proclog: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("proclog: write %s: %w", p, err)
	}
	return f.Close()
}

// Load reads every log file and keeps the most recent entry per directory.
// Files are read in name order; on equal timestamps the later line wins.
// Malformed lines are skipped with a warning. The result is sorted by path.
func (l *Log) Load() ([]Entry, error) {
	files, err := filepath.Glob(filepath.Join(l.dbDir, DirName, "*", "*.proc.json"))
	if err != nil {
		return nil, fmt.Errorf("proclog: %w", err)
	}
	sort.Strings(files)

	latest := make(map[string]Entry)
	for _, file := range files {
		if err := readEntries(file, func(e Entry) {
			if prev, ok := latest[e.Path]; ok && prev.Timestamp.After(e.Timestamp) {
				return
			}
			latest[e.Path] = e
		}); err != nil {
			return nil, err
		}
	}

	out := make([]Entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func readEntries(file string, fn func(Entry)) error {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("proclog: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			slog.Warn("Skipping malformed processing log line", "file", file, "line", line, "error", err)
			continue
		}
		fn(e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("proclog: read %s: %w", file, err)
	}
	return nil
}

// FilterPaths returns the candidate paths that still need processing. A
// path is done when its latest entry has every partition on disk and, if
// threshold is set, an error rate at or below it. Candidate order is kept.
func (l *Log) FilterPaths(paths []string, threshold *float64) ([]string, error) {
	entries, err := l.Load()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return paths, nil
	}
	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	out := make([]string, 0, len(paths))
	skipped := 0
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("proclog: %w", err)
		}
		e, ok := byPath[abs]
		if ok && l.completed(e, threshold) {
			skipped++
			continue
		}
		out = append(out, p)
	}
	slog.Info("Filtered completed paths", "candidates", len(paths), "completed", skipped, "remaining", len(out))
	return out, nil
}

func (l *Log) completed(e Entry, threshold *float64) bool {
	if threshold != nil && e.ErrorRate > *threshold {
		return false
	}
	return l.missing(e) == 0
}

func (l *Log) missing(e Entry) int {
	n := 0
	for _, p := range e.Partitions {
		if !l.partitionExists(p) {
			n++
		}
	}
	return n
}

func (l *Log) partitionExists(rel string) bool {
	p := filepath.FromSlash(rel)
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.dbDir, p)
	}
	if _, hit := l.exists.Get(p); hit {
		return true
	}
	if _, err := os.Stat(p); err != nil {
		return false
	}
	// Only hits are cached; a partition written later must still be seen.
	l.exists.Add(p, true)
	return true
}

// Summarize aggregates the de-duplicated entries.
func (l *Log) Summarize() (Summary, error) {
	entries, err := l.Load()
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	runs := make(map[string]bool)
	var rates float64
	for _, e := range entries {
		s.Dirs++
		s.Counts.Add(e.Counts)
		rates += e.ErrorRate
		runs[e.RunID] = true
		if m := l.missing(e); m > 0 {
			s.MissingPartitions += m
			s.Incomplete = append(s.Incomplete, e.Path)
		}
	}
	if s.Dirs > 0 {
		s.MeanErrorRate = rates / float64(s.Dirs)
	}
	for r := range runs {
		s.Runs = append(s.Runs, r)
	}
	sort.Strings(s.Runs)
	return s, nil
}

func (l *Log) relative(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("proclog: %w", err)
	}
	rel, err := filepath.Rel(l.dbDir, abs)
	if err != nil {
		return "", fmt.Errorf("proclog: %w", err)
	}
	return filepath.ToSlash(rel), nil
}
