package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ZanzyTHEbar/dirtable/dtab/config"
	"github.com/ZanzyTHEbar/dirtable/dtab/proclog"
)

var ErrNoPaths = errors.New("engine: paths.list or paths.list_path is required")

const pathsListName = "paths_list.txt"

// LoadPaths reads the configured path list, expands glob patterns and,
// when filter_completed is set, drops directories the processing log marks
// complete.
func LoadPaths(cfg config.PathsConfig, dbDir string, threshold *float64) ([]string, error) {
	var raw []string
	switch {
	case cfg.ListPath != "":
		if ext := filepath.Ext(cfg.ListPath); ext != ".txt" {
			return nil, fmt.Errorf("engine: expected a .txt paths list, got %q", filepath.Base(cfg.ListPath))
		}
		lines, err := readLines(cfg.ListPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Loaded paths list", "file", cfg.ListPath, "entries", len(lines))
		raw = lines
	case len(cfg.List) > 0:
		raw = cfg.List
	default:
		return nil, ErrNoPaths
	}

	paths, err := ExpandPaths(raw, cfg.GlobRecursive)
	if err != nil {
		return nil, err
	}
	slog.Info("Expanded paths", "count", len(paths))

	if !cfg.FilterCompleted {
		return paths, nil
	}
	plog, err := proclog.New(dbDir)
	if err != nil {
		return nil, err
	}
	return plog.FilterPaths(paths, threshold)
}

// ExpandPaths expands glob patterns and makes every path absolute. Plain
// paths are kept even when they do not exist. With recursive set, "**"
// matches any number of directories.
func ExpandPaths(patterns []string, recursive bool) ([]string, error) {
	var out []string
	for _, p := range patterns {
		if !strings.ContainsAny(p, "[]*?") {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			out = append(out, abs)
			continue
		}

		var matches []string
		var err error
		if recursive && strings.Contains(p, "**") {
			matches, err = globRecursive(p)
		} else {
			matches, err = filepath.Glob(p)
		}
		if err != nil {
			return nil, fmt.Errorf("engine: pattern %q: %w", p, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			out = append(out, abs)
		}
	}
	return out, nil
}

// globRecursive walks the static prefix of pattern and keeps every path the
// translated pattern matches.
func globRecursive(pattern string) ([]string, error) {
	pattern = filepath.ToSlash(filepath.Clean(pattern))
	re, err := globRegexp(pattern)
	if err != nil {
		return nil, err
	}

	base := "."
	if i := strings.IndexAny(pattern, "[]*?"); i > 0 {
		if j := strings.LastIndex(pattern[:i], "/"); j >= 0 {
			base = pattern[:j]
			if base == "" {
				base = "/"
			}
		}
	}

	var matches []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base {
				return nil
			}
			slog.Warn("Skipping unreadable path during glob", "path", p, "error", err)
			return nil
		}
		if re.MatchString(filepath.ToSlash(p)) {
			matches = append(matches, p)
		}
		return nil
	})
	return matches, err
}

// globRegexp translates a slash-separated glob into an anchored regexp.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	if strings.HasPrefix(pattern, "./") {
		pattern = pattern[2:]
	}
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString("(?:[^/]+/)*")
				} else {
					b.WriteString(".*")
				}
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			j := strings.IndexByte(pattern[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("engine: unterminated class in %q", pattern)
			}
			class := pattern[i+1 : i+j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Partition returns this worker's contiguous slice of paths. The slice size
// is ceil(n/numWorkers), raised to minPerWorker; trailing workers may get
// nothing.
func Partition(paths []string, workerID, numWorkers, minPerWorker int) []string {
	if numWorkers < 1 {
		numWorkers = 1
	}
	size := (len(paths) + numWorkers - 1) / numWorkers
	size = max(size, minPerWorker)
	start := workerID * size
	if size == 0 || start >= len(paths) {
		return nil
	}
	return paths[start:min(len(paths), start+size)]
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("engine: read %s: %w", path, err)
	}
	return lines, nil
}

// writeFileAtomic writes data to a temporary file beside path and renames
// it into place.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("engine: write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("engine: sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// waitForFile blocks until path exists or ctx is done. It watches the
// parent directory and also polls, since some filesystems (NFS) deliver no
// events.
func waitForFile(ctx context.Context, path string, poll time.Duration) error {
	exists := func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
	if exists() {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		slog.Warn("Failed to watch directory, falling back to polling", "dir", dir, "error", err)
	}

	slog.Info("Waiting for file", "path", path)
	events, errs := w.Events, w.Errors
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		// The file may have appeared between the first check and Add.
		if exists() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("engine: waiting for %s: %w", path, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("Watcher error", "error", err)
		case <-ticker.C:
		}
	}
}
