package crawler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ZanzyTHEbar/dirtable/dtab/table"
)

// aggregator is the single consumer of task results. It owns the tables for
// the duration of a crawl.
type aggregator struct {
	tables      []*table.Table
	specs       []TableSpec
	maxFailures int
	dir         string
	cancel      context.CancelFunc

	counts   Counts
	failures []Failure
	fatal    error
	stopped  bool
}

func (a *aggregator) add(r taskResult) {
	a.counts.Total++
	ts := a.specs[r.table]
	h := ts.Handlers[r.handler]

	if r.err != nil {
		f := Failure{Path: r.path, Pattern: r.pattern, Extractor: h.Extractor.Name(), Err: r.err}
		a.failures = append(a.failures, f)
		a.counts.Errors++
		slog.Warn("Extractor failed to process a file",
			"dir", a.dir,
			"path", r.path,
			"pattern", r.pattern,
			"extractor", f.Extractor,
			"error", r.err)
		if a.maxFailures > 0 && a.counts.Errors > a.maxFailures && a.fatal == nil {
			a.fatal = &MaxFailuresError{Dir: a.dir, Failures: a.counts.Errors, Max: a.maxFailures}
			a.cancel()
		}
		return
	}
	if r.key == nil || r.rec == nil {
		return
	}
	if a.stopped {
		return
	}
	if err := a.tables[r.table].Put(r.key, r.rec, h.Group); err != nil {
		if a.fatal == nil {
			a.fatal = fmt.Errorf("crawler: table %s: %s: %w", ts.Name, r.path, err)
		}
		a.stopped = true
		a.cancel()
		return
	}
	a.counts.Processed++
}
