package patterns

import (
	"fmt"
	"iter"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/armon/go-radix"
)

// Policy selects how many bindings Match returns per path.
type Policy int

const (
	// MatchFirst returns only the first binding (in insertion order).
	MatchFirst Policy = iota
	// MatchAll returns every matching binding.
	MatchAll
)

func (p Policy) String() string {
	if p == MatchAll {
		return "all"
	}
	return "first"
}

// ParsePolicy parses "first" or "all".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return MatchFirst, nil
	case "all":
		return MatchAll, nil
	}
	return MatchFirst, fmt.Errorf("patterns: unknown match policy %q", s)
}

// Binding pairs a glob pattern with the value it routes to.
type Binding[T any] struct {
	Pattern string
	Value   T
	seq     int
}

// Stats tracks lookup counters for an Index.
type Stats struct {
	Bindings   int64
	Buckets    int64
	Lookups    int64
	Candidates int64
	Matches    int64
}

// Index maps glob patterns to values, bucketed by the literal file suffix of
// each pattern (".nii.gz", ".json"). Buckets are stored in a radix tree keyed
// by the reversed suffix, so a lookup only visits buckets whose suffix ends
// the path's file name and glob-matches within them.
type Index[T any] struct {
	mu    sync.RWMutex
	tree  *radix.Tree
	next  int
	stats Stats
}

// New builds an index from bindings.
func New[T any](bindings ...Binding[T]) (*Index[T], error) {
	idx := &Index[T]{tree: radix.New()}
	for _, b := range bindings {
		if err := idx.Insert(b.Pattern, b.Value); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Insert adds a binding. Patterns use path.Match syntax per component and are
// matched against paths from the right, so "sub-*/anat/*.json" matches any
// path ending in those three components.
func (idx *Index[T]) Insert(pattern string, v T) error {
	pattern = normalizePath(pattern)
	if pattern == "" || pattern == "." {
		return fmt.Errorf("patterns: empty pattern")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("patterns: invalid pattern %q: %w", pattern, err)
	}

	suffix := patternSuffix(pattern)
	if suffix == "" {
		slog.Warn("Pattern has no literal suffix; it will be checked against every path",
			"pattern", pattern)
	}
	key := reverse(suffix)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var bucket []Binding[T]
	if existing, ok := idx.tree.Get(key); ok {
		bucket = existing.([]Binding[T])
	} else {
		idx.stats.Buckets++
	}
	bucket = append(bucket, Binding[T]{Pattern: pattern, Value: v, seq: idx.next})
	idx.tree.Insert(key, bucket)
	idx.next++
	idx.stats.Bindings++

	slog.Debug("Pattern index insertion completed",
		"pattern", pattern,
		"suffix", suffix,
		"bucket_size", len(bucket))
	return nil
}

// Lookup yields every binding whose pattern matches p, in insertion order.
func (idx *Index[T]) Lookup(p string) iter.Seq[Binding[T]] {
	return func(yield func(Binding[T]) bool) {
		for _, b := range idx.candidates(p) {
			if !yield(b) {
				return
			}
		}
	}
}

// Match returns the bindings matching p under policy.
func (idx *Index[T]) Match(p string, policy Policy) []Binding[T] {
	var out []Binding[T]
	for b := range idx.Lookup(p) {
		out = append(out, b)
		if policy == MatchFirst {
			break
		}
	}
	return out
}

func (idx *Index[T]) candidates(p string) []Binding[T] {
	p = normalizePath(p)
	name := path.Base(p)

	idx.mu.RLock()
	var cands []Binding[T]
	idx.tree.WalkPath(reverse(name), func(_ string, v interface{}) bool {
		cands = append(cands, v.([]Binding[T])...)
		return false
	})
	idx.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].seq < cands[j].seq })

	matched := cands[:0]
	for _, b := range cands {
		if matchFromRight(b.Pattern, p) {
			matched = append(matched, b)
		}
	}

	idx.mu.Lock()
	idx.stats.Lookups++
	idx.stats.Candidates += int64(len(cands))
	idx.stats.Matches += int64(len(matched))
	idx.mu.Unlock()
	return matched
}

// Len returns the number of bindings.
func (idx *Index[T]) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.stats.Bindings)
}

// GetStats returns a copy of the lookup counters.
func (idx *Index[T]) GetStats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.stats
}

// Bindings returns every binding in insertion order.
func (idx *Index[T]) Bindings() []Binding[T] {
	idx.mu.RLock()
	var all []Binding[T]
	idx.tree.Walk(func(_ string, v interface{}) bool {
		all = append(all, v.([]Binding[T])...)
		return false
	})
	idx.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}

// CombinedSuffix returns every extension of the file name in p joined
// together, e.g. ".nii.gz" for "sub-01_T1w.nii.gz". Leading dots of hidden
// files are not extensions.
func CombinedSuffix(p string) string {
	name := strings.TrimLeft(path.Base(normalizePath(p)), ".")
	if strings.HasSuffix(name, ".") {
		return ""
	}
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i:]
}

// patternSuffix returns the longest trailing run of the pattern's combined
// suffix that holds no glob metacharacters.
func patternSuffix(pattern string) string {
	suffix := CombinedSuffix(pattern)
	for suffix != "" && strings.ContainsAny(suffix, `*?[\`) {
		next := strings.IndexByte(suffix[1:], '.')
		if next < 0 {
			return ""
		}
		suffix = suffix[next+1:]
	}
	return suffix
}

// matchFromRight reports whether the trailing components of p match pattern.
// Absolute patterns must match the whole path.
func matchFromRight(pattern, p string) bool {
	pparts := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if strings.HasPrefix(pattern, "/") {
		if !strings.HasPrefix(p, "/") || len(parts) != len(pparts) {
			return false
		}
	}
	if len(pparts) > len(parts) {
		return false
	}
	parts = parts[len(parts)-len(pparts):]
	for i, pp := range pparts {
		ok, err := path.Match(pp, parts[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	normalized = filepath.ToSlash(path.Clean(normalized))
	if len(normalized) > 1 && strings.HasSuffix(normalized, "/") {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
