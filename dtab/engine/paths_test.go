package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dirtable/dtab/config"
)

func TestPartition(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}
	tests := []struct {
		name                   string
		worker, workers, least int
		want                   []string
	}{
		{name: "Head", worker: 0, workers: 2, want: []string{"a", "b", "c"}},
		{name: "Tail", worker: 1, workers: 2, want: []string{"d", "e"}},
		{name: "Single", worker: 0, workers: 1, want: paths},
		{name: "MoreWorkersThanPaths", worker: 6, workers: 8, want: nil},
		{name: "MinPerWorker", worker: 0, workers: 5, least: 4, want: []string{"a", "b", "c", "d"}},
		{name: "MinPerWorkerStarves", worker: 2, workers: 5, least: 4, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Partition(paths, tt.worker, tt.workers, tt.least))
		})
	}

	// Slices are disjoint and cover the input.
	var all []string
	for w := 0; w < 3; w++ {
		all = append(all, Partition(paths, w, 3, 0)...)
	}
	assert.Equal(t, paths, all)
	assert.Nil(t, Partition(nil, 0, 3, 0))
}

func TestExpandPaths(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"ds1/sub-01", "ds2/sub-01", "ds2/nested/sub-02", "other"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}

	tests := []struct {
		name      string
		patterns  []string
		recursive bool
		want      []string
	}{
		{
			name:     "Plain",
			patterns: []string{filepath.Join(root, "missing")},
			want:     []string{filepath.Join(root, "missing")},
		},
		{
			name:     "Glob",
			patterns: []string{filepath.Join(root, "ds*")},
			want:     []string{filepath.Join(root, "ds1"), filepath.Join(root, "ds2")},
		},
		{
			name:      "Recursive",
			patterns:  []string{filepath.Join(root, "**", "sub-*")},
			recursive: true,
			want: []string{
				filepath.Join(root, "ds1", "sub-01"),
				filepath.Join(root, "ds2", "nested", "sub-02"),
				filepath.Join(root, "ds2", "sub-01"),
			},
		},
		{
			name:     "DoubleStarWithoutRecursion",
			patterns: []string{filepath.Join(root, "**", "sub-*")},
			want:     []string{filepath.Join(root, "ds1", "sub-01"), filepath.Join(root, "ds2", "sub-01")},
		},
		{
			name:     "NoMatches",
			patterns: []string{filepath.Join(root, "none-*")},
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPaths(tt.patterns, tt.recursive)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("Relative", func(t *testing.T) {
		got, err := ExpandPaths([]string{"data"}, false)
		require.NoError(t, err)
		wd, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(wd, "data")}, got)
	})
}

func TestGlobRegexp(t *testing.T) {
	tests := []struct {
		pattern string
		match   []string
		miss    []string
	}{
		{pattern: "a/**/b", match: []string{"a/b", "a/x/b", "a/x/y/b"}, miss: []string{"a/xb", "b"}},
		{pattern: "a/*", match: []string{"a/x"}, miss: []string{"a/x/y"}},
		{pattern: "a/**", match: []string{"a/x", "a/x/y"}, miss: []string{"b/x"}},
		{pattern: "sub-0[12]", match: []string{"sub-01", "sub-02"}, miss: []string{"sub-03"}},
		{pattern: "sub-0[!1]", match: []string{"sub-02"}, miss: []string{"sub-01"}},
		{pattern: "f?.json", match: []string{"f1.json"}, miss: []string{"f1xjson", "f/.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			re, err := globRegexp(tt.pattern)
			require.NoError(t, err)
			for _, m := range tt.match {
				assert.True(t, re.MatchString(m), m)
			}
			for _, m := range tt.miss {
				assert.False(t, re.MatchString(m), m)
			}
		})
	}

	_, err := globRegexp("a/[bc")
	assert.Error(t, err)
}

func TestLoadPaths(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "ListFile",
			test: func(t *testing.T) {
				root := t.TempDir()
				list := filepath.Join(root, "paths.txt")
				require.NoError(t, os.WriteFile(list, []byte("/data/a\n\n  /data/b  \n"), 0o644))
				got, err := LoadPaths(config.PathsConfig{ListPath: list}, filepath.Join(root, "db"), nil)
				require.NoError(t, err)
				assert.Equal(t, []string{"/data/a", "/data/b"}, got)
			},
		},
		{
			name: "WrongExtension",
			test: func(t *testing.T) {
				_, err := LoadPaths(config.PathsConfig{ListPath: "paths.npy"}, t.TempDir(), nil)
				assert.ErrorContains(t, err, ".txt")
			},
		},
		{
			name: "Required",
			test: func(t *testing.T) {
				_, err := LoadPaths(config.PathsConfig{}, t.TempDir(), nil)
				assert.ErrorIs(t, err, ErrNoPaths)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func TestWaitForFile(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "Exists",
			test: func(t *testing.T) {
				p := filepath.Join(t.TempDir(), "ready")
				require.NoError(t, os.WriteFile(p, nil, 0o644))
				assert.NoError(t, waitForFile(context.Background(), p, time.Hour))
			},
		},
		{
			name: "AppearsAtomically",
			test: func(t *testing.T) {
				p := filepath.Join(t.TempDir(), "run", pathsListName)
				go func() {
					time.Sleep(20 * time.Millisecond)
					_ = os.MkdirAll(filepath.Dir(p), 0o755)
					_ = writeFileAtomic(p, []byte("/data/a\n"))
				}()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				require.NoError(t, waitForFile(ctx, p, time.Hour))
				lines, err := readLines(p)
				require.NoError(t, err)
				assert.Equal(t, []string{"/data/a"}, lines)
			},
		},
		{
			name: "Canceled",
			test: func(t *testing.T) {
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				defer cancel()
				err := waitForFile(ctx, filepath.Join(t.TempDir(), "never"), 5*time.Millisecond)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}
