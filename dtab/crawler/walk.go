package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	ignore "github.com/sabhiram/go-gitignore"
)

// walk visits every regular file under root in lexical order, following
// symbolic links. Each real directory is visited once, so link cycles
// terminate. Unreadable subdirectories and broken links are logged and
// skipped; an unreadable root is an error.
func walk(ctx context.Context, root string, ign *ignore.GitIgnore, fn func(path string)) error {
	visited := make(map[string]bool)

	var visit func(dir string, depth int) error
	visit = func(dir string, depth int) error {
		real, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return err
		}
		if visited[real] {
			slog.Debug("Skipping already visited directory", "path", dir, "real", real)
			return nil
		}
		visited[real] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := filepath.Join(dir, entry.Name())

			isDir := entry.IsDir()
			if entry.Type()&os.ModeSymlink != 0 {
				info, err := os.Stat(p)
				if err != nil {
					slog.Warn("Skipping broken symlink", "path", p, "error", err)
					continue
				}
				isDir = info.IsDir()
			}

			if excluded(ign, root, p, isDir) {
				slog.Debug("Ignoring path", "path", p)
				continue
			}

			if isDir {
				if err := visit(p, depth+1); err != nil {
					if ctx.Err() != nil {
						return err
					}
					slog.Warn("Error scanning directory", "path", p, "depth", depth+1, "error", err)
				}
				continue
			}
			fn(p)
		}
		return nil
	}
	return visit(root, 0)
}

func excluded(ign *ignore.GitIgnore, root, p string, isDir bool) bool {
	if ign == nil {
		return false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		return ign.MatchesPath(rel) || ign.MatchesPath(rel+"/")
	}
	return ign.MatchesPath(rel)
}
