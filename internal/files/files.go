// Package files expands the configured analysis paths into the list of
// source files to analyse.
package files

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoPaths is returned when neither paths nor a paths file were given.
var ErrNoPaths = errors.New("no paths to analyse")

// Finder collects source files under a set of roots.
type Finder struct {
	// Extensions are matched case-insensitively, without the leading dot.
	Extensions []string
	// Excludes are paths (files or directories) or glob patterns.
	Excludes []string
}

// ReadPathsFile reads one path per line; blank lines and lines starting with # are skipped.
func ReadPathsFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open paths file: %w", err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read paths file: %w", err)
	}
	return paths, nil
}

// Find walks every root and returns the matching files, sorted and deduplicated.
// A root that is a file is included as long as it is not excluded, whatever
// its extension. A missing root is an error.
func (f *Finder) Find(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, ErrNoPaths
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(path string) {
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}

	for _, root := range roots {
		root = filepath.Clean(root)
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", root, err)
		}
		if f.excluded(root) {
			continue
		}
		if !info.IsDir() {
			add(root)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if f.excluded(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && f.matches(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	sort.Strings(out)
	return out, nil
}

func (f *Finder) matches(path string) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	for _, want := range f.Extensions {
		if strings.EqualFold(ext, strings.TrimPrefix(want, ".")) {
			return true
		}
	}
	return false
}

func (f *Finder) excluded(path string) bool {
	for _, ex := range f.Excludes {
		ex = filepath.Clean(ex)
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
		if ok, _ := filepath.Match(ex, path); ok {
			return true
		}
		if ok, _ := filepath.Match(ex, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}
