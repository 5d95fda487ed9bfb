// Package tracked manages the set of gem directories watched for changes and
// maps changed filesystem paths back to the directory that owns them.
package tracked

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

var (
	// ErrNoPackages is returned when no gem paths were specified.
	ErrNoPackages = errors.New("no gem paths were specified")

	// ErrMountEmpty is returned when nothing appears to be mounted at the
	// base directory.
	ErrMountEmpty = errors.New("no gem directory appears to be mounted")
)

// Package is one tracked gem directory. Name and version are deliberately
// absent: they are read from the gemspec on every cycle.
type Package struct {
	// Dir is the configured absolute directory.
	Dir string

	// Path is Dir with symlinks resolved. It equals Dir while the
	// directory does not exist.
	Path string
}

func (p Package) String() string { return p.Path }

// Resolve joins every sub-path onto baseDir and returns the tracked
// packages in the order given. Sub-paths that are missing, are files or are
// otherwise not directories are kept, since they may appear later, but a
// warning is logged for each.
func Resolve(baseDir string, subPaths []string, logger *slog.Logger) ([]Package, error) {
	if len(subPaths) == 0 {
		return nil, ErrNoPackages
	}

	if logger == nil {
		logger = slog.Default()
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving base directory %q: %w", baseDir, err)
	}

	logger.Info("looking for gems relative to mount", slog.String("dir", base))

	pkgs := make([]Package, 0, len(subPaths))
	seen := make(map[string]bool, len(subPaths))

	for _, sub := range subPaths {
		dir := sub
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, sub)
		}

		dir = filepath.Clean(dir)
		if seen[dir] {
			continue
		}

		seen[dir] = true

		warnIfUnusable(logger, dir)

		pkgs = append(pkgs, Package{Dir: dir, Path: realpath(dir)})
	}

	return pkgs, nil
}

func warnIfUnusable(logger *slog.Logger, dir string) {
	info, err := os.Stat(dir)

	switch {
	case err != nil:
		logger.Warn("requested gem dir doesn't exist (yet?)", slog.String("dir", dir))
	case info.Mode().IsRegular():
		logger.Warn("requested gem dir is a file", slog.String("dir", dir))
	case !info.IsDir():
		logger.Warn("requested gem dir isn't a dir", slog.String("dir", dir))
	}
}

// Existing returns the packages whose directory currently exists, with
// Path refreshed to the resolved location. Packages that vanished are
// dropped without error.
func Existing(pkgs []Package) []Package {
	out := make([]Package, 0, len(pkgs))

	for _, p := range pkgs {
		info, err := os.Stat(p.Dir)
		if err != nil || !info.IsDir() {
			continue
		}

		out = append(out, Package{Dir: p.Dir, Path: realpath(p.Dir)})
	}

	return out
}

// Dirs returns the configured directory of every package.
func Dirs(pkgs []Package) []string {
	dirs := make([]string, len(pkgs))
	for i, p := range pkgs {
		dirs[i] = p.Dir
	}

	return dirs
}

// Classify returns the tracked package owning path: the first entry of
// path's ancestor chain (path itself, its parent, and so on up to the root)
// that equals a package's Path or Dir.
func Classify(path string, pkgs []Package) (Package, bool) {
	if path == "" || len(pkgs) == 0 {
		return Package{}, false
	}

	index := make(map[string]Package, 2*len(pkgs))
	for _, p := range pkgs {
		index[p.Dir] = p
		index[p.Path] = p
	}

	cur := filepath.Clean(path)

	for {
		if p, ok := index[cur]; ok {
			return p, true
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return Package{}, false
		}

		cur = parent
	}
}

// Affected maps changed paths onto their owning packages, deduplicated and
// ordered by path.
func Affected(paths []string, pkgs []Package) []Package {
	byPath := make(map[string]Package)

	for _, changed := range paths {
		if p, ok := Classify(changed, pkgs); ok {
			byPath[p.Path] = p
		}
	}

	out := make([]Package, 0, len(byPath))
	for _, p := range byPath {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// CheckMount fails with ErrMountEmpty when baseDir does not exist, has no
// entries, or holds nothing but the marker file that the container image
// places in the unmounted directory.
func CheckMount(baseDir, marker string) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrMountEmpty, baseDir, err)
	}

	if len(entries) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrMountEmpty, baseDir)
	}

	if marker != "" && len(entries) == 1 && entries[0].Name() == marker {
		return fmt.Errorf("%w: %s only contains %s", ErrMountEmpty, baseDir, marker)
	}

	return nil
}

func realpath(dir string) string {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return dir
	}

	return resolved
}
