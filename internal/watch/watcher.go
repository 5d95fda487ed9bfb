package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Batch is one debounced group of changes.
type Batch struct {
	// Paths are the changed paths, sorted and deduplicated.
	Paths []string

	// Initial is true for the first batch only. It stands for "everything
	// changed" and carries no paths.
	Initial bool
}

// Options configures the watch behaviour.
type Options struct {
	// Roots are the directories to watch recursively. They need not exist.
	Roots []string

	// Interval is the debounce window.
	Interval time.Duration

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// DefaultOptions returns sensible default watch options.
func DefaultOptions() Options {
	return Options{
		Interval: 700 * time.Millisecond,
		Logger:   slog.Default(),
	}
}

// Run watches opts.Roots and sends batches to out until ctx is cancelled.
// The first batch sent is the initial one. Run never returns on its own
// otherwise; a nil error means it was cancelled.
func Run(ctx context.Context, opts Options, out chan<- Batch) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	w := &watcher{
		fw:       fw,
		roots:    cleanRoots(opts.Roots),
		logger:   opts.Logger,
		resolved: make(map[string]string),
	}

	for _, root := range w.roots {
		if _, err := w.watchRoot(root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
	}

	opts.Logger.Info("watching gem directories",
		slog.Int("count", len(w.roots)),
		slog.Duration("interval", opts.Interval),
	)

	debouncer := NewDebouncer(opts.Interval)
	defer debouncer.Stop()

	initial := true

	for {
		var (
			send  chan<- Batch
			batch Batch
		)

		switch {
		case initial:
			send, batch = out, Batch{Initial: true}
		case debouncer.Ready():
			send, batch = out, Batch{Paths: debouncer.Paths()}
		}

		select {
		case <-ctx.Done():
			return nil

		case send <- batch:
			// The initial batch already covers anything seen so far.
			initial = false
			debouncer.Flush()

		case <-debouncer.C():
			debouncer.Elapse()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}

			for _, p := range w.handle(event) {
				debouncer.Trigger(p)
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			opts.Logger.Error("watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

type watcher struct {
	fw     *fsnotify.Watcher
	roots  []string
	logger *slog.Logger

	// resolved maps each existing root to its symlink-free location.
	resolved map[string]string
}

// handle reacts to a raw event and returns the paths it contributes to the
// pending batch.
func (w *watcher) handle(event fsnotify.Event) []string {
	if !isRelevant(event) {
		return nil
	}

	paths := []string{event.Name}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			paths = append(paths, w.attach(event.Name)...)
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		for _, root := range w.roots {
			if root == event.Name || w.resolved[root] == event.Name {
				// Fall back to the nearest ancestor so a re-created root
				// is noticed.
				_, _ = w.watchRoot(root)
			}
		}
	}

	return paths
}

// attach starts watching a newly created directory. Inside a root it is
// added recursively; above a root it may complete the path to one, in which
// case the root itself is reported as changed.
func (w *watcher) attach(dir string) []string {
	var changed []string

	for _, root := range w.roots {
		switch {
		case dir == root:
			if _, err := w.watchRoot(root); err != nil {
				w.logger.Warn("watching new directory", slog.String("dir", dir), slog.Any("error", err))
			}
		case within(dir, root) || within(dir, w.resolved[root]):
			if err := addRecursive(w.fw, dir); err != nil {
				w.logger.Warn("watching new directory", slog.String("dir", dir), slog.Any("error", err))
			}
		case within(root, dir):
			attached, err := w.watchRoot(root)
			if err != nil {
				w.logger.Warn("watching new directory", slog.String("dir", dir), slog.Any("error", err))
				continue
			}

			if attached {
				w.logger.Info("tracked directory appeared", slog.String("dir", root))
				changed = append(changed, root)
			}
		}
	}

	return changed
}

// watchRoot watches root recursively when it exists and reports true.
// A symlinked root is watched at its target, so events carry the resolved
// path. Otherwise it watches the nearest existing ancestor and reports
// false.
func (w *watcher) watchRoot(root string) (bool, error) {
	info, err := os.Stat(root)
	if err == nil && info.IsDir() {
		target, err := filepath.EvalSymlinks(root)
		if err != nil {
			return false, fmt.Errorf("resolving %s: %w", root, err)
		}

		w.resolved[root] = target

		return true, addRecursive(w.fw, target)
	}

	delete(w.resolved, root)

	ancestor := nearestExisting(filepath.Dir(root))
	if ancestor == "" {
		return false, errors.New("no existing ancestor")
	}

	w.logger.Debug("watching ancestor of missing directory",
		slog.String("dir", root),
		slog.String("ancestor", ancestor),
	)

	return false, w.fw.Add(ancestor)
}

func nearestExisting(dir string) string {
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}

		dir = parent
	}
}

// within reports whether path is dir or lies beneath it.
func within(path, dir string) bool {
	if path == dir {
		return true
	}

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func cleanRoots(roots []string) []string {
	out := make([]string, 0, len(roots))

	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			out = append(out, abs)
		}
	}

	return out
}

// addRecursive walks root and adds all directories to the watcher.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			// Skip hidden directories (e.g., .git).
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}

			return watcher.Add(path)
		}

		return nil
	})
}

// isRelevant filters out events that cannot change a built gem.
func isRelevant(event fsnotify.Event) bool {
	if event.Op == 0 {
		return false
	}

	// Only care about write, create, remove, rename.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Base(event.Name)

	// Ignore editor temporary files and hidden files.
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") || strings.HasPrefix(name, "#") {
		return false
	}

	return true
}
