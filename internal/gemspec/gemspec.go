// Package gemspec reads the name and version a gem directory declares.
//
// Gemspecs are evaluated by a separate ruby process on every call. Loading a
// specification into a long-lived interpreter freezes the returned object
// for the life of that interpreter, so later reads after the file changed
// would return stale data. A fresh process per read avoids that.
package gemspec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/stashsync/internal/logging"
	"github.com/hupe1980/stashsync/internal/process"
)

var (
	// ErrDescriptorMissing is returned when a directory has no *.gemspec.
	ErrDescriptorMissing = errors.New("no gemspec found")

	// ErrDescriptorInvalid is returned when a gemspec fails to load.
	ErrDescriptorInvalid = errors.New("invalid gemspec")
)

// loadScript prints the gemspec's name and version on two lines.
const loadScript = `spec = Gem::Specification.load(ARGV[0]) or abort("could not load #{ARGV[0]}")
puts spec.name
puts spec.version`

// Descriptor is what a gemspec declares.
type Descriptor struct {
	// Name is the gem name.
	Name string

	// Version is the gem version string as RubyGems renders it.
	Version string

	// Path is the absolute path of the gemspec file.
	Path string
}

func (d Descriptor) String() string {
	return d.Name + "-" + d.Version
}

// Dir returns the gem directory the descriptor lives in.
func (d Descriptor) Dir() string {
	return filepath.Dir(d.Path)
}

// Inspector describes gem directories.
type Inspector struct {
	runner process.Runner
	ruby   string
	logger *slog.Logger
}

// NewInspector returns an Inspector that evaluates gemspecs with the given
// ruby executable.
func NewInspector(runner process.Runner, ruby string, logger *slog.Logger) *Inspector {
	if ruby == "" {
		ruby = "ruby"
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Inspector{runner: runner, ruby: ruby, logger: logger}
}

// Find returns the first *.gemspec in dir, in lexical order.
func Find(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.gemspec"))
	if err != nil {
		return "", fmt.Errorf("globbing %s: %w", dir, err)
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrDescriptorMissing, dir)
	}

	sort.Strings(matches)

	return matches[0], nil
}

// Describe loads the gemspec in dir out of process.
func (i *Inspector) Describe(ctx context.Context, dir string) (Descriptor, error) {
	path, err := Find(dir)
	if err != nil {
		return Descriptor{}, err
	}

	i.logger.Debug("found gemspec", slog.String("path", path))

	out, err := i.runner.Output(ctx, process.Command{
		Name: i.ruby,
		Args: []string{"-e", loadScript, path},
		Dir:  dir,
		Role: logging.RoleInspect,
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w %s: %w", ErrDescriptorInvalid, path, err)
	}

	desc, err := parse(out)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w %s: %w", ErrDescriptorInvalid, path, err)
	}

	desc.Path = path

	i.logger.Info("gemspec describes",
		slog.String("name", desc.Name),
		slog.String("version", desc.Version),
	)

	return desc, nil
}

// parse reads the last two non-empty lines of the load script output, so
// that anything the gemspec itself prints to stdout is ignored.
func parse(out string) (Descriptor, error) {
	var lines []string

	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	if len(lines) < 2 {
		return Descriptor{}, fmt.Errorf("expected name and version, got %q", strings.TrimSpace(out))
	}

	return Descriptor{
		Name:    lines[len(lines)-2],
		Version: lines[len(lines)-1],
	}, nil
}
