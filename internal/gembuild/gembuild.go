// Package gembuild builds a gem artifact from its gemspec.
package gembuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hupe1980/stashsync/internal/gemspec"
	"github.com/hupe1980/stashsync/internal/logging"
	"github.com/hupe1980/stashsync/internal/process"
)

// ArtifactName is the file name every build writes to, reused across builds.
const ArtifactName = "tmp.gem"

var (
	// ErrCleanupFailed is returned when the previous artifact could not be
	// removed. Building on top of it risks pushing a stale gem.
	ErrCleanupFailed = errors.New("failed to delete old artifact")

	// ErrBuildFailed is returned when gem build did not produce an artifact.
	ErrBuildFailed = errors.New("gem build failed")
)

// Builder runs gem build.
type Builder struct {
	runner   process.Runner
	gem      string
	buildDir string
	logger   *slog.Logger
}

// NewBuilder returns a Builder writing artifacts into buildDir.
func NewBuilder(runner process.Runner, gem, buildDir string, logger *slog.Logger) *Builder {
	if gem == "" {
		gem = "gem"
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{runner: runner, gem: gem, buildDir: buildDir, logger: logger}
}

// Artifact returns the path the next build writes to.
func (b *Builder) Artifact() string {
	return filepath.Join(b.buildDir, ArtifactName)
}

// Build removes the previous artifact and builds desc into a fresh one.
// The exit status of gem build is logged but not trusted: success means the
// artifact file exists afterwards.
func (b *Builder) Build(ctx context.Context, desc gemspec.Descriptor) (string, error) {
	artifact := b.Artifact()

	if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Debug("removing old artifact", slog.String("path", artifact), slog.Any("error", err))
	}

	if exists(artifact) {
		return "", fmt.Errorf("%w: %s", ErrCleanupFailed, artifact)
	}

	err := b.runner.Run(ctx, process.Command{
		Name: b.gem,
		Args: []string{"build", "-o", artifact, desc.Path},
		Dir:  desc.Dir(),
		Role: logging.RoleBuild,
	})
	if err != nil {
		b.logger.Warn("gem build reported an error", slog.String("gem", desc.String()), slog.Any("error", err))
	}

	if !exists(artifact) {
		return "", fmt.Errorf("%w for %s", ErrBuildFailed, desc.Path)
	}

	return artifact, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
