// Package orchestrator runs the control loop that keeps the registry in
// sync with the tracked gem directories. For every batch it classifies the
// changes, checks which versions the registry already lists, restarts the
// registry at most once when a listed version must be republished, and then
// builds and publishes every affected gem in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/stashsync/internal/gemspec"
	"github.com/hupe1980/stashsync/internal/registry"
	"github.com/hupe1980/stashsync/internal/tracked"
	"github.com/hupe1980/stashsync/internal/watch"
)

// Inspector reads a gem directory's descriptor.
type Inspector interface {
	Describe(ctx context.Context, dir string) (gemspec.Descriptor, error)
}

// Registry lists and publishes gem versions.
type Registry interface {
	VersionsOf(ctx context.Context, name string) (registry.Versions, error)
	Publish(ctx context.Context, artifact, credential, name, version string) error
}

// Builder turns a descriptor into a gem artifact.
type Builder interface {
	Build(ctx context.Context, desc gemspec.Descriptor) (string, error)
}

// Supervisor owns the registry server session.
type Supervisor interface {
	Restart(ctx context.Context) error
	Credential() string
}

// Options configures an Orchestrator.
type Options struct {
	Packages   []tracked.Package
	Inspector  Inspector
	Registry   Registry
	Builder    Builder
	Supervisor Supervisor
	Logger     *slog.Logger
}

// Failure records why a package was not published in a cycle.
type Failure struct {
	Package tracked.Package
	Err     error
}

// Report summarises one processed batch.
type Report struct {
	// Affected are the packages the batch touched, ordered by path.
	Affected []tracked.Package

	// Published are the gems pushed successfully, in push order.
	Published []gemspec.Descriptor

	// Failed are the packages skipped or failed this cycle.
	Failed []Failure

	// Restarted is true when the registry was reset before publishing.
	Restarted bool
}

// Orchestrator is the control loop. It is driven from a single goroutine.
type Orchestrator struct {
	opts Options
}

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Inspector == nil:
		return nil, errors.New("orchestrator: inspector is required")
	case opts.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case opts.Builder == nil:
		return nil, errors.New("orchestrator: builder is required")
	case opts.Supervisor == nil:
		return nil, errors.New("orchestrator: supervisor is required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{opts: opts}, nil
}

// Run processes batches in order until ctx is done or batches is closed.
// It returns an error only when the registry could not be restarted.
func (o *Orchestrator) Run(ctx context.Context, batches <-chan watch.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-batches:
			if !ok {
				return nil
			}

			if _, err := o.HandleBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
}

// candidate is an affected package whose descriptor could be read.
type candidate struct {
	pkg    tracked.Package
	desc   gemspec.Descriptor
	listed bool
}

// HandleBatch processes a single batch. Per-package failures are recorded in
// the report and never returned; the error is non-nil only when a required
// restart failed.
func (o *Orchestrator) HandleBatch(ctx context.Context, batch watch.Batch) (Report, error) {
	logger := o.opts.Logger

	current := tracked.Existing(o.opts.Packages)

	var report Report
	if batch.Initial {
		report.Affected = current
	} else {
		report.Affected = tracked.Affected(batch.Paths, current)
	}

	if len(report.Affected) == 0 {
		logger.Debug("no tracked gem affected", slog.Int("paths", len(batch.Paths)))
		return report, nil
	}

	logger.Info("processing changes",
		slog.Bool("initial", batch.Initial),
		slog.Any("gems", report.Affected),
	)

	candidates := o.check(ctx, report.Affected, &report)

	if needsRestart(candidates) {
		logger.Info("already-published version changed, resetting registry")

		if err := o.opts.Supervisor.Restart(ctx); err != nil {
			if ctx.Err() != nil {
				return report, nil
			}

			return report, fmt.Errorf("restarting registry: %w", err)
		}

		report.Restarted = true
	}

	credential := o.opts.Supervisor.Credential()

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}

		if err := o.publish(ctx, c.desc, credential); err != nil {
			o.fail(&report, c.pkg, err)
			continue
		}

		report.Published = append(report.Published, c.desc)
	}

	logger.Info("cycle complete",
		slog.Int("published", len(report.Published)),
		slog.Int("failed", len(report.Failed)),
		slog.Bool("restarted", report.Restarted),
	)

	return report, nil
}

// check describes every affected package and looks its version up in the
// registry. Listings are queried fresh every cycle.
func (o *Orchestrator) check(ctx context.Context, pkgs []tracked.Package, report *Report) []candidate {
	candidates := make([]candidate, 0, len(pkgs))

	for _, pkg := range pkgs {
		desc, err := o.opts.Inspector.Describe(ctx, pkg.Path)
		if err != nil {
			o.fail(report, pkg, fmt.Errorf("describing gem: %w", err))
			continue
		}

		versions, err := o.opts.Registry.VersionsOf(ctx, desc.Name)
		if err != nil {
			o.fail(report, pkg, fmt.Errorf("listing %s: %w", desc.Name, err))
			continue
		}

		listed := versions.Has(desc.Version)

		o.opts.Logger.Info("checked registry",
			slog.String("gem", desc.String()),
			slog.Bool("listed", listed),
			slog.Int("published_versions", versions.Len()),
			slog.String("versions", versions.String()),
		)

		candidates = append(candidates, candidate{pkg: pkg, desc: desc, listed: listed})
	}

	return candidates
}

func (o *Orchestrator) publish(ctx context.Context, desc gemspec.Descriptor, credential string) error {
	artifact, err := o.opts.Builder.Build(ctx, desc)
	if err != nil {
		return fmt.Errorf("building %s: %w", desc, err)
	}

	err = o.opts.Registry.Publish(ctx, artifact, credential, desc.Name, desc.Version)
	if errors.Is(err, registry.ErrUnconfirmed) {
		// Listings may lag behind a push; the push itself succeeded.
		o.opts.Logger.Warn("published version not listed yet", slog.String("gem", desc.String()))
		return nil
	}

	if err != nil {
		return fmt.Errorf("publishing %s: %w", desc, err)
	}

	return nil
}

func (o *Orchestrator) fail(report *Report, pkg tracked.Package, err error) {
	report.Failed = append(report.Failed, Failure{Package: pkg, Err: err})

	if errors.Is(err, registry.ErrServerNotReady) {
		o.opts.Logger.Error("registry unreachable while publishing; this is a sequencing bug",
			slog.String("dir", pkg.Path),
			slog.Any("error", err),
		)

		return
	}

	o.opts.Logger.Error("skipping gem this cycle",
		slog.String("dir", pkg.Path),
		slog.Any("error", err),
	)
}

func needsRestart(candidates []candidate) bool {
	for _, c := range candidates {
		if c.listed {
			return true
		}
	}

	return false
}
