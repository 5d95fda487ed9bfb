package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/stashsync/internal/config"
	"github.com/hupe1980/stashsync/internal/gembuild"
	"github.com/hupe1980/stashsync/internal/gemspec"
	"github.com/hupe1980/stashsync/internal/logging"
	"github.com/hupe1980/stashsync/internal/orchestrator"
	"github.com/hupe1980/stashsync/internal/process"
	"github.com/hupe1980/stashsync/internal/registry"
	"github.com/hupe1980/stashsync/internal/server"
	"github.com/hupe1980/stashsync/internal/tracked"
	"github.com/hupe1980/stashsync/internal/watch"
)

const serveUsage = `Usage:
  stashsync serve --gems-dir /gems --work-dir /var/gemstash <gem1/path> [gem2/path...]

The gems directory is usually a volume mount. Gem paths are relative to it,
and every path must contain a gemspec. Gemstash listens on --port and serves
the gems from http://localhost:<port>/private.`

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <gem-path>...",
		Short: "Run Gemstash and republish gems whenever their sources change",
		Long: `Serve starts a Gemstash server from clean storage and publishes every
tracked gem. It then watches the gem directories and rebuilds and
republishes the gems affected by each debounced batch of changes.

If a changed gem's version is already published, the server is restarted
with empty storage and a fresh publish credential before anything is
pushed. The registry therefore always reflects the current sources.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd, args)
		},
	}

	registerWatchFlags(cmd)
	registerServerFlags(cmd)
	registerRegistryFlags(cmd)

	return cmd
}

// startupError prints the usage text and returns a startup failure.
func startupError(cmd *cobra.Command, err error) error {
	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), serveUsage)

	return &ExitError{Code: 1, Err: err}
}

func runServe(ctx context.Context, cmd *cobra.Command, args []string) error {
	cfg := config.FromContext(ctx)
	logger := logging.FromContext(ctx)

	if cfg.GemsDir == "" {
		return &ExitError{Code: 2, Err: errors.New("--gems-dir is required")}
	}

	if cfg.WorkDir == "" {
		return &ExitError{Code: 2, Err: errors.New("--work-dir is required")}
	}

	if err := tracked.CheckMount(cfg.GemsDir, cfg.EmptinessMarker); err != nil {
		return startupError(cmd, err)
	}

	pkgs, err := tracked.Resolve(cfg.GemsDir, args, logger)
	if err != nil {
		return startupError(cmd, err)
	}

	sink := logging.SinkFromContext(ctx)
	runner := process.NewExec(sink)

	sup, err := server.New(server.Options{
		Runner:       runner,
		Command:      strings.Fields(cfg.GemstashCommand),
		Addr:         cfg.ServerAddress(),
		WorkDir:      cfg.WorkDir,
		AppDir:       cfg.AppDir,
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.ReadyTimeout,
		Sink:         sink,
		Logger:       logger,
	})
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	if _, err := sup.EnsureConfig(); err != nil {
		return err
	}

	client := registry.NewClient(registry.Options{
		Addr:       cfg.ServerAddress(),
		Runner:     runner,
		GemCommand: cfg.GemCommand,
		Sink:       sink,
		Logger:     logger,
	})

	orch, err := orchestrator.New(orchestrator.Options{
		Packages:   pkgs,
		Inspector:  gemspec.NewInspector(runner, cfg.RubyCommand, logger),
		Registry:   client,
		Builder:    gembuild.NewBuilder(runner, cfg.GemCommand, cfg.BuildDir, logger),
		Supervisor: sup,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gemstash", slog.String("source", client.URL()))

	if err := sup.Start(ctx); err != nil {
		stopErr := sup.Stop(context.Background())
		if ctx.Err() != nil {
			return stopErr
		}

		if process.IsNotFound(err) {
			return startupError(cmd, errors.Join(
				fmt.Errorf("gemstash command %q not found on PATH: %w", cfg.GemstashCommand, err), stopErr))
		}

		return errors.Join(fmt.Errorf("starting gemstash: %w", err), stopErr)
	}

	batches := make(chan watch.Batch)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watch.Run(gctx, watch.Options{
			Roots:    tracked.Dirs(pkgs),
			Interval: cfg.Interval,
			Logger:   logger,
		}, batches)
	})

	g.Go(func() error {
		return orch.Run(gctx, batches)
	})

	runErr := g.Wait()

	logger.Info("shutting down gemstash")

	return errors.Join(runErr, sup.Stop(context.Background()))
}
