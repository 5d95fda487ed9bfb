// Package cli implements the cobra command tree for stashsync.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/stashsync/internal/config"
	"github.com/hupe1980/stashsync/internal/logging"
)

// ExitError wraps an error with a specific process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}

	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute builds the command tree, runs it, and returns the exit code.
func Execute() int {
	cmd := NewRootCommand()

	if err := cmd.Execute(); err != nil {
		printError(cmd.ErrOrStderr(), err)

		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}

		return 1
	}

	return 0
}

// printError writes err under an ERROR banner.
func printError(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "\n%s\n\n%s\n", color.New(color.FgRed, color.Bold).Sprint("ERROR"), err)
}

// NewRootCommand constructs the top-level cobra.Command with all
// subcommands attached.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "stashsync",
		Short: "Keep a local Gemstash registry in sync with gem source directories",
		Long: `stashsync watches a set of local gem directories and keeps a locally
running Gemstash server in sync with them.

Whenever a tracked directory changes, the gem is rebuilt and pushed to the
private Gemstash source. When a changed gem's version is already published,
the server is reset to a clean state first, since Gemstash never accepts
the same version twice.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd, cfgFile)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			if cfg.NoColor {
				color.NoColor = true
			}

			out := logging.Setup(cfg, cmd.ErrOrStderr())

			ctx := cmd.Context()
			ctx = config.NewContext(ctx, cfg)
			ctx = logging.NewContext(ctx, out)
			cmd.SetContext(ctx)

			out.Logger.Debug("configuration loaded",
				slog.String("logLevel", cfg.LogLevel),
				slog.String("logFormat", cfg.LogFormat),
				slog.String("configFile", cfg.ConfigFile),
			)

			return nil
		},
	}

	// Global persistent flags.
	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: .stashsync.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text, json")
	pf.Bool("no-color", false, "disable colored output")
	pf.BoolP("quiet", "q", false, "suppress non-essential output")

	// Flag parsing errors return exit code 2.
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: 2, Err: err}
	})

	cmd.AddCommand(
		newServeCommand(),
		newVersionsCommand(),
		newVersionCommand(),
		newCompletionCommand(),
	)

	return cmd
}
