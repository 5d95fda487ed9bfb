package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/stashsync/internal/config"
	"github.com/hupe1980/stashsync/internal/logging"
	"github.com/hupe1980/stashsync/internal/process"
	"github.com/hupe1980/stashsync/internal/registry"
)

func newVersionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <gem-name>",
		Short: "List the versions of a gem published to the running server",
		Long: `Versions queries the private Gemstash source for every published
version of a gem, newest first. It fails when the server is not running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.FromContext(ctx)

			client := registry.NewClient(registry.Options{
				Addr:       cfg.ServerAddress(),
				Runner:     process.NewExec(logging.SinkFromContext(ctx)),
				GemCommand: cfg.GemCommand,
				Sink:       logging.SinkFromContext(ctx),
				Logger:     logging.FromContext(ctx),
			})

			versions, err := client.VersionsOf(ctx, args[0])
			if err != nil {
				return err
			}

			if versions.Empty() {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: not published\n", args[0])
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", args[0], strings.Join(versions.List(), ", "))

			return err
		},
	}

	registerRegistryFlags(cmd)

	return cmd
}
