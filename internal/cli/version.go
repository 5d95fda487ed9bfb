package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/stashsync/internal/version"
)

type versionOptions struct {
	json  bool
	short bool
}

func newVersionCommand() *cobra.Command {
	opts := &versionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Display the stashsync version, git commit, build date, Go version and
platform. --short prints only the version, as sent in the User-Agent of
every gem push.`,
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.json, "json", false, "output version info as JSON")
	f.BoolVar(&opts.short, "short", false, "print only the version")
	cmd.MarkFlagsMutuallyExclusive("json", "short")

	return cmd
}

func runVersion(cmd *cobra.Command, opts *versionOptions) error {
	info := version.GetInfo()

	var text string

	switch {
	case opts.short:
		text = info.Version
	case opts.json:
		j, err := info.JSON()
		if err != nil {
			return err
		}

		text = j
	default:
		text = info.String() + "\nuser agent: " + version.UserAgent()
	}

	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)

	return err
}
