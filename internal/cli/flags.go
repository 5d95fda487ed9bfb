package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/stashsync/internal/config"
)

// registerRegistryFlags adds the flags needed to reach the registry server.
func registerRegistryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("port", config.DefaultPort, "port the gemstash server listens on")
	f.String("gem-command", config.DefaultGemCommand, "RubyGems executable used to build and list gems")
}

// registerServerFlags adds the flags that control the gemstash process.
func registerServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("work-dir", "", "gemstash storage directory, wiped on every launch (required)")
	f.String("app-dir", ".", "directory holding config.yml and the gemstash Gemfile")
	f.String("gemstash-command", config.DefaultGemstashCommand, "command used to invoke gemstash")
	f.Duration("poll-interval", config.DefaultPollInterval, "spacing between port checks")
	f.Duration("ready-timeout", 0, "bound on each wait for the server port (0 waits forever)")
}

// registerWatchFlags adds the flags that control change detection and builds.
func registerWatchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("gems-dir", "", "base directory the gem paths are relative to (required)")
	f.String("emptiness-marker", "", "file whose sole presence marks the gems dir as unmounted")
	f.String("build-dir", os.TempDir(), "directory receiving the temporary gem artifact")
	f.String("ruby-command", config.DefaultRubyCommand, "ruby interpreter used to read gemspecs")
	f.Duration("interval", config.DefaultInterval, "debounce window for file changes")
}
