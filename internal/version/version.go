// Package version reports build metadata for the stashsync binary.
// Values are injected at link time via -ldflags; a binary installed with
// go install falls back to the module version recorded by the toolchain.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time values injected via -ldflags.
var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

// Info holds the build metadata for the binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// GetInfo returns the current build information.
func GetInfo() Info {
	return Info{
		Version:   resolveVersion(version, debug.ReadBuildInfo),
		GitCommit: shortCommit(gitCommit),
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns a human-readable single-line version string.
func (i Info) String() string {
	return fmt.Sprintf("stashsync %s (commit: %s, built: %s, %s %s)",
		i.Version, i.GitCommit, i.BuildDate, i.GoVersion, i.Platform)
}

// JSON returns the version info as indented JSON.
func (i Info) JSON() (string, error) {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling version info: %w", err)
	}

	return string(data), nil
}

// UserAgent is sent with every request to the registry server.
func UserAgent() string {
	return "stashsync/" + GetInfo().Version
}

// resolveVersion prefers the linker-injected version and falls back to the
// main module version when the binary was built by go install.
func resolveVersion(injected string, read func() (*debug.BuildInfo, bool)) string {
	if injected != "dev" {
		return injected
	}

	info, ok := read()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return injected
	}

	return info.Main.Version
}

// shortCommit truncates a commit SHA to 7 characters.
func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}

	return commit
}
