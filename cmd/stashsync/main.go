// stashsync keeps a local Gemstash registry in sync with gem source
// directories.
package main

import (
	"os"

	"github.com/hupe1980/stashsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
