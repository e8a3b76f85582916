// Command advflowctl checks and normalizes workflow definition templates
// offline.
package main

import (
	"os"

	"github.com/pitabwire/advflow/cmd/advflowctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
