// Package cmd holds the advflowctl command tree.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pitabwire/advflow/internal/observability"
)

// NewRootCmd builds the advflowctl root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advflowctl",
		Short: "Validate and render advflow workflow templates.",
		Long: `
advflowctl works on workflow definition templates without a running server.
It validates them against the built-in behaviors and renders them in the
canonical form the server exports.
`,
		Example: `
	# Validate every template under a directory
	advflowctl validate ./templates

	# Print the canonical YAML of one template
	advflowctl render ./templates/review.yaml

	# List the behaviors a step may use, with their parameter schemas
	advflowctl behaviors
`,
		Version:       observability.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewRenderCmd())
	cmd.AddCommand(NewBehaviorsCmd())

	return cmd
}
