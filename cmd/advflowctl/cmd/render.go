package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/advflow/internal/behavior"
	"github.com/pitabwire/advflow/internal/definition"
)

// NewRenderCmd builds the render subcommand.
func NewRenderCmd() *cobra.Command {
	var format string
	newCmd := &cobra.Command{
		Use:   "render <file>",
		Short: "-> Print a template in canonical form.",
		Long: `Render materializes a template into a definition graph and exports it
again, which orders steps and transitions and drops unknown keys.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lt, err := definition.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			def, err := definition.Materialize(lt.Template)
			if err != nil {
				return err
			}
			tpl := definition.Export(def)

			var out []byte
			switch format {
			case "yaml":
				out, err = definition.RenderTemplate(tpl)
			case "json":
				out, err = json.MarshalIndent(tpl, "", "  ")
				out = append(out, '\n')
			default:
				return fmt.Errorf("unknown format %q (want yaml or json)", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	newCmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml or json")
	return newCmd
}

// NewBehaviorsCmd builds the behaviors subcommand.
func NewBehaviorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "behaviors",
		Short: "-> List built-in behaviors and their parameter schemas.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(behavior.NewDefaultRegistry().Describe())
		},
	}
}
