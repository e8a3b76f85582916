package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/advflow/internal/behavior"
	"github.com/pitabwire/advflow/internal/definition"
	"github.com/pitabwire/advflow/model"
)

// NewValidateCmd builds the validate subcommand.
func NewValidateCmd() *cobra.Command {
	var strict bool
	newCmd := &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "-> Check templates for structural and behavior errors.",
		Long: `Validate parses each template, resolves its step references and checks
every step's behavior and parameters. Warnings such as unreachable steps
are printed but only fail the run with --strict.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := loadTemplates(args)
			if err != nil {
				return err
			}
			return validateAll(cmd.OutOrStdout(), templates, strict)
		},
	}
	newCmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return newCmd
}

// loadTemplates reads files and walks directories.
func loadTemplates(paths []string) ([]definition.LoadedTemplate, error) {
	loader := definition.NewLoader()
	var out []definition.LoadedTemplate
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			all, err := loader.LoadAll([]string{p})
			if err != nil {
				return nil, err
			}
			out = append(out, all...)
			continue
		}
		lt, err := loader.LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, nil
}

func validateAll(w io.Writer, templates []definition.LoadedTemplate, strict bool) error {
	validator := definition.NewValidator(behavior.NewDefaultRegistry())
	failed := 0
	for _, lt := range templates {
		report, err := check(validator, lt.Template)
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", lt.SourceFile, err)
			continue
		}
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  error   %s: %s (%s)\n", e.Path, e.Message, e.Code)
		}
		for _, e := range report.Warnings {
			fmt.Fprintf(w, "  warning %s: %s (%s)\n", e.Path, e.Message, e.Code)
		}
		if !report.Valid() || (strict && len(report.Warnings) > 0) {
			failed++
			fmt.Fprintf(w, "FAIL %s\n", lt.SourceFile)
			continue
		}
		fmt.Fprintf(w, "ok   %s (%s)\n", lt.SourceFile, lt.Template.Title)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d templates failed validation", failed, len(templates))
	}
	return nil
}

// check materializes tpl and validates the result. Unresolved step
// references come back as a report rather than an error.
func check(v *definition.Validator, tpl model.Template) (definition.Report, error) {
	def, err := definition.Materialize(tpl)
	if err == nil {
		return v.Validate(def), nil
	}
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrValidationError {
		return definition.Report{}, err
	}
	var r definition.Report
	for _, d := range env.Details {
		r.Errors = append(r.Errors, definition.VError{Path: d.Field, Code: d.Code, Message: d.Message})
	}
	return r, nil
}
