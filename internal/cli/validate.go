package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/reflex/internal/authoring"
	"github.com/roach88/reflex/internal/errs"
)

// ValidationReport summarizes a lint pass over a rules directory.
type ValidationReport struct {
	Dir     string   `json:"dir"`
	Valid   bool     `json:"valid"`
	Groups  int      `json:"groups"`
	Rules   int      `json:"rules"`
	RuleIDs []string `json:"ruleIds,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Lint rule files without running them",
		Long: `Parse and validate every rule file (.yaml, .yml, .cue) in a directory.

Validation covers file syntax, the rule schema, trigger and action
shapes, condition operators, pattern syntax, duration strings and
duplicate ids across files. Nothing executes.

Example:
  reflex validate ./rules
  reflex validate ./rules --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	formatter.VerboseLog("Validating rules in %s", dir)

	set, err := authoring.LoadDir(dir)
	if err != nil {
		switch {
		case opts.Format == "json":
			_ = formatter.Error(errorCode(err), err.Error(), nil)
		case errs.IsValidation(err):
			fmt.Fprintln(cmd.OutOrStdout(), "✗ Validation failed:")
			fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", err)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %v\n", err)
		}
		if errs.IsValidation(err) {
			return WrapExitError(ExitFailure, "validation failed", err)
		}
		return WrapExitError(ExitCommandError, "load rules", err)
	}

	for _, id := range set.RuleIDs() {
		formatter.VerboseLog("  rule %s ok", id)
	}

	report := ValidationReport{
		Dir:     dir,
		Valid:   true,
		Groups:  len(set.Groups),
		Rules:   len(set.Rules),
		RuleIDs: set.RuleIDs(),
	}
	if opts.Format == "json" {
		return formatter.Success(report)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ All rules valid (%d rules, %d groups)\n", report.Rules, report.Groups)
	return nil
}
