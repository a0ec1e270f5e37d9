package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reflex/internal/authoring"
	"github.com/roach88/reflex/internal/engine"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Rules string
	Facts []string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <goal>",
		Short: "Prove whether rules can achieve a goal",
		Long: `Run a backward-chaining query against a rules directory.

The goal is a fact or an event:

  fact:order:123:paid            the fact exists
  fact:cart:42:total>=100        the fact satisfies a comparison
  event:alert.fraud              some rule chain can emit the topic

Fact-backed premises ground in seeded facts, passed as --fact key=value
(the value parses as JSON, falling back to a bare string):

  reflex query --rules ./rules --fact user:7:tier=gold event:alert.vip

The walk is read-only: nothing executes and no state changes. Exit code
1 means the goal is not achievable.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rules, "rules", "", "path to the rules directory (required)")
	cmd.Flags().StringArrayVar(&opts.Facts, "fact", nil, "seed fact as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("rules")

	return cmd
}

func runQuery(opts *QueryOptions, goalText string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	goal, err := rule.ParseGoal(goalText)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "parse goal", err)
	}

	set, err := authoring.LoadDir(opts.Rules)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "load rules", err)
	}
	formatter.VerboseLog("Loaded %d rules, %d groups from %s", len(set.Rules), len(set.Groups), opts.Rules)

	// The prover only reads the rule index and the fact store, so the
	// engine never starts: no dispatch loop, no timers, no side effects.
	eng := engine.New(engine.WithLogger(queryLogger(opts.Verbose)))
	if _, err := authoring.Apply(eng, set); err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "apply rules", err)
	}

	for _, seed := range opts.Facts {
		key, v, err := parseFactArg(seed)
		if err != nil {
			_ = formatter.Error(errorCode(err), err.Error(), nil)
			return WrapExitError(ExitCommandError, "seed fact", err)
		}
		if _, err := eng.SetFact(key, v); err != nil {
			_ = formatter.Error(errorCode(err), err.Error(), nil)
			return WrapExitError(ExitCommandError, "seed fact", err)
		}
		formatter.VerboseLog("Seeded fact %s", key)
	}

	res, err := eng.Query(goal)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "query", err)
	}

	if opts.Format == "json" {
		if err := formatter.Success(res); err != nil {
			return err
		}
	} else {
		writeQueryResult(cmd.OutOrStdout(), res)
	}

	if !res.Achievable {
		return NewExitError(ExitFailure, fmt.Sprintf("goal %s is not achievable", res.Goal))
	}
	return nil
}

// parseFactArg splits a --fact argument into key and value, parsing the
// value as JSON with a bare-string fallback to mirror the goal syntax.
func parseFactArg(s string) (string, value.Value, error) {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", nil, errs.Validationf("fact %q must be key=value", s)
	}
	v, err := value.FromJSON([]byte(raw))
	if err != nil {
		v = value.String(raw)
	}
	return key, v, nil
}

// queryLogger keeps rule registration quiet unless verbose is on.
func queryLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func writeQueryResult(w io.Writer, res engine.QueryResult) {
	if res.Achievable {
		fmt.Fprintf(w, "✓ %s is achievable\n", res.Goal)
	} else {
		fmt.Fprintf(w, "✗ %s is not achievable\n", res.Goal)
	}
	if res.MaxDepthReached {
		fmt.Fprintln(w, "  (proof search hit the depth limit)")
	}
	writeProof(w, res.Proof, 1)
}

// writeProof renders one proof node per line, premises indented under
// their parent.
func writeProof(w io.Writer, p *engine.Proof, depth int) {
	if p == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	switch p.Kind {
	case engine.ProofFactExists:
		fmt.Fprintf(w, "%s✓ %s (in fact store)\n", indent, p.Goal)
	case engine.ProofRule:
		fmt.Fprintf(w, "%s✓ %s (rule %s, trigger %s)\n", indent, p.Goal, p.RuleID, p.Trigger)
	case engine.ProofUnachievable:
		if p.RuleID != "" {
			fmt.Fprintf(w, "%s✗ %s (rule %s: %s)\n", indent, p.Goal, p.RuleID, p.Reason)
		} else {
			fmt.Fprintf(w, "%s✗ %s (%s)\n", indent, p.Goal, p.Reason)
		}
	}
	for _, premise := range p.Premises {
		writeProof(w, premise, depth+1)
	}
}
