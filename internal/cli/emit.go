package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reflex/internal/authoring"
	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/engine"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/facts"
	"github.com/roach88/reflex/internal/value"
)

// EmitOptions holds flags for the emit command.
type EmitOptions struct {
	*RootOptions
	Rules string
	Data  string
	Facts []string
	Trace bool
}

// EmitEvent is one event observed during a sandbox emit.
type EmitEvent struct {
	Topic  string    `json:"topic"`
	Source string    `json:"source,omitempty"`
	Data   value.Map `json:"data,omitempty"`
}

// EmitReport is the outcome of a sandbox emit: every non-internal event
// the trigger produced and the facts left in the store afterwards.
type EmitReport struct {
	Topic  string              `json:"topic"`
	Events []EmitEvent         `json:"events"`
	Facts  []facts.Fact        `json:"facts,omitempty"`
	Trace  []engine.TraceEntry `json:"trace,omitempty"`
}

// NewEmitCommand creates the emit command.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "emit <topic>",
		Short: "Emit one event into a sandbox engine",
		Long: `Emit an event and report everything it triggers.

Reflex runs in-process and has no remote API, so emit cannot reach an
engine started by a separate "reflex run". Instead it builds a sandbox:
load the rules directory, seed any --fact values, emit the event, wait
for the cascade to finish, then print the events and facts it produced.
Useful for trying a rule set without writing a scenario file.

Example:
  reflex emit order.created --rules ./rules --data '{"orderId":"A-1","total":1500}'
  reflex emit user.login --rules ./rules --fact user:7:blocked=true --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rules, "rules", "", "path to the rules directory (required)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "event data as a JSON object")
	cmd.Flags().StringArrayVar(&opts.Facts, "fact", nil, "seed fact as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the dispatch trace in the report")
	_ = cmd.MarkFlagRequired("rules")

	return cmd
}

func runEmit(opts *EmitOptions, topic string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	fail := func(code int, msg string, err error) error {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(code, msg, err)
	}

	var data value.Map
	if opts.Data != "" {
		v, err := value.FromJSON([]byte(opts.Data))
		if err != nil {
			return fail(ExitCommandError, "parse data", errs.Wrapf(errs.KindValidation, err, "data"))
		}
		m, ok := v.(value.Map)
		if !ok {
			return fail(ExitCommandError, "parse data", errs.Validationf("data must be a JSON object"))
		}
		data = m
	}

	set, err := authoring.LoadDir(opts.Rules)
	if err != nil {
		return fail(ExitCommandError, "load rules", err)
	}

	logger := queryLogger(opts.Verbose)
	eng := engine.New(engine.WithLogger(logger))
	if _, err := authoring.Apply(eng, set); err != nil {
		return fail(ExitFailure, "apply rules", err)
	}
	formatter.VerboseLog("Loaded %d rules, %d groups from %s", len(set.Rules), len(set.Groups), opts.Rules)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := eng.Start(ctx); err != nil {
		return fail(ExitFailure, "start engine", err)
	}
	defer stopEngine(eng, logger)

	// Seeds are setup, not the observed act: flush their triggers before
	// the capture subscription so the report holds only the emit cascade.
	for _, seed := range opts.Facts {
		key, v, err := parseFactArg(seed)
		if err != nil {
			return fail(ExitCommandError, "seed fact", err)
		}
		if _, err := eng.SetFact(key, v); err != nil {
			return fail(ExitCommandError, "seed fact", err)
		}
	}
	settleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if len(opts.Facts) > 0 {
		if err := eng.Drain(settleCtx); err != nil {
			return fail(ExitFailure, "seed facts", err)
		}
	}

	if opts.Trace {
		if err := eng.EnableTracing(); err != nil {
			return fail(ExitFailure, "enable tracing", err)
		}
	}

	internal := map[string]bool{}
	for _, t := range engine.InternalTopics() {
		internal[t] = true
	}
	var mu sync.Mutex
	var seen []EmitEvent
	unsub, err := eng.Subscribe("**", func(_ context.Context, ev bus.Event) error {
		if internal[ev.Topic] {
			return nil
		}
		mu.Lock()
		seen = append(seen, EmitEvent{Topic: ev.Topic, Source: ev.Source, Data: ev.Data})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return fail(ExitFailure, "subscribe", err)
	}
	defer unsub()

	if _, err := eng.Emit(topic, data); err != nil {
		return fail(ExitCommandError, "emit", err)
	}
	if err := eng.Settle(settleCtx); err != nil {
		return fail(ExitFailure, "settle", err)
	}

	after, err := eng.QueryFacts("**")
	if err != nil {
		return fail(ExitFailure, "query facts", err)
	}

	mu.Lock()
	report := EmitReport{Topic: topic, Events: seen, Facts: after}
	mu.Unlock()
	if opts.Trace {
		collector, err := eng.TraceCollector()
		if err != nil {
			return fail(ExitFailure, "read trace", err)
		}
		report.Trace = collector.Entries()
	}

	if opts.Format == "json" {
		return formatter.Success(report)
	}
	writeEmitReport(cmd.OutOrStdout(), report)
	return nil
}

func writeEmitReport(w io.Writer, report EmitReport) {
	fmt.Fprintf(w, "Emitted %s.\n", report.Topic)
	fmt.Fprintln(w, "\nEvents:")
	for _, ev := range report.Events {
		fmt.Fprintf(w, "  %s  (%s)", ev.Topic, ev.Source)
		if len(ev.Data) > 0 {
			fmt.Fprintf(w, "  %s", value.Format(ev.Data))
		}
		fmt.Fprintln(w)
	}
	if len(report.Facts) > 0 {
		fmt.Fprintln(w, "\nFacts:")
		for _, f := range report.Facts {
			fmt.Fprintf(w, "  %s = %s  (%s)\n", f.Key, value.Format(f.Value), f.Source)
		}
	}
	if len(report.Trace) > 0 {
		fmt.Fprintln(w, "\nTrace:")
		for _, entry := range report.Trace {
			fmt.Fprintf(w, "  %4d  %-8s %s", entry.Seq, entry.Stage, entry.Trigger)
			if entry.RuleID != "" {
				fmt.Fprintf(w, "  rule=%s", entry.RuleID)
			}
			if entry.Detail != "" {
				fmt.Fprintf(w, "  %s", entry.Detail)
			}
			fmt.Fprintln(w)
		}
	}
}
