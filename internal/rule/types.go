// Package rule defines the rule data model: triggers, conditions,
// actions, lookups, temporal patterns and goals, together with their
// canonical JSON encoding and validation.
//
// Trigger, Action, Source, TemporalPattern and Goal are sealed interfaces
// with one concrete struct per variant, so dispatch sites can type-switch
// exhaustively.
package rule

import (
	"time"

	"github.com/roach88/reflex/internal/value"
)

// Rule couples one trigger with the conditions to check and the actions
// to run when it fires.
type Rule struct {
	ID          string
	Name        string
	Description string

	// Priority orders candidate rules per trigger, highest first. Rules
	// with equal priority fire in registration order.
	Priority float64

	// Enabled gates matching. Disabled rules stay registered and keep
	// their state but never fire. Loaders default this to true when the
	// source omits it.
	Enabled bool

	Tags  []string
	Group string

	Trigger    Trigger
	Lookups    []Lookup
	Conditions []Condition
	Actions    []Action

	// Version counts registrations and updates of this rule id,
	// starting at 1.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Group collects rules for bulk enable/disable. A disabled group gates
// every member rule regardless of the rule's own flag.
type Group struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	CreatedAt   time.Time
}

// Trigger is the sealed interface over trigger variants.
type Trigger interface {
	isTrigger()
}

// EventTrigger fires on events whose topic matches a glob pattern.
type EventTrigger struct {
	Topic string
}

func (EventTrigger) isTrigger() {}

// FactTrigger fires on fact changes whose key matches a glob pattern.
type FactTrigger struct {
	Pattern string
}

func (FactTrigger) isTrigger() {}

// TimerTrigger fires when the named timer expires.
type TimerTrigger struct {
	Name string
}

func (TimerTrigger) isTrigger() {}

// TemporalTrigger fires when a temporal pattern completes.
type TemporalTrigger struct {
	Pattern TemporalPattern
}

func (TemporalTrigger) isTrigger() {}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Operators lists every valid operator.
var Operators = []Operator{
	OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte,
	OpIn, OpNotIn, OpContains, OpNotContains,
	OpMatches, OpExists, OpNotExists,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// Condition compares a resolved source against a value. All conditions
// of a rule must hold for the rule to fire.
type Condition struct {
	Source   Source
	Operator Operator

	// Value is the right-hand operand. It may embed references resolved
	// against the evaluation context at fire time. Unused for exists and
	// not_exists.
	Value value.Value
}

// Source is the sealed interface over condition source variants.
type Source interface {
	isSource()
}

// EventSource reads a field from the triggering event's payload.
type EventSource struct {
	// Field is a dot path into the payload. Empty selects the whole
	// payload.
	Field string
}

func (EventSource) isSource() {}

// FactSource reads facts by key or key pattern. With wildcards the
// condition holds if any matching fact satisfies the operator.
type FactSource struct {
	Pattern string
}

func (FactSource) isSource() {}

// ContextSource reads a key previously written into the fire's scratch
// context by an earlier action.
type ContextSource struct {
	Key string
}

func (ContextSource) isSource() {}

// LookupSource reads a named lookup result, optionally descending into
// it by field path.
type LookupSource struct {
	Name  string
	Field string
}

func (LookupSource) isSource() {}

// Action is the sealed interface over action variants.
type Action interface {
	isAction()
}

// SetFact writes a fact. Key may embed ${path} tokens; Value may embed
// references.
type SetFact struct {
	Key   string
	Value value.Value
}

func (SetFact) isAction() {}

// DeleteFact removes a fact. Key may embed ${path} tokens. Deleting a
// missing fact is a no-op.
type DeleteFact struct {
	Key string
}

func (DeleteFact) isAction() {}

// EmitEvent emits a new event. Data may embed references.
type EmitEvent struct {
	Topic string
	Data  value.Map
}

func (EmitEvent) isAction() {}

// SetTimer schedules (or reschedules) a named timer.
type SetTimer struct {
	Timer TimerConfig
}

func (SetTimer) isAction() {}

// CancelTimer cancels a named timer. Cancelling a missing timer is a
// no-op.
type CancelTimer struct {
	Name string
}

func (CancelTimer) isAction() {}

// CallService invokes a registered service method. Args may embed
// references. The result is stored in the fire's scratch context under
// the method name.
type CallService struct {
	Service string
	Method  string
	Args    []value.Value
}

func (CallService) isAction() {}

// Log writes a structured log line. Message may embed ${path} tokens.
type Log struct {
	Level   string
	Message string
}

func (Log) isAction() {}

// Conditional runs Then when its conditions hold, otherwise Else. Both
// branches may nest further conditionals.
type Conditional struct {
	Conditions []Condition
	Then       []Action
	Else       []Action
}

func (Conditional) isAction() {}

// TimerConfig describes a timer. Exactly one of Duration or Cron must be
// set. Setting a timer whose name is live replaces it.
type TimerConfig struct {
	Name string

	// Duration delays the first firing. Zero when Cron is used.
	Duration time.Duration

	// Cron is a standard five-field cron expression.
	Cron string

	// Repeat refires the timer after each expiry. Only valid with
	// Duration; cron timers repeat by nature.
	Repeat *Repeat

	// OnExpire is the event emitted at each firing.
	OnExpire Emission
}

// Repeat configures interval repetition for a duration timer.
type Repeat struct {
	Interval time.Duration

	// MaxCount bounds total firings. Zero means unbounded.
	MaxCount int
}

// Emission is an event template carried by timers and completions.
type Emission struct {
	Topic string
	Data  value.Map
}

// Lookup declares external data a rule needs before evaluation. Results
// are cached by service, method and canonical args.
type Lookup struct {
	Name    string
	Service string
	Method  string

	// Args may embed references resolved against the trigger context
	// before the call.
	Args []value.Value

	// CacheTTL bounds result reuse. Zero disables caching for this
	// lookup.
	CacheTTL time.Duration

	// OnError selects failure handling: skip marks the fire as skipped,
	// fail reports it as a rule failure.
	OnError OnError
}

// OnError is a lookup failure policy.
type OnError string

const (
	// OnErrorSkip drops the fire quietly, counted as skipped. The
	// default.
	OnErrorSkip OnError = "skip"

	// OnErrorFail reports the fire as failed with the lookup error.
	OnErrorFail OnError = "fail"
)

// TemporalPattern is the sealed interface over temporal pattern variants.
type TemporalPattern interface {
	isTemporalPattern()

	// WindowDuration returns the pattern's time horizon, used to bound
	// state retention.
	WindowDuration() time.Duration

	// PartitionBy returns the groupBy field, or "" for a single shared
	// partition.
	PartitionBy() string
}

// EventMatcher selects events for temporal patterns by topic pattern and
// optional payload equality constraints.
type EventMatcher struct {
	Topic string

	// Filter maps payload dot paths to required values.
	Filter value.Map

	// As names the matched event in the completion context.
	As string
}

// Sequence completes when its events occur in order within the window.
type Sequence struct {
	Events  []EventMatcher
	Within  time.Duration
	GroupBy string

	// Strict resets progress when an unrelated event arrives for the
	// same partition mid-sequence.
	Strict bool
}

func (Sequence) isTemporalPattern() {}
func (s Sequence) WindowDuration() time.Duration { return s.Within }
func (s Sequence) PartitionBy() string { return s.GroupBy }

// Absence completes when Expected does not arrive within the window
// opened by After.
type Absence struct {
	After    EventMatcher
	Expected EventMatcher
	Within   time.Duration
	GroupBy  string
}

func (Absence) isTemporalPattern() {}
func (a Absence) WindowDuration() time.Duration { return a.Within }
func (a Absence) PartitionBy() string { return a.GroupBy }

// CountComparison relates an observed count or aggregate to a threshold.
type CountComparison string

const (
	CompareGte CountComparison = "gte"
	CompareLte CountComparison = "lte"
	CompareEq  CountComparison = "eq"
)

// Valid reports whether c is a known comparison.
func (c CountComparison) Valid() bool {
	return c == CompareGte || c == CompareLte || c == CompareEq
}

// Count completes when the number of matching events inside the window
// satisfies the comparison.
type Count struct {
	Event      EventMatcher
	Threshold  int
	Comparison CountComparison
	Window     time.Duration
	GroupBy    string

	// Sliding evaluates against a window ending now instead of a
	// tumbling window anchored at the first event.
	Sliding bool
}

func (Count) isTemporalPattern() {}
func (c Count) WindowDuration() time.Duration { return c.Window }
func (c Count) PartitionBy() string { return c.GroupBy }

// AggregateFunc is a windowed aggregate function.
type AggregateFunc string

const (
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggCount AggregateFunc = "count"
)

// Valid reports whether f is a known aggregate function.
func (f AggregateFunc) Valid() bool {
	switch f {
	case AggSum, AggAvg, AggMin, AggMax, AggCount:
		return true
	default:
		return false
	}
}

// Aggregate completes when a numeric aggregate over the window satisfies
// the comparison.
type Aggregate struct {
	Event      EventMatcher
	Field      string
	Function   AggregateFunc
	Threshold  float64
	Comparison CountComparison
	Window     time.Duration
	GroupBy    string
}

func (Aggregate) isTemporalPattern() {}
func (a Aggregate) WindowDuration() time.Duration { return a.Window }
func (a Aggregate) PartitionBy() string { return a.GroupBy }

// Goal is the sealed interface over backward-chaining query goals.
type Goal interface {
	isGoal()
}

// FactGoal asks whether a fact could hold. Operator "" means existence.
type FactGoal struct {
	Key      string
	Operator Operator
	Value    value.Value
}

func (FactGoal) isGoal() {}

// EventGoal asks whether an event topic could be produced.
type EventGoal struct {
	Topic string
}

func (EventGoal) isGoal() {}
