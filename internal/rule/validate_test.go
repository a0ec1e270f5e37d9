package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/value"
)

func validRule() Rule {
	return Rule{
		ID:      "r1",
		Name:    "rule one",
		Enabled: true,
		Trigger: EventTrigger{Topic: "order.*"},
		Actions: []Action{Log{Message: "hi"}},
	}
}

func TestValidateAcceptsMinimalRule(t *testing.T) {
	r := validRule()
	require.NoError(t, r.Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantMsg string
	}{
		{"missing id", func(r *Rule) { r.ID = "" }, "no id"},
		{"whitespace id", func(r *Rule) { r.ID = "bad id" }, "whitespace"},
		{"missing name", func(r *Rule) { r.Name = "" }, "no name"},
		{"missing trigger", func(r *Rule) { r.Trigger = nil }, "no trigger"},
		{"bad topic pattern", func(r *Rule) { r.Trigger = EventTrigger{Topic: "order..x"} }, "empty segment"},
		{"no actions", func(r *Rule) { r.Actions = nil }, "no actions"},
		{"unknown operator", func(r *Rule) {
			r.Conditions = []Condition{{Source: EventSource{}, Operator: "gte_ish", Value: value.Number(1)}}
		}, "unknown operator"},
		{"missing condition value", func(r *Rule) {
			r.Conditions = []Condition{{Source: EventSource{}, Operator: OpEq}}
		}, "needs a value"},
		{"undeclared lookup source", func(r *Rule) {
			r.Conditions = []Condition{{Source: LookupSource{Name: "ghost"}, Operator: OpExists}}
		}, "undeclared lookup"},
		{"duplicate lookup", func(r *Rule) {
			r.Lookups = []Lookup{
				{Name: "a", Service: "s", Method: "m"},
				{Name: "a", Service: "s", Method: "m"},
			}
		}, "twice"},
		{"bad matches pattern", func(r *Rule) {
			r.Conditions = []Condition{{Source: EventSource{Field: "x"}, Operator: OpMatches, Value: value.String("([")}}
		}, "matches pattern"},
		{"bad log level", func(r *Rule) {
			r.Actions = []Action{Log{Level: "loud", Message: "hi"}}
		}, "unknown level"},
		{"wildcard emit topic", func(r *Rule) {
			r.Actions = []Action{EmitEvent{Topic: "alert.*"}}
		}, "wildcards"},
		{"empty conditional", func(r *Rule) {
			r.Actions = []Action{Conditional{Conditions: []Condition{{Source: EventSource{}, Operator: OpExists}}}}
		}, "no branch actions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err), "want validation error, got %v", err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateTemporalPatterns(t *testing.T) {
	matcher := EventMatcher{Topic: "a.b"}

	good := validRule()
	good.Trigger = TemporalTrigger{Pattern: Sequence{
		Events: []EventMatcher{matcher, {Topic: "c.d"}},
		Within: time.Minute,
	}}
	require.NoError(t, good.Validate())

	short := validRule()
	short.Trigger = TemporalTrigger{Pattern: Sequence{Events: []EventMatcher{matcher}, Within: time.Minute}}
	assert.ErrorContains(t, short.Validate(), "at least two")

	noWindow := validRule()
	noWindow.Trigger = TemporalTrigger{Pattern: Count{Event: matcher, Threshold: 3, Comparison: CompareGte}}
	assert.ErrorContains(t, noWindow.Validate(), "window must be positive")

	zeroThreshold := validRule()
	zeroThreshold.Trigger = TemporalTrigger{Pattern: Count{Event: matcher, Threshold: 0, Comparison: CompareGte, Window: time.Minute}}
	assert.ErrorContains(t, zeroThreshold.Validate(), "at least 1")

	badFunc := validRule()
	badFunc.Trigger = TemporalTrigger{Pattern: Aggregate{Event: matcher, Field: "x", Function: "median", Window: time.Minute}}
	assert.ErrorContains(t, badFunc.Validate(), "unknown aggregate function")

	countNoField := validRule()
	countNoField.Trigger = TemporalTrigger{Pattern: Aggregate{Event: matcher, Function: AggCount, Window: time.Minute}}
	require.NoError(t, countNoField.Validate())

	shadowed := validRule()
	shadowed.Trigger = TemporalTrigger{Pattern: Sequence{
		Events: []EventMatcher{{Topic: "a.b", As: "fact"}, {Topic: "c.d"}},
		Within: time.Minute,
	}}
	assert.ErrorContains(t, shadowed.Validate(), "shadows a context root")

	dupAlias := validRule()
	dupAlias.Trigger = TemporalTrigger{Pattern: Sequence{
		Events: []EventMatcher{{Topic: "a.b", As: "x"}, {Topic: "c.d", As: "x"}},
		Within: time.Minute,
	}}
	assert.ErrorContains(t, dupAlias.Validate(), "used twice")
}

func TestTimerConfigValidate(t *testing.T) {
	good := TimerConfig{
		Name:     "t1",
		Duration: time.Minute,
		OnExpire: Emission{Topic: "timer.fired"},
	}
	require.NoError(t, good.Validate())

	cronTimer := TimerConfig{Name: "t2", Cron: "*/5 * * * *", OnExpire: Emission{Topic: "tick"}}
	require.NoError(t, cronTimer.Validate())

	both := good
	both.Cron = "* * * * *"
	assert.ErrorContains(t, both.Validate(), "exactly one")

	neither := TimerConfig{Name: "t3", OnExpire: Emission{Topic: "tick"}}
	assert.ErrorContains(t, neither.Validate(), "exactly one")

	badCron := TimerConfig{Name: "t4", Cron: "not cron", OnExpire: Emission{Topic: "tick"}}
	assert.ErrorContains(t, badCron.Validate(), "invalid cron")

	cronRepeat := TimerConfig{Name: "t5", Cron: "* * * * *", Repeat: &Repeat{Interval: time.Second}, OnExpire: Emission{Topic: "tick"}}
	assert.ErrorContains(t, cronRepeat.Validate(), "repeat is not allowed")

	noTopic := TimerConfig{Name: "t6", Duration: time.Second}
	assert.ErrorContains(t, noTopic.Validate(), "onExpire topic")
}

func TestGroupValidate(t *testing.T) {
	require.NoError(t, (&Group{ID: "g", Name: "G"}).Validate())
	assert.Error(t, (&Group{Name: "G"}).Validate())
	assert.Error(t, (&Group{ID: "g"}).Validate())
}
