package rule

import (
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/value"
)

// Validate checks the rule for structural problems: missing fields,
// unknown operators, malformed patterns, undeclared lookup references
// and invalid timer or temporal configuration. Validation failures carry
// kind validation.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errs.Validationf("rule has no id")
	}
	if strings.ContainsAny(r.ID, " \t\n") {
		return errs.Validationf("rule id %q contains whitespace", r.ID)
	}
	if r.Name == "" {
		return errs.Validationf("rule %q has no name", r.ID)
	}
	if r.Trigger == nil {
		return errs.Validationf("rule %q has no trigger", r.ID)
	}
	if err := validateTrigger(r.Trigger); err != nil {
		return errs.Wrapf(errs.KindValidation, err, "rule %q trigger", r.ID)
	}

	names := map[string]bool{}
	for _, l := range r.Lookups {
		if err := validateLookup(l); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "rule %q", r.ID)
		}
		if names[l.Name] {
			return errs.Validationf("rule %q declares lookup %q twice", r.ID, l.Name)
		}
		names[l.Name] = true
	}

	if err := validateConditions(r.Conditions, names); err != nil {
		return errs.Wrapf(errs.KindValidation, err, "rule %q", r.ID)
	}

	if len(r.Actions) == 0 {
		return errs.Validationf("rule %q has no actions", r.ID)
	}
	if err := validateActions(r.Actions, names); err != nil {
		return errs.Wrapf(errs.KindValidation, err, "rule %q", r.ID)
	}
	return nil
}

// Validate checks the group for structural problems.
func (g *Group) Validate() error {
	if g.ID == "" {
		return errs.Validationf("group has no id")
	}
	if g.Name == "" {
		return errs.Validationf("group %q has no name", g.ID)
	}
	return nil
}

func validateTrigger(t Trigger) error {
	switch tr := t.(type) {
	case EventTrigger:
		if _, err := pattern.CompileTopic(tr.Topic); err != nil {
			return err
		}
	case FactTrigger:
		if _, err := pattern.CompileKey(tr.Pattern); err != nil {
			return err
		}
	case TimerTrigger:
		if tr.Name == "" {
			return errs.Validationf("timer trigger has no name")
		}
		if _, err := pattern.CompileKey(tr.Name); err != nil {
			return err
		}
	case TemporalTrigger:
		if tr.Pattern == nil {
			return errs.Validationf("temporal trigger has no pattern")
		}
		return validateTemporalPattern(tr.Pattern)
	default:
		return errs.Validationf("unknown trigger type %T", t)
	}
	return nil
}

func validateTemporalPattern(p TemporalPattern) error {
	switch pt := p.(type) {
	case Sequence:
		if len(pt.Events) < 2 {
			return errs.Validationf("sequence needs at least two events")
		}
		seen := make(map[string]struct{}, len(pt.Events))
		for i, m := range pt.Events {
			if err := validateMatcher(m); err != nil {
				return errs.Wrapf(errs.KindValidation, err, "sequence event %d", i)
			}
			if m.As == "" {
				continue
			}
			if reservedAlias(m.As) {
				return errs.Validationf("sequence alias %q shadows a context root", m.As)
			}
			if _, dup := seen[m.As]; dup {
				return errs.Validationf("sequence alias %q used twice", m.As)
			}
			seen[m.As] = struct{}{}
		}
		if pt.Within <= 0 {
			return errs.Validationf("sequence window must be positive")
		}
	case Absence:
		if err := validateMatcher(pt.After); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "absence after")
		}
		if err := validateMatcher(pt.Expected); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "absence expected")
		}
		if pt.Within <= 0 {
			return errs.Validationf("absence window must be positive")
		}
	case Count:
		if err := validateMatcher(pt.Event); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "count event")
		}
		if pt.Threshold < 1 {
			return errs.Validationf("count threshold must be at least 1")
		}
		if pt.Comparison != "" && !pt.Comparison.Valid() {
			return errs.Validationf("unknown comparison %q", pt.Comparison)
		}
		if pt.Window <= 0 {
			return errs.Validationf("count window must be positive")
		}
	case Aggregate:
		if err := validateMatcher(pt.Event); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "aggregate event")
		}
		if !pt.Function.Valid() {
			return errs.Validationf("unknown aggregate function %q", pt.Function)
		}
		if pt.Field == "" && pt.Function != AggCount {
			return errs.Validationf("aggregate %s needs a field", pt.Function)
		}
		if pt.Comparison != "" && !pt.Comparison.Valid() {
			return errs.Validationf("unknown comparison %q", pt.Comparison)
		}
		if pt.Window <= 0 {
			return errs.Validationf("aggregate window must be positive")
		}
	default:
		return errs.Validationf("unknown temporal pattern type %T", p)
	}
	return nil
}

// Alias names become top-level resolution roots when a completion fires, so
// they must not collide with the fixed roots or the completion's own keys.
func reservedAlias(name string) bool {
	switch name {
	case "event", "fact", "lookups", "context", "events", "count", "aggregate":
		return true
	}
	return false
}

func validateMatcher(m EventMatcher) error {
	if m.Topic == "" {
		return errs.Validationf("event matcher has no topic")
	}
	if _, err := pattern.CompileTopic(m.Topic); err != nil {
		return err
	}
	return nil
}

func validateLookup(l Lookup) error {
	if l.Name == "" {
		return errs.Validationf("lookup has no name")
	}
	if l.Service == "" || l.Method == "" {
		return errs.Validationf("lookup %q needs service and method", l.Name)
	}
	switch l.OnError {
	case "", OnErrorSkip, OnErrorFail:
	default:
		return errs.Validationf("lookup %q has unknown onError %q", l.Name, l.OnError)
	}
	if l.CacheTTL < 0 {
		return errs.Validationf("lookup %q has negative cache ttl", l.Name)
	}
	return nil
}

func validateConditions(conds []Condition, lookups map[string]bool) error {
	for i, c := range conds {
		if err := validateCondition(c, lookups); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "condition %d", i)
		}
	}
	return nil
}

func validateCondition(c Condition, lookups map[string]bool) error {
	if c.Source == nil {
		return errs.Validationf("condition has no source")
	}
	switch src := c.Source.(type) {
	case EventSource:
	case FactSource:
		if _, err := pattern.CompileKey(src.Pattern); err != nil {
			return err
		}
	case ContextSource:
		if src.Key == "" {
			return errs.Validationf("context source has no key")
		}
	case LookupSource:
		if src.Name == "" {
			return errs.Validationf("lookup source has no name")
		}
		if !lookups[src.Name] {
			return errs.Validationf("lookup source references undeclared lookup %q", src.Name)
		}
	default:
		return errs.Validationf("unknown source type %T", c.Source)
	}

	if !c.Operator.Valid() {
		return errs.Validationf("unknown operator %q", c.Operator)
	}
	switch c.Operator {
	case OpExists, OpNotExists:
	default:
		if c.Value == nil {
			return errs.Validationf("operator %s needs a value", c.Operator)
		}
	}
	if c.Operator == OpMatches {
		// Static patterns are checked here; interpolated ones can only
		// fail at fire time.
		if s, ok := c.Value.(value.String); ok && !value.ContainsRefToken(string(s)) {
			if _, err := regexp.Compile(string(s)); err != nil {
				return errs.Validationf("invalid matches pattern %q: %v", s, err)
			}
		}
	}
	return nil
}

func validateActions(actions []Action, lookups map[string]bool) error {
	for i, a := range actions {
		if err := validateAction(a, lookups); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "action %d", i)
		}
	}
	return nil
}

func validateAction(a Action, lookups map[string]bool) error {
	switch act := a.(type) {
	case SetFact:
		if act.Key == "" {
			return errs.Validationf("set_fact has no key")
		}
	case DeleteFact:
		if act.Key == "" {
			return errs.Validationf("delete_fact has no key")
		}
	case EmitEvent:
		if act.Topic == "" {
			return errs.Validationf("emit_event has no topic")
		}
		if strings.Contains(act.Topic, "*") {
			return errs.Validationf("emit_event topic %q may not contain wildcards", act.Topic)
		}
	case SetTimer:
		return act.Timer.Validate()
	case CancelTimer:
		if act.Name == "" {
			return errs.Validationf("cancel_timer has no name")
		}
	case CallService:
		if act.Service == "" || act.Method == "" {
			return errs.Validationf("call_service needs service and method")
		}
	case Log:
		if act.Message == "" {
			return errs.Validationf("log has no message")
		}
		switch act.Level {
		case "", "debug", "info", "warn", "error":
		default:
			return errs.Validationf("log has unknown level %q", act.Level)
		}
	case Conditional:
		if len(act.Conditions) == 0 {
			return errs.Validationf("conditional has no conditions")
		}
		if err := validateConditions(act.Conditions, lookups); err != nil {
			return err
		}
		if len(act.Then) == 0 && len(act.Else) == 0 {
			return errs.Validationf("conditional has no branch actions")
		}
		if err := validateActions(act.Then, lookups); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "then")
		}
		if err := validateActions(act.Else, lookups); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "else")
		}
	default:
		return errs.Validationf("unknown action type %T", a)
	}
	return nil
}

// Validate checks a timer configuration. It is used both for rule
// actions and for timers set directly through the engine API.
func (cfg *TimerConfig) Validate() error {
	if cfg.Name == "" {
		return errs.Validationf("timer has no name")
	}
	hasDuration := cfg.Duration > 0
	hasCron := cfg.Cron != ""
	if hasDuration == hasCron {
		return errs.Validationf("timer %q needs exactly one of duration or cron", cfg.Name)
	}
	if hasCron {
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			return errs.Validationf("timer %q has invalid cron %q: %v", cfg.Name, cfg.Cron, err)
		}
		if cfg.Repeat != nil {
			return errs.Validationf("timer %q: cron timers repeat by schedule, repeat is not allowed", cfg.Name)
		}
	}
	if cfg.Repeat != nil {
		if cfg.Repeat.Interval <= 0 {
			return errs.Validationf("timer %q repeat interval must be positive", cfg.Name)
		}
		if cfg.Repeat.MaxCount < 0 {
			return errs.Validationf("timer %q repeat maxCount may not be negative", cfg.Name)
		}
	}
	if cfg.OnExpire.Topic == "" {
		return errs.Validationf("timer %q has no onExpire topic", cfg.Name)
	}
	if strings.Contains(cfg.OnExpire.Topic, "*") {
		return errs.Validationf("timer %q onExpire topic may not contain wildcards", cfg.Name)
	}
	return nil
}
