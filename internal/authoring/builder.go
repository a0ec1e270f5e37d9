package authoring

import (
	"fmt"

	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

// Builder assembles a rule fluently for code that authors rules in Go
// rather than files:
//
//	r, err := authoring.NewRule("flag-large").
//		Named("Flag large orders").
//		OnEvent("order.created").
//		WhenEvent("total", rule.OpGt, 1000).
//		SetFact("order:${event.orderId}:flagged", true).
//		Build()
//
// Plain Go values convert through value.Of and whole-string ${path}
// tokens normalize to references, exactly as the file loaders do.
// Conversion errors stick to the builder and surface from Build.
type Builder struct {
	r    rule.Rule
	errs []error
}

// NewRule starts a builder for the given rule id. The rule is enabled
// unless Disabled is called.
func NewRule(id string) *Builder {
	return &Builder{r: rule.Rule{ID: id, Enabled: true}}
}

// Named sets the display name. Build fails without one.
func (b *Builder) Named(name string) *Builder {
	b.r.Name = name
	return b
}

// Describe sets the description.
func (b *Builder) Describe(desc string) *Builder {
	b.r.Description = desc
	return b
}

// InGroup assigns the rule to a group.
func (b *Builder) InGroup(group string) *Builder {
	b.r.Group = group
	return b
}

// Priority sets the firing priority, highest first.
func (b *Builder) Priority(p float64) *Builder {
	b.r.Priority = p
	return b
}

// Tag appends tags.
func (b *Builder) Tag(tags ...string) *Builder {
	b.r.Tags = append(b.r.Tags, tags...)
	return b
}

// Disabled registers the rule disabled.
func (b *Builder) Disabled() *Builder {
	b.r.Enabled = false
	return b
}

// OnEvent triggers the rule on events matching the topic pattern.
func (b *Builder) OnEvent(topic string) *Builder {
	return b.trigger(rule.EventTrigger{Topic: topic})
}

// OnFact triggers the rule on fact changes matching the key pattern.
func (b *Builder) OnFact(pattern string) *Builder {
	return b.trigger(rule.FactTrigger{Pattern: pattern})
}

// OnTimer triggers the rule when the named timer fires.
func (b *Builder) OnTimer(name string) *Builder {
	return b.trigger(rule.TimerTrigger{Name: name})
}

// OnPattern triggers the rule when the temporal pattern completes.
func (b *Builder) OnPattern(p rule.TemporalPattern) *Builder {
	return b.trigger(rule.TemporalTrigger{Pattern: p})
}

func (b *Builder) trigger(t rule.Trigger) *Builder {
	if b.r.Trigger != nil {
		b.errs = append(b.errs, fmt.Errorf("rule %q: trigger set twice", b.r.ID))
		return b
	}
	b.r.Trigger = t
	return b
}

// WithLookup declares an external lookup the rule needs before
// evaluation.
func (b *Builder) WithLookup(l rule.Lookup) *Builder {
	b.r.Lookups = append(b.r.Lookups, l)
	return b
}

// When adds a condition on an arbitrary source.
func (b *Builder) When(source rule.Source, op rule.Operator, v any) *Builder {
	c := rule.Condition{Source: source, Operator: op}
	if v != nil {
		val, err := b.convert(v)
		if err != nil {
			return b
		}
		c.Value = val
	}
	b.r.Conditions = append(b.r.Conditions, c)
	return b
}

// WhenEvent conditions on a field of the triggering event's payload.
func (b *Builder) WhenEvent(field string, op rule.Operator, v any) *Builder {
	return b.When(rule.EventSource{Field: field}, op, v)
}

// WhenFact conditions on facts matching the key pattern.
func (b *Builder) WhenFact(pattern string, op rule.Operator, v any) *Builder {
	return b.When(rule.FactSource{Pattern: pattern}, op, v)
}

// WhenContext conditions on a scratch-context key written by an earlier
// action.
func (b *Builder) WhenContext(key string, op rule.Operator, v any) *Builder {
	return b.When(rule.ContextSource{Key: key}, op, v)
}

// WhenLookup conditions on a named lookup result.
func (b *Builder) WhenLookup(name, field string, op rule.Operator, v any) *Builder {
	return b.When(rule.LookupSource{Name: name, Field: field}, op, v)
}

// Do appends actions verbatim.
func (b *Builder) Do(actions ...rule.Action) *Builder {
	b.r.Actions = append(b.r.Actions, actions...)
	return b
}

// SetFact appends a set_fact action.
func (b *Builder) SetFact(key string, v any) *Builder {
	val, err := b.convert(v)
	if err != nil {
		return b
	}
	return b.Do(rule.SetFact{Key: key, Value: val})
}

// DeleteFact appends a delete_fact action.
func (b *Builder) DeleteFact(key string) *Builder {
	return b.Do(rule.DeleteFact{Key: key})
}

// EmitEvent appends an emit_event action.
func (b *Builder) EmitEvent(topic string, data map[string]any) *Builder {
	var m value.Map
	if data != nil {
		val, err := b.convert(data)
		if err != nil {
			return b
		}
		m = val.(value.Map)
	}
	return b.Do(rule.EmitEvent{Topic: topic, Data: m})
}

func (b *Builder) convert(v any) (value.Value, error) {
	val, err := value.Of(v)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("rule %q: %w", b.r.ID, err))
		return nil, err
	}
	return value.NormalizeRefs(val), nil
}

// Build validates and returns the rule.
func (b *Builder) Build() (rule.Rule, error) {
	if len(b.errs) > 0 {
		return rule.Rule{}, b.errs[0]
	}
	if err := b.r.Validate(); err != nil {
		return rule.Rule{}, err
	}
	return b.r, nil
}

// MustBuild is Build for static definitions; it panics on error.
func (b *Builder) MustBuild() rule.Rule {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}
