package rule

import (
	"strings"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/value"
)

// goalOps maps textual comparison operators to condition operators,
// longest spellings first so ">=" wins over ">".
var goalOps = []struct {
	text string
	op   Operator
}{
	{">=", OpGte},
	{"<=", OpLte},
	{"!=", OpNeq},
	{"=", OpEq},
	{">", OpGt},
	{"<", OpLt},
}

// ParseGoal parses the textual goal syntax used by the query API and the
// CLI:
//
//	fact:order:123:paid            the fact exists
//	fact:order:123:paid=true       the fact equals a value
//	fact:cart:42:total>=100        the fact satisfies a comparison
//	event:alert.fraud              the event topic can be produced
//
// Values parse as JSON when possible and fall back to bare strings, so
// fact:user:1:tier=gold and fact:user:1:tier="gold" are equivalent.
func ParseGoal(s string) (Goal, error) {
	switch {
	case strings.HasPrefix(s, "fact:"):
		return parseFactGoal(strings.TrimPrefix(s, "fact:"))
	case strings.HasPrefix(s, "event:"):
		topic := strings.TrimPrefix(s, "event:")
		if topic == "" {
			return nil, errs.Validationf("event goal has no topic")
		}
		return EventGoal{Topic: topic}, nil
	default:
		return nil, errs.Validationf("goal %q must start with fact: or event:", s)
	}
}

func parseFactGoal(s string) (Goal, error) {
	for _, candidate := range goalOps {
		idx := strings.Index(s, candidate.text)
		if idx <= 0 {
			continue
		}
		key := s[:idx]
		raw := s[idx+len(candidate.text):]
		if raw == "" {
			return nil, errs.Validationf("fact goal %q has an operator but no value", s)
		}
		v, err := value.FromJSON([]byte(raw))
		if err != nil {
			v = value.String(raw)
		}
		return FactGoal{Key: key, Operator: candidate.op, Value: v}, nil
	}
	if s == "" {
		return nil, errs.Validationf("fact goal has no key")
	}
	return FactGoal{Key: s}, nil
}

// GoalString renders a goal back to its textual form.
func GoalString(g Goal) string {
	switch goal := g.(type) {
	case FactGoal:
		if goal.Operator == "" {
			return "fact:" + goal.Key
		}
		op := "="
		for _, candidate := range goalOps {
			if candidate.op == goal.Operator {
				op = candidate.text
				break
			}
		}
		return "fact:" + goal.Key + op + value.Format(goal.Value)
	case EventGoal:
		return "event:" + goal.Topic
	default:
		return ""
	}
}
