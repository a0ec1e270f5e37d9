package eval

import (
	"regexp"
	"strings"
	"sync"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

// Evaluate reports whether every condition holds against the context.
// Conditions combine with logical AND; evaluation stops at the first miss.
func (c *Context) Evaluate(conds []rule.Condition) (bool, error) {
	for _, cond := range conds {
		ok, err := c.evalCondition(cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *Context) evalCondition(cond rule.Condition) (bool, error) {
	target, err := c.Resolve(cond.Value)
	if err != nil {
		return false, err
	}

	// A wildcard fact source holds when any matching fact satisfies the
	// operator; zero matches behave like a single undefined source.
	if fs, ok := cond.Source.(rule.FactSource); ok && pattern.HasWildcards(fs.Pattern) {
		if c.Facts == nil {
			return applyOperator(cond.Operator, value.Null{}, false, target)
		}
		matches, err := c.Facts.QueryValues(fs.Pattern)
		if err != nil {
			return false, err
		}
		if len(matches) == 0 {
			return applyOperator(cond.Operator, value.Null{}, false, target)
		}
		for _, v := range matches {
			ok, err := applyOperator(cond.Operator, v, true, target)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	src, found := c.sourceValue(cond.Source)
	return applyOperator(cond.Operator, src, found, target)
}

func (c *Context) sourceValue(src rule.Source) (value.Value, bool) {
	switch s := src.(type) {
	case rule.EventSource:
		if s.Field == "" {
			if c.Event == nil {
				return value.Null{}, false
			}
			return c.Event, true
		}
		return c.ResolvePath("event." + s.Field)
	case rule.FactSource:
		return c.resolveFactPath(s.Pattern)
	case rule.ContextSource:
		return c.ResolvePath("context." + s.Key)
	case rule.LookupSource:
		path := "lookups." + s.Name
		if s.Field != "" {
			path += "." + s.Field
		}
		return c.ResolvePath(path)
	}
	return value.Null{}, false
}

// applyOperator applies op to a resolved source and target. found reports
// whether the source path existed at all; undefined sources fail positive
// operators and satisfy negated ones.
func applyOperator(op rule.Operator, src value.Value, found bool, target value.Value) (bool, error) {
	switch op {
	case rule.OpExists:
		return found && !value.IsNull(src), nil
	case rule.OpNotExists:
		return !found || value.IsNull(src), nil
	case rule.OpEq:
		return found && value.Equal(src, target), nil
	case rule.OpNeq:
		return !found || !value.Equal(src, target), nil
	case rule.OpGt, rule.OpGte, rule.OpLt, rule.OpLte:
		a, aok := src.(value.Number)
		b, bok := target.(value.Number)
		if !found || !aok || !bok {
			return false, nil
		}
		switch op {
		case rule.OpGt:
			return a > b, nil
		case rule.OpGte:
			return a >= b, nil
		case rule.OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case rule.OpIn:
		list, ok := target.(value.List)
		if !found || !ok {
			return false, nil
		}
		for _, item := range list {
			if value.Equal(src, item) {
				return true, nil
			}
		}
		return false, nil
	case rule.OpNotIn:
		in, err := applyOperator(rule.OpIn, src, found, target)
		return !in, err
	case rule.OpContains:
		if !found {
			return false, nil
		}
		switch s := src.(type) {
		case value.String:
			return strings.Contains(string(s), stringify(target)), nil
		case value.List:
			for _, item := range s {
				if value.Equal(item, target) {
					return true, nil
				}
			}
		}
		return false, nil
	case rule.OpNotContains:
		has, err := applyOperator(rule.OpContains, src, found, target)
		return !has, err
	case rule.OpMatches:
		if !found {
			return false, nil
		}
		s, sok := src.(value.String)
		pat, pok := target.(value.String)
		if !pok {
			return false, errs.Validationf("matches requires a string pattern, got %s", value.Format(target))
		}
		if !sok {
			return false, nil
		}
		re, err := compiledRegexp(string(pat))
		if err != nil {
			return false, errs.Validationf("matches pattern %q: %v", pat, err)
		}
		return re.MatchString(string(s)), nil
	}
	return false, errs.Validationf("unknown operator %q", op)
}

func stringify(v value.Value) string {
	if s, ok := v.(value.String); ok {
		return string(s)
	}
	return value.Format(v)
}

// Dynamic matches patterns (built from references) compile per distinct
// pattern; the cache keeps re-fires cheap.
var regexpCache sync.Map

func compiledRegexp(pat string) (*regexp.Regexp, error) {
	if re, ok := regexpCache.Load(pat); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, err
	}
	actual, _ := regexpCache.LoadOrStore(pat, re)
	return actual.(*regexp.Regexp), nil
}
