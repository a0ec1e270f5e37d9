package authoring

import (
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
)

// ParseCUE compiles one CUE rule file. The file evaluates to a struct
// with optional "groups" and "rules" lists whose elements export the
// canonical wire shape, so CUE authors get definitions, interpolation
// and comprehensions for free:
//
//	_threshold: 1000
//
//	rules: [{
//		id:      "flag-large"
//		name:    "Flag large orders"
//		trigger: {type: "event", topic: "order.created"}
//		conditions: [{source: {type: "event", field: "total"}, operator: "gt", value: _threshold}]
//		actions: [{type: "set_fact", key: "order:${event.orderId}:flagged", value: true}]
//	}]
//
// filename labels positions in error messages.
func ParseCUE(filename string, data []byte) (Set, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Set{}, errs.Validationf("compile cue: %s", cueErrorDetail(err))
	}

	var set Set

	groups := v.LookupPath(cue.ParsePath("groups"))
	if groups.Exists() {
		iter, err := groups.List()
		if err != nil {
			return Set{}, errs.Validationf("groups: %s", cueErrorDetail(err))
		}
		for iter.Next() {
			data, err := iter.Value().MarshalJSON()
			if err != nil {
				return Set{}, errs.Validationf("group %s: %s", iter.Selector(), cueErrorDetail(err))
			}
			g, err := parseGroupJSON(data)
			if err != nil {
				return Set{}, errs.Wrapf(errs.KindValidation, err, "group %s", iter.Selector())
			}
			set.Groups = append(set.Groups, g)
		}
	}

	rules := v.LookupPath(cue.ParsePath("rules"))
	if rules.Exists() {
		iter, err := rules.List()
		if err != nil {
			return Set{}, errs.Validationf("rules: %s", cueErrorDetail(err))
		}
		for iter.Next() {
			data, err := iter.Value().MarshalJSON()
			if err != nil {
				return Set{}, errs.Validationf("rule %s: %s", iter.Selector(), cueErrorDetail(err))
			}
			r, err := rule.ParseJSON(data)
			if err != nil {
				return Set{}, errs.Wrapf(errs.KindValidation, err, "rule %s", iter.Selector())
			}
			set.Rules = append(set.Rules, *r)
		}
	}

	if set.Empty() {
		return Set{}, errs.Validationf("file defines no rules or groups")
	}
	if err := set.validate(); err != nil {
		return Set{}, err
	}
	return set, nil
}

// cueErrorDetail renders a cue error with its source position, one line
// per cause.
func cueErrorDetail(err error) string {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(list))
	for _, e := range list {
		pos := e.Position()
		if pos.IsValid() {
			parts = append(parts, pos.String()+": "+e.Error())
		} else {
			parts = append(parts, e.Error())
		}
	}
	return strings.Join(parts, "; ")
}
