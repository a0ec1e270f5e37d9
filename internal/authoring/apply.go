package authoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
)

// Target is the engine surface Apply and the watcher sync against.
type Target interface {
	GetRule(id string) (rule.Rule, error)
	RegisterRule(r rule.Rule) (rule.Rule, error)
	UpdateRule(r rule.Rule) (rule.Rule, error)
	UnregisterRule(id string) error
	GetGroup(id string) (rule.Group, error)
	RegisterGroup(g rule.Group) (rule.Group, error)
	UpdateGroup(g rule.Group) (rule.Group, error)
}

// ApplyResult counts what Apply changed.
type ApplyResult struct {
	GroupsAdded   int
	GroupsUpdated int
	RulesAdded    int
	RulesUpdated  int
	RulesSame     int
}

func (r ApplyResult) String() string {
	return fmt.Sprintf("groups +%d ~%d, rules +%d ~%d =%d",
		r.GroupsAdded, r.GroupsUpdated, r.RulesAdded, r.RulesUpdated, r.RulesSame)
}

// Apply upserts the set into the target. Groups sync before rules so a
// new rule never lands ahead of its group. A rule whose definition is
// unchanged is left alone; its version does not move. Apply stops on
// the first error.
func Apply(t Target, s Set) (ApplyResult, error) {
	var res ApplyResult
	for _, g := range s.Groups {
		existing, err := t.GetGroup(g.ID)
		switch {
		case errs.IsNotFound(err):
			if _, err := t.RegisterGroup(g); err != nil {
				return res, err
			}
			res.GroupsAdded++
		case err != nil:
			return res, err
		case sameGroup(existing, g):
			// unchanged
		default:
			if _, err := t.UpdateGroup(g); err != nil {
				return res, err
			}
			res.GroupsUpdated++
		}
	}

	for _, r := range s.Rules {
		existing, err := t.GetRule(r.ID)
		switch {
		case errs.IsNotFound(err):
			if _, err := t.RegisterRule(r); err != nil {
				return res, err
			}
			res.RulesAdded++
		case err != nil:
			return res, err
		default:
			same, err := sameDefinition(existing, r)
			if err != nil {
				return res, err
			}
			if same {
				res.RulesSame++
				continue
			}
			if _, err := t.UpdateRule(r); err != nil {
				return res, err
			}
			res.RulesUpdated++
		}
	}
	return res, nil
}

// sameDefinition compares two rules by their authored content, ignoring
// the engine-assigned version and timestamps.
func sameDefinition(a, b rule.Rule) (bool, error) {
	a.Version, b.Version = 0, 0
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	aj, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(aj, bj), nil
}

func sameGroup(a, b rule.Group) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.Enabled == b.Enabled
}
