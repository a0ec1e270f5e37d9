package harness

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/value"
)

// AssertionError is one failed expectation, rendered with enough
// context to diagnose from test output alone.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// evaluate checks one expect step against current engine state and the
// events captured so far. Failed expectations accumulate on the result;
// the error return is reserved for harness defects such as values that
// do not convert.
func (r *runner) evaluate(ex *Expect) error {
	for _, fe := range ex.Facts {
		if err := r.checkFact(fe); err != nil {
			return err
		}
	}
	events := r.snapshotEvents()
	for _, ee := range ex.Events {
		if err := r.checkEvents(ee, events); err != nil {
			return err
		}
	}
	if len(ex.Stats) > 0 {
		if err := r.checkStats(ex.Stats); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) checkFact(fe FactExpectation) error {
	f, ok, err := r.engine.GetFact(fe.Key)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("fact %q", fe.Key)
	switch {
	case fe.Absent:
		if ok {
			r.res.AddError(&AssertionError{Type: name, Expected: "absent", Actual: value.Format(f.Value)})
		}
	case !ok:
		want := "any value"
		if fe.Value != nil {
			if v, err := value.Of(fe.Value); err == nil {
				want = value.Format(v)
			}
		}
		r.res.AddError(&AssertionError{Type: name, Expected: want, Actual: "absent"})
	case fe.Value != nil:
		want, err := value.Of(fe.Value)
		if err != nil {
			return fmt.Errorf("%s expectation: %w", name, err)
		}
		if !value.Equal(want, f.Value) {
			r.res.AddError(&AssertionError{Type: name, Expected: value.Format(want), Actual: value.Format(f.Value)})
		}
	}
	return nil
}

func (r *runner) checkEvents(ee EventExpectation, events []EventRecord) error {
	matcher, err := pattern.CompileTopic(ee.Topic)
	if err != nil {
		return err
	}
	want, err := toMap(ee.Data)
	if err != nil {
		return fmt.Errorf("event %q expectation: %w", ee.Topic, err)
	}

	matched := 0
	for _, rec := range events {
		if !matcher.Matches(rec.Topic) {
			continue
		}
		if ee.Source != "" && rec.Source != ee.Source {
			continue
		}
		if !subset(want, rec.Data) {
			continue
		}
		matched++
	}

	name := fmt.Sprintf("events matching %q", ee.Topic)
	switch {
	case ee.Count != nil && matched != *ee.Count:
		r.res.AddError(&AssertionError{
			Type:     name,
			Expected: fmt.Sprintf("%d", *ee.Count),
			Actual:   fmt.Sprintf("%d (captured: %s)", matched, describeTopics(events)),
		})
	case ee.Count == nil && matched == 0:
		r.res.AddError(&AssertionError{
			Type:     name,
			Expected: "at least one",
			Actual:   "none (captured: " + describeTopics(events) + ")",
		})
	}
	return nil
}

func (r *runner) checkStats(want map[string]uint64) error {
	stats, err := r.engine.Stats()
	if err != nil {
		return err
	}
	got := snapshotStats(stats).asMap()

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		actual, ok := got[name]
		if !ok {
			return fmt.Errorf("unknown stat %q (known: %s)", name, strings.Join(statNames(), ", "))
		}
		if actual != want[name] {
			r.res.AddError(&AssertionError{
				Type:     "stat " + name,
				Expected: strconv.FormatUint(want[name], 10),
				Actual:   strconv.FormatUint(actual, 10),
			})
		}
	}
	return nil
}

// subset reports whether every entry of want appears in got with an
// equal value. Nested structures compare whole, not key by key.
func subset(want, got value.Map) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok || !value.Equal(wv, gv) {
			return false
		}
	}
	return true
}

func describeTopics(events []EventRecord) string {
	if len(events) == 0 {
		return "no events"
	}
	topics := make([]string, len(events))
	for i, rec := range events {
		topics[i] = rec.Topic
	}
	return strings.Join(topics, ", ")
}
