package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/rule"
)

// Scenario is a scripted run: rule files to load up front, then steps
// executed in order against a fresh engine.
type Scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Rules       []string `yaml:"rules"`
	Steps       []Step   `yaml:"steps"`

	// dir anchors relative rule and apply paths. Set by LoadScenario.
	dir string
}

// Step performs exactly one operation. The zero step is invalid.
type Step struct {
	Emit       *EmitStep       `yaml:"emit"`
	SetFact    *SetFactStep    `yaml:"set_fact"`
	DeleteFact *DeleteFactStep `yaml:"delete_fact"`
	Advance    string          `yaml:"advance"`
	Apply      string          `yaml:"apply"`
	Rollback   *RollbackStep   `yaml:"rollback"`
	Expect     *Expect         `yaml:"expect"`
}

// EmitStep publishes an external event and waits for its cascade.
type EmitStep struct {
	Topic string         `yaml:"topic"`
	Data  map[string]any `yaml:"data"`
}

// SetFactStep writes a fact as an external client would.
type SetFactStep struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
}

// DeleteFactStep removes a fact. Deleting a missing fact is not an error.
type DeleteFactStep struct {
	Key string `yaml:"key"`
}

// RollbackStep restores an earlier version of a registered rule.
type RollbackStep struct {
	Rule    string `yaml:"rule"`
	Version int64  `yaml:"version"`
}

// Expect asserts on facts, captured events, and engine statistics.
type Expect struct {
	Facts  []FactExpectation  `yaml:"facts"`
	Events []EventExpectation `yaml:"events"`
	Stats  map[string]uint64  `yaml:"stats"`
}

// FactExpectation checks one fact. With Absent set the fact must not
// exist; with a value it must match exactly; with neither, it must
// merely exist.
type FactExpectation struct {
	Key    string `yaml:"key"`
	Value  any    `yaml:"value"`
	Absent bool   `yaml:"absent"`
}

// EventExpectation matches captured external events by topic pattern,
// optionally narrowed by source and a top-level data subset. Count nil
// means at least one match; otherwise exactly Count.
type EventExpectation struct {
	Topic  string         `yaml:"topic"`
	Source string         `yaml:"source"`
	Count  *int           `yaml:"count"`
	Data   map[string]any `yaml:"data"`
}

// LoadScenario reads and validates the scenario at path. Relative rule
// and apply paths inside it resolve against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, errs.Wrapf(errs.KindOf(err), err, "%s", path)
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// ParseScenario decodes a scenario document. Unknown fields are
// rejected so a typoed step name fails loudly instead of silently
// doing nothing.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errs.Validationf("scenario is empty")
		}
		return nil, errs.Wrapf(errs.KindValidation, err, "parse scenario")
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// path resolves a rule or apply path relative to the scenario file.
func (s *Scenario) path(rel string) string {
	if filepath.IsAbs(rel) || s.dir == "" {
		return rel
	}
	return filepath.Join(s.dir, rel)
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return errs.Validationf("scenario has no name")
	}
	if len(s.Steps) == 0 {
		return errs.Validationf("scenario %q has no steps", s.Name)
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return errs.Wrapf(errs.KindValidation, err, "step %d", i+1)
		}
	}
	return nil
}

func (st *Step) validate() error {
	var kinds []string
	if st.Emit != nil {
		kinds = append(kinds, "emit")
	}
	if st.SetFact != nil {
		kinds = append(kinds, "set_fact")
	}
	if st.DeleteFact != nil {
		kinds = append(kinds, "delete_fact")
	}
	if st.Advance != "" {
		kinds = append(kinds, "advance")
	}
	if st.Apply != "" {
		kinds = append(kinds, "apply")
	}
	if st.Rollback != nil {
		kinds = append(kinds, "rollback")
	}
	if st.Expect != nil {
		kinds = append(kinds, "expect")
	}
	switch {
	case len(kinds) == 0:
		return errs.Validationf("step does nothing")
	case len(kinds) > 1:
		return errs.Validationf("step mixes %s", strings.Join(kinds, " and "))
	}

	switch {
	case st.Emit != nil && st.Emit.Topic == "":
		return errs.Validationf("emit has no topic")
	case st.SetFact != nil && st.SetFact.Key == "":
		return errs.Validationf("set_fact has no key")
	case st.DeleteFact != nil && st.DeleteFact.Key == "":
		return errs.Validationf("delete_fact has no key")
	case st.Advance != "":
		d, err := rule.ParseDuration(st.Advance)
		if err != nil {
			return err
		}
		if d <= 0 {
			return errs.Validationf("advance %q is not positive", st.Advance)
		}
	case st.Rollback != nil:
		if st.Rollback.Rule == "" {
			return errs.Validationf("rollback has no rule")
		}
		if st.Rollback.Version < 1 {
			return errs.Validationf("rollback version %d is not positive", st.Rollback.Version)
		}
	case st.Expect != nil:
		return st.Expect.validate()
	}
	return nil
}

func (ex *Expect) validate() error {
	if len(ex.Facts) == 0 && len(ex.Events) == 0 && len(ex.Stats) == 0 {
		return errs.Validationf("expect is empty")
	}
	for _, fe := range ex.Facts {
		if fe.Key == "" {
			return errs.Validationf("fact expectation has no key")
		}
		if fe.Absent && fe.Value != nil {
			return errs.Validationf("fact %q expects a value and absence at once", fe.Key)
		}
	}
	for _, ee := range ex.Events {
		if ee.Topic == "" {
			return errs.Validationf("event expectation has no topic")
		}
		if _, err := pattern.CompileTopic(ee.Topic); err != nil {
			return err
		}
		if ee.Count != nil && *ee.Count < 0 {
			return errs.Validationf("event %q count %d is negative", ee.Topic, *ee.Count)
		}
	}
	for name := range ex.Stats {
		if !knownStat(name) {
			return errs.Validationf("unknown stat %q (known: %s)", name, strings.Join(statNames(), ", "))
		}
	}
	return nil
}
