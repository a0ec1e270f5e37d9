package authoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
)

// yamlFile is the document shape of a YAML rule file:
//
//	groups:
//	  - id: orders
//	    name: Order rules
//	rules:
//	  - id: flag-large
//	    name: Flag large orders
//	    trigger: {type: event, topic: order.created}
//	    conditions:
//	      - source: {type: event, field: total}
//	        operator: gt
//	        value: 1000
//	    actions:
//	      - {type: set_fact, key: "order:${event.orderId}:flagged", value: true}
//
// Elements decode as plain YAML values and then pass through the rule
// package's JSON codec, so field names, discriminators and duration
// shorthands are exactly the canonical wire shape.
type yamlFile struct {
	Groups []any `yaml:"groups"`
	Rules  []any `yaml:"rules"`
}

// ParseYAML parses one YAML rule document. Unknown top-level keys are
// rejected; every rule and group is validated.
func ParseYAML(data []byte) (Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc yamlFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Set{}, errs.Validationf("file defines no rules or groups")
		}
		return Set{}, errs.Wrapf(errs.KindValidation, err, "parse yaml")
	}
	if len(doc.Groups) == 0 && len(doc.Rules) == 0 {
		return Set{}, errs.Validationf("file defines no rules or groups")
	}

	var set Set
	for i, raw := range doc.Groups {
		data, err := encodeElement(raw)
		if err != nil {
			return Set{}, errs.Wrapf(errs.KindValidation, err, "group %d", i)
		}
		g, err := parseGroupJSON(data)
		if err != nil {
			return Set{}, errs.Wrapf(errs.KindValidation, err, "group %d", i)
		}
		set.Groups = append(set.Groups, g)
	}
	for i, raw := range doc.Rules {
		data, err := encodeElement(raw)
		if err != nil {
			return Set{}, errs.Wrapf(errs.KindValidation, err, "rule %d", i)
		}
		r, err := rule.ParseJSON(data)
		if err != nil {
			return Set{}, errs.Wrapf(errs.KindValidation, err, "rule %d", i)
		}
		set.Rules = append(set.Rules, *r)
	}

	if err := set.validate(); err != nil {
		return Set{}, err
	}
	return set, nil
}

// encodeElement re-encodes a decoded YAML value as JSON so it can flow
// through the canonical rule codec.
func encodeElement(v any) ([]byte, error) {
	norm, err := jsonReady(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// jsonReady rewrites yaml.v3 output into values encoding/json accepts.
// yaml.v3 decodes mappings with non-string keys as map[any]any, which
// json.Marshal rejects; rule definitions never need such keys.
func jsonReady(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			norm, err := jsonReady(elem)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("mapping key %v is not a string", k)
			}
			norm, err := jsonReady(elem)
			if err != nil {
				return nil, err
			}
			out[key] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			norm, err := jsonReady(elem)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	default:
		return v, nil
	}
}
