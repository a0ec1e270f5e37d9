// Package authoring loads rule definitions from YAML and CUE files and
// syncs them into a live engine. Both formats decode through the rule
// package's canonical JSON shape, so a rule reads the same no matter
// which format authored it. The package also carries a fluent builder
// for rules constructed in Go and a directory watcher for hot reload.
package authoring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
)

// Set is the parsed content of one or more rule files.
type Set struct {
	Groups []rule.Group
	Rules  []rule.Rule
}

// Empty reports whether the set defines nothing.
func (s Set) Empty() bool {
	return len(s.Groups) == 0 && len(s.Rules) == 0
}

// RuleIDs returns the ids of the set's rules in definition order.
func (s Set) RuleIDs() []string {
	ids := make([]string, 0, len(s.Rules))
	for _, r := range s.Rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func (s Set) checkDuplicates() error {
	seen := map[string]bool{}
	for _, g := range s.Groups {
		if seen["group:"+g.ID] {
			return errs.Validationf("group %q defined twice", g.ID)
		}
		seen["group:"+g.ID] = true
	}
	for _, r := range s.Rules {
		if seen["rule:"+r.ID] {
			return errs.Validationf("rule %q defined twice", r.ID)
		}
		seen["rule:"+r.ID] = true
	}
	return nil
}

func (s Set) validate() error {
	if err := s.checkDuplicates(); err != nil {
		return err
	}
	for i := range s.Groups {
		if err := s.Groups[i].Validate(); err != nil {
			return err
		}
	}
	for i := range s.Rules {
		if err := s.Rules[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func parseGroupJSON(data []byte) (rule.Group, error) {
	var g rule.Group
	if err := json.Unmarshal(data, &g); err != nil {
		return rule.Group{}, err
	}
	return g, nil
}

// LoadFile parses one rule file, dispatching on extension: .yaml and
// .yml decode as YAML, .cue compiles as CUE. Every rule and group in
// the file is validated.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read rule file: %w", err)
	}
	var set Set
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		set, err = ParseYAML(data)
	case ".cue":
		set, err = ParseCUE(filepath.Base(path), data)
	default:
		return Set{}, errs.Validationf("%s: unsupported rule file extension %q", path, filepath.Ext(path))
	}
	if err != nil {
		return Set{}, errs.Wrapf(errs.KindOf(err), err, "%s", path)
	}
	return set, nil
}

// LoadDir walks dir and loads every rule file in it, merging the
// results. Files load in path order so the merged definition order is
// stable. Entries whose name starts with "." or "_" are skipped. A rule
// or group id defined by two files is an error.
func LoadDir(dir string) (Set, error) {
	paths, err := findRuleFiles(dir)
	if err != nil {
		return Set{}, err
	}
	if len(paths) == 0 {
		return Set{}, errs.Validationf("%s: no rule files (.yaml, .yml, .cue)", dir)
	}

	var merged Set
	owner := map[string]string{}
	for _, path := range paths {
		set, err := LoadFile(path)
		if err != nil {
			return Set{}, err
		}
		for _, g := range set.Groups {
			if prev, ok := owner["group:"+g.ID]; ok {
				return Set{}, errs.Validationf("group %q defined in both %s and %s", g.ID, prev, path)
			}
			owner["group:"+g.ID] = path
			merged.Groups = append(merged.Groups, g)
		}
		for _, r := range set.Rules {
			if prev, ok := owner["rule:"+r.ID]; ok {
				return Set{}, errs.Validationf("rule %q defined in both %s and %s", r.ID, prev, path)
			}
			owner["rule:"+r.ID] = path
			merged.Rules = append(merged.Rules, r)
		}
	}
	return merged, nil
}

// findRuleFiles returns the rule files under dir, sorted by path.
func findRuleFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if isRuleFile(name) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rules dir: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func isRuleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}
