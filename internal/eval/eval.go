// Package eval builds the world a single rule fire sees and resolves
// references and conditions against it.
package eval

import (
	"strings"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/value"
)

// FactReader is the read side of the fact store needed during evaluation.
type FactReader interface {
	Get(key string) (value.Value, bool)
	QueryValues(pattern string) ([]value.Value, error)
}

// Context carries the roots a reference path may start from: the triggering
// payload under event, temporal aliases at the top level, the fact store
// under fact, resolved lookups under lookups and the fire's scratch values
// under context.
type Context struct {
	Event   value.Map
	Aliases value.Map
	Facts   FactReader
	Lookups value.Map
	Vars    value.Map
}

// ResolvePath resolves a dot path against the context roots. The second
// return reports whether the path named an existing value; a missing path
// is undefined, not an error.
func (c *Context) ResolvePath(path string) (value.Value, bool) {
	if path == "" {
		return value.Null{}, false
	}
	root, rest := splitRoot(path)

	// Temporal aliases shadow the fixed roots.
	if c.Aliases != nil {
		if v, ok := c.Aliases[root]; ok {
			return value.Lookup(v, rest)
		}
	}
	switch root {
	case "event":
		if c.Event == nil {
			return value.Null{}, false
		}
		return value.Lookup(c.Event, rest)
	case "fact":
		return c.resolveFactPath(rest)
	case "lookups":
		if c.Lookups == nil {
			return value.Null{}, false
		}
		return value.Lookup(c.Lookups, rest)
	case "context":
		if c.Vars == nil {
			return value.Null{}, false
		}
		return value.Lookup(c.Vars, rest)
	}
	return value.Null{}, false
}

// Fact keys may themselves contain dots, so the full remainder is probed as
// a key first, then successively shorter dot-prefixes, descending into the
// stored value with whatever is left over.
func (c *Context) resolveFactPath(path string) (value.Value, bool) {
	if c.Facts == nil || path == "" {
		return value.Null{}, false
	}
	if v, ok := c.Facts.Get(path); ok {
		return v, true
	}
	for i := strings.LastIndexByte(path, '.'); i > 0; i = strings.LastIndexByte(path[:i], '.') {
		if v, ok := c.Facts.Get(path[:i]); ok {
			return value.Lookup(v, path[i+1:])
		}
	}
	return value.Null{}, false
}

// Resolve replaces every reference inside v, mapping missing paths to null.
// Condition inputs resolve this way so absent data compares as undefined.
func (c *Context) Resolve(v value.Value) (value.Value, error) {
	return c.resolve(v, false)
}

// ResolveStrict replaces every reference inside v and fails on the first
// missing path. Action inputs resolve strictly so a fire surfaces bad data
// instead of silently writing nulls.
func (c *Context) ResolveStrict(v value.Value) (value.Value, error) {
	return c.resolve(v, true)
}

// ResolveTemplate interpolates references inside a string field such as a
// fact key or an event topic. Always strict: a key built from a missing
// path is never what the author meant.
func (c *Context) ResolveTemplate(s string) (string, error) {
	if !value.ContainsRefToken(s) {
		return s, nil
	}
	v, err := value.ExpandString(s, func(path string) (value.Value, error) {
		return c.resolvePathMode(path, true)
	})
	if err != nil {
		return "", err
	}
	if str, ok := v.(value.String); ok {
		return string(str), nil
	}
	return value.Format(v), nil
}

func (c *Context) resolve(v value.Value, strict bool) (value.Value, error) {
	switch t := v.(type) {
	case value.Ref:
		return c.resolvePathMode(t.Path, strict)
	case value.String:
		if !value.ContainsRefToken(string(t)) {
			return t, nil
		}
		return value.ExpandString(string(t), func(path string) (value.Value, error) {
			return c.resolvePathMode(path, strict)
		})
	case value.List:
		out := make(value.List, len(t))
		for i, item := range t {
			r, err := c.resolve(item, strict)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case value.Map:
		out := make(value.Map, len(t))
		for k, item := range t {
			r, err := c.resolve(item, strict)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *Context) resolvePathMode(path string, strict bool) (value.Value, error) {
	got, ok := c.ResolvePath(path)
	if !ok {
		if strict {
			return nil, errs.Newf(errs.KindDataResolution, "undefined reference %q", path)
		}
		return value.Null{}, nil
	}
	return got, nil
}

func splitRoot(path string) (root, rest string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
