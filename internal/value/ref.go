package value

import (
	"regexp"
	"strings"
)

var refToken = regexp.MustCompile(`\$\{([^{}]+)\}`)

// WholeRefPath reports whether s is exactly one ${path} token and returns
// the inner path. "${a}/${b}" and "order-${id}" are not whole references.
func WholeRefPath(s string) (string, bool) {
	m := refToken.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return "", false
	}
	return m[1], true
}

// ContainsRefToken reports whether s embeds at least one ${path} token.
func ContainsRefToken(s string) bool {
	return refToken.MatchString(s)
}

// ExpandString expands the ${path} tokens in s using resolve. A string
// that is exactly one token yields the resolved value itself, preserving
// its type; mixed content yields a String with each token replaced by the
// resolved value's Format rendering. Resolution errors propagate.
func ExpandString(s string, resolve func(path string) (Value, error)) (Value, error) {
	if path, ok := WholeRefPath(s); ok {
		return resolve(path)
	}
	if !refToken.MatchString(s) {
		return String(s), nil
	}
	var (
		b    strings.Builder
		last int
		err  error
	)
	for _, loc := range refToken.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(s[last:loc[0]])
		var v Value
		v, err = resolve(s[loc[2]:loc[3]])
		if err != nil {
			return nil, err
		}
		b.WriteString(Format(v))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return String(b.String()), nil
}
