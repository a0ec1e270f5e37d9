package rule

import (
	"fmt"
	"regexp"
	"time"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/value"
)

var durationRE = regexp.MustCompile(`^(\d+)(ms|s|m|h|d|w|y)$`)

// ParseDuration parses the duration shorthand used in rule sources: a
// count with one unit suffix out of ms, s, m, h, d (24h), w (7d) or
// y (365d). Compound forms like "1h30m" fall through to the standard
// library parser.
func ParseDuration(s string) (time.Duration, error) {
	if m := durationRE.FindStringSubmatch(s); m != nil {
		var n int64
		if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
			return 0, errs.Validationf("duration %q: %v", s, err)
		}
		unit := map[string]time.Duration{
			"ms": time.Millisecond,
			"s":  time.Second,
			"m":  time.Minute,
			"h":  time.Hour,
			"d":  24 * time.Hour,
			"w":  7 * 24 * time.Hour,
			"y":  365 * 24 * time.Hour,
		}[m[2]]
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errs.Validationf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, errs.Validationf("negative duration %q", s)
	}
	return d, nil
}

// DurationFromValue accepts the two wire spellings of a duration: a
// number of milliseconds or a shorthand string.
func DurationFromValue(v value.Value) (time.Duration, error) {
	switch val := v.(type) {
	case value.Number:
		if val < 0 {
			return 0, errs.Validationf("negative duration %v", float64(val))
		}
		return time.Duration(float64(val) * float64(time.Millisecond)), nil
	case value.String:
		return ParseDuration(string(val))
	default:
		return 0, errs.Validationf("duration must be a number of milliseconds or a string, got %T", v)
	}
}

// FormatDuration renders d in the largest single unit that divides it
// evenly, the inverse of ParseDuration for round numbers.
func FormatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "0ms"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}
