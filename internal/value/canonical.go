package value

import (
	"bytes"
	"fmt"
	"math"

	"golang.org/x/text/unicode/norm"
)

// Canonical produces deterministic canonical JSON in the style of
// RFC 8785: object keys sorted by UTF-16 code units, strings NFC
// normalized with no HTML escaping, and integral numbers rendered without
// a fractional part. The engine keys its lookup cache on this encoding,
// so equal values must always produce identical bytes.
//
// Refs serialize as their {"ref": path} object form. NaN and infinities
// have no JSON representation and return an error.
func Canonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
		return nil
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case Number:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%v has no canonical JSON form", f)
		}
		buf.WriteString(formatNumber(f))
		return nil
	case String:
		appendCanonicalString(buf, string(val))
		return nil
	case List:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	case Map:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := appendCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
		return nil
	case Ref:
		buf.WriteString(`{"ref":`)
		appendCanonicalString(buf, val.Path)
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// appendCanonicalString writes s as a canonical JSON string. Per RFC 8785
// only the quote, backslash and control characters are escaped; <, >, &,
// U+2028 and U+2029 are written literally, unlike encoding/json's
// default encoder.
func appendCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range norm.NFC.String(s) {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
