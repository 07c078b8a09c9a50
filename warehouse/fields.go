package warehouse

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// FIELDS - Typed field-name -> value mapping carried by records and versions
// =============================================================================

// Fields maps a field name to a typed value. Supported value types are
// string, bool, integers, float64, json.Number, decimal.Decimal, Date,
// time.Time and nil.
//
// Values are compared through their canonical string form. Stores persist
// that form, so a decimal 120.5 written and loaded back as the string
// "120.5" does not look like an attribute change. Text is compared as
// written unless the schema marks the field numeric (see WithNumeric).
type Fields map[string]any

// Canonical returns the canonical text of a field, "" when absent or nil.
func (f Fields) Canonical(name string) string {
	v, ok := f[name]
	if !ok {
		return ""
	}
	return canonical(v)
}

// Has reports whether the field is present with a non-empty value.
func (f Fields) Has(name string) bool {
	return f.Canonical(name) != ""
}

// String returns the canonical text of a field.
func (f Fields) String(name string) string {
	return f.Canonical(name)
}

// Decimal reads a numeric field. ok is false when the field is absent or empty.
func (f Fields) Decimal(name string) (decimal.Decimal, bool, error) {
	v, present := f[name]
	if !present || v == nil {
		return decimal.Zero, false, nil
	}
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true, nil
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, false, nil
		}
		return *x, true, nil
	}
	s := canonical(v)
	if s == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("field %s: %q is not a number", name, s)
	}
	return d, true, nil
}

// Date reads a date field. ok is false when the field is absent or empty.
func (f Fields) Date(name string) (Date, bool, error) {
	v, present := f[name]
	if !present || v == nil {
		return Date{}, false, nil
	}
	switch x := v.(type) {
	case Date:
		return x, !x.IsZero(), nil
	case time.Time:
		return DateOf(x), !x.IsZero(), nil
	case string:
		if strings.TrimSpace(x) == "" {
			return Date{}, false, nil
		}
		d, err := ParseDate(strings.TrimSpace(x))
		if err != nil {
			return Date{}, false, fmt.Errorf("field %s: %w", name, err)
		}
		return d, true, nil
	}
	return Date{}, false, fmt.Errorf("field %s: %T is not a date", name, v)
}

// Project returns the subset of fields named in `names`. Absent names are
// skipped.
func (f Fields) Project(names []string) Fields {
	out := make(Fields, len(names))
	for _, n := range names {
		if v, ok := f[n]; ok {
			out[n] = v
		}
	}
	return out
}

// WithNumeric returns a copy where numeric text in the named fields is
// replaced by its decimal value. Text that is not a number is kept.
func (f Fields) WithNumeric(names []string) Fields {
	if len(names) == 0 {
		return f
	}
	out := f.Clone()
	for _, n := range names {
		s, ok := out[n].(string)
		if !ok {
			continue
		}
		if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
			out[n] = d
		}
	}
	return out
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// EqualOn compares two field sets on the given names using canonical values.
// A missing field equals an empty one.
func (f Fields) EqualOn(other Fields, names []string) bool {
	for _, n := range names {
		if f.Canonical(n) != other.Canonical(n) {
			return false
		}
	}
	return true
}

// Diff lists the names (from `names`) whose canonical values differ.
func (f Fields) Diff(other Fields, names []string) []string {
	var changed []string
	for _, n := range names {
		if f.Canonical(n) != other.Canonical(n) {
			changed = append(changed, n)
		}
	}
	return changed
}

// HashOn returns a stable 64-bit hash of the named fields.
func (f Fields) HashOn(names []string) uint64 {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	h := xxhash.New()
	for _, n := range sorted {
		h.WriteString(n)
		h.WriteString("\x1f")
		h.WriteString(f.Canonical(n))
		h.WriteString("\x1e")
	}
	return h.Sum64()
}

// Canonicalize returns a copy where every value is replaced by its canonical
// text. Used before JSON persistence so reloaded values compare equal.
func (f Fields) Canonicalize() map[string]string {
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[k] = canonical(v)
	}
	return out
}

// FieldsFromStrings is the inverse of Canonicalize.
func FieldsFromStrings(m map[string]string) Fields {
	out := make(Fields, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return decimal.NewFromFloat(x).String()
	case float32:
		return decimal.NewFromFloat32(x).String()
	case json.Number:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return d.String()
		}
		return x.String()
	case decimal.Decimal:
		return x.String()
	case *decimal.Decimal:
		if x == nil {
			return ""
		}
		return x.String()
	case Date:
		return x.String()
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
