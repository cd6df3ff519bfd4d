// Package record implements the normalized log record type as specified in
// section 3 of the design specification. A Record is an order-insensitive
// mapping from field name to a tagged scalar value, produced by a parser and
// immutable once returned.
package record

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Kind identifies which variant of Scalar is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindTime
)

// Scalar is a tagged union over the field value types allowed in a Record,
// as defined in section 3 of the spec: string | int64 | float64 | bool |
// timestamp | null.
type Scalar struct {
	kind  Kind
	str   string
	i64   int64
	f64   float64
	boo   bool
	tstmp time.Time
}

// Null returns the null scalar.
func Null() Scalar { return Scalar{kind: KindNull} }

// String wraps a string value.
func String(v string) Scalar { return Scalar{kind: KindString, str: v} }

// Int64 wraps an integer value.
func Int64(v int64) Scalar { return Scalar{kind: KindInt64, i64: v} }

// Float64 wraps a floating point value.
func Float64(v float64) Scalar { return Scalar{kind: KindFloat64, f64: v} }

// Bool wraps a boolean value.
func Bool(v bool) Scalar { return Scalar{kind: KindBool, boo: v} }

// Time wraps a timestamp value. Per the invariant in section 3, this must
// never carry a naive local time; callers should convert to UTC first.
func Time(v time.Time) Scalar { return Scalar{kind: KindTime, tstmp: v.UTC()} }

// Kind reports which variant is populated.
func (s Scalar) Kind() Kind { return s.kind }

// IsNull reports whether the scalar is the null variant.
func (s Scalar) IsNull() bool { return s.kind == KindNull }

// AsString returns the string value and whether the scalar held one.
func (s Scalar) AsString() (string, bool) { return s.str, s.kind == KindString }

// AsInt64 returns the int64 value and whether the scalar held one.
func (s Scalar) AsInt64() (int64, bool) { return s.i64, s.kind == KindInt64 }

// AsFloat64 returns the float64 value and whether the scalar held one.
func (s Scalar) AsFloat64() (float64, bool) { return s.f64, s.kind == KindFloat64 }

// AsBool returns the bool value and whether the scalar held one.
func (s Scalar) AsBool() (bool, bool) { return s.boo, s.kind == KindBool }

// AsTime returns the time value and whether the scalar held one.
func (s Scalar) AsTime() (time.Time, bool) { return s.tstmp, s.kind == KindTime }

// Interface returns the scalar's underlying Go value for generic consumers
// (e.g. JSON serialization outside this package).
func (s Scalar) Interface() interface{} {
	switch s.kind {
	case KindNull:
		return nil
	case KindBool:
		return s.boo
	case KindInt64:
		return s.i64
	case KindFloat64:
		return s.f64
	case KindString:
		return s.str
	case KindTime:
		return s.tstmp.Format(time.RFC3339Nano)
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(s.boo)
	case KindInt64:
		return json.Marshal(s.i64)
	case KindFloat64:
		return json.Marshal(s.f64)
	case KindString:
		return json.Marshal(s.str)
	case KindTime:
		return json.Marshal(s.tstmp.UTC().Format(time.RFC3339Nano))
	default:
		return nil, fmt.Errorf("record: unknown scalar kind %d", s.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Numbers decode as float64 unless
// they are integral and fit in int64, matching how the parsers in this
// module produce records; callers that need a guaranteed float should use
// sentinelsink's TableConfig.TypeMap coercion (Double) instead of relying on
// this heuristic. Strings, including timestamps written by MarshalJSON,
// decode as String scalars.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("record: decode scalar: %w", err)
	}
	*s = fromInterface(raw)
	return nil
}

func fromInterface(raw interface{}) Scalar {
	switch v := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(v)
	case string:
		return String(v)
	case float64:
		if v == float64(int64(v)) {
			return Int64(int64(v))
		}
		return Float64(v)
	case int64:
		return Int64(v)
	case time.Time:
		return Time(v)
	default:
		return String(fmt.Sprintf("%v", v))
	}
}

// Record is an order-insensitive mapping from field name to scalar value.
// It is treated as immutable once returned by a parser: callers that need a
// modified copy should use Clone and mutate the copy.
type Record map[string]Scalar

// New creates an empty Record ready for population.
func New() Record { return make(Record) }

// Clone returns a shallow copy safe to mutate independently of the original.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has reports whether the named field is present (including explicit nulls).
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// MissingFields returns, in the order given, any of the named fields absent
// from the record.
func (r Record) MissingFields(required []string) []string {
	var missing []string
	for _, f := range required {
		if !r.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}
