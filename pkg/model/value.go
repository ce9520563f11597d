package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind tags the variant held by a Value
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindTime
)

// String returns the name of the kind
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Value is a typed attribute value: a string, a number, a bool or a timestamp.
// The zero Value is the empty string.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	t    time.Time
}

// Attributes is an open mapping of attribute name to typed value.
// Used for both Node.Properties and Node.Metadata.
type Attributes map[string]Value

// String creates a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number creates a numeric value
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Int creates a numeric value from an int
func Int(i int) Value { return Value{kind: KindNumber, num: float64(i)} }

// Bool creates a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time creates a timestamp value
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Kind returns the variant tag
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string variant and whether v holds one
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric variant and whether v holds one
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the boolean variant and whether v holds one
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Time returns the timestamp variant and whether v holds one
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTime }

// Float returns a numeric reading of the value.
// Strings are parsed, bools map to 0/1, times to unix seconds.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindTime:
		return float64(v.t.Unix()), true
	}
	return 0, false
}

// Truthy reports whether the value reads as "set": true, non-zero, non-empty.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0
	case KindString:
		return v.str != "" && v.str != "false" && v.str != "0"
	case KindTime:
		return !v.t.IsZero()
	}
	return false
}

// String renders the value the way predicates and projections see it
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return v.str
	}
}

// Any returns the value as a plain Go value (string, float64, bool or time.Time)
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	default:
		return v.str
	}
}

// Equal compares two values including their kind
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return v.str == o.str
	}
}

// timeEnvelope is the JSON shape of a time value, so plain strings stay strings
type timeEnvelope struct {
	Time time.Time `json:"$time"`
}

// MarshalJSON encodes strings, numbers and bools as plain JSON and times as {"$time": ...}
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("value: cannot encode %v", v.num)
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(timeEnvelope{Time: v.t})
	default:
		return json.Marshal(v.str)
	}
}

// UnmarshalJSON accepts any of the encodings produced by MarshalJSON
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("value: empty input")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var env timeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("value: unsupported object: %w", err)
		}
		*v = Time(env.Time)
	case 'n':
		*v = Value{}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("value: unsupported literal %s: %w", data, err)
		}
		*v = Number(f)
	}
	return nil
}

// Clone returns a copy of the mapping (nil stays nil)
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Equal compares two mappings; nil and empty are equal
func (a Attributes) Equal(o Attributes) bool {
	if len(a) != len(o) {
		return false
	}
	for k, v := range a {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Get looks up a key on a possibly nil mapping
func (a Attributes) Get(key string) (Value, bool) {
	if a == nil {
		return Value{}, false
	}
	v, ok := a[key]
	return v, ok
}
