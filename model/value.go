package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

type ValueKind string

const (
	VALUE_NULL   ValueKind = "null"
	VALUE_STRING ValueKind = "string"
	VALUE_NUMBER ValueKind = "number"
	VALUE_BOOL   ValueKind = "boolean"
	VALUE_TIME   ValueKind = "time"
	VALUE_ARRAY  ValueKind = "array"
	VALUE_OBJECT ValueKind = "object"
)

// Value is a tagged union over the json shapes a condition operand or a
// resolved field can take.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
	Arr  []Value
	Obj  map[string]Value
}

func Null() Value                { return Value{Kind: VALUE_NULL} }
func String(s string) Value      { return Value{Kind: VALUE_STRING, Str: s} }
func Number(n float64) Value     { return Value{Kind: VALUE_NUMBER, Num: n} }
func Bool(b bool) Value          { return Value{Kind: VALUE_BOOL, Bool: b} }
func Time(t time.Time) Value     { return Value{Kind: VALUE_TIME, Time: t.UTC()} }
func Array(items ...Value) Value { return Value{Kind: VALUE_ARRAY, Arr: items} }

func (v Value) IsNull() bool {
	return v.Kind == VALUE_NULL || v.Kind == ""
}

// FromAny canonicalises a go value. Every numeric kind becomes float64 and
// time values are normalised to UTC.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(n), nil
	case time.Time:
		return Time(t), nil
	case *time.Time:
		if t == nil {
			return Null(), nil
		}
		return Time(*t), nil
	case []any:
		arr := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, v)
		}
		return Value{Kind: VALUE_ARRAY, Arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{Kind: VALUE_OBJECT, Obj: obj}, nil
	}
	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		return FromAny(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		arr := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, v)
		}
		return Value{Kind: VALUE_ARRAY, Arr: arr}, nil
	case reflect.String:
		return String(rv.String()), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", in)
}

// ParseValue decodes a json encoded operand. Empty input is null.
func ParseValue(raw json.RawMessage) (Value, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Null(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var in any
	if err := dec.Decode(&in); err != nil {
		return Value{}, fmt.Errorf("invalid json value: %w", err)
	}
	return FromAny(in)
}

// AsNumber coerces the value to double precision. Numeric strings, booleans
// and times (unix seconds) are accepted.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case VALUE_NUMBER:
		return v.Num, true
	case VALUE_BOOL:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case VALUE_STRING:
		s := strings.TrimSpace(v.Str)
		if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) {
			return n, true
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return float64(t.UnixNano()) / 1e9, true
		}
	case VALUE_TIME:
		return float64(v.Time.UnixNano()) / 1e9, true
	}
	return 0, false
}

// AsString renders scalars as strings, used by string operators.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case VALUE_STRING:
		return v.Str, true
	case VALUE_NUMBER:
		return strconv.FormatFloat(v.Num, 'f', -1, 64), true
	case VALUE_BOOL:
		return strconv.FormatBool(v.Bool), true
	case VALUE_TIME:
		return v.Time.Format(time.RFC3339Nano), true
	}
	return "", false
}

func (v Value) AsBool() (bool, bool) {
	switch v.Kind {
	case VALUE_BOOL:
		return v.Bool, true
	case VALUE_STRING:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
		return b, err == nil
	case VALUE_NUMBER:
		return v.Num != 0, true
	}
	return false, false
}

// Equal compares two values after canonical coercion: numbers compare in
// float64, a bool or a time operand coerces the other side, strings compare
// case sensitively.
func (v Value) Equal(o Value) bool {
	if v.IsNull() || o.IsNull() {
		return v.IsNull() && o.IsNull()
	}
	switch {
	case v.Kind == VALUE_ARRAY || o.Kind == VALUE_ARRAY:
		if v.Kind != o.Kind || len(v.Arr) != len(o.Arr) {
			return false
		}
		for i := range v.Arr {
			if !v.Arr[i].Equal(o.Arr[i]) {
				return false
			}
		}
		return true
	case v.Kind == VALUE_OBJECT || o.Kind == VALUE_OBJECT:
		if v.Kind != o.Kind || len(v.Obj) != len(o.Obj) {
			return false
		}
		for k, item := range v.Obj {
			other, ok := o.Obj[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	case v.Kind == VALUE_BOOL || o.Kind == VALUE_BOOL:
		a, okA := v.AsBool()
		b, okB := o.AsBool()
		return okA && okB && a == b
	case v.Kind == VALUE_NUMBER || o.Kind == VALUE_NUMBER || v.Kind == VALUE_TIME || o.Kind == VALUE_TIME:
		a, okA := v.AsNumber()
		b, okB := o.AsNumber()
		return okA && okB && a == b
	}
	return v.Str == o.Str
}

// Interface converts back to plain json data.
func (v Value) Interface() any {
	switch v.Kind {
	case VALUE_STRING:
		return v.Str
	case VALUE_NUMBER:
		return v.Num
	case VALUE_BOOL:
		return v.Bool
	case VALUE_TIME:
		return v.Time.Format(time.RFC3339Nano)
	case VALUE_ARRAY:
		out := make([]any, 0, len(v.Arr))
		for _, item := range v.Arr {
			out = append(out, item.Interface())
		}
		return out
	case VALUE_OBJECT:
		out := make(map[string]any, len(v.Obj))
		for k, item := range v.Obj {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) String() string {
	if v.IsNull() {
		return "null"
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	data, _ := json.Marshal(v)
	return string(data)
}
