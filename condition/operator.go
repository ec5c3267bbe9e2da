package condition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mohitkumar/fleetrules/model"
)

const (
	OP_EQUALS                = "equals"
	OP_NOT_EQUALS            = "not_equals"
	OP_GREATER_THAN          = "greater_than"
	OP_GREATER_THAN_OR_EQUAL = "greater_than_or_equal"
	OP_LESS_THAN             = "less_than"
	OP_LESS_THAN_OR_EQUAL    = "less_than_or_equal"
	OP_CONTAINS              = "contains"
	OP_NOT_CONTAINS          = "not_contains"
	OP_STARTS_WITH           = "starts_with"
	OP_ENDS_WITH             = "ends_with"
	OP_IN                    = "in"
	OP_NOT_IN                = "not_in"
	OP_IS_NULL               = "is_null"
	OP_IS_NOT_NULL           = "is_not_null"
	OP_IN_GEOFENCE           = "in_geofence"
	OP_NOT_IN_GEOFENCE       = "not_in_geofence"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrMalformedValue  = errors.New("malformed condition value")
	ErrTypeMismatch    = errors.New("type mismatch")
)

// OperandKind is the shape an operator expects for its json value.
type OperandKind string

const (
	OPERAND_NONE     OperandKind = "none"
	OPERAND_SCALAR   OperandKind = "scalar"
	OPERAND_NUMBER   OperandKind = "number"
	OPERAND_STRING   OperandKind = "string"
	OPERAND_ARRAY    OperandKind = "array"
	OPERAND_GEOFENCE OperandKind = "geofence"
)

type applyFunc func(ctx context.Context, e *Evaluator, field model.Value, operand model.Value) (bool, error)

type Operator struct {
	Name    string
	Operand OperandKind
	// OnMissing is the result when the field path does not resolve.
	OnMissing bool
	apply     applyFunc
}

func (o Operator) NeedsValue() bool {
	return o.Operand != OPERAND_NONE
}

// ParseOperand decodes and checks the json value against the operand kind.
func (o Operator) ParseOperand(raw []byte) (model.Value, error) {
	v, err := model.ParseValue(raw)
	if err != nil {
		return model.Value{}, fmt.Errorf("%w: %v", ErrMalformedValue, err)
	}
	switch o.Operand {
	case OPERAND_NONE:
		return v, nil
	case OPERAND_SCALAR:
		switch v.Kind {
		case model.VALUE_STRING, model.VALUE_NUMBER, model.VALUE_BOOL:
			return v, nil
		}
	case OPERAND_NUMBER:
		if _, ok := v.AsNumber(); ok && v.Kind != model.VALUE_BOOL {
			return v, nil
		}
	case OPERAND_STRING:
		if v.Kind == model.VALUE_STRING {
			return v, nil
		}
	case OPERAND_ARRAY:
		if v.Kind == model.VALUE_ARRAY {
			return v, nil
		}
	case OPERAND_GEOFENCE:
		if v.Kind == model.VALUE_STRING && len(strings.TrimSpace(v.Str)) > 0 {
			return v, nil
		}
		if v.Kind == model.VALUE_NUMBER {
			s, _ := v.AsString()
			return model.String(s), nil
		}
	}
	return model.Value{}, fmt.Errorf("%w: operator %s expects %s value, got %s", ErrMalformedValue, o.Name, o.Operand, v.Kind)
}

var operators = map[string]Operator{}

func register(op Operator) {
	operators[op.Name] = op
}

func Lookup(name string) (Operator, error) {
	op, ok := operators[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Operator{}, fmt.Errorf("%w %q", ErrUnknownOperator, name)
	}
	return op, nil
}

func Operators() []string {
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	register(Operator{Name: OP_EQUALS, Operand: OPERAND_SCALAR, apply: equals})
	register(Operator{Name: OP_NOT_EQUALS, Operand: OPERAND_SCALAR, apply: not(equals)})
	register(Operator{Name: OP_GREATER_THAN, Operand: OPERAND_NUMBER, apply: compare(func(a, b float64) bool { return a > b })})
	register(Operator{Name: OP_GREATER_THAN_OR_EQUAL, Operand: OPERAND_NUMBER, apply: compare(func(a, b float64) bool { return a >= b })})
	register(Operator{Name: OP_LESS_THAN, Operand: OPERAND_NUMBER, apply: compare(func(a, b float64) bool { return a < b })})
	register(Operator{Name: OP_LESS_THAN_OR_EQUAL, Operand: OPERAND_NUMBER, apply: compare(func(a, b float64) bool { return a <= b })})
	register(Operator{Name: OP_CONTAINS, Operand: OPERAND_SCALAR, apply: contains})
	register(Operator{Name: OP_NOT_CONTAINS, Operand: OPERAND_SCALAR, apply: not(contains)})
	register(Operator{Name: OP_STARTS_WITH, Operand: OPERAND_STRING, apply: affix(strings.HasPrefix)})
	register(Operator{Name: OP_ENDS_WITH, Operand: OPERAND_STRING, apply: affix(strings.HasSuffix)})
	register(Operator{Name: OP_IN, Operand: OPERAND_ARRAY, apply: in})
	register(Operator{Name: OP_NOT_IN, Operand: OPERAND_ARRAY, OnMissing: true, apply: not(in)})
	register(Operator{Name: OP_IS_NULL, Operand: OPERAND_NONE, OnMissing: true, apply: isNull})
	register(Operator{Name: OP_IS_NOT_NULL, Operand: OPERAND_NONE, apply: not(isNull)})
	register(Operator{Name: OP_IN_GEOFENCE, Operand: OPERAND_GEOFENCE, apply: inGeofence})
	register(Operator{Name: OP_NOT_IN_GEOFENCE, Operand: OPERAND_GEOFENCE, apply: not(inGeofence)})
}

func not(fn applyFunc) applyFunc {
	return func(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
		ok, err := fn(ctx, e, field, operand)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

func equals(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
	return field.Equal(operand), nil
}

func compare(cmp func(a, b float64) bool) applyFunc {
	return func(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
		if field.IsNull() {
			return false, nil
		}
		a, ok := field.AsNumber()
		if !ok {
			return false, fmt.Errorf("%w: field value %q is not numeric", ErrTypeMismatch, field.String())
		}
		b, _ := operand.AsNumber()
		return cmp(a, b), nil
	}
}

func contains(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
	switch field.Kind {
	case model.VALUE_ARRAY:
		for _, item := range field.Arr {
			if item.Equal(operand) {
				return true, nil
			}
		}
		return false, nil
	case model.VALUE_NULL:
		return false, nil
	}
	s, ok := field.AsString()
	if !ok {
		return false, fmt.Errorf("%w: contains on %s field", ErrTypeMismatch, field.Kind)
	}
	needle, _ := operand.AsString()
	return strings.Contains(s, needle), nil
}

func affix(fn func(s, affix string) bool) applyFunc {
	return func(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
		if field.IsNull() {
			return false, nil
		}
		s, ok := field.AsString()
		if !ok {
			return false, fmt.Errorf("%w: string operator on %s field", ErrTypeMismatch, field.Kind)
		}
		return fn(s, operand.Str), nil
	}
}

func in(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
	for _, item := range operand.Arr {
		if item.Equal(field) {
			return true, nil
		}
	}
	return false, nil
}

func isNull(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
	return field.IsNull(), nil
}
