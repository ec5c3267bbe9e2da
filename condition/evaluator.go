package condition

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/resolver"
	"go.uber.org/zap"
)

// FieldSource resolves field paths for one event. *resolver.Scope implements it.
type FieldSource interface {
	Resolve(ctx context.Context, fieldPath string) (model.Value, error)
}

// Step is one evaluated condition of a group. Operator joins this result
// with the next step's result.
type Step struct {
	Result   bool
	Operator model.LogicalOperator
}

// Fold left-folds a group: result = step[0]; result = result <op[i-1]> step[i].
// An empty group is true.
func Fold(steps []Step) bool {
	res, _ := foldLazy(len(steps), func(i int) model.LogicalOperator {
		return steps[i].Operator
	}, func(i int) (bool, error) {
		return steps[i].Result, nil
	})
	return res
}

// foldLazy folds n steps evaluating each one only when its value can still
// change the running result.
func foldLazy(n int, opAt func(i int) model.LogicalOperator, eval func(i int) (bool, error)) (bool, error) {
	if n == 0 {
		return true, nil
	}
	result, err := eval(0)
	if err != nil {
		return false, err
	}
	for i := 1; i < n; i++ {
		op := opAt(i - 1)
		if op == model.LOGICAL_OR {
			if result {
				continue
			}
		} else if !result {
			continue
		}
		next, err := eval(i)
		if err != nil {
			return false, err
		}
		result = next
	}
	return result, nil
}

type Evaluator struct {
	geofences GeofenceLookup
}

func NewEvaluator(geofences GeofenceLookup) *Evaluator {
	return &Evaluator{geofences: geofences}
}

// Evaluate reports whether the workflow's conditions pass. Groups are OR'd in
// ascending group id. Only faults of the lookup collaborators are returned as
// errors; bad conditions just evaluate to false.
func (e *Evaluator) Evaluate(ctx context.Context, wf *model.Workflow, fields FieldSource) (bool, error) {
	groups := wf.ConditionGroups()
	if len(groups) == 0 {
		return true, nil
	}
	for _, group := range groups {
		group := group
		ok, err := foldLazy(len(group), func(i int) model.LogicalOperator {
			return group[i].LogicalOperator
		}, func(i int) (bool, error) {
			return e.EvaluateCondition(ctx, group[i], fields)
		})
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// EvaluateCondition evaluates a single condition against the field source.
func (e *Evaluator) EvaluateCondition(ctx context.Context, c model.Condition, fields FieldSource) (bool, error) {
	op, err := Lookup(c.Operator)
	if err != nil {
		logger.Debug("condition evaluation error", zap.Int64("condition", c.ID), zap.Error(err))
		return false, nil
	}
	operand, err := op.ParseOperand(c.Value)
	if err != nil {
		logger.Debug("condition evaluation error", zap.Int64("condition", c.ID), zap.Error(err))
		return false, nil
	}
	field, err := fields.Resolve(ctx, c.FieldPath)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrFieldNotFound):
			return op.OnMissing, nil
		case errors.Is(err, resolver.ErrInvalidPath), errors.Is(err, resolver.ErrMaxDepth), errors.Is(err, resolver.ErrRelationCycle):
			logger.Debug("condition evaluation error", zap.Int64("condition", c.ID), zap.String("field", c.FieldPath), zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("resolving %s: %w", c.FieldPath, err)
	}
	ok, err := op.apply(ctx, e, field, operand)
	if err != nil {
		if isConditionError(err) {
			logger.Debug("condition evaluation error", zap.Int64("condition", c.ID), zap.String("field", c.FieldPath), zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("condition %d: %w", c.ID, err)
	}
	return ok, nil
}

// Validate checks that a condition's operator is known and its value has the
// shape the operator expects.
func Validate(c model.Condition) error {
	op, err := Lookup(c.Operator)
	if err != nil {
		return err
	}
	if len(c.FieldPath) == 0 {
		return fmt.Errorf("condition field_path is required")
	}
	if !op.NeedsValue() {
		return nil
	}
	_, err = op.ParseOperand(c.Value)
	return err
}

func isConditionError(err error) bool {
	return errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrMalformedValue) ||
		errors.Is(err, ErrGeofenceNotFound) ||
		errors.Is(err, ErrInvalidGeofence)
}
