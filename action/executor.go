package action

import (
	"context"
	"fmt"
	"sort"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"go.uber.org/zap"
)

type Executor struct {
	actions map[model.ActionType]Action
}

func NewExecutor(actions ...Action) *Executor {
	e := &Executor{actions: make(map[model.ActionType]Action)}
	for _, a := range actions {
		e.Register(a)
	}
	return e
}

func (e *Executor) Register(a Action) {
	e.actions[a.GetType()] = a
}

func (e *Executor) Types() []model.ActionType {
	types := make([]model.ActionType, 0, len(e.actions))
	for t := range e.actions {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Validate checks a definition at save time: the type is registered and the
// literal parameters satisfy its schema.
func (e *Executor) Validate(def model.Action) error {
	a, ok := e.actions[def.ActionType]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownActionType, def.ActionType)
	}
	params, err := def.Params()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := validateSchema(a.Schema(), params); err != nil {
		return err
	}
	return a.Validate(def, params)
}

// Execute runs one action. Failures are reported in the result, never as a
// returned error.
func (e *Executor) Execute(ctx context.Context, def model.Action, actx *Context) Result {
	a, ok := e.actions[def.ActionType]
	if !ok {
		return failed(fmt.Errorf("%w %q", ErrUnknownActionType, def.ActionType))
	}
	params, err := def.Params()
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrInvalidParameters, err))
	}
	params = ResolveParams(ctx, actx, params)
	if err := validateSchema(a.Schema(), params); err != nil {
		return failed(err)
	}
	if err := a.Validate(def, params); err != nil {
		return failed(err)
	}
	output, err := a.Execute(ctx, def, params, actx)
	if err != nil {
		logger.Debug("action failed", zap.Int64("action", def.ID), zap.String("type", string(def.ActionType)), zap.Error(err))
		return failed(err)
	}
	return Result{OK: true, Output: output}
}
