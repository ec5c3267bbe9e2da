package action

import (
	"context"
	"fmt"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"go.uber.org/zap"
)

const updateFieldSchema = `{
	"type": "object",
	"properties": {
		"field": {"type": "string", "minLength": 1},
		"value": {},
		"entity_id": {"type": "string", "minLength": 1},
		"target_model": {"type": "string", "enum": ["vehicle", "driver", "device", "group"]}
	},
	"required": ["field", "value"]
}`

// EntityWriter is the platform persistence layer's write side.
type EntityWriter interface {
	UpdateEntityField(ctx context.Context, kind model.EntityKind, id string, field string, value any) error
}

var _ Action = new(updateFieldAction)

type updateFieldAction struct {
	baseAction
	writer EntityWriter
}

func NewUpdateFieldAction(writer EntityWriter) *updateFieldAction {
	return &updateFieldAction{
		baseAction: newBaseAction(model.ACTION_UPDATE_FIELD, updateFieldSchema),
		writer:     writer,
	}
}

func targetModel(def model.Action, params map[string]any) (model.EntityKind, error) {
	if def.TargetModel != nil {
		if !def.TargetModel.Valid() {
			return "", fmt.Errorf("%w: unknown target_model %q", ErrInvalidParameters, *def.TargetModel)
		}
		return *def.TargetModel, nil
	}
	if s := stringParam(params, "target_model"); len(s) > 0 {
		kind, err := model.ParseEntityKind(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		return kind, nil
	}
	return "", fmt.Errorf("%w: update_field requires target_model", ErrInvalidParameters)
}

func (a *updateFieldAction) Validate(def model.Action, params map[string]any) error {
	_, err := targetModel(def, params)
	return err
}

// target picks the entity to write: the event source when kinds match, an
// explicit entity_id, or the root relation named after the target kind.
func (a *updateFieldAction) target(ctx context.Context, kind model.EntityKind, params map[string]any, actx *Context) (model.EntityRef, error) {
	if actx != nil && actx.Event.Source.Kind == kind {
		return actx.Event.Source, nil
	}
	if id := stringParam(params, "entity_id"); len(id) > 0 {
		return model.EntityRef{Kind: kind, ID: id}, nil
	}
	if actx == nil || actx.Scope == nil {
		return model.EntityRef{}, fmt.Errorf("no %s related to the event", kind)
	}
	ref, err := actx.Scope.ResolveRef(ctx, string(kind))
	if err != nil {
		return model.EntityRef{}, fmt.Errorf("resolving %s of %s: %w", kind, actx.Event.Source, err)
	}
	return ref, nil
}

func (a *updateFieldAction) Execute(ctx context.Context, def model.Action, params map[string]any, actx *Context) (map[string]any, error) {
	if a.writer == nil {
		return nil, fmt.Errorf("no entity writer configured")
	}
	kind, err := targetModel(def, params)
	if err != nil {
		return nil, err
	}
	ref, err := a.target(ctx, kind, params, actx)
	if err != nil {
		return nil, err
	}
	field := stringParam(params, "field")
	value := params["value"]
	if err := a.writer.UpdateEntityField(ctx, ref.Kind, ref.ID, field, value); err != nil {
		return nil, fmt.Errorf("updating %s.%s: %w", ref, field, err)
	}
	if actx != nil && actx.Scope != nil {
		actx.Scope.Invalidate(ref)
	}
	logger.Info("entity field updated", zap.String("entity", ref.String()), zap.String("field", field))
	return map[string]any{
		"entity": ref.String(),
		"field":  field,
		"value":  value,
	}, nil
}
