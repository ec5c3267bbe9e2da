package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/trigger"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrInvalidParameters = errors.New("invalid action parameters")
)

// FieldScope is the resolver view of the triggering event. *resolver.Scope
// implements it.
type FieldScope interface {
	Resolve(ctx context.Context, fieldPath string) (model.Value, error)
	ResolveRef(ctx context.Context, fieldPath string) (model.EntityRef, error)
	Invalidate(ref model.EntityRef)
}

// Context carries what an action may read while it runs. Outputs holds the
// results of the actions already run in this execution.
type Context struct {
	Event     model.Event
	Workflow  *model.Workflow
	Execution *model.Execution
	Scope     FieldScope
	Outputs   []Result
}

// Data renders the context as json data for {$.path} templates.
func (c *Context) Data() map[string]any {
	data := map[string]any{
		"event":   c.Event.AsMap(),
		"payload": model.CopyMap(c.Event.Payload),
	}
	if c.Workflow != nil {
		wf := map[string]any{
			"id":   c.Workflow.ID,
			"name": c.Workflow.Name,
		}
		if c.Workflow.TenantID != nil {
			wf["tenant_id"] = c.Workflow.TenantID.String()
		}
		data["workflow"] = wf
		for _, t := range c.Workflow.Triggers {
			if trigger.TriggerAccepts(t, c.Event) {
				data["trigger"] = map[string]any{"id": t.ID, "event_data": model.CopyMap(t.EventData)}
				break
			}
		}
	}
	if c.Execution != nil {
		data["execution"] = map[string]any{
			"id":           c.Execution.ID,
			"triggered_by": c.Execution.TriggeredBy,
		}
	}
	outputs := make([]any, 0, len(c.Outputs))
	for _, r := range c.Outputs {
		outputs = append(outputs, map[string]any{
			"ok":     r.OK,
			"error":  r.Error,
			"output": model.CopyMap(r.Output),
		})
	}
	data["actions"] = outputs
	return data
}

type Result struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

func failed(err error) Result {
	return Result{OK: false, Error: err.Error()}
}

type Action interface {
	GetType() model.ActionType
	// Schema validates the templated parameters before Execute.
	Schema() *gojsonschema.Schema
	Validate(def model.Action, params map[string]any) error
	Execute(ctx context.Context, def model.Action, params map[string]any, actx *Context) (map[string]any, error)
}

type baseAction struct {
	actType model.ActionType
	schema  *gojsonschema.Schema
}

func newBaseAction(actType model.ActionType, schema string) baseAction {
	return baseAction{
		actType: actType,
		schema:  mustSchema(actType, schema),
	}
}

func (ba *baseAction) GetType() model.ActionType {
	return ba.actType
}

func (ba *baseAction) Schema() *gojsonschema.Schema {
	return ba.schema
}

func (ba *baseAction) Validate(def model.Action, params map[string]any) error {
	return nil
}

func (ba *baseAction) Execute(ctx context.Context, def model.Action, params map[string]any, actx *Context) (map[string]any, error) {
	return nil, fmt.Errorf("action %s can not be executed", ba.actType)
}

func mustSchema(actType model.ActionType, schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("invalid parameter schema for %s: %v", actType, err))
	}
	return s
}

func validateSchema(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(msgs, "; "))
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
