package action

import (
	"context"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"go.uber.org/zap"
)

const logSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
	},
	"required": ["message"]
}`

var _ Action = new(logAction)

type logAction struct {
	baseAction
}

func NewLogAction() *logAction {
	return &logAction{
		baseAction: newBaseAction(model.ACTION_LOG, logSchema),
	}
}

func (a *logAction) Execute(ctx context.Context, def model.Action, params map[string]any, actx *Context) (map[string]any, error) {
	msg := stringParam(params, "message")
	fields := []zap.Field{zap.Int64("action", def.ID)}
	if actx != nil {
		fields = append(fields, zap.String("event", actx.Event.TriggeredBy()))
		if actx.Workflow != nil {
			fields = append(fields, zap.Int64("workflow", actx.Workflow.ID))
		}
		if actx.Execution != nil {
			fields = append(fields, zap.String("execution", actx.Execution.ID))
		}
	}
	switch stringParam(params, "level") {
	case "debug":
		logger.Debug(msg, fields...)
	case "warn":
		logger.Warn(msg, fields...)
	case "error":
		logger.Error(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
	return map[string]any{"message": msg}, nil
}
