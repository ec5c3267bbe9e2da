package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/action"
	"github.com/mohitkumar/fleetrules/analytics"
	"github.com/mohitkumar/fleetrules/condition"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/resolver"
	"github.com/mohitkumar/fleetrules/trigger"
	"go.uber.org/zap"
)

// Handler processes one event. *Engine implements it.
type Handler interface {
	Handle(ctx context.Context, evt model.Event) []*model.Execution
}

var _ Handler = new(Engine)

// Engine turns events into executions: match candidate workflows, evaluate
// their conditions and run the actions of the ones that pass.
type Engine struct {
	matcher    *trigger.Matcher
	evaluator  *condition.Evaluator
	resolver   *resolver.Resolver
	executor   *action.Executor
	executions persistence.ExecutionStorage
	collector  analytics.WorkflowDataCollector
}

func NewEngine(matcher *trigger.Matcher, evaluator *condition.Evaluator, resolver *resolver.Resolver,
	executor *action.Executor, executions persistence.ExecutionStorage, collector analytics.WorkflowDataCollector) *Engine {
	if collector == nil {
		collector = analytics.NoopDataCollector{}
	}
	return &Engine{
		matcher:    matcher,
		evaluator:  evaluator,
		resolver:   resolver,
		executor:   executor,
		executions: executions,
		collector:  collector,
	}
}

// Emit builds the envelope and handles it synchronously. Only an invalid
// envelope is reported back; workflow failures live in the executions.
func (e *Engine) Emit(ctx context.Context, eventType model.EventType, tenantID *uuid.UUID, source model.EntityRef, payload map[string]any) ([]*model.Execution, error) {
	evt := model.NewEvent(eventType, tenantID, source, payload)
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return e.Handle(ctx, evt), nil
}

func (e *Engine) Handle(ctx context.Context, evt model.Event) []*model.Execution {
	if err := evt.Validate(); err != nil {
		logger.Error("dropping invalid event", zap.String("event", evt.ID), zap.Error(err))
		return nil
	}
	candidates, err := e.matcher.Match(ctx, evt)
	if err != nil {
		logger.Error("error matching workflows", zap.String("event", evt.ID), zap.String("type", string(evt.Type)), zap.Error(err))
		return nil
	}
	executions := make([]*model.Execution, 0, len(candidates))
	for _, wf := range candidates {
		if exec := e.process(ctx, wf, evt); exec != nil {
			executions = append(executions, exec)
		}
	}
	return executions
}

func (e *Engine) process(ctx context.Context, wf *model.Workflow, evt model.Event) (exec *model.Execution) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("engine fault: %v", r)
			if exec == nil {
				logger.Error("dropping workflow for event", zap.Int64("workflow", wf.ID), zap.String("event", evt.ID), zap.Error(err))
				return
			}
			e.fault(ctx, exec, err)
		}
	}()
	scope := e.resolver.Scope(evt)
	pass, err := e.evaluator.Evaluate(ctx, wf, scope)
	if err != nil {
		logger.Warn("error evaluating conditions", zap.Int64("workflow", wf.ID), zap.String("event", evt.ID), zap.Error(err))
		return nil
	}
	if !pass {
		logger.Debug("conditions not met", zap.Int64("workflow", wf.ID), zap.String("event", evt.ID))
		return nil
	}
	created := model.NewExecution(wf, evt)
	if err := e.executions.Save(ctx, created); err != nil {
		logger.Error("dropping workflow for event", zap.Int64("workflow", wf.ID), zap.String("event", evt.ID), zap.Error(err))
		return nil
	}
	exec = created
	e.run(ctx, wf, evt, scope, exec)
	return exec
}

func (e *Engine) run(ctx context.Context, wf *model.Workflow, evt model.Event, scope *resolver.Scope, exec *model.Execution) {
	if err := exec.Transition(model.RUNNING); err != nil {
		e.fault(ctx, exec, err)
		return
	}
	if err := e.executions.Save(ctx, exec); err != nil {
		e.fault(ctx, exec, err)
		return
	}
	if err := e.log(ctx, exec, "execution started", map[string]any{"workflow_id": wf.ID, "event_type": string(evt.Type)}); err != nil {
		e.fault(ctx, exec, err)
		return
	}
	actx := &action.Context{Event: evt, Workflow: wf, Execution: exec, Scope: scope}
	for i, def := range wf.SortedActions() {
		n := i + 1
		if err := e.log(ctx, exec, fmt.Sprintf("starting action %d", n), map[string]any{"action_id": def.ID, "action_type": string(def.ActionType)}); err != nil {
			e.fault(ctx, exec, err)
			return
		}
		res := e.executor.Execute(ctx, def, actx)
		actx.Outputs = append(actx.Outputs, res)
		if res.OK {
			e.collector.RecordActionSuccess(wf.ID, exec.ID, def.ActionType, def.ID, res.Output)
			if err := e.log(ctx, exec, fmt.Sprintf("action %d completed", n), map[string]any{"output": res.Output}); err != nil {
				e.fault(ctx, exec, err)
				return
			}
			continue
		}
		e.collector.RecordActionFailure(wf.ID, exec.ID, def.ActionType, def.ID, res.Error)
		logger.Info("action failed", zap.Int64("workflow", wf.ID), zap.String("execution", exec.ID), zap.Int64("action", def.ID), zap.String("error", res.Error))
		if err := e.log(ctx, exec, fmt.Sprintf("action %d failed", n), map[string]any{"error": res.Error, "stop_on_error": def.StopOnError}); err != nil {
			e.fault(ctx, exec, err)
			return
		}
		if def.StopOnError {
			e.finish(ctx, exec, model.FAILED, fmt.Sprintf("action %d (%s) failed: %s", n, def.ActionType, res.Error))
			return
		}
	}
	e.finish(ctx, exec, model.COMPLETED, "")
}

func (e *Engine) log(ctx context.Context, exec *model.Execution, message string, data map[string]any) error {
	entry := exec.Log(message, data)
	return e.executions.AppendLog(ctx, exec.ID, entry)
}

func (e *Engine) finish(ctx context.Context, exec *model.Execution, status model.ExecutionStatus, errorMessage string) {
	message := "execution completed"
	if status == model.FAILED {
		message = "execution failed"
	}
	if err := e.log(ctx, exec, message, nil); err != nil {
		e.fault(ctx, exec, err)
		return
	}
	if err := exec.Transition(status); err != nil {
		e.fault(ctx, exec, err)
		return
	}
	exec.ErrorMessage = errorMessage
	if err := e.executions.Save(ctx, exec); err != nil {
		logger.Error("error saving finished execution", zap.String("execution", exec.ID), zap.Error(err))
	}
	e.collector.RecordExecution(exec)
	logger.Info("execution finished", zap.Int64("workflow", exec.WorkflowID), zap.String("execution", exec.ID), zap.String("status", string(exec.Status)))
}

// fault forces a live execution to failed with the fault message.
func (e *Engine) fault(ctx context.Context, exec *model.Execution, cause error) {
	logger.Error("engine fault", zap.String("execution", exec.ID), zap.Int64("workflow", exec.WorkflowID), zap.Error(cause))
	if exec.Status.Terminal() {
		return
	}
	if err := e.log(ctx, exec, "engine fault", map[string]any{"error": cause.Error()}); err != nil {
		logger.Error("error logging engine fault", zap.String("execution", exec.ID), zap.Error(err))
	}
	if err := exec.Transition(model.FAILED); err != nil {
		logger.Error("error failing execution", zap.String("execution", exec.ID), zap.Error(err))
		return
	}
	exec.ErrorMessage = cause.Error()
	if err := e.executions.Save(ctx, exec); err != nil {
		logger.Error("error saving failed execution", zap.String("execution", exec.ID), zap.Error(err))
	}
	e.collector.RecordExecution(exec)
}
