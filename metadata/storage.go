package metadata

import (
	"context"

	"github.com/mohitkumar/fleetrules/model"
)

// WorkflowStorage persists workflow definitions with their triggers,
// conditions and actions as one unit. Get and the List calls include soft
// deleted workflows; filtering is the service's job.
type WorkflowStorage interface {
	NextID(ctx context.Context) (int64, error)
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)
	ListByEventType(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error)
}
