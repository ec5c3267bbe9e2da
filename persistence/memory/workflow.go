package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/util"
)

var _ metadata.WorkflowStorage = new(workflowStorage)

type workflowStorage struct {
	mu             sync.RWMutex
	seq            int64
	workflows      map[int64]*model.Workflow
	encoderDecoder util.EncoderDecoder[model.Workflow]
}

func NewWorkflowStorage() *workflowStorage {
	return &workflowStorage{
		workflows:      make(map[int64]*model.Workflow),
		encoderDecoder: util.NewJsonEncoderDecoder[model.Workflow](),
	}
}

func (s *workflowStorage) NextID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *workflowStorage) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	stored, err := util.Clone(s.encoderDecoder, *wf)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = stored
	if wf.ID > s.seq {
		s.seq = wf.ID
	}
	return nil
}

func (s *workflowStorage) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	s.mu.RLock()
	wf, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %d: %w", id, persistence.ErrNotFound)
	}
	return util.Clone(s.encoderDecoder, *wf)
}

func (s *workflowStorage) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return s.list(func(*model.Workflow) bool { return true })
}

func (s *workflowStorage) ListByEventType(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error) {
	return s.list(func(wf *model.Workflow) bool {
		for _, t := range wf.Triggers {
			if t.EventType == eventType {
				return true
			}
		}
		return false
	})
}

func (s *workflowStorage) list(keep func(*model.Workflow) bool) ([]*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Workflow, 0)
	for _, wf := range s.workflows {
		if !keep(wf) {
			continue
		}
		c, err := util.Clone(s.encoderDecoder, *wf)
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
