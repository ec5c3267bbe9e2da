package trigger

import (
	"context"
	"fmt"
	"sort"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"go.uber.org/zap"
)

// WorkflowSource lists the non deleted workflows owning at least one trigger
// for an event type, whatever their tenant or active flag.
type WorkflowSource interface {
	ListByEventType(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error)
}

type Matcher struct {
	source WorkflowSource
	cache  *CandidateCache
}

func NewMatcher(source WorkflowSource, cache *CandidateCache) *Matcher {
	return &Matcher{
		source: source,
		cache:  cache,
	}
}

// Match returns the workflows the event should be evaluated against, at most
// once each, sorted by id. Returned workflows are shared and must not be
// modified.
func (m *Matcher) Match(ctx context.Context, evt model.Event) ([]*model.Workflow, error) {
	candidates, err := m.candidates(ctx, evt.Type)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(candidates))
	matched := make([]*model.Workflow, 0, len(candidates))
	for _, wf := range candidates {
		if seen[wf.ID] || !Matches(wf, evt) {
			continue
		}
		seen[wf.ID] = true
		matched = append(matched, wf)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID < matched[j].ID
	})
	logger.Debug("matched workflows", zap.String("event", evt.TriggeredBy()), zap.Int("candidates", len(candidates)), zap.Int("matched", len(matched)))
	return matched, nil
}

// Invalidate drops cached candidates, definition writes call it.
func (m *Matcher) Invalidate() {
	if m.cache != nil {
		m.cache.Flush()
	}
}

func (m *Matcher) candidates(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error) {
	if m.cache != nil {
		if workflows, ok := m.cache.Get(eventType); ok {
			return workflows, nil
		}
	}
	workflows, err := m.source.ListByEventType(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("listing workflows for %s: %w", eventType, err)
	}
	if m.cache != nil {
		m.cache.Save(eventType, workflows)
	}
	return workflows, nil
}

// Matches reports whether wf is a candidate for evt: active, not deleted,
// tenant scoped and owning a trigger that accepts the event.
func Matches(wf *model.Workflow, evt model.Event) bool {
	if wf == nil || !wf.IsActive || wf.IsDeleted() {
		return false
	}
	if !TenantMatches(wf, evt) {
		return false
	}
	for _, t := range wf.Triggers {
		if TriggerAccepts(t, evt) {
			return true
		}
	}
	return false
}

// TenantMatches applies tenant scoping. A tenant workflow sees only its own
// tenant's events. A global workflow sees tenant-less events, and every
// tenant's events when it is tenant agnostic.
func TenantMatches(wf *model.Workflow, evt model.Event) bool {
	if wf.TenantID != nil {
		return evt.TenantID != nil && *wf.TenantID == *evt.TenantID
	}
	if evt.TenantID == nil {
		return true
	}
	return wf.IsTenantAgnostic()
}

// TriggerAccepts checks the event type and the optional source kind.
// event_data is trigger configuration and never filters events.
func TriggerAccepts(t model.Trigger, evt model.Event) bool {
	if t.EventType != evt.Type {
		return false
	}
	return t.SourceKind == nil || *t.SourceKind == evt.Source.Kind
}
