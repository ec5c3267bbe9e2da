package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohitkumar/fleetrules/model"
)

var _ EntityLookup = new(StaticLookup)

// StaticLookup is an in-process entity table. It backs tests and embedders
// that keep a small fleet snapshot in memory.
type StaticLookup struct {
	mu       sync.RWMutex
	entities map[model.EntityRef]*model.Entity
}

func NewStaticLookup(entities ...*model.Entity) *StaticLookup {
	l := &StaticLookup{entities: make(map[model.EntityRef]*model.Entity)}
	for _, e := range entities {
		l.Put(e)
	}
	return l
}

func (l *StaticLookup) Put(e *model.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entities[e.Ref] = e
}

func (l *StaticLookup) Fetch(ctx context.Context, kind model.EntityKind, id string) (*model.Entity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entities[model.EntityRef{Kind: kind, ID: id}]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrEntityNotFound)
	}
	return clone(e), nil
}

// UpdateEntityField sets one attribute, it satisfies the action package's
// entity writer.
func (l *StaticLookup) UpdateEntityField(ctx context.Context, kind model.EntityKind, id string, field string, value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entities[model.EntityRef{Kind: kind, ID: id}]
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrEntityNotFound)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[field] = value
	return nil
}

func clone(e *model.Entity) *model.Entity {
	out := &model.Entity{
		Ref:        e.Ref,
		TenantID:   e.TenantID,
		Attributes: make(map[string]any, len(e.Attributes)),
		Relations:  make(map[string]*model.EntityRef, len(e.Relations)),
	}
	for k, v := range e.Attributes {
		out.Attributes[k] = v
	}
	for k, v := range e.Relations {
		if v == nil {
			out.Relations[k] = nil
			continue
		}
		ref := *v
		out.Relations[k] = &ref
	}
	return out
}
