package resolver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
)

const DEFAULT_MAX_DEPTH = 8

const ANCESTORS_SEGMENT = "ancestors"

var (
	ErrFieldNotFound  = errors.New("field not found")
	ErrEntityNotFound = errors.New("entity not found")
	ErrInvalidPath    = errors.New("invalid field path")
	ErrMaxDepth       = errors.New("field path exceeds max relation depth")
	ErrRelationCycle  = errors.New("relation cycle detected")
)

// EntityLookup is implemented by the platform persistence layer. Fetch
// returns ErrEntityNotFound (or an error wrapping it) for unknown ids.
type EntityLookup interface {
	Fetch(ctx context.Context, kind model.EntityKind, id string) (*model.Entity, error)
}

type FieldNotFoundError struct {
	Path    string
	Segment string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("field %s not found at segment %q", e.Path, e.Segment)
}

func (e *FieldNotFoundError) Unwrap() error {
	return ErrFieldNotFound
}

// relations declares, per entity kind, the relation names that can be walked
// and the kind they point to. Everything else is an attribute.
var relations = map[model.EntityKind]map[string]model.EntityKind{
	model.ENTITY_VEHICLE: {
		"driver": model.ENTITY_DRIVER,
		"device": model.ENTITY_DEVICE,
		"group":  model.ENTITY_GROUP,
	},
	model.ENTITY_DRIVER: {
		"vehicle": model.ENTITY_VEHICLE,
		"group":   model.ENTITY_GROUP,
	},
	model.ENTITY_DEVICE: {
		"vehicle": model.ENTITY_VEHICLE,
	},
	model.ENTITY_GROUP: {
		"parent": model.ENTITY_GROUP,
	},
}

// RelationKind reports the kind a named relation of kind points to.
func RelationKind(kind model.EntityKind, name string) (model.EntityKind, bool) {
	k, ok := relations[kind][name]
	return k, ok
}

type Resolver struct {
	lookup   EntityLookup
	maxDepth int
}

func New(lookup EntityLookup, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DEFAULT_MAX_DEPTH
	}
	return &Resolver{
		lookup:   lookup,
		maxDepth: maxDepth,
	}
}

// Scope binds the resolver to one event. Entities fetched through a scope
// are memoised until invalidated.
func (r *Resolver) Scope(evt model.Event) *Scope {
	return &Scope{
		resolver:  r,
		event:     evt,
		eventData: evt.AsMap(),
		memo:      make(map[model.EntityRef]*model.Entity),
	}
}

type Scope struct {
	resolver  *Resolver
	event     model.Event
	eventData map[string]any
	mu        sync.Mutex
	memo      map[model.EntityRef]*model.Entity
}

func (s *Scope) Event() model.Event {
	return s.event
}

func (s *Scope) Root() model.EntityRef {
	return s.event.Source
}

// Invalidate drops the memoised snapshot of ref so later reads observe
// mutations made by actions.
func (s *Scope) Invalidate(ref model.EntityRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memo, ref)
}

func (s *Scope) fetch(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	s.mu.Lock()
	if e, ok := s.memo[ref]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()
	if s.resolver.lookup == nil {
		return nil, fmt.Errorf("no entity lookup configured for %s", ref)
	}
	e, err := s.resolver.lookup.Fetch(ctx, ref.Kind, ref.ID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEntityNotFound
	}
	s.mu.Lock()
	s.memo[ref] = e
	s.mu.Unlock()
	return e, nil
}

func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if len(strings.TrimSpace(seg)) == 0 {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// Resolve returns the canonical value at fieldPath. Missing relations or
// attributes yield a *FieldNotFoundError; lookup faults are returned as is.
func (s *Scope) Resolve(ctx context.Context, fieldPath string) (model.Value, error) {
	segs, err := splitPath(fieldPath)
	if err != nil {
		return model.Value{}, err
	}
	if segs[0] == "payload" || segs[0] == "event" {
		return s.resolveEnvelope(fieldPath, segs)
	}
	root, rest, err := s.start(ctx, fieldPath, segs)
	if err != nil {
		return model.Value{}, err
	}
	return s.walk(ctx, fieldPath, root, rest, 0, map[model.EntityRef]bool{root.Ref: true})
}

// ResolveRef resolves a path that ends on a relation (or the root itself)
// and returns the referenced entity.
func (s *Scope) ResolveRef(ctx context.Context, fieldPath string) (model.EntityRef, error) {
	segs, err := splitPath(fieldPath)
	if err != nil {
		return model.EntityRef{}, err
	}
	cur, rest, err := s.start(ctx, fieldPath, segs)
	if err != nil {
		return model.EntityRef{}, err
	}
	for depth, seg := range rest {
		if depth >= s.resolver.maxDepth {
			return model.EntityRef{}, ErrMaxDepth
		}
		next, err := s.follow(ctx, fieldPath, cur, seg)
		if err != nil {
			return model.EntityRef{}, err
		}
		cur = next
	}
	return cur.Ref, nil
}

func (s *Scope) resolveEnvelope(fieldPath string, segs []string) (model.Value, error) {
	if len(segs) == 1 && segs[0] == "event" {
		return model.FromAny(s.eventData)
	}
	// payload.* keeps its prefix, event.* addresses the envelope itself
	path := segs
	if segs[0] == "event" {
		path = segs[1:]
	}
	expr := "$." + strings.Join(path, ".")
	val, err := jsonpath.JsonPathLookup(s.eventData, expr)
	if err != nil {
		logger.Debug("event path lookup failed", zap.String("path", fieldPath), zap.Error(err))
		return model.Value{}, &FieldNotFoundError{Path: fieldPath, Segment: segs[len(segs)-1]}
	}
	return model.FromAny(val)
}

// start fetches the entity the first segment names: either the event's
// root entity or one of its relations.
func (s *Scope) start(ctx context.Context, fieldPath string, segs []string) (*model.Entity, []string, error) {
	root := s.event.Source
	if !root.Kind.Valid() {
		return nil, nil, fmt.Errorf("%w: event source kind %q", ErrInvalidPath, root.Kind)
	}
	entity, err := s.fetch(ctx, root)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, nil, &FieldNotFoundError{Path: fieldPath, Segment: segs[0]}
		}
		return nil, nil, fmt.Errorf("fetching %s: %w", root, err)
	}
	if segs[0] == string(root.Kind) {
		return entity, segs[1:], nil
	}
	if _, ok := RelationKind(root.Kind, segs[0]); ok {
		return entity, segs, nil
	}
	return nil, nil, &FieldNotFoundError{Path: fieldPath, Segment: segs[0]}
}

func (s *Scope) follow(ctx context.Context, fieldPath string, cur *model.Entity, seg string) (*model.Entity, error) {
	kind, ok := RelationKind(cur.Ref.Kind, seg)
	if !ok {
		return nil, &FieldNotFoundError{Path: fieldPath, Segment: seg}
	}
	ref := cur.Relations[seg]
	if ref == nil || len(ref.ID) == 0 {
		return nil, &FieldNotFoundError{Path: fieldPath, Segment: seg}
	}
	if len(ref.Kind) == 0 {
		ref = &model.EntityRef{Kind: kind, ID: ref.ID}
	}
	next, err := s.fetch(ctx, *ref)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, &FieldNotFoundError{Path: fieldPath, Segment: seg}
		}
		return nil, fmt.Errorf("fetching %s: %w", ref, err)
	}
	return next, nil
}

// walk follows segs from cur. seen holds every entity already on the path;
// stepping onto one of them again is a relation cycle.
func (s *Scope) walk(ctx context.Context, fieldPath string, cur *model.Entity, segs []string, depth int, seen map[model.EntityRef]bool) (model.Value, error) {
	if len(segs) == 0 {
		return model.String(cur.Ref.ID), nil
	}
	seg := segs[0]
	if seg == ANCESTORS_SEGMENT && cur.Ref.Kind == model.ENTITY_GROUP {
		return s.walkAncestors(ctx, fieldPath, cur, segs[1:], depth, seen)
	}
	if _, ok := RelationKind(cur.Ref.Kind, seg); ok {
		if depth+1 > s.resolver.maxDepth {
			return model.Value{}, ErrMaxDepth
		}
		if len(segs) == 1 {
			ref := cur.Relations[seg]
			if ref == nil || len(ref.ID) == 0 {
				return model.Value{}, &FieldNotFoundError{Path: fieldPath, Segment: seg}
			}
			return model.String(ref.ID), nil
		}
		next, err := s.follow(ctx, fieldPath, cur, seg)
		if err != nil {
			return model.Value{}, err
		}
		if seen[next.Ref] {
			return model.Value{}, fmt.Errorf("%w: %s", ErrRelationCycle, next.Ref)
		}
		seen[next.Ref] = true
		return s.walk(ctx, fieldPath, next, segs[1:], depth+1, seen)
	}
	attr, ok := cur.Attributes[seg]
	if !ok {
		if seg == "id" && len(segs) == 1 {
			return model.String(cur.Ref.ID), nil
		}
		return model.Value{}, &FieldNotFoundError{Path: fieldPath, Segment: seg}
	}
	for _, nested := range segs[1:] {
		m, ok := attr.(map[string]any)
		if !ok {
			return model.Value{}, &FieldNotFoundError{Path: fieldPath, Segment: nested}
		}
		attr, ok = m[nested]
		if !ok {
			return model.Value{}, &FieldNotFoundError{Path: fieldPath, Segment: nested}
		}
	}
	v, err := model.FromAny(attr)
	if err != nil {
		return model.Value{}, fmt.Errorf("field %s: %w", fieldPath, err)
	}
	return v, nil
}

// walkAncestors collects the parent chain of a group and resolves the rest
// of the path on each ancestor. The chain is bounded by max depth and shares
// the visited set of the path that reached the group.
func (s *Scope) walkAncestors(ctx context.Context, fieldPath string, group *model.Entity, rest []string, depth int, seen map[model.EntityRef]bool) (model.Value, error) {
	seen[group.Ref] = true
	var values []model.Value
	cur := group
	for {
		ref := cur.Relations["parent"]
		if ref == nil || len(ref.ID) == 0 {
			break
		}
		key := model.EntityRef{Kind: model.ENTITY_GROUP, ID: ref.ID}
		if seen[key] {
			return model.Value{}, fmt.Errorf("%w: %s", ErrRelationCycle, key)
		}
		depth++
		if depth > s.resolver.maxDepth {
			return model.Value{}, ErrMaxDepth
		}
		seen[key] = true
		parent, err := s.follow(ctx, fieldPath, cur, "parent")
		if err != nil {
			if errors.Is(err, ErrFieldNotFound) {
				break
			}
			return model.Value{}, err
		}
		v, err := s.walk(ctx, fieldPath, parent, rest, depth, maps.Clone(seen))
		if err == nil {
			values = append(values, v)
		} else if !errors.Is(err, ErrFieldNotFound) {
			return model.Value{}, err
		}
		cur = parent
	}
	return model.Array(values...), nil
}
