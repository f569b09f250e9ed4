package catalog

import (
	"context"
	"sync"
)

// MemoryStore is the built-in catalog sink: an in-memory entity store
// that applies mutations and derives relations between entities. A
// full mutation replaces the entity set owned by its LocationKey, so
// an empty snapshot still clears the owner's stale entities; other
// providers' entities are untouched.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity          // ref -> entity
	owner    map[string]string           // ref -> location key
	byOwner  map[string]map[string]bool  // location key -> refs
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*Entity),
		owner:    make(map[string]string),
		byOwner:  make(map[string]map[string]bool),
	}
}

// ApplyMutation applies a full or delta mutation and recomputes
// relations across the store.
func (s *MemoryStore) ApplyMutation(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Type {
	case MutationFull:
		keys := make(map[string]bool)
		if m.LocationKey != "" {
			keys[m.LocationKey] = true
		}
		for _, env := range m.Entities {
			keys[env.LocationKey] = true
		}
		for key := range keys {
			for ref := range s.byOwner[key] {
				delete(s.entities, ref)
				delete(s.owner, ref)
			}
			delete(s.byOwner, key)
		}
		for _, env := range m.Entities {
			s.insert(env)
		}
	case MutationDelta:
		for _, env := range m.Removed {
			ref := env.Entity.Ref()
			if key, ok := s.owner[ref]; ok {
				delete(s.byOwner[key], ref)
			}
			delete(s.entities, ref)
			delete(s.owner, ref)
		}
		for _, env := range m.Added {
			s.insert(env)
		}
	}

	s.deriveRelations()
	return nil
}

func (s *MemoryStore) insert(env EntityEnvelope) {
	ref := env.Entity.Ref()
	if prev, ok := s.owner[ref]; ok && prev != env.LocationKey {
		delete(s.byOwner[prev], ref)
	}
	s.entities[ref] = env.Entity.Clone()
	s.owner[ref] = env.LocationKey
	if s.byOwner[env.LocationKey] == nil {
		s.byOwner[env.LocationKey] = make(map[string]bool)
	}
	s.byOwner[env.LocationKey][ref] = true
}

// deriveRelations rebuilds the typed edges between stored entities
// from the Spec fields: user memberOf and group parent, children and
// members. Edges whose target is not in the store are not created.
func (s *MemoryStore) deriveRelations() {
	for _, e := range s.entities {
		e.Relations = nil
	}

	// Parent and children declarations can describe the same edge from
	// both ends; emit each edge once.
	seen := make(map[string]bool)
	link := func(from *Entity, fromType, toRef, toType string) {
		to, ok := s.entities[toRef]
		if !ok {
			return
		}
		key := from.Ref() + "|" + fromType + "|" + toRef
		if seen[key] {
			return
		}
		seen[key] = true
		seen[toRef+"|"+toType+"|"+from.Ref()] = true
		from.Relations = append(from.Relations, Relation{Type: fromType, TargetRef: toRef})
		to.Relations = append(to.Relations, Relation{Type: toType, TargetRef: from.Ref()})
	}

	for _, e := range s.entities {
		ns := e.Metadata.Namespace
		if ns == "" {
			ns = DefaultNamespace
		}
		switch e.Kind {
		case KindUser:
			for _, g := range e.Spec.MemberOf {
				link(e, RelationMemberOf, refFor(KindGroup, ns, g), RelationHasMember)
			}
		case KindGroup:
			if e.Spec.Parent != "" {
				link(e, RelationChildOf, refFor(KindGroup, ns, e.Spec.Parent), RelationParentOf)
			}
			for _, child := range e.Spec.Children {
				link(e, RelationParentOf, refFor(KindGroup, ns, child), RelationChildOf)
			}
			for _, member := range e.Spec.Members {
				link(e, RelationHasMember, refFor(KindUser, ns, member), RelationMemberOf)
			}
		}
	}
}

// GetEntities returns every stored entity matching the filter.
func (s *MemoryStore) GetEntities(ctx context.Context, filter EntityFilter) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entity
	for _, e := range s.entities {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		match := true
		for k, v := range filter.Annotations {
			if e.Annotation(k) != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// GetEntityByRef returns the entity with the given ref, or (nil, nil).
func (s *MemoryStore) GetEntityByRef(ctx context.Context, ref string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[ref]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

// Len returns the number of stored entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
