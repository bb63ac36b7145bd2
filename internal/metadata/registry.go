package metadata

import "sync"

type Registry struct {
	mu                sync.RWMutex
	entities          map[string]*Entity
	relationsBySource map[string]map[string]*Relation // source entity -> relation name -> relation
}

func NewRegistry() *Registry {
	return &Registry{
		entities:          make(map[string]*Entity),
		relationsBySource: make(map[string]map[string]*Relation),
	}
}

// Entity returns the entity with the given name, or nil.
func (r *Registry) Entity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	return entities
}

// RelationFor resolves a relation name against a source entity.
// Returns nil if the entity has no relation by that name.
func (r *Registry) RelationFor(sourceEntity, relationName string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := r.relationsBySource[sourceEntity]
	if byName == nil {
		return nil
	}
	return byName[relationName]
}

// RelationsForSource returns all relations declared on the given entity.
func (r *Registry) RelationsForSource(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := r.relationsBySource[entityName]
	relations := make([]*Relation, 0, len(byName))
	for _, rel := range byName {
		relations = append(relations, rel)
	}
	return relations
}

// Load replaces all entities and relations in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(entities []*Entity, relations []*Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
	}

	r.relationsBySource = make(map[string]map[string]*Relation)
	for _, rel := range relations {
		byName := r.relationsBySource[rel.Source]
		if byName == nil {
			byName = make(map[string]*Relation)
			r.relationsBySource[rel.Source] = byName
		}
		byName[rel.Name] = rel
	}
}
