package metadata

import "testing"

func seedRegistry() *Registry {
	r := NewRegistry()
	r.Load(
		[]*Entity{
			{Name: "users", Table: "users", PrimaryKey: PrimaryKey{Field: "id", Type: "int"},
				Fields: []Field{{Name: "id", Type: "int"}, {Name: "name", Type: "string"}}},
			{Name: "posts", Table: "posts", PrimaryKey: PrimaryKey{Field: "id", Type: "int"}},
		},
		[]*Relation{
			{Name: "posts", Type: HasMany, Source: "users", Target: "posts", TargetKey: "user_id"},
			{Name: "author", Type: BelongsTo, Source: "posts", Target: "users", SourceKey: "user_id"},
		},
	)
	return r
}

func TestRegistryEntityLookup(t *testing.T) {
	r := seedRegistry()
	if e := r.Entity("users"); e == nil || e.Table != "users" {
		t.Fatalf("entity lookup failed: %v", e)
	}
	if r.Entity("missing") != nil {
		t.Fatalf("unknown entity must resolve to nil")
	}
}

func TestRegistryRelationFor(t *testing.T) {
	r := seedRegistry()
	rel := r.RelationFor("users", "posts")
	if rel == nil || rel.Type != HasMany || rel.Target != "posts" {
		t.Fatalf("relation lookup failed: %+v", rel)
	}
	if r.RelationFor("users", "likes") != nil {
		t.Fatalf("unknown relation must resolve to nil")
	}
	if r.RelationFor("ghosts", "posts") != nil {
		t.Fatalf("unknown source must resolve to nil")
	}
}

func TestRegistryLoadReplaces(t *testing.T) {
	r := seedRegistry()
	r.Load([]*Entity{{Name: "tags", Table: "tags"}}, nil)

	if r.Entity("users") != nil {
		t.Fatalf("reload must drop previous entities")
	}
	if r.Entity("tags") == nil {
		t.Fatalf("reload must install new entities")
	}
	if r.RelationFor("users", "posts") != nil {
		t.Fatalf("reload must drop previous relations")
	}
}

func TestEntityFieldHelpers(t *testing.T) {
	r := seedRegistry()
	users := r.Entity("users")
	if !users.HasField("name") || users.HasField("email") {
		t.Fatalf("field membership wrong")
	}
	if f := users.GetField("name"); f == nil || f.Type != "string" {
		t.Fatalf("field lookup wrong: %+v", f)
	}
}

func TestValidKind(t *testing.T) {
	for _, kind := range []string{HasOne, HasMany, BelongsTo, ManyToMany, MorphOne, MorphMany, MorphTo} {
		if !ValidKind(kind) {
			t.Fatalf("%s must be a valid kind", kind)
		}
	}
	if ValidKind("has_lots") {
		t.Fatalf("unknown kind accepted")
	}
}

func TestRelationPredicates(t *testing.T) {
	m2m := &Relation{Type: ManyToMany}
	if !m2m.IsManyToMany() || !m2m.IsCollection() {
		t.Fatalf("many_to_many predicates wrong")
	}
	morph := &Relation{Type: MorphTo}
	if !morph.IsMorph() || morph.IsCollection() {
		t.Fatalf("morph_to predicates wrong")
	}
	constrained := &Relation{Type: HasMany, Constraints: []Constraint{{Column: "status", Operator: "eq", Value: "x"}}}
	if !constrained.IsConstrained() {
		t.Fatalf("constraint not detected")
	}
	filtered := &Relation{Type: HasMany, Filter: "record.x > 1"}
	if !filtered.IsConstrained() {
		t.Fatalf("filter not detected")
	}
}
