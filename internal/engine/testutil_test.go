package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nestfetch/internal/config"
	"nestfetch/internal/metadata"
)

// fakeResolver is an in-memory Resolver over a fixed schema.
type fakeResolver struct {
	entities  map[string]*metadata.Entity
	relations map[string]map[string]*metadata.Relation
}

func (f *fakeResolver) Entity(name string) *metadata.Entity {
	return f.entities[name]
}

func (f *fakeResolver) RelationFor(sourceEntity, relationName string) *metadata.Relation {
	byName := f.relations[sourceEntity]
	if byName == nil {
		return nil
	}
	return byName[relationName]
}

// testSchema builds the blog-shaped schema used across engine tests:
// users have posts and a profile, posts have comments, tags (via post_tags),
// and images (morph_many); notifications point back at their subject
// through a morph_to relation.
func testSchema() *fakeResolver {
	entities := map[string]*metadata.Entity{
		"users": {
			Name: "users", Table: "users",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "name", Type: "string"}, {Name: "alt_id", Type: "int"}},
		},
		"posts": {
			Name: "posts", Table: "posts",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "user_id", Type: "int"}, {Name: "title", Type: "string"}, {Name: "status", Type: "string"}},
		},
		"comments": {
			Name: "comments", Table: "comments",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "post_id", Type: "int"}, {Name: "body", Type: "string"}},
		},
		"profiles": {
			Name: "profiles", Table: "profiles",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "user_id", Type: "int"}, {Name: "bio", Type: "string"}},
		},
		"tags": {
			Name: "tags", Table: "tags",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "label", Type: "string"}},
		},
		"images": {
			Name: "images", Table: "images",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "imageable_type", Type: "string"}, {Name: "imageable_id", Type: "int"}, {Name: "url", Type: "string"}},
		},
		"notifications": {
			Name: "notifications", Table: "notifications",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "subject_type", Type: "string"}, {Name: "subject_id", Type: "int"}},
		},
		"categories": {
			Name: "categories", Table: "categories",
			PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "int"},
			Fields:     []metadata.Field{{Name: "id", Type: "int"}, {Name: "parent_id", Type: "int"}},
		},
	}

	rels := []*metadata.Relation{
		{Name: "posts", Type: metadata.HasMany, Source: "users", Target: "posts", TargetKey: "user_id"},
		{Name: "profile", Type: metadata.HasOne, Source: "users", Target: "profiles", TargetKey: "user_id"},
		{Name: "comments", Type: metadata.HasMany, Source: "posts", Target: "comments", TargetKey: "post_id"},
		{Name: "author", Type: metadata.BelongsTo, Source: "posts", Target: "users", SourceKey: "user_id"},
		{Name: "tags", Type: metadata.ManyToMany, Source: "posts", Target: "tags",
			JoinTable: "post_tags", SourceJoinKey: "post_id", TargetJoinKey: "tag_id"},
		{Name: "images", Type: metadata.MorphMany, Source: "posts", Target: "images",
			TargetKey: "imageable_id", TypeColumn: "imageable_type"},
		{Name: "subject", Type: metadata.MorphTo, Source: "notifications",
			SourceKey: "subject_id", TypeColumn: "subject_type"},
		{Name: "notifications", Type: metadata.MorphMany, Source: "users", Target: "notifications",
			TargetKey: "subject_id", TypeColumn: "subject_type"},
		{Name: "children", Type: metadata.HasMany, Source: "categories", Target: "categories", TargetKey: "parent_id"},
		// Second route to the same table/join key as "posts", for dedup tests.
		{Name: "authored", Type: metadata.HasMany, Source: "users", Target: "posts", TargetKey: "user_id"},
		// Same target table/column as "posts" but keyed off alt_id, so its
		// key set overlaps without matching exactly.
		{Name: "alt_posts", Type: metadata.HasMany, Source: "users", Target: "posts", TargetKey: "user_id", SourceKey: "alt_id"},
		// Constrained variant, for optimizer serialization tests.
		{Name: "published_posts", Type: metadata.HasMany, Source: "users", Target: "posts", TargetKey: "user_id",
			Constraints: []metadata.Constraint{{Column: "status", Operator: "eq", Value: "published"}}},
		// Expression-filtered variant.
		{Name: "long_posts", Type: metadata.HasMany, Source: "users", Target: "posts", TargetKey: "user_id",
			Filter: `len(record.title) > 5`},
	}

	bySource := make(map[string]map[string]*metadata.Relation)
	for _, r := range rels {
		if bySource[r.Source] == nil {
			bySource[r.Source] = make(map[string]*metadata.Relation)
		}
		bySource[r.Source][r.Name] = r
	}
	return &fakeResolver{entities: entities, relations: bySource}
}

type fetchCall struct {
	table  string
	column string
	keys   int
	values []string
}

// fakeFetcher serves rows from in-memory tables and records every fetch.
type fakeFetcher struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	calls    []fetchCall
	failOn   map[string]error
	delay    time.Duration
	inFlight int
	maxSeen  int
}

func newFakeFetcher(tables map[string][]map[string]any) *fakeFetcher {
	return &fakeFetcher{tables: tables, failOn: make(map[string]error)}
}

func (f *fakeFetcher) FetchRows(ctx context.Context, table, filterColumn string, values []any, constraints []metadata.Constraint) ([]map[string]any, error) {
	vals := make([]string, len(values))
	for i, v := range values {
		vals[i] = fmt.Sprintf("%v", v)
	}

	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{table: table, column: filterColumn, keys: len(values), values: vals})
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	err := f.failOn[table]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(values))
	for _, v := range values {
		wanted[fmt.Sprintf("%v", v)] = true
	}

	var rows []map[string]any
	for _, row := range f.tables[table] {
		if !wanted[fmt.Sprintf("%v", row[filterColumn])] {
			continue
		}
		if !matchesConstraints(row, constraints) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func matchesConstraints(row map[string]any, constraints []metadata.Constraint) bool {
	for _, c := range constraints {
		switch c.Operator {
		case "eq":
			if fmt.Sprintf("%v", row[c.Column]) != fmt.Sprintf("%v", c.Value) {
				return false
			}
		case "neq":
			if fmt.Sprintf("%v", row[c.Column]) == fmt.Sprintf("%v", c.Value) {
				return false
			}
		}
	}
	return true
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) callsFor(table string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.table == table {
			out = append(out, c)
		}
	}
	return out
}

// fetchCountForKey reports how many fetches against table asked for key.
func (f *fakeFetcher) fetchCountForKey(table, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.table != table {
			continue
		}
		for _, v := range c.values {
			if v == key {
				n++
			}
		}
	}
	return n
}

// blogTables returns row data matching testSchema.
func blogTables() map[string][]map[string]any {
	return map[string][]map[string]any{
		"users": {
			{"id": 1, "name": "ada", "alt_id": 2},
			{"id": 2, "name": "grace", "alt_id": 3},
		},
		"posts": {
			{"id": 10, "user_id": 1, "title": "first post", "status": "published"},
			{"id": 11, "user_id": 1, "title": "draft", "status": "draft"},
			{"id": 12, "user_id": 2, "title": "hello world", "status": "published"},
		},
		"comments": {
			{"id": 100, "post_id": 10, "body": "nice"},
			{"id": 101, "post_id": 10, "body": "agreed"},
			{"id": 102, "post_id": 12, "body": "hi"},
		},
		"profiles": {
			{"id": 200, "user_id": 1, "bio": "pioneer"},
		},
		"tags": {
			{"id": 300, "label": "go"},
			{"id": 301, "label": "sql"},
		},
		"post_tags": {
			{"post_id": 10, "tag_id": 300},
			{"post_id": 10, "tag_id": 301},
			{"post_id": 12, "tag_id": 300},
		},
		"images": {
			{"id": 400, "imageable_type": "posts", "imageable_id": 10, "url": "a.png"},
			{"id": 401, "imageable_type": "users", "imageable_id": 1, "url": "b.png"},
		},
		"notifications": {
			{"id": 500, "subject_type": "posts", "subject_id": 10},
			{"id": 501, "subject_type": "users", "subject_id": 2},
		},
	}
}

func testLoaderConfig() config.LoaderConfig {
	cfg := config.DefaultLoader()
	cfg.QueryTimeoutMs = 5000
	return cfg
}
