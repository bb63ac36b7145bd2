package metadata

// Relation kinds. Closed set: join-key extraction and cardinality handling
// differ exhaustively per kind, so the engine switches on these rather than
// dispatching through an interface.
const (
	HasOne     = "has_one"
	HasMany    = "has_many"
	BelongsTo  = "belongs_to"
	ManyToMany = "many_to_many"
	MorphOne   = "morph_one"
	MorphMany  = "morph_many"
	MorphTo    = "morph_to"
)

type Relation struct {
	Name          string       `json:"name"`
	Type          string       `json:"type"`
	Source        string       `json:"source"`
	Target        string       `json:"target,omitempty"` // empty for morph_to: the target entity comes from the type column
	SourceKey     string       `json:"source_key"`       // column read from source rows
	TargetKey     string       `json:"target_key"`       // filter column on the target table
	JoinTable     string       `json:"join_table,omitempty"`
	SourceJoinKey string       `json:"source_join_key,omitempty"`
	TargetJoinKey string       `json:"target_join_key,omitempty"`
	TypeColumn    string       `json:"type_column,omitempty"` // morph kinds: column holding the entity type
	Constraints   []Constraint `json:"constraints,omitempty"`
	Filter        string       `json:"filter,omitempty"` // optional expression evaluated against each fetched row
	EstimatedRows int          `json:"estimated_rows,omitempty"`
}

// Constraint is a static column predicate applied when fetching relation rows.
type Constraint struct {
	Column   string `json:"column"`
	Operator string `json:"operator"` // eq, neq, gt, gte, lt, lte, in
	Value    any    `json:"value"`
}

func (r *Relation) IsManyToMany() bool {
	return r.Type == ManyToMany
}

func (r *Relation) IsMorph() bool {
	return r.Type == MorphOne || r.Type == MorphMany || r.Type == MorphTo
}

// IsCollection reports whether the relation loads many rows per parent.
func (r *Relation) IsCollection() bool {
	return r.Type == HasMany || r.Type == ManyToMany || r.Type == MorphMany
}

// IsConstrained reports whether the relation carries any row filtering
// beyond its join key. Constrained relations are serialized by the executor.
func (r *Relation) IsConstrained() bool {
	return len(r.Constraints) > 0 || r.Filter != ""
}

// ValidKind reports whether t names a known relation kind.
func ValidKind(t string) bool {
	switch t {
	case HasOne, HasMany, BelongsTo, ManyToMany, MorphOne, MorphMany, MorphTo:
		return true
	}
	return false
}
