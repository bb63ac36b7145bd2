package engine

import (
	"log"
	"sort"
	"strings"

	"nestfetch/internal/metadata"
)

// KindRoot marks the synthetic node holding the root entity rows.
const KindRoot = "root"

// Node is one relationship in the execution plan. Nodes are keyed by their
// relation path (e.g. "posts.comments") in a flat map rather than linked by
// pointers, so phase computation stays a pure function over the map.
type Node struct {
	ID            string
	Table         string // empty for morph_to: the target table comes from the parent row's type column
	Entity        string // entity the node's rows belong to; empty for morph_to
	Kind          string
	ParentID      string // empty for the root node
	LocalKey      string // column read from the parent node's result rows
	ForeignKey    string // filter column on Table
	JoinTable     string
	SourceJoinKey string
	TargetJoinKey string
	TypeColumn    string
	Depth         int
	EstimatedRows int
	ParallelSafe  bool
	Constraints   []metadata.Constraint
	Filter        string // optional expression applied to fetched rows
}

// IsCollection reports whether the node attaches a slice per parent row.
func (n *Node) IsCollection() bool {
	return n.Kind == metadata.HasMany || n.Kind == metadata.ManyToMany || n.Kind == metadata.MorphMany
}

// IsConstrained reports whether the node filters rows beyond its join key.
func (n *Node) IsConstrained() bool {
	return len(n.Constraints) > 0 || n.Filter != ""
}

type Plan struct {
	Nodes    map[string]*Node
	Roots    []string
	MaxDepth int
	Phases   [][]string
}

// ChildrenOf returns the ids of the direct children of a node, sorted.
func (p *Plan) ChildrenOf(id string) []string {
	var children []string
	for _, n := range p.Nodes {
		if n.ParentID == id {
			children = append(children, n.ID)
		}
	}
	sort.Strings(children)
	return children
}

// PlanBuilder turns an include spec string into an execution plan.
type PlanBuilder struct {
	resolver Resolver
	maxDepth int
}

func NewPlanBuilder(resolver Resolver, maxDepth int) *PlanBuilder {
	return &PlanBuilder{resolver: resolver, maxDepth: maxDepth}
}

// Build parses the include spec into a plan rooted at the given entity.
// "," separates sibling branches, "." nests. Each segment is resolved
// against the entity reached by the previous segment. An unresolvable
// segment fails the whole build; a segment that would exceed the depth
// limit truncates its chain instead.
func (b *PlanBuilder) Build(rootEntity, spec string) (*Plan, error) {
	entity := b.resolver.Entity(rootEntity)
	if entity == nil {
		return nil, UnknownEntityError(rootEntity)
	}

	root := &Node{
		ID:         rootEntity,
		Table:      entity.Table,
		Entity:     rootEntity,
		Kind:       KindRoot,
		LocalKey:   entity.PrimaryKey.Field,
		ForeignKey: entity.PrimaryKey.Field,
	}
	plan := &Plan{
		Nodes: map[string]*Node{root.ID: root},
		Roots: []string{root.ID},
	}

	for _, branch := range strings.Split(spec, ",") {
		branch = strings.TrimSpace(branch)
		if branch == "" {
			continue
		}
		if err := b.buildBranch(plan, root, rootEntity, branch); err != nil {
			return nil, err
		}
	}

	plan.Phases = ComputePhases(plan.Nodes)
	for _, n := range plan.Nodes {
		if n.Depth > plan.MaxDepth {
			plan.MaxDepth = n.Depth
		}
	}
	return plan, nil
}

func (b *PlanBuilder) buildBranch(plan *Plan, root *Node, rootEntity, branch string) error {
	parent := root
	sourceEntity := rootEntity

	for _, segment := range strings.Split(branch, ".") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return UnknownRelationError(sourceEntity, segment)
		}
		if sourceEntity == "" {
			// parent is a morph_to node; its target entity is only known per row
			return InvalidRelationError(parent.ID, "cannot nest relations under a morph_to relation")
		}

		nodeID := segment
		if parent.ID != root.ID {
			nodeID = parent.ID + "." + segment
		}

		// Duplicate sibling segments collapse onto the existing node.
		if existing, ok := plan.Nodes[nodeID]; ok {
			parent = existing
			sourceEntity = existing.Entity
			continue
		}

		depth := parent.Depth + 1
		if depth > b.maxDepth {
			log.Printf("WARN: include %s truncated at depth %d (max_depth %d)", branch, depth, b.maxDepth)
			return nil
		}

		rel := b.resolver.RelationFor(sourceEntity, segment)
		if rel == nil {
			return UnknownRelationError(sourceEntity, segment)
		}

		node, err := b.nodeFromRelation(nodeID, parent, sourceEntity, rel)
		if err != nil {
			return err
		}
		node.Depth = depth
		plan.Nodes[nodeID] = node

		parent = node
		sourceEntity = rel.Target
	}
	return nil
}

// nodeFromRelation validates the relation metadata for its kind and
// derives the node's join columns.
func (b *PlanBuilder) nodeFromRelation(nodeID string, parent *Node, sourceEntity string, rel *metadata.Relation) (*Node, error) {
	source := b.resolver.Entity(sourceEntity)
	if source == nil {
		return nil, UnknownEntityError(sourceEntity)
	}

	node := &Node{
		ID:            nodeID,
		Entity:        rel.Target,
		Kind:          rel.Type,
		ParentID:      parent.ID,
		EstimatedRows: rel.EstimatedRows,
		Constraints:   rel.Constraints,
		Filter:        rel.Filter,
	}

	if rel.Type == metadata.MorphTo {
		if rel.TypeColumn == "" {
			return nil, InvalidRelationError(rel.Name, "morph_to requires a type column")
		}
		if rel.SourceKey == "" {
			return nil, InvalidRelationError(rel.Name, "morph_to requires a source key")
		}
		node.LocalKey = rel.SourceKey
		node.TypeColumn = rel.TypeColumn
		// Table and ForeignKey resolve per type at execution time.
		return node, nil
	}

	target := b.resolver.Entity(rel.Target)
	if target == nil {
		return nil, UnknownEntityError(rel.Target)
	}
	node.Table = target.Table

	switch rel.Type {
	case metadata.HasOne, metadata.HasMany:
		if rel.TargetKey == "" {
			return nil, InvalidRelationError(rel.Name, "requires a target key (foreign key on the target table)")
		}
		node.LocalKey = defaultKey(rel.SourceKey, source.PrimaryKey.Field)
		node.ForeignKey = rel.TargetKey

	case metadata.BelongsTo:
		if rel.SourceKey == "" {
			return nil, InvalidRelationError(rel.Name, "belongs_to requires a source key (foreign key on the source table)")
		}
		node.LocalKey = rel.SourceKey
		node.ForeignKey = defaultKey(rel.TargetKey, target.PrimaryKey.Field)

	case metadata.ManyToMany:
		if rel.JoinTable == "" || rel.SourceJoinKey == "" || rel.TargetJoinKey == "" {
			return nil, InvalidRelationError(rel.Name, "many_to_many requires join table metadata")
		}
		node.LocalKey = defaultKey(rel.SourceKey, source.PrimaryKey.Field)
		node.ForeignKey = defaultKey(rel.TargetKey, target.PrimaryKey.Field)
		node.JoinTable = rel.JoinTable
		node.SourceJoinKey = rel.SourceJoinKey
		node.TargetJoinKey = rel.TargetJoinKey

	case metadata.MorphOne, metadata.MorphMany:
		if rel.TypeColumn == "" {
			return nil, InvalidRelationError(rel.Name, "morph relations require a type column")
		}
		if rel.TargetKey == "" {
			return nil, InvalidRelationError(rel.Name, "requires a target key (foreign key on the target table)")
		}
		node.LocalKey = defaultKey(rel.SourceKey, source.PrimaryKey.Field)
		node.ForeignKey = rel.TargetKey
		node.TypeColumn = rel.TypeColumn
		// Morph targets share a table across owner types; pin rows to this owner.
		node.Constraints = append(node.Constraints, metadata.Constraint{
			Column: rel.TypeColumn, Operator: "eq", Value: sourceEntity,
		})

	default:
		return nil, InvalidRelationError(rel.Name, "unknown relation type "+rel.Type)
	}

	return node, nil
}

func defaultKey(key, fallback string) string {
	if key != "" {
		return key
	}
	return fallback
}

// ComputePhases layers nodes by depth: phase 0 holds the roots, phase k the
// nodes whose parent sits in phase k-1. Valid as a topological order because
// the plan is a forest and depth is always parent depth + 1. Node ids within
// a phase are sorted for deterministic execution order.
func ComputePhases(nodes map[string]*Node) [][]string {
	byDepth := make(map[int][]string)
	maxDepth := 0
	for id, n := range nodes {
		byDepth[n.Depth] = append(byDepth[n.Depth], id)
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}

	phases := make([][]string, 0, maxDepth+1)
	for d := 0; d <= maxDepth; d++ {
		ids := byDepth[d]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		phases = append(phases, ids)
	}
	return phases
}
