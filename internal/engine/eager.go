package engine

import (
	"context"

	"github.com/spf13/cast"

	"nestfetch/internal/config"
	"nestfetch/internal/instrument"
	"nestfetch/internal/metadata"
)

// EagerLoadResult is the public result of one eager-load call: per-root
// nested relationship data plus execution statistics and the optimizations
// actually applied.
type EagerLoadResult struct {
	Data          map[string]map[string]any `json:"data"`
	Stats         ExecStats                 `json:"stats"`
	Optimizations []Strategy                `json:"optimizations"`
}

// EagerLoader is the public entry point of the engine. One instance may be
// reused across calls, including concurrent ones: the batch cache guards
// its own state and in-flight fetches, and statistics accumulate per call.
// The cache is the only state that survives a call; ClearCaches drops it.
type EagerLoader struct {
	resolver Resolver
	loader   *BatchLoader
	cfg      config.LoaderConfig
}

func NewEagerLoader(resolver Resolver, fetcher RowFetcher, cfg config.LoaderConfig) *EagerLoader {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.QueryTimeoutMs <= 0 {
		cfg.QueryTimeoutMs = 30000
	}
	return &EagerLoader{
		resolver: resolver,
		loader:   NewBatchLoader(fetcher, cfg.MaxBatchSize, cfg.DeduplicateQueries),
		cfg:      cfg,
	}
}

// LoadWithRelationships builds, optimizes, and executes a plan for the
// include spec, then reshapes the flat per-node results into a per-root
// nested structure.
func (el *EagerLoader) LoadWithRelationships(ctx context.Context, rootEntity string, rootIDs []any, spec string) (*EagerLoadResult, error) {
	plan, err := NewPlanBuilder(el.resolver, el.cfg.MaxDepth).Build(rootEntity, spec)
	if err != nil {
		return nil, err
	}
	strategies := Optimize(plan)
	return el.run(ctx, plan, rootIDs, strategies)
}

// LoadWithStrategy applies exactly one named optimizer strategy instead of
// the full heuristic pass, for explicit caller control.
func (el *EagerLoader) LoadWithStrategy(ctx context.Context, rootEntity string, rootIDs []any, spec string, strategy Strategy) (*EagerLoadResult, error) {
	plan, err := NewPlanBuilder(el.resolver, el.cfg.MaxDepth).Build(rootEntity, spec)
	if err != nil {
		return nil, err
	}
	applied, err := ApplyStrategy(plan, strategy)
	if err != nil {
		return nil, err
	}
	return el.run(ctx, plan, rootIDs, applied)
}

// ClearCaches resets the batch loader's row cache.
func (el *EagerLoader) ClearCaches() {
	el.loader.ClearCache()
}

func (el *EagerLoader) run(ctx context.Context, plan *Plan, rootIDs []any, strategies []Strategy) (*EagerLoadResult, error) {
	execID := instrument.NewExecutionID()
	ctx = instrument.WithExecutionID(ctx, execID)

	inst := instrument.GetInstrumenter(ctx)
	ctx, span := inst.StartSpan(ctx, "eager", "load")
	defer span.End()
	span.SetEntity(plan.Roots[0])
	span.SetMetadata("nodes", len(plan.Nodes))

	res, err := NewExecutor(el.resolver, el.loader, el.cfg).Execute(ctx, plan, rootIDs)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetStatus("ok")

	res.stats.ExecutionID = execID
	return &EagerLoadResult{
		Data:          el.reshape(plan, res),
		Stats:         res.stats,
		Optimizations: strategies,
	}, nil
}

// reshape walks the plan tree per root row and filters each node's rows
// down to those matching the row's ancestor chain, nesting them under
// relationships[node id].
func (el *EagerLoader) reshape(plan *Plan, res *execResult) map[string]map[string]any {
	data := make(map[string]map[string]any)
	rootID := plan.Roots[0]
	root := plan.Nodes[rootID]

	for _, row := range res.rows[rootID] {
		key := cast.ToString(row[root.ForeignKey])
		data[key] = el.nestRow(plan, res, root, row)
	}
	return data
}

// nestRow copies a result row and attaches its relationship subtree.
func (el *EagerLoader) nestRow(plan *Plan, res *execResult, node *Node, row map[string]any) map[string]any {
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		if k == morphTypeField || k == morphKeyField {
			continue
		}
		out[k] = v
	}

	children := plan.ChildrenOf(node.ID)
	if len(children) == 0 {
		return out
	}

	relationships := make(map[string]any, len(children))
	for _, childID := range children {
		child := plan.Nodes[childID]
		matched := el.matchRows(res, child, row)

		if child.IsCollection() {
			nested := make([]map[string]any, 0, len(matched))
			for _, m := range matched {
				nested = append(nested, el.nestRow(plan, res, child, m))
			}
			relationships[childID] = nested
		} else if len(matched) > 0 {
			relationships[childID] = el.nestRow(plan, res, child, matched[0])
		} else {
			relationships[childID] = nil
		}
	}
	out["relationships"] = relationships
	return out
}

// matchRows selects the child node's rows belonging to one parent row.
func (el *EagerLoader) matchRows(res *execResult, child *Node, parentRow map[string]any) []map[string]any {
	rows := res.rows[child.ID]

	switch child.Kind {
	case metadata.ManyToMany:
		parentKey := cast.ToString(parentRow[child.LocalKey])
		wanted := make(map[string]bool)
		for _, pivot := range res.pivots[child.ID] {
			if cast.ToString(pivot[child.SourceJoinKey]) == parentKey {
				wanted[cast.ToString(pivot[child.TargetJoinKey])] = true
			}
		}
		var matched []map[string]any
		for _, row := range rows {
			if wanted[cast.ToString(row[child.ForeignKey])] {
				matched = append(matched, row)
			}
		}
		return matched

	case metadata.MorphTo:
		typeName := cast.ToString(parentRow[child.TypeColumn])
		parentKey := cast.ToString(parentRow[child.LocalKey])
		var matched []map[string]any
		for _, row := range rows {
			if cast.ToString(row[morphTypeField]) != typeName {
				continue
			}
			keyColumn := cast.ToString(row[morphKeyField])
			if cast.ToString(row[keyColumn]) == parentKey {
				matched = append(matched, row)
			}
		}
		return matched

	default:
		parentKey := cast.ToString(parentRow[child.LocalKey])
		var matched []map[string]any
		for _, row := range rows {
			if cast.ToString(row[child.ForeignKey]) == parentKey {
				matched = append(matched, row)
			}
		}
		return matched
	}
}
