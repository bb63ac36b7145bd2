package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"nestfetch/internal/config"
	"nestfetch/internal/instrument"
	"nestfetch/internal/metadata"
)

// ExecStats summarizes one eager-load execution. Query and row counts
// exclude cache hits and deduplication-skipped fetches.
type ExecStats struct {
	ExecutionID   string  `json:"execution_id"`
	DurationMs    float64 `json:"duration_ms"`
	QueryCount    int     `json:"query_count"`
	RecordsLoaded int     `json:"records_loaded"`
	DepthLoaded   int     `json:"depth_loaded"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

type execResult struct {
	rows     map[string][]map[string]any // node id -> rows
	pivots   map[string][]map[string]any // many_to_many node id -> join-table rows
	counters *LoadCounters
	stats    ExecStats
}

// Executor drives a plan phase by phase. Phases run strictly in dependency
// order; within a phase, parallel-safe nodes run concurrently under a
// counting-permit pool, then the remaining nodes run sequentially.
type Executor struct {
	resolver Resolver
	loader   *BatchLoader
	cfg      config.LoaderConfig
}

func NewExecutor(resolver Resolver, loader *BatchLoader, cfg config.LoaderConfig) *Executor {
	return &Executor{resolver: resolver, loader: loader, cfg: cfg}
}

// Execute runs all phases under one deadline. Exceeding the deadline fails
// the whole call; no partial results survive.
func (e *Executor) Execute(ctx context.Context, plan *Plan, rootIDs []any) (*execResult, error) {
	res := &execResult{
		rows:     make(map[string][]map[string]any),
		pivots:   make(map[string][]map[string]any),
		counters: NewLoadCounters(),
	}
	if len(rootIDs) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout())
	defer cancel()

	start := time.Now()
	dedup := NewDeduplicator()

	inst := instrument.GetInstrumenter(ctx)
	ctx, span := inst.StartSpan(ctx, "executor", "execute")
	defer span.End()

	var mu sync.Mutex
	for _, phase := range plan.Phases {
		if err := e.runPhase(ctx, plan, phase, rootIDs, dedup, res, &mu); err != nil {
			span.SetStatus("error")
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, TimeoutError(e.cfg.QueryTimeoutMs)
			}
			return nil, err
		}
	}
	span.SetStatus("ok")

	queries, rows, hits, misses := res.counters.Snapshot()
	res.stats.QueryCount = queries
	res.stats.RecordsLoaded = rows
	res.stats.DepthLoaded = plan.MaxDepth
	res.stats.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	if hits+misses > 0 {
		res.stats.CacheHitRatio = float64(hits) / float64(hits+misses)
	}
	return res, nil
}

func (e *Executor) runPhase(ctx context.Context, plan *Plan, phase []string, rootIDs []any, dedup *Deduplicator, res *execResult, mu *sync.Mutex) error {
	var parallel, serial []*Node
	for _, id := range phase {
		node := plan.Nodes[id]
		if node.ParallelSafe {
			parallel = append(parallel, node)
		} else {
			serial = append(serial, node)
		}
	}

	if len(parallel) > 0 {
		limit := int64(e.cfg.MaxConcurrency)
		if !e.cfg.EnableParallelism || limit < 1 {
			limit = 1
		}
		sem := semaphore.NewWeighted(limit)
		g, gctx := errgroup.WithContext(ctx)
		for _, node := range parallel {
			node := node
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				return e.runNode(gctx, node, rootIDs, dedup, res, mu)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for _, node := range serial {
		if err := e.runNode(ctx, node, rootIDs, dedup, res, mu); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runNode(ctx context.Context, node *Node, rootIDs []any, dedup *Deduplicator, res *execResult, mu *sync.Mutex) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var keys []any
	if node.Kind == KindRoot {
		keys = rootIDs
	} else {
		mu.Lock()
		parentRows := res.rows[node.ParentID]
		mu.Unlock()
		keys = collectKeys(parentRows, node.LocalKey)
		if len(keys) == 0 {
			mu.Lock()
			res.rows[node.ID] = nil
			mu.Unlock()
			return nil
		}
	}

	var rows []map[string]any
	var err error
	switch node.Kind {
	case metadata.ManyToMany:
		rows, err = e.loadManyToMany(ctx, node, keys, dedup, res, mu)
	case metadata.MorphTo:
		rows, err = e.loadMorphTo(ctx, node, dedup, res, mu)
	default:
		rows, err = e.loadKeyed(ctx, node, node.Table, node.ForeignKey, keys, dedup, res.counters)
	}
	if err != nil {
		return err
	}

	mu.Lock()
	res.rows[node.ID] = rows
	mu.Unlock()
	return nil
}

// loadKeyed runs one dedup-gated fetch through the batch loader.
// Constrained and filtered nodes bypass deduplication: their signatures
// would collide with unconstrained fetches that return different rows.
func (e *Executor) loadKeyed(ctx context.Context, node *Node, table, filterColumn string, keys []any, dedup *Deduplicator, ctrs *LoadCounters) ([]map[string]any, error) {
	if !e.cfg.DeduplicateQueries || node.IsConstrained() {
		return e.loader.LoadKeys(ctx, node, table, filterColumn, keys, node.Constraints, ctrs)
	}

	sig := Signature(table, filterColumn, keys)
	owner, ready, finish := dedup.Claim(sig)
	if !owner {
		if err := dedup.Wait(ctx, ready); err != nil {
			return nil, err
		}
		ctrs.addHits(len(keys))
		return e.loader.CachedRows(table, keys), nil
	}
	defer finish()
	return e.loader.LoadKeys(ctx, node, table, filterColumn, keys, node.Constraints, ctrs)
}

func (e *Executor) loadManyToMany(ctx context.Context, node *Node, parentKeys []any, dedup *Deduplicator, res *execResult, mu *sync.Mutex) ([]map[string]any, error) {
	pivot, err := e.loadPivotDeduped(ctx, node, parentKeys, dedup, res.counters)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	res.pivots[node.ID] = pivot
	mu.Unlock()

	targetIDs := collectKeys(pivot, node.TargetJoinKey)
	if len(targetIDs) == 0 {
		return nil, nil
	}
	return e.loadKeyed(ctx, node, node.Table, node.ForeignKey, targetIDs, dedup, res.counters)
}

// loadPivotDeduped fetches a many_to_many node's join-table rows, sharing
// the fetch with any sibling pointed at the same join table and key set.
func (e *Executor) loadPivotDeduped(ctx context.Context, node *Node, parentKeys []any, dedup *Deduplicator, ctrs *LoadCounters) ([]map[string]any, error) {
	if !e.cfg.DeduplicateQueries {
		return e.loader.LoadPivot(ctx, node, parentKeys, ctrs)
	}

	sig := Signature(node.JoinTable, node.SourceJoinKey, parentKeys)
	owner, ready, finish := dedup.Claim(sig)
	if !owner {
		if err := dedup.Wait(ctx, ready); err != nil {
			return nil, err
		}
		ctrs.addHits(len(parentKeys))
		return e.loader.CachedRows(node.JoinTable, parentKeys), nil
	}
	defer finish()
	return e.loader.LoadPivot(ctx, node, parentKeys, ctrs)
}

// loadMorphTo groups the parent rows by their type column and issues one
// keyed load per distinct target entity.
func (e *Executor) loadMorphTo(ctx context.Context, node *Node, dedup *Deduplicator, res *execResult, mu *sync.Mutex) ([]map[string]any, error) {
	mu.Lock()
	parentRows := res.rows[node.ParentID]
	mu.Unlock()

	keysByType := make(map[string][]any)
	for _, row := range parentRows {
		typeName := cast.ToString(row[node.TypeColumn])
		if typeName == "" || row[node.LocalKey] == nil {
			continue
		}
		keysByType[typeName] = append(keysByType[typeName], row[node.LocalKey])
	}

	types := make([]string, 0, len(keysByType))
	for t := range keysByType {
		types = append(types, t)
	}
	sort.Strings(types)

	var rows []map[string]any
	for _, typeName := range types {
		entity := e.resolver.Entity(typeName)
		if entity == nil {
			return nil, InvalidRelationError(node.ID, fmt.Sprintf("type column %s names unknown entity %q", node.TypeColumn, typeName))
		}
		typeRows, err := e.loadKeyed(ctx, node, entity.Table, entity.PrimaryKey.Field, keysByType[typeName], dedup, res.counters)
		if err != nil {
			return nil, err
		}
		// Rows from different target tables share one result slice, and key
		// values can collide across tables. Tag copies with their type and
		// key column so the reshaper can match rows to the owning parent.
		for _, r := range typeRows {
			tagged := make(map[string]any, len(r)+2)
			for k, v := range r {
				tagged[k] = v
			}
			tagged[morphTypeField] = typeName
			tagged[morphKeyField] = entity.PrimaryKey.Field
			rows = append(rows, tagged)
		}
	}
	return rows, nil
}

// Internal fields tagged onto morph_to rows; stripped before attachment.
const (
	morphTypeField = "__morph_type"
	morphKeyField  = "__morph_key"
)

// collectKeys extracts the distinct non-nil values of a column across rows.
func collectKeys(rows []map[string]any, column string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v := row[column]
		if v == nil {
			continue
		}
		s := cast.ToString(v)
		if !seen[s] {
			seen[s] = true
			values = append(values, v)
		}
	}
	return values
}
