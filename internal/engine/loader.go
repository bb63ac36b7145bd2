package engine

import (
	"context"
	"sync"

	"github.com/spf13/cast"

	"nestfetch/internal/metadata"
)

type cacheKey struct {
	table string
	key   string
}

// BatchLoader issues chunked fetch-by-key-set queries and caches fetched
// rows by (table, key). With caching enabled, a given unconstrained
// (table, key) is fetched over the network at most once even across
// concurrent calls: uncached keys are claimed in-flight, and a call whose
// key is already claimed waits for the owning fetch instead of repeating
// it. This is the core N+1 mitigation. The cache survives across calls on
// a reused loader until ClearCache.
type BatchLoader struct {
	fetcher      RowFetcher
	maxBatchSize int
	cacheEnabled bool
	filters      *filterCache

	mu       sync.Mutex
	cache    map[cacheKey][]map[string]any
	inflight map[cacheKey]chan struct{}
}

func NewBatchLoader(fetcher RowFetcher, maxBatchSize int, cacheEnabled bool) *BatchLoader {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	return &BatchLoader{
		fetcher:      fetcher,
		maxBatchSize: maxBatchSize,
		cacheEnabled: cacheEnabled,
		filters:      newFilterCache(),
		cache:        make(map[cacheKey][]map[string]any),
		inflight:     make(map[cacheKey]chan struct{}),
	}
}

// LoadCounters accumulates fetch statistics for one top-level execution.
// Each execution passes its own instance, so overlapping calls on a shared
// loader never mix counts.
type LoadCounters struct {
	mu        sync.Mutex
	queries   int
	rowsRead  int
	cacheHits int
	keyMisses int
}

func NewLoadCounters() *LoadCounters {
	return &LoadCounters{}
}

func (c *LoadCounters) addQuery(rows int) {
	c.mu.Lock()
	c.queries++
	c.rowsRead += rows
	c.mu.Unlock()
}

func (c *LoadCounters) addHits(n int) {
	c.mu.Lock()
	c.cacheHits += n
	c.mu.Unlock()
}

func (c *LoadCounters) addMisses(n int) {
	c.mu.Lock()
	c.keyMisses += n
	c.mu.Unlock()
}

// Snapshot returns queries issued, rows read, keys served from cache, and
// keys that went to the store.
func (c *LoadCounters) Snapshot() (queries, rows, cacheHits, keyMisses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries, c.rowsRead, c.cacheHits, c.keyMisses
}

// Load fetches the node's rows for the given parent key values.
// A chunk failure aborts the whole call; no partial results are returned.
func (l *BatchLoader) Load(ctx context.Context, node *Node, parentKeys []any, ctrs *LoadCounters) ([]map[string]any, error) {
	return l.LoadKeys(ctx, node, node.Table, node.ForeignKey, parentKeys, node.Constraints, ctrs)
}

// LoadPivot fetches the join-table rows for a many_to_many node. Pivot rows
// carry no relation constraints; those apply to the target table only.
func (l *BatchLoader) LoadPivot(ctx context.Context, node *Node, parentKeys []any, ctrs *LoadCounters) ([]map[string]any, error) {
	return l.loadChunked(ctx, node, node.JoinTable, node.SourceJoinKey, parentKeys, nil, "", ctrs)
}

// LoadKeys fetches rows from an explicit table and filter column. The
// executor uses it directly for morph_to nodes, whose table varies per
// parent row.
func (l *BatchLoader) LoadKeys(ctx context.Context, node *Node, table, filterColumn string, keys []any, constraints []metadata.Constraint, ctrs *LoadCounters) ([]map[string]any, error) {
	return l.loadChunked(ctx, node, table, filterColumn, keys, constraints, node.Filter, ctrs)
}

func (l *BatchLoader) loadChunked(ctx context.Context, node *Node, table, filterColumn string, keys []any, constraints []metadata.Constraint, filter string, ctrs *LoadCounters) ([]map[string]any, error) {
	keys = dedupeKeys(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	// Constrained or filtered fetches skip the cache entirely: their rows
	// are a subset of the key's full row set and would poison later reads.
	useCache := l.cacheEnabled && len(constraints) == 0 && filter == ""
	if !useCache {
		ctrs.addMisses(len(keys))
		fetched, err := l.fetchChunks(ctx, node, table, filterColumn, keys, constraints, ctrs)
		if err != nil {
			return nil, err
		}
		return l.applyFilter(node, table, filter, fetched)
	}

	result, claimed, err := l.collectOrClaim(ctx, table, keys, ctrs)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return result, nil
	}
	defer l.releaseClaims(table, claimed)

	ctrs.addMisses(len(claimed))
	fetched, err := l.fetchChunks(ctx, node, table, filterColumn, claimed, constraints, ctrs)
	if err != nil {
		return nil, err
	}
	l.populateCache(table, filterColumn, claimed, fetched)
	return append(result, fetched...), nil
}

// collectOrClaim partitions keys into cached rows, keys this call now owns
// and must fetch, and keys another in-flight call is already fetching. For
// the last group it waits for the owning fetch, then re-examines: the key
// is either cached by then, or reclaimable if the owner failed. Claimed
// keys must be released via releaseClaims once the fetch is resolved.
func (l *BatchLoader) collectOrClaim(ctx context.Context, table string, keys []any, ctrs *LoadCounters) (result []map[string]any, claimed []any, err error) {
	pending := keys
	for len(pending) > 0 {
		var waits []chan struct{}
		var blocked []any

		l.mu.Lock()
		for _, k := range pending {
			ck := cacheKey{table: table, key: cast.ToString(k)}
			if rows, ok := l.cache[ck]; ok {
				ctrs.addHits(1)
				result = append(result, rows...)
				continue
			}
			if ch, ok := l.inflight[ck]; ok {
				waits = append(waits, ch)
				blocked = append(blocked, k)
				continue
			}
			l.inflight[ck] = make(chan struct{})
			claimed = append(claimed, k)
		}
		l.mu.Unlock()

		for _, ch := range waits {
			select {
			case <-ch:
			case <-ctx.Done():
				l.releaseClaims(table, claimed)
				return nil, nil, ctx.Err()
			}
		}
		pending = blocked
	}
	return result, claimed, nil
}

// releaseClaims wakes waiters on this call's claimed keys and removes the
// claims. Keys the fetch failed to cache become reclaimable by a waiter.
func (l *BatchLoader) releaseClaims(table string, claimed []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range claimed {
		ck := cacheKey{table: table, key: cast.ToString(k)}
		if ch, ok := l.inflight[ck]; ok {
			close(ch)
			delete(l.inflight, ck)
		}
	}
}

func (l *BatchLoader) fetchChunks(ctx context.Context, node *Node, table, filterColumn string, keys []any, constraints []metadata.Constraint, ctrs *LoadCounters) ([]map[string]any, error) {
	var fetched []map[string]any
	for start := 0; start < len(keys); start += l.maxBatchSize {
		end := start + l.maxBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		rows, err := l.fetcher.FetchRows(ctx, table, filterColumn, chunk, constraints)
		if err != nil {
			return nil, BackendError(node.ID, table, err)
		}
		ctrs.addQuery(len(rows))
		fetched = append(fetched, rows...)
	}
	return fetched, nil
}

func (l *BatchLoader) applyFilter(node *Node, table, filter string, rows []map[string]any) ([]map[string]any, error) {
	if filter == "" {
		return rows, nil
	}
	prog, err := l.filters.get(filter)
	if err != nil {
		return nil, InvalidRelationError(node.ID, err.Error())
	}
	kept, err := FilterRows(prog, rows)
	if err != nil {
		return nil, BackendError(node.ID, table, err)
	}
	return kept, nil
}

// populateCache stores fetched rows under their own (table, key), plus a
// negative entry for every requested key that matched nothing, so rowless
// keys are not refetched.
func (l *BatchLoader) populateCache(table, filterColumn string, requested []any, rows []map[string]any) {
	grouped := make(map[string][]map[string]any)
	for _, row := range rows {
		k := cast.ToString(row[filterColumn])
		grouped[k] = append(grouped[k], row)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range requested {
		ks := cast.ToString(k)
		l.cache[cacheKey{table: table, key: ks}] = grouped[ks]
	}
}

// CachedRows returns the cached rows for a key set without touching the
// store. Used to source rows for deduplicated nodes.
func (l *BatchLoader) CachedRows(table string, keys []any) []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []map[string]any
	for _, k := range dedupeKeys(keys) {
		rows = append(rows, l.cache[cacheKey{table: table, key: cast.ToString(k)}]...)
	}
	return rows
}

// ClearCache drops all cached rows. In-flight claims are untouched; their
// owners release them when the fetch resolves.
func (l *BatchLoader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[cacheKey][]map[string]any)
}

// dedupeKeys drops nils and duplicate key values, preserving order.
func dedupeKeys(keys []any) []any {
	seen := make(map[string]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if k == nil {
			continue
		}
		s := cast.ToString(k)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, k)
	}
	return out
}
