package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// Deduplicator recognizes that two nodes in one execution would issue
// functionally identical fetches, and lets the second wait for the first
// instead of going to the store. Scoped to a single execution; never
// persisted.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]chan struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]chan struct{})}
}

// Signature derives the identity of a pending fetch: table, filter column,
// and the sorted key set. Two fetches with equal signatures return the same
// rows, so the second can be served from the first's cache.
func Signature(table, filterColumn string, keys []any) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, cast.ToString(k))
	}
	sort.Strings(parts)
	return table + "|" + filterColumn + "|" + strings.Join(parts, ",")
}

// Claim registers a fetch signature. The first claimant owns the fetch and
// must call finish once its rows are cached; later claimants get owner ==
// false and must Wait on ready before reading the cache. Claims from
// concurrently running nodes are safe.
func (d *Deduplicator) Claim(sig string) (owner bool, ready <-chan struct{}, finish func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.seen[sig]; ok {
		return false, ch, nil
	}
	ch := make(chan struct{})
	d.seen[sig] = ch
	var once sync.Once
	return true, ch, func() { once.Do(func() { close(ch) }) }
}

// Wait blocks until the signature's owning fetch finishes or the context
// expires.
func (d *Deduplicator) Wait(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seen reports whether an identical fetch was already claimed.
func (d *Deduplicator) Seen(sig string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[sig]
	return ok
}

// Record marks a fetch signature as already completed.
func (d *Deduplicator) Record(sig string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[sig]; ok {
		return
	}
	ch := make(chan struct{})
	close(ch)
	d.seen[sig] = ch
}
