package reconcile

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// Reconciler is implemented by Engine and MemEngine.
type Reconciler[T Record] interface {
	Reconcile(ctx context.Context, records []T) (Result, error)
}

// MemEngine keeps reconciled records in memory, keyed by Record.Key. Used by the standalone mode.
type MemEngine[T Record] struct {
	mu      sync.Mutex
	records map[string]T
}

func NewMemEngine[T Record]() *MemEngine[T] {
	return &MemEngine[T]{records: make(map[string]T)}
}

func (e *MemEngine[T]) Reconcile(_ context.Context, records []T) (Result, error) {
	records = Conflate(records)
	e.mu.Lock()
	defer e.mu.Unlock()

	known := make(map[string]bool, len(records))
	for _, r := range records {
		_, known[r.Key()] = e.records[r.Key()]
	}
	inserts, updates := Partition(records, known)
	for _, r := range records {
		e.records[r.Key()] = r
	}
	return Result{Created: len(inserts), Updated: len(updates)}, nil
}

// Records returns every stored record ordered by key.
func (e *MemEngine[T]) Records() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := maps.Keys(e.records)
	sort.Strings(keys)
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = e.records[k]
	}
	return out
}

// DeleteWhere removes the records matching predicate and returns how many were removed.
func (e *MemEngine[T]) DeleteWhere(predicate func(T) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, r := range e.records {
		if predicate(r) {
			delete(e.records, k)
			removed++
		}
	}
	return removed
}
