package workitem

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Filter selects items for List. Zero fields match everything.
type Filter struct {
	Scope        string
	State        State
	MergedSince  time.Time
	MergedBefore time.Time
	Limit        int
}

func (f Filter) match(it *Item) bool {
	if f.Scope != "" && !it.InScope(f.Scope) {
		return false
	}
	if f.State != "" && it.State != f.State {
		return false
	}
	if !f.MergedSince.IsZero() && (it.MergedAt == nil || it.MergedAt.Before(f.MergedSince)) {
		return false
	}
	if !f.MergedBefore.IsZero() && (it.MergedAt == nil || !it.MergedAt.Before(f.MergedBefore)) {
		return false
	}
	return true
}

// Repository persists work items. Insert and Update are guarded by the item
// version and return ErrReconciliationConflict when the stored row moved.
type Repository interface {
	Get(ctx context.Context, id Identity) (*Item, error)
	Insert(ctx context.Context, item *Item) error
	Update(ctx context.Context, item *Item, expectedVersion int64) error
	List(ctx context.Context, f Filter) ([]*Item, error)
}

// MemoryRepository is an in-process Repository used by tests and the
// backfill dry run.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*Item
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*Item)}
}

func (r *MemoryRepository) Get(_ context.Context, id Identity) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it, ok := r.items[id.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

func (r *MemoryRepository) Insert(_ context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := item.Key()
	if _, ok := r.items[key]; ok {
		return ErrReconciliationConflict
	}
	item.Version = 1
	r.items[key] = item.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, item *Item, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[item.Key()]
	if !ok || cur.Version != expectedVersion {
		return ErrReconciliationConflict
	}
	item.Version = expectedVersion + 1
	r.items[item.Key()] = item.Clone()
	return nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*Item{}
	for _, it := range r.items {
		if f.match(it) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = slices.Clip(out[:f.Limit])
	}
	return out, nil
}

// Count returns the number of stored rows.
func (r *MemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
