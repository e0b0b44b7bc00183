// Package workitem is the canonical entity store. All writers, batch sync and
// webhooks alike, go through Service.Upsert.
package workitem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventKind names a domain event emitted by the store
type EventKind string

const (
	// EventUpserted fires after every write that changed the stored row.
	EventUpserted EventKind = "work_item_upserted"
	// EventMerged fires once per item, on its first transition into merged.
	EventMerged EventKind = "work_item_merged"
)

// Event is delivered to subscribers after the write is durable.
type Event struct {
	Kind     EventKind
	Item     *Item
	Previous *Item
}

// Subscriber handles a domain event. It runs on the upserting goroutine.
type Subscriber func(ctx context.Context, ev Event)

const maxConflictRetries = 3

// Service serializes upserts per identity and emits domain events
type Service struct {
	repo  Repository
	locks *keyedMutex

	subsMu sync.RWMutex
	subs   map[EventKind][]Subscriber
}

// NewService creates a new entity store service
func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		locks: newKeyedMutex(),
		subs:  make(map[EventKind][]Subscriber),
	}
}

// Subscribe registers fn for events of kind. Register before traffic starts.
func (s *Service) Subscribe(kind EventKind, fn Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[kind] = append(s.subs[kind], fn)
}

// Upsert merges p into the stored item. Applying the same patch twice leaves
// the row untouched the second time.
func (s *Service) Upsert(ctx context.Context, p *Patch) (*Item, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	key := p.Key()
	unlock := s.locks.Lock(key)
	prev, next, err := s.upsertLocked(ctx, p)
	unlock()
	if err != nil {
		return nil, err
	}

	if next.Version == prevVersion(prev) {
		return next, nil
	}

	s.emit(ctx, Event{Kind: EventUpserted, Item: next, Previous: prev})
	if next.State == StateMerged && (prev == nil || prev.State != StateMerged) {
		slog.Info("Work item merged", "key", key, "merged_at", next.MergedAt)
		s.emit(ctx, Event{Kind: EventMerged, Item: next, Previous: prev})
	}
	return next, nil
}

func (s *Service) upsertLocked(ctx context.Context, p *Patch) (*Item, *Item, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.repo.Get(ctx, p.Identity)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("failed to load work item: %w", err)
		}

		next, changed := Apply(cur, p)
		if !changed {
			return cur, cur, nil
		}

		now := time.Now().UTC()
		next.UpdatedAt = now
		if cur == nil {
			next.CreatedAt = now
			err = s.repo.Insert(ctx, next)
		} else {
			err = s.repo.Update(ctx, next, cur.Version)
		}
		if err == nil {
			return cur, next, nil
		}

		if !errors.Is(err, ErrReconciliationConflict) {
			return nil, nil, err
		}
		// Upserts are serialized per key in this process; a conflict means
		// another writer touched the row. Reload and reapply.
		slog.Error("Reconciliation conflict on work item upsert",
			"key", p.Key(),
			"attempt", attempt+1,
		)
		if attempt+1 >= maxConflictRetries {
			return nil, nil, fmt.Errorf("failed to upsert %s: %w", p.Key(), err)
		}
	}
}

func prevVersion(prev *Item) int64 {
	if prev == nil {
		return 0
	}
	return prev.Version
}

func (s *Service) emit(ctx context.Context, ev Event) {
	s.subsMu.RLock()
	subs := append([]Subscriber(nil), s.subs[ev.Kind]...)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Subscriber panicked",
						"event", ev.Kind,
						"key", ev.Item.Key(),
						"panic", r,
					)
				}
			}()
			fn(ctx, ev.clone())
		}()
	}
}

func (ev Event) clone() Event {
	out := ev
	out.Item = ev.Item.Clone()
	if ev.Previous != nil {
		out.Previous = ev.Previous.Clone()
	}
	return out
}

// Get returns the stored item for id.
func (s *Service) Get(ctx context.Context, id Identity) (*Item, error) {
	return s.repo.Get(ctx, id)
}

// List returns items matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]*Item, error) {
	return s.repo.List(ctx, f)
}

// ListByScope returns every item in scope.
func (s *Service) ListByScope(ctx context.Context, scope string) ([]*Item, error) {
	return s.repo.List(ctx, Filter{Scope: scope})
}

// keyedMutex hands out one mutex per key and frees it when the last holder
// releases it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
