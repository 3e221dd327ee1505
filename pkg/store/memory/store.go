// Package memory keeps a document collection in process memory. It backs
// local development and the tests of everything above the store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"pentracker/pkg/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	docs   map[string]map[string]any
	feed   *store.Feed
	closed bool
}

func NewStore() *Store {
	s := &Store{docs: make(map[string]map[string]any)}
	s.feed = store.NewFeed(s.snapshot, 0)
	return s
}

func (s *Store) Set(ctx context.Context, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	s.docs[id] = store.CloneFields(fields)
	s.mu.Unlock()

	s.feed.Notify()
	return nil
}

func (s *Store) Update(ctx context.Context, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	for k, v := range fields {
		doc[k] = v
	}
	s.mu.Unlock()

	s.feed.Notify()
	return nil
}

func (s *Store) Subscribe(ctx context.Context, fn func(store.Snapshot)) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(fn)
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.feed.Close()
	return nil
}

// Get returns a copy of one document.
func (s *Store) Get(id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, false
	}
	return store.CloneFields(doc), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) snapshot(ctx context.Context) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(store.Snapshot, 0, len(s.docs))
	for id, fields := range s.docs {
		snap = append(snap, store.Document{ID: id, Fields: store.CloneFields(fields)})
	}
	store.SortByID(snap)
	return snap, nil
}
