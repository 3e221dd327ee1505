package store

import (
	"context"
	"log"
	"sync"
	"time"
)

// Loader reads the complete current contents of a collection.
type Loader func(ctx context.Context) (Snapshot, error)

// Feed fans change signals out to subscribers. Each subscriber owns a goroutine
// and a one-slot signal channel, so bursts of writes coalesce into a single
// reload and every callback sees the latest full snapshot.
type Feed struct {
	load        Loader
	loadTimeout time.Duration

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	feed   *Feed
	fn     func(Snapshot)
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewFeed(load Loader, loadTimeout time.Duration) *Feed {
	if loadTimeout <= 0 {
		loadTimeout = 10 * time.Second
	}
	return &Feed{
		load:        load,
		loadTimeout: loadTimeout,
		subs:        make(map[*subscriber]struct{}),
	}
}

func (f *Feed) Subscribe(fn func(Snapshot)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	s := &subscriber{
		feed:   f,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.signal <- struct{}{}
	f.subs[s] = struct{}{}
	go s.run()
	return s, nil
}

// Notify schedules a reload for every subscriber.
func (f *Feed) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) Close() {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.closed = true
	f.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (f *Feed) remove(s *subscriber) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.feed.loadTimeout)
		snap, err := s.feed.load(ctx)
		cancel()
		if err != nil {
			log.Printf("Snapshot load failed: %v", err)
			continue
		}

		select {
		case <-s.done:
			return
		default:
		}
		s.fn(snap)
	}
}

func (s *subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		s.feed.remove(s)
	})
}
