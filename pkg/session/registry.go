package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry keeps one controller per browser session.
type Registry struct {
	deps     Deps
	mu       sync.Mutex
	sessions map[string]*Controller
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Controller),
	}
}

func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	c, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		c.Touch()
	}
	return c, ok
}

// Create starts a fresh controller under a new random id.
func (r *Registry) Create() *Controller {
	c := NewController(uuid.New().String(), r.deps)
	r.mu.Lock()
	r.sessions[c.ID] = c
	r.mu.Unlock()
	return c
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes and forgets controllers idle for longer than maxIdle.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	now := time.Now()
	if r.deps.Now != nil {
		now = r.deps.Now()
	}

	r.mu.Lock()
	var stale []*Controller
	for id, c := range r.sessions {
		if now.Sub(c.IdleSince()) > maxIdle {
			stale = append(stale, c)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	if len(stale) > 0 {
		log.Printf("Swept %d idle sessions", len(stale))
	}
	return len(stale)
}

// RetryDue gives every controller a chance to re-issue due writes.
func (r *Registry) RetryDue(ctx context.Context) int {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		all = append(all, c)
	}
	r.mu.Unlock()

	n := 0
	for _, c := range all {
		n += c.RetryDue(ctx)
	}
	return n
}

func (r *Registry) Close() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
