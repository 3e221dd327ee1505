package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingWrite is one per-pen store write that failed and may be retried.
type PendingWrite struct {
	ID         string
	Command    string
	PenID      int
	Borrower   string
	StartDate  time.Time
	EndDate    time.Time
	Manager    bool
	LastError  string
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
}

// Exhausted reports whether no retries remain.
func (w *PendingWrite) Exhausted() bool {
	return w.RetryCount >= w.MaxRetries
}

// Backoff doubles from one second per attempt, capped at one minute.
func Backoff(retryCount int) time.Duration {
	d := time.Second
	for i := 0; i < retryCount && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

type Queue struct {
	items []*PendingWrite
	mu    sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{
		items: make([]*PendingWrite, 0),
	}
}

func (q *Queue) Enqueue(w *PendingWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	q.items = append(q.items, w)
}

// Dequeue removes and returns the first write due at or before now.
func (q *Queue) Dequeue(now time.Time) *PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, w := range q.items {
		if !w.RetryAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return w
		}
	}
	return nil
}

func (q *Queue) Peek(now time.Time) *PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, w := range q.items {
		if !w.RetryAt.After(now) {
			return w
		}
	}
	return nil
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) GetAll() []*PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*PendingWrite, len(q.items))
	copy(result, q.items)
	return result
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}
