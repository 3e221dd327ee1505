// Package inventory holds the pens as last seen in the store and the commands
// that change them. Local state is only ever replaced from a store snapshot;
// commands write to the store and wait for the snapshot that follows.
package inventory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pentracker/pkg/circuitbreaker"
	"pentracker/pkg/models"
	"pentracker/pkg/store"
)

type Tracker struct {
	store         store.Store
	breaker       *circuitbreaker.CircuitBreaker
	manualOverdue bool
	writeTimeout  time.Duration
	loc           *time.Location

	mu       sync.RWMutex
	pens     []models.Pen
	selected map[int]struct{}
	version  uint64
	epoch    uint64
	onChange func(version uint64)
}

type Option func(*Tracker)

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(t *Tracker) { t.breaker = cb }
}

// WithManualOverdue enables the manager's overdue flag commands and writes the
// flag into freshly created pens.
func WithManualOverdue(enabled bool) Option {
	return func(t *Tracker) { t.manualOverdue = enabled }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.writeTimeout = d }
}

// WithLocation sets the zone dates are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

func NewTracker(s store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:        s,
		writeTimeout: 10 * time.Second,
		loc:          time.Local,
		selected:     make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) ManualOverdue() bool {
	return t.manualOverdue
}

func (t *Tracker) Location() *time.Location {
	return t.loc
}

// OnChange registers fn to run after every adopted snapshot.
func (t *Tracker) OnChange(fn func(version uint64)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// OnSnapshot replaces the pen list with snap. An empty collection is populated
// with the full default universe first. The selection is always cleared.
func (t *Tracker) OnSnapshot(ctx context.Context, snap store.Snapshot) {
	t.Adopt(ctx, snap, t.Epoch())
}

// Adopt is OnSnapshot for a snapshot requested at epoch. It is discarded when
// Reset was called in between, and reports whether it was adopted.
func (t *Tracker) Adopt(ctx context.Context, snap store.Snapshot, epoch uint64) bool {
	if t.Epoch() != epoch {
		return false
	}

	var pens []models.Pen
	if len(snap) == 0 {
		pens = t.initialize(ctx)
	} else {
		pens = make([]models.Pen, 0, len(snap))
		for _, doc := range snap {
			pen, err := ParsePen(doc, t.loc)
			if err != nil {
				log.Printf("Skipping pen document %q: %v", doc.ID, err)
				continue
			}
			pens = append(pens, pen)
		}
		sort.Slice(pens, func(i, j int) bool { return pens[i].ID < pens[j].ID })
	}

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return false
	}
	t.pens = pens
	t.selected = make(map[int]struct{})
	t.version++
	version := t.version
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		onChange(version)
	}
	return true
}

func (t *Tracker) initialize(ctx context.Context) []models.Pen {
	log.Printf("Pen collection is empty, creating %d pens", models.PenCount)
	pens := make([]models.Pen, 0, models.PenCount)
	for id := 1; id <= models.PenCount; id++ {
		err := t.write(ctx, func(ctx context.Context) error {
			return t.store.Set(ctx, models.DocID(id), models.DefaultFields(t.manualOverdue))
		})
		if err != nil {
			log.Printf("Failed to create pen %d: %v", id, err)
		}
		pens = append(pens, models.NewPen(id))
	}
	return pens
}

// Reset forgets the pens and the selection and starts a new epoch. Snapshots
// requested under an earlier epoch are no longer adopted.
func (t *Tracker) Reset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pens = nil
	t.selected = make(map[int]struct{})
	t.epoch++
	return t.epoch
}

func (t *Tracker) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Pens returns a copy of the current pen list, sorted by id.
func (t *Tracker) Pens() []models.Pen {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Pen, len(t.pens))
	copy(out, t.pens)
	return out
}

func (t *Tracker) Pen(id int) (models.Pen, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.pens {
		if p.ID == id {
			return p, true
		}
	}
	return models.Pen{}, false
}

func (t *Tracker) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *Tracker) write(ctx context.Context, fn func(context.Context) error) error {
	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}
	if t.breaker != nil {
		return t.breaker.Do(ctx, fn)
	}
	return fn(ctx)
}

// ParsePen turns a stored document into a Pen. Date-capable values become
// date-only values in loc; absent or mistyped flags default to false.
func ParsePen(doc store.Document, loc *time.Location) (models.Pen, error) {
	id, err := strconv.Atoi(strings.TrimSpace(doc.ID))
	if err != nil {
		return models.Pen{}, fmt.Errorf("id is not a number")
	}
	if id < 1 || id > models.PenCount {
		return models.Pen{}, fmt.Errorf("id %d outside 1..%d", id, models.PenCount)
	}
	if loc == nil {
		loc = time.Local
	}

	pen := models.Pen{ID: id}
	if s, ok := doc.Fields[models.FieldBorrower].(string); ok {
		pen.Borrower = s
	}
	pen.StartDate = coerceDate(doc.Fields[models.FieldStartDate], loc)
	pen.EndDate = coerceDate(doc.Fields[models.FieldEndDate], loc)
	pen.Repairing = coerceBool(doc.Fields[models.FieldRepairing])
	pen.Overdue = coerceBool(doc.Fields[models.FieldOverdue])
	return pen, nil
}

func coerceDate(v any, loc *time.Location) time.Time {
	switch t := v.(type) {
	case time.Time:
		return models.DateOnly(t.In(loc))
	case *time.Time:
		if t == nil {
			return time.Time{}
		}
		return models.DateOnly(t.In(loc))
	case string:
		if t == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return models.DateOnly(parsed.In(loc))
		}
		if parsed, err := time.ParseInLocation(models.DateLayout, t, loc); err == nil {
			return parsed
		}
	case int64:
		return models.DateOnly(time.UnixMilli(t).In(loc))
	case float64:
		return models.DateOnly(time.UnixMilli(int64(t)).In(loc))
	}
	return time.Time{}
}

func coerceBool(v any) bool {
	b, _ := v.(bool)
	return b
}
