package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pentracker/pkg/circuitbreaker"
	"pentracker/pkg/models"
	"pentracker/pkg/store"
	"pentracker/pkg/store/memory"
)

var errWriteFailed = errors.New("write failed")

// flakyStore fails writes for the listed document ids.
type flakyStore struct {
	*memory.Store
	mu   sync.Mutex
	fail map[string]bool
}

func newFlakyStore(ids ...string) *flakyStore {
	f := &flakyStore{Store: memory.NewStore(), fail: make(map[string]bool)}
	for _, id := range ids {
		f.fail[id] = true
	}
	return f
}

func (f *flakyStore) failing(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[id]
}

func (f *flakyStore) Set(ctx context.Context, id string, fields map[string]any) error {
	if f.failing(id) {
		return errWriteFailed
	}
	return f.Store.Set(ctx, id, fields)
}

func (f *flakyStore) Update(ctx context.Context, id string, fields map[string]any) error {
	if f.failing(id) {
		return errWriteFailed
	}
	return f.Store.Update(ctx, id, fields)
}

// snapshotOf reads the whole collection through a one-shot subscription.
func snapshotOf(t *testing.T, s store.Store) store.Snapshot {
	t.Helper()
	got := make(chan store.Snapshot, 1)
	sub, err := s.Subscribe(context.Background(), func(snap store.Snapshot) {
		select {
		case got <- snap:
		default:
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case snap := <-got:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
		return nil
	}
}

// syncTracker adopts the store's current contents into the tracker.
func syncTracker(t *testing.T, tr *Tracker, s store.Store) {
	t.Helper()
	tr.OnSnapshot(context.Background(), snapshotOf(t, s))
}

func seeded(t *testing.T, opts ...Option) (*Tracker, *memory.Store) {
	t.Helper()
	s := memory.NewStore()
	t.Cleanup(func() { s.Close(context.Background()) })
	tr := NewTracker(s, append([]Option{WithLocation(time.UTC)}, opts...)...)
	tr.OnSnapshot(context.Background(), nil)
	return tr, s
}

func TestOnSnapshotCreatesUniverse(t *testing.T) {
	tr, s := seeded(t, WithManualOverdue(true))

	assert.Equal(t, models.PenCount, s.Len())
	pens := tr.Pens()
	require.Len(t, pens, models.PenCount)
	for i, p := range pens {
		assert.Equal(t, i+1, p.ID)
		assert.True(t, p.Available())
		assert.False(t, p.Overdue)
	}

	doc, ok := s.Get("92")
	require.True(t, ok)
	assert.Equal(t, false, doc[models.FieldOverdue])
	assert.Nil(t, doc[models.FieldBorrower])
}

func TestOnSnapshotNameVariantOmitsOverdue(t *testing.T) {
	_, s := seeded(t, WithManualOverdue(false))

	doc, ok := s.Get("1")
	require.True(t, ok)
	assert.NotContains(t, doc, models.FieldOverdue)
}

func TestOnSnapshotLogsFailedCreates(t *testing.T) {
	s := newFlakyStore("5", "6")
	tr := NewTracker(s)
	tr.OnSnapshot(context.Background(), nil)

	assert.Equal(t, models.PenCount-2, s.Len())
	assert.Len(t, tr.Pens(), models.PenCount)
}

func TestOnSnapshotClearsSelectionAndSorts(t *testing.T) {
	tr := NewTracker(memory.NewStore(), WithLocation(time.UTC))
	var versions []uint64
	tr.OnChange(func(v uint64) { versions = append(versions, v) })

	tr.OnSnapshot(context.Background(), store.Snapshot{
		{ID: "3", Fields: map[string]any{}},
		{ID: "1", Fields: map[string]any{"borrower": "a@example.com"}},
		{ID: "x", Fields: map[string]any{}},
		{ID: "93", Fields: map[string]any{}},
	})
	require.NoError(t, tr.ToggleOne(3, []int{3}))
	assert.Equal(t, []int{3}, tr.Selected())

	tr.OnSnapshot(context.Background(), store.Snapshot{
		{ID: "3", Fields: map[string]any{}},
		{ID: "1", Fields: map[string]any{}},
	})

	assert.Empty(t, tr.Selected())
	pens := tr.Pens()
	require.Len(t, pens, 2)
	assert.Equal(t, 1, pens[0].ID)
	assert.Equal(t, 3, pens[1].ID)
	assert.Equal(t, []uint64{1, 2}, versions)
	assert.Equal(t, uint64(2), tr.Version())
}

func TestParsePenCoercion(t *testing.T) {
	taipei := time.FixedZone("CST", 8*3600)
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, taipei)

	tests := []struct {
		name  string
		value any
		want  time.Time
	}{
		{name: "time", value: time.Date(2024, 3, 4, 16, 0, 0, 0, time.UTC), want: want},
		{name: "rfc3339", value: "2024-03-04T16:00:00Z", want: want},
		{name: "date", value: "2024-03-05", want: want},
		{name: "millis", value: int64(1709568000000), want: want},
		{name: "garbage", value: "soon", want: time.Time{}},
		{name: "nil", value: nil, want: time.Time{}},
		{name: "wrong type", value: true, want: time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pen, err := ParsePen(store.Document{ID: "4", Fields: map[string]any{models.FieldEndDate: tt.value}}, taipei)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(pen.EndDate), "got %v", pen.EndDate)
		})
	}
}

func TestParsePenDefaults(t *testing.T) {
	pen, err := ParsePen(store.Document{ID: "12", Fields: map[string]any{
		models.FieldBorrower:  42,
		models.FieldRepairing: "yes",
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, pen.ID)
	assert.Empty(t, pen.Borrower)
	assert.False(t, pen.Repairing)
	assert.False(t, pen.Overdue)

	_, err = ParsePen(store.Document{ID: "0"}, nil)
	assert.Error(t, err)
}

func TestResetForgetsPens(t *testing.T) {
	tr, _ := seeded(t)
	tr.ToggleAll([]int{1, 2})
	tr.Reset()
	assert.Empty(t, tr.Pens())
	assert.Empty(t, tr.Selected())
}

func TestAdoptDiscardsSnapshotsFromBeforeReset(t *testing.T) {
	tr, s := seeded(t)
	ctx := context.Background()
	snap := snapshotOf(t, s)
	require.Len(t, snap, models.PenCount)

	stale := tr.Epoch()
	current := tr.Reset()
	assert.NotEqual(t, stale, current)

	version := tr.Version()
	assert.False(t, tr.Adopt(ctx, snap, stale))
	assert.Empty(t, tr.Pens())
	assert.Equal(t, version, tr.Version())

	assert.True(t, tr.Adopt(ctx, snap, current))
	assert.Len(t, tr.Pens(), models.PenCount)
}

func TestWriteGoesThroughBreaker(t *testing.T) {
	s := newFlakyStore()
	tr := NewTracker(s, WithLocation(time.UTC))
	tr.OnSnapshot(context.Background(), nil)

	cb := circuitbreaker.NewCircuitBreaker(0, time.Minute)
	tr.breaker = cb
	s.mu.Lock()
	s.fail["1"] = true
	s.mu.Unlock()

	out, err := tr.Repair(context.Background(), []int{1, 2}, true)
	require.NoError(t, err)
	require.Len(t, out.Failed, 2)
	assert.ErrorIs(t, out.Failed[0].Err, errWriteFailed)
	assert.ErrorIs(t, out.Failed[1].Err, circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())
}
