package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-subset/pkg/models"
	"github.com/kass/go-geo-subset/pkg/query"
)

// fakeStore scripts query results so state transitions can be driven
// deterministically.
type fakeStore struct {
	mu        sync.Mutex
	bounds    models.TimeWindow
	boundsErr error
	fetch     func(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error)
	fetches   []query.Params
}

func (f *fakeStore) FetchPoints(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, p)
	fetch := f.fetch
	f.mu.Unlock()

	if fetch == nil {
		return models.NewCollection(p.ResultSRID()), nil, nil
	}
	return fetch(ctx, p)
}

func (f *fakeStore) TimeBounds(ctx context.Context, table, timeColumn string) (time.Time, time.Time, error) {
	if f.boundsErr != nil {
		return time.Time{}, time.Time{}, f.boundsErr
	}
	return f.bounds.Start, f.bounds.End, nil
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func testSessionParams() query.Params {
	return query.Params{
		Table:      "relocations",
		IDColumn:   "gid",
		GeomColumn: "geom",
		TimeColumn: "reloc_time",
		BBox:       models.BoundingBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10, SRID: 2229},
	}
}

func waitForState(t *testing.T, s *Session, state State) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-s.Updates():
			require.True(t, ok, "updates channel closed while waiting for %s", state)
			if u.State == state {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, currently %s", state, s.State())
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	coll := models.NewCollection(2229)
	require.NoError(t, coll.Add(models.Point{ID: 1, X: 1, Y: 2, Time: base}))

	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(24 * time.Hour)}}
	store.fetch = func(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error) {
		return coll, nil, nil
	}

	s := New(store, testSessionParams())
	defer s.Close()

	assert.NotEqual(t, uuid.Nil, s.ID())
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start(context.Background()))
	u := waitForState(t, s, StateReady)

	assert.Equal(t, base, u.Window.Start)
	// The seeded window reaches one microsecond past the newest row.
	assert.Equal(t, base.Add(24*time.Hour+time.Microsecond), u.Window.End)
	assert.Equal(t, u.Bounds, u.Window)
	require.NotNil(t, u.Collection)
	assert.Equal(t, 1, u.Collection.Len())
	assert.NoError(t, u.Err)
}

func TestSessionSetWindowRequeries(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(240 * time.Hour)}}

	s := New(store, testSessionParams())
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateReady)

	w := models.TimeWindow{Start: base.Add(24 * time.Hour), End: base.Add(48 * time.Hour)}
	require.NoError(t, s.SetWindow(w))

	u := waitForState(t, s, StateReady)
	assert.Equal(t, w, u.Window)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.fetches, 2)
	assert.Equal(t, w, store.fetches[1].Window)
	// The box never moves.
	assert.Equal(t, store.fetches[0].BBox, store.fetches[1].BBox)
}

func TestSessionReleasesCompletedFetchContexts(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var ctxs []context.Context
	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(240 * time.Hour)}}
	store.fetch = func(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error) {
		mu.Lock()
		ctxs = append(ctxs, ctx)
		mu.Unlock()
		return models.NewCollection(p.ResultSRID()), nil, nil
	}

	s := New(store, testSessionParams())
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateReady)

	for i := 0; i < 3; i++ {
		w := models.TimeWindow{
			Start: base.Add(time.Duration(i) * 24 * time.Hour),
			End:   base.Add(time.Duration(i+1) * 24 * time.Hour),
		}
		require.NoError(t, s.SetWindow(w))
		waitForState(t, s, StateReady)
	}

	// Each fetch context is released once its query completes, not held
	// until the session's parent is cancelled.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(ctxs) != 4 {
			return false
		}
		for _, ctx := range ctxs {
			select {
			case <-ctx.Done():
			default:
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionRejectsInvalidWindow(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(24 * time.Hour)}}

	s := New(store, testSessionParams())
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateReady)
	before := s.Snapshot()

	err := s.SetWindow(models.TimeWindow{Start: base.Add(time.Hour), End: base})
	assert.ErrorIs(t, err, models.ErrInvalidTimeWindow)

	after := s.Snapshot()
	assert.Equal(t, StateReady, after.State)
	assert.Equal(t, before.Window, after.Window)
	assert.Equal(t, 1, store.fetchCount(), "a rejected window must not reach the store")
}

func TestSessionSupersedesInFlightQuery(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)

	stale := models.NewCollection(2229)
	require.NoError(t, stale.Add(models.Point{ID: 100, Time: base}))
	fresh := models.NewCollection(2229)
	require.NoError(t, fresh.Add(models.Point{ID: 200, Time: base}))

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(240 * time.Hour)}}
	store.fetch = func(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error) {
		if calls.Add(1) == 1 {
			close(firstStarted)
			<-release
			// Ignore the cancelled context and return success anyway; the
			// session has to discard it as superseded.
			return stale, nil, nil
		}
		return fresh, nil, nil
	}

	s := New(store, testSessionParams())
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	<-firstStarted
	require.NoError(t, s.SetWindow(models.TimeWindow{Start: base, End: base.Add(time.Hour)}))

	u := waitForState(t, s, StateReady)
	_, ok := u.Collection.Get(200)
	assert.True(t, ok, "the newer query wins")

	// Let the superseded query finish; its result must be dropped.
	close(release)
	time.Sleep(50 * time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	_, ok = snap.Collection.Get(200)
	assert.True(t, ok)
	_, ok = snap.Collection.Get(100)
	assert.False(t, ok, "a superseded result must never surface")
}

func TestSessionErrorRetainsLastGood(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	good := models.NewCollection(2229)
	require.NoError(t, good.Add(models.Point{ID: 1, Time: base}))

	var calls atomic.Int32
	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(240 * time.Hour)}}
	store.fetch = func(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error) {
		if calls.Add(1) == 2 {
			return nil, nil, errors.New("connection reset")
		}
		return good, nil, nil
	}

	s := New(store, testSessionParams())
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateReady)

	require.NoError(t, s.SetWindow(models.TimeWindow{Start: base, End: base.Add(time.Hour)}))
	u := waitForState(t, s, StateError)

	require.Error(t, u.Err)
	require.NotNil(t, u.Collection, "the last good collection stays visible")
	assert.Equal(t, 1, u.Collection.Len())

	// The next window clears the error.
	require.NoError(t, s.SetWindow(models.TimeWindow{Start: base, End: base.Add(2 * time.Hour)}))
	u = waitForState(t, s, StateReady)
	assert.NoError(t, u.Err)
}

func TestSessionStartValidation(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(time.Hour)}}

	p := testSessionParams()
	p.BBox.MaxX = p.BBox.MinX - 1
	s := New(store, p)
	defer s.Close()

	assert.ErrorIs(t, s.Start(context.Background()), models.ErrInvalidBoundingBox)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, store.fetchCount())
}

func TestSessionStartBoundsError(t *testing.T) {
	store := &fakeStore{boundsErr: errors.New("no such table")}

	s := New(store, testSessionParams())
	defer s.Close()

	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionWindowBeforeStart(t *testing.T) {
	s := New(&fakeStore{}, testSessionParams())
	defer s.Close()

	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	err := s.SetWindow(models.TimeWindow{Start: base, End: base.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSessionClose(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{bounds: models.TimeWindow{Start: base, End: base.Add(time.Hour)}}

	s := New(store, testSessionParams())
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateReady)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is fine")

	err := s.SetWindow(models.TimeWindow{Start: base, End: base.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrClosed)

	// The updates channel drains and closes.
	for range s.Updates() {
	}
}
