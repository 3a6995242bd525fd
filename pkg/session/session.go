// Package session drives the reactive subset lifecycle: a fixed bounding
// box, a user-adjustable time window, and at most one live query.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kass/go-geo-subset/pkg/models"
	"github.com/kass/go-geo-subset/pkg/query"
)

// ErrClosed is returned for operations on a closed session.
var ErrClosed = errors.New("session: closed")

// ErrNotStarted is returned when the window moves before Start.
var ErrNotStarted = errors.New("session: not started")

// State is the lifecycle phase of a session.
type State int

const (
	StateIdle State = iota
	StateQuerying
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQuerying:
		return "querying"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store is the database surface the session needs.
type Store interface {
	FetchPoints(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error)
	TimeBounds(ctx context.Context, table, timeColumn string) (time.Time, time.Time, error)
}

// Update is one published snapshot of the session. Collection and
// Diagnostics always describe the last successful query, so a failure
// never blanks the display.
type Update struct {
	State       State
	Window      models.TimeWindow
	Bounds      models.TimeWindow
	Collection  *models.Collection
	Diagnostics []models.Diagnostic
	Err         error
}

// Option configures a session.
type Option func(*Session)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Session owns one subset lifecycle. The bounding box is fixed for the
// session's lifetime; only the time window moves. A newer window
// supersedes any in-flight query: its context is cancelled and a late
// result is discarded, so responses can never arrive out of order.
type Session struct {
	id      uuid.UUID
	store   Store
	params  query.Params
	logger  *slog.Logger
	updates chan Update

	mu      sync.Mutex
	ctx     context.Context
	state   State
	bounds  models.TimeWindow
	window  models.TimeWindow
	coll    *models.Collection
	diags   []models.Diagnostic
	lastErr error
	gen     uint64
	cancel  context.CancelFunc
	closed  bool
}

// New creates an idle session over the store. The box inside params is
// the session's fixed spatial extent.
func New(store Store, params query.Params, opts ...Option) *Session {
	s := &Session{
		id:      uuid.New(),
		store:   store,
		params:  params,
		state:   StateIdle,
		updates: make(chan Update, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("session", s.id.String())
	return s
}

// ID returns the session's correlation identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Start validates the box, seeds the window from the dataset's time
// bounds, and issues the first query. The seeded window ends one
// microsecond past the newest row so the half-open window covers it.
// ctx is the parent of every query the session runs.
func (s *Session) Start(ctx context.Context) error {
	if err := s.params.BBox.Validate(); err != nil {
		return err
	}
	lo, hi, err := s.store.TimeBounds(ctx, s.params.Table, s.params.TimeColumn)
	if err != nil {
		return err
	}
	bounds := models.TimeWindow{Start: lo, End: hi.Add(time.Microsecond)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.ctx = ctx
	s.bounds = bounds
	s.mu.Unlock()

	s.logger.Debug("session started", "bounds", bounds.String(), "box", s.params.BBox.String())
	return s.setWindow(bounds)
}

// SetWindow replaces the time window and re-queries. Invalid windows are
// rejected here, before query construction, with no state change.
func (s *Session) SetWindow(w models.TimeWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return s.setWindow(w)
}

func (s *Session) setWindow(w models.TimeWindow) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ctx == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}

	// Supersede: the in-flight query, if any, is cancelled and its
	// generation retired.
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.window = w
	s.state = StateQuerying
	s.publishLocked()

	params := s.params
	params.Window = w
	s.mu.Unlock()

	// The fetch owns its context: releasing it here frees the child even
	// when the query completes without being superseded.
	go func() {
		defer cancel()
		s.fetch(ctx, gen, params)
	}()
	return nil
}

func (s *Session) fetch(ctx context.Context, gen uint64, params query.Params) {
	coll, diags, err := s.store.FetchPoints(ctx, params)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		s.logger.Debug("discarding superseded result", "generation", gen)
		return
	}
	s.cancel = nil
	if err != nil {
		s.state = StateError
		s.lastErr = err
		s.logger.Warn("subset query failed", "window", params.Window.String(), "error", err)
	} else {
		s.state = StateReady
		s.lastErr = nil
		s.coll = coll
		s.diags = diags
		s.logger.Debug("subset ready", "window", params.Window.String(), "points", coll.Len(), "dropped", len(diags))
	}
	s.publishLocked()
}

// publishLocked replaces any unconsumed snapshot with the current one. A
// slow consumer only ever misses intermediate states, never the latest.
func (s *Session) publishLocked() {
	u := Update{
		State:       s.state,
		Window:      s.window,
		Bounds:      s.bounds,
		Collection:  s.coll,
		Diagnostics: s.diags,
		Err:         s.lastErr,
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- u
}

// Updates returns the snapshot channel. It is closed by Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Snapshot returns the current session view without waiting for a
// transition.
func (s *Session) Snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Update{
		State:       s.state,
		Window:      s.window,
		Bounds:      s.bounds,
		Collection:  s.coll,
		Diagnostics: s.diags,
		Err:         s.lastErr,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close cancels any in-flight query and makes the session terminal.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	close(s.updates)
	s.logger.Debug("session closed")
	return nil
}
