package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Collection is an ordered set of points keyed by identifier. Every
// point shares the collection's reference system.
type Collection struct {
	srid   SRID
	points []Point
	byID   map[int64]int
}

// NewCollection returns an empty collection in the given reference system.
func NewCollection(srid SRID) *Collection {
	return &Collection{srid: srid, byID: make(map[int64]int)}
}

// Add appends a point, rejecting identifiers already present.
func (c *Collection) Add(p Point) error {
	if _, ok := c.byID[p.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateIdentifier, p.ID)
	}
	c.byID[p.ID] = len(c.points)
	c.points = append(c.points, p)
	return nil
}

// Merge appends every point of other, which must share the reference
// system. On error the receiver is left unchanged.
func (c *Collection) Merge(other *Collection) error {
	if other.srid != c.srid {
		return fmt.Errorf("%w: %d into %d", ErrReferenceSystemMismatch, other.srid, c.srid)
	}
	for _, p := range other.points {
		if _, ok := c.byID[p.ID]; ok {
			return fmt.Errorf("%w: id %d", ErrDuplicateIdentifier, p.ID)
		}
	}
	for _, p := range other.points {
		c.byID[p.ID] = len(c.points)
		c.points = append(c.points, p)
	}
	return nil
}

// SRID returns the collection's reference system.
func (c *Collection) SRID() SRID {
	return c.srid
}

// Len returns the number of points.
func (c *Collection) Len() int {
	return len(c.points)
}

// Points returns the points in insertion order. The slice is shared;
// callers must not modify it.
func (c *Collection) Points() []Point {
	return c.points
}

// Get looks a point up by identifier.
func (c *Collection) Get(id int64) (Point, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Point{}, false
	}
	return c.points[i], true
}

// IDs returns the point identifiers in insertion order.
func (c *Collection) IDs() []int64 {
	ids := make([]int64, len(c.points))
	for i, p := range c.points {
		ids[i] = p.ID
	}
	return ids
}

// Subjects returns the distinct subject labels in first-seen order.
func (c *Collection) Subjects() []string {
	seen := make(map[string]bool)
	var subjects []string
	for _, p := range c.points {
		if !seen[p.Subject] {
			seen[p.Subject] = true
			subjects = append(subjects, p.Subject)
		}
	}
	return subjects
}

// Trajectories groups the collection by subject and orders each group by
// time, breaking ties by identifier. Subjects appear in first-seen order.
func (c *Collection) Trajectories() []Trajectory {
	groups := make(map[string][]Point)
	for _, p := range c.points {
		groups[p.Subject] = append(groups[p.Subject], p)
	}
	subjects := c.Subjects()
	out := make([]Trajectory, 0, len(subjects))
	for _, subject := range subjects {
		pts := groups[subject]
		sort.SliceStable(pts, func(i, j int) bool {
			if pts[i].Time.Equal(pts[j].Time) {
				return pts[i].ID < pts[j].ID
			}
			return pts[i].Time.Before(pts[j].Time)
		})
		out = append(out, Trajectory{Subject: subject, SRID: c.srid, Points: pts})
	}
	return out
}

// MarshalJSON renders the reference system and the ordered points.
func (c *Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SRID   SRID    `json:"srid"`
		Points []Point `json:"points"`
	}{c.srid, c.points})
}

// Trajectory is the time-ordered path of one subject through a
// collection.
type Trajectory struct {
	Subject string
	SRID    SRID
	Points  []Point
}

// Steps pairs consecutive points into movement segments. A trajectory of
// fewer than two points has no steps.
func (t Trajectory) Steps() []Step {
	if len(t.Points) < 2 {
		return nil
	}
	steps := make([]Step, 0, len(t.Points)-1)
	for i := 1; i < len(t.Points); i++ {
		steps = append(steps, Step{From: t.Points[i-1], To: t.Points[i]})
	}
	return steps
}

// Step is one movement segment between consecutive relocations of a
// subject.
type Step struct {
	From Point
	To   Point
}

// ID returns the step identifier, the identifier of its starting point.
func (s Step) ID() int64 {
	return s.From.ID
}

// Duration returns the time spent between the two relocations.
func (s Step) Duration() time.Duration {
	return s.To.Time.Sub(s.From.Time)
}

// Length returns the planar length of the step in reference system units.
func (s Step) Length() float64 {
	dx := s.To.X - s.From.X
	dy := s.To.Y - s.From.Y
	return math.Hypot(dx, dy)
}
