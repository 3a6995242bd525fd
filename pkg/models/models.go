package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SRID identifies a spatial reference system by its PostGIS code.
type SRID int

func (s SRID) String() string {
	return strconv.Itoa(int(s))
}

// Point represents one identified relocation: where a subject was at a
// moment in time. Coordinates are in the reference system of the
// collection that owns the point.
type Point struct {
	ID      int64     `json:"id"`
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
	Time    time.Time `json:"time"`
	Subject string    `json:"subject,omitempty"`
}

// BoundingBox represents a rectangular query area in a specific
// reference system.
type BoundingBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
	SRID SRID    `json:"srid"`
}

// Validate reports whether the box may be used in a query. The reference
// system must be set explicitly; it is never inferred.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: coordinates must be finite", ErrInvalidBoundingBox)
		}
	}
	if b.MinX > b.MaxX {
		return fmt.Errorf("%w: min x %v exceeds max x %v", ErrInvalidBoundingBox, b.MinX, b.MaxX)
	}
	if b.MinY > b.MaxY {
		return fmt.Errorf("%w: min y %v exceeds max y %v", ErrInvalidBoundingBox, b.MinY, b.MaxY)
	}
	if b.SRID <= 0 {
		return fmt.Errorf("%w: reference system must be set", ErrInvalidBoundingBox)
	}
	return nil
}

// Contains reports whether the point lies inside the box, borders included.
func (b BoundingBox) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Width returns the extent of the box along the x axis.
func (b BoundingBox) Width() float64 {
	return b.MaxX - b.MinX
}

// Height returns the extent of the box along the y axis.
func (b BoundingBox) Height() float64 {
	return b.MaxY - b.MinY
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%g %g, %g %g] srid=%d", b.MinX, b.MinY, b.MaxX, b.MaxY, b.SRID)
}

// ParseBoundingBox parses a "minx,miny,maxx,maxy" flag value into a box
// in the given reference system.
func ParseBoundingBox(s string, srid SRID) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("%w: want minx,miny,maxx,maxy, got %q", ErrInvalidBoundingBox, s)
	}
	vals := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("%w: bad coordinate %q", ErrInvalidBoundingBox, part)
		}
		vals[i] = v
	}
	b := BoundingBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3], SRID: srid}
	if err := b.Validate(); err != nil {
		return BoundingBox{}, err
	}
	return b, nil
}

// TimeWindow represents a half-open time interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects inverted windows. A zero-width window is valid and
// matches no rows.
func (w TimeWindow) Validate() error {
	if w.Start.After(w.End) {
		return fmt.Errorf("%w: start %s after end %s",
			ErrInvalidTimeWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the window. The start is
// inclusive, the end exclusive.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the width of the window.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Shift moves both ends of the window by d.
func (w TimeWindow) Shift(d time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start.Add(d), End: w.End.Add(d)}
}

// Clamp slides the window back inside bounds, preserving its width where
// possible.
func (w TimeWindow) Clamp(bounds TimeWindow) TimeWindow {
	if d := bounds.Start.Sub(w.Start); d > 0 {
		w = w.Shift(d)
	}
	if d := w.End.Sub(bounds.End); d > 0 {
		w = w.Shift(-d)
	}
	if w.Start.Before(bounds.Start) {
		w.Start = bounds.Start
	}
	return w
}

// IsZero reports whether the window is unset.
func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Diagnostic records one row dropped during reconstruction.
type Diagnostic struct {
	ID  int64  `json:"id"`
	WKT string `json:"wkt"`
	Err error  `json:"-"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("row %d dropped: %v", d.ID, d.Err)
}

// MarshalJSON flattens the wrapped error into a reason string.
func (d Diagnostic) MarshalJSON() ([]byte, error) {
	reason := ""
	if d.Err != nil {
		reason = d.Err.Error()
	}
	return json.Marshal(struct {
		ID     int64  `json:"id"`
		WKT    string `json:"wkt"`
		Reason string `json:"reason,omitempty"`
	}{d.ID, d.WKT, reason})
}
