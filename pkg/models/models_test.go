package models

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundingBoxValidate(t *testing.T) {
	valid := BoundingBox{MinX: -124.4, MinY: 32.5, MaxX: -114.1, MaxY: 42.0, SRID: 4326}
	assert.NoError(t, valid.Validate())

	testCases := []struct {
		name string
		box  BoundingBox
	}{
		{"min x exceeds max x", BoundingBox{MinX: 10, MinY: 0, MaxX: -10, MaxY: 1, SRID: 4326}},
		{"min y exceeds max y", BoundingBox{MinX: 0, MinY: 5, MaxX: 1, MaxY: -5, SRID: 4326}},
		{"nan coordinate", BoundingBox{MinX: math.NaN(), MinY: 0, MaxX: 1, MaxY: 1, SRID: 4326}},
		{"infinite coordinate", BoundingBox{MinX: 0, MinY: 0, MaxX: math.Inf(1), MaxY: 1, SRID: 4326}},
		{"unset reference system", BoundingBox{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}},
		{"negative reference system", BoundingBox{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1, SRID: -1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.box.Validate(), ErrInvalidBoundingBox)
		})
	}
}

func TestBoundingBoxDegenerate(t *testing.T) {
	// A box collapsed to a point or a line is still valid.
	point := BoundingBox{MinX: 3, MinY: 4, MaxX: 3, MaxY: 4, SRID: 2229}
	assert.NoError(t, point.Validate())
	assert.True(t, point.Contains(3, 4))
	assert.Equal(t, 0.0, point.Width())

	line := BoundingBox{MinX: 0, MinY: 4, MaxX: 10, MaxY: 4, SRID: 2229}
	assert.NoError(t, line.Validate())
	assert.Equal(t, 0.0, line.Height())
}

func TestBoundingBoxContains(t *testing.T) {
	box := BoundingBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 5, SRID: 4326}

	assert.True(t, box.Contains(5, 2.5))

	// Borders are included.
	assert.True(t, box.Contains(0, 0))
	assert.True(t, box.Contains(10, 5))
	assert.True(t, box.Contains(0, 5))

	assert.False(t, box.Contains(-0.001, 2))
	assert.False(t, box.Contains(10.001, 2))
	assert.False(t, box.Contains(5, 5.001))
}

func TestParseBoundingBox(t *testing.T) {
	box, err := ParseBoundingBox("-124.4, 32.5, -114.1, 42.0", 4326)
	require.NoError(t, err)
	assert.Equal(t, BoundingBox{MinX: -124.4, MinY: 32.5, MaxX: -114.1, MaxY: 42.0, SRID: 4326}, box)

	_, err = ParseBoundingBox("1,2,3", 4326)
	assert.ErrorIs(t, err, ErrInvalidBoundingBox)

	_, err = ParseBoundingBox("a,2,3,4", 4326)
	assert.ErrorIs(t, err, ErrInvalidBoundingBox)

	// Inverted corners fail validation after parsing.
	_, err = ParseBoundingBox("10,0,-10,1", 4326)
	assert.ErrorIs(t, err, ErrInvalidBoundingBox)
}

func TestTimeWindowValidate(t *testing.T) {
	start := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, TimeWindow{Start: start, End: start.Add(time.Hour)}.Validate())

	// Zero width is valid; it simply matches nothing.
	assert.NoError(t, TimeWindow{Start: start, End: start}.Validate())

	err := TimeWindow{Start: start.Add(time.Hour), End: start}.Validate()
	assert.ErrorIs(t, err, ErrInvalidTimeWindow)
}

func TestTimeWindowContains(t *testing.T) {
	start := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	w := TimeWindow{Start: start, End: end}

	assert.True(t, w.Contains(start), "start is inclusive")
	assert.True(t, w.Contains(start.Add(time.Minute)))
	assert.True(t, w.Contains(end.Add(-time.Nanosecond)))
	assert.False(t, w.Contains(end), "end is exclusive")
	assert.False(t, w.Contains(start.Add(-time.Nanosecond)))

	// A zero-width window contains nothing, not even its own start.
	empty := TimeWindow{Start: start, End: start}
	assert.False(t, empty.Contains(start))
}

func TestTimeWindowShiftAndClamp(t *testing.T) {
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	bounds := TimeWindow{Start: base, End: base.Add(10 * 24 * time.Hour)}
	w := TimeWindow{Start: base.Add(24 * time.Hour), End: base.Add(48 * time.Hour)}

	shifted := w.Shift(12 * time.Hour)
	assert.Equal(t, base.Add(36*time.Hour), shifted.Start)
	assert.Equal(t, w.Duration(), shifted.Duration())

	// Sliding past either edge snaps back inside without shrinking.
	left := w.Shift(-5 * 24 * time.Hour).Clamp(bounds)
	assert.Equal(t, bounds.Start, left.Start)
	assert.Equal(t, w.Duration(), left.Duration())

	right := w.Shift(20 * 24 * time.Hour).Clamp(bounds)
	assert.Equal(t, bounds.End, right.End)
	assert.Equal(t, w.Duration(), right.Duration())

	// A window wider than the bounds degenerates to the bounds.
	wide := TimeWindow{Start: base.Add(-24 * time.Hour), End: base.Add(30 * 24 * time.Hour)}
	assert.Equal(t, bounds, wide.Clamp(bounds))
}

func TestDiagnosticJSON(t *testing.T) {
	d := Diagnostic{ID: 7, WKT: "POINT(broken", Err: errors.New("bad geometry")}
	assert.Equal(t, "row 7 dropped: bad geometry", d.String())

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"wkt":"POINT(broken","reason":"bad geometry"}`, string(data))
}
