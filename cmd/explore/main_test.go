package main

import (
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-subset/pkg/models"
)

func TestGaugeCells(t *testing.T) {
	base := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	decade := models.TimeWindow{Start: base, End: base.AddDate(10, 0, 0)}

	testCases := []struct {
		name   string
		win    models.TimeWindow
		first  bool
		last   bool
		minLit int
	}{
		{
			name:   "window covers the full extent",
			win:    decade,
			first:  true,
			last:   true,
			minLit: 80,
		},
		{
			name:   "final year of a decade",
			win:    models.TimeWindow{Start: base.AddDate(9, 0, 0), End: decade.End},
			first:  false,
			last:   true,
			minLit: 1,
		},
		{
			name:   "first day of a decade",
			win:    models.TimeWindow{Start: base, End: base.AddDate(0, 0, 1)},
			first:  true,
			last:   false,
			minLit: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cells := gaugeCells(decade, tc.win, 80)
			require.Len(t, cells, 80)
			assert.Equal(t, tc.first, cells[0], "first cell")
			assert.Equal(t, tc.last, cells[79], "last cell")

			lit := 0
			for _, c := range cells {
				if c {
					lit++
				}
			}
			assert.GreaterOrEqual(t, lit, tc.minLit, "the window must stay visible on the bar")
		})
	}
}

func TestViewShowsReferenceSystem(t *testing.T) {
	m := model{
		authority: "EPSG:2229",
		spinner:   spinner.New(),
		width:     80,
		height:    24,
	}

	assert.Contains(t, m.View(), "EPSG:2229")
}
