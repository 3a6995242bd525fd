package subset

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-subset/pkg/models"
)

func buildCollection(t *testing.T, srid models.SRID, points ...models.Point) *models.Collection {
	t.Helper()
	c := models.NewCollection(srid)
	for _, p := range points {
		require.NoError(t, c.Add(p))
	}
	return c
}

func TestIndexWithin(t *testing.T) {
	coll := buildCollection(t, 2229,
		models.Point{ID: 1, X: 0, Y: 0},
		models.Point{ID: 2, X: 5, Y: 5},
		models.Point{ID: 3, X: 10, Y: 10},
		models.Point{ID: 4, X: 10.001, Y: 10},
		models.Point{ID: 5, X: -3, Y: 2},
	)
	index := NewIndex(coll)
	assert.Equal(t, 5, index.Len())

	points, err := index.Within(models.BoundingBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10, SRID: 2229})
	require.NoError(t, err)

	found := make(map[int64]bool)
	for _, p := range points {
		found[p.ID] = true
	}
	assert.Len(t, points, 3)
	assert.True(t, found[1], "min corner is included")
	assert.True(t, found[2])
	assert.True(t, found[3], "max corner is included")
	assert.False(t, found[4])
	assert.False(t, found[5])
}

func TestIndexWithinDegenerateBox(t *testing.T) {
	coll := buildCollection(t, 2229,
		models.Point{ID: 1, X: 3, Y: 4},
		models.Point{ID: 2, X: 3.5, Y: 4},
	)
	index := NewIndex(coll)

	// A box collapsed to a point still finds the point sitting on it.
	points, err := index.Within(models.BoundingBox{MinX: 3, MinY: 4, MaxX: 3, MaxY: 4, SRID: 2229})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(1), points[0].ID)
}

func TestIndexWithinRejects(t *testing.T) {
	index := NewIndex(buildCollection(t, 2229, models.Point{ID: 1, X: 0, Y: 0}))

	_, err := index.Within(models.BoundingBox{MinX: 5, MinY: 0, MaxX: -5, MaxY: 1, SRID: 2229})
	assert.ErrorIs(t, err, models.ErrInvalidBoundingBox)

	_, err = index.Within(models.BoundingBox{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1, SRID: 4326})
	assert.ErrorIs(t, err, models.ErrReferenceSystemMismatch)
}

func TestIndexNearest(t *testing.T) {
	// Create a grid of points
	c := models.NewCollection(2229)
	id := int64(0)
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			id++
			require.NoError(t, c.Add(models.Point{ID: id, X: float64(i), Y: float64(j)}))
		}
	}
	index := NewIndex(c)

	neighbors := index.Nearest(4.6, 4.6, 3)
	require.Len(t, neighbors, 3)
	assert.Equal(t, 5.0, neighbors[0].X)
	assert.Equal(t, 5.0, neighbors[0].Y)

	assert.Nil(t, index.Nearest(0, 0, 0))
	assert.Len(t, index.Nearest(0, 0, 500), 100)
}

func TestIndexEmpty(t *testing.T) {
	index := NewIndex(models.NewCollection(4326))
	assert.Equal(t, 0, index.Len())

	points, err := index.Within(models.BoundingBox{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1, SRID: 4326})
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.Nil(t, index.Nearest(0, 0, 3))
}

func TestIndexConcurrentReads(t *testing.T) {
	index := NewIndex(generateCollection(10000))

	done := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			defer func() { done <- true }()

			box := models.BoundingBox{MinX: 100, MinY: 100, MaxX: 600, MaxY: 600, SRID: 2229}
			points, err := index.Within(box)
			assert.NoError(t, err)
			assert.NotEmpty(t, points)
			assert.NotEmpty(t, index.Nearest(500, 500, 5))
		}()
	}

	for i := 0; i < 50; i++ {
		<-done
	}
}

// Helper function to generate random relocations
func generateCollection(n int) *models.Collection {
	c := models.NewCollection(2229)
	base := time.Date(1998, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_ = c.Add(models.Point{
			ID:   int64(i + 1),
			X:    rand.Float64() * 1000,
			Y:    rand.Float64() * 1000,
			Time: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return c
}

// Benchmarks
func BenchmarkNewIndex(b *testing.B) {
	sizes := []int{1000, 10000, 100000}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%d_points", size), func(b *testing.B) {
			coll := generateCollection(size)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				_ = NewIndex(coll)
			}
		})
	}
}

func BenchmarkWithin(b *testing.B) {
	index := NewIndex(generateCollection(100000))
	box := models.BoundingBox{MinX: 250, MinY: 250, MaxX: 500, MaxY: 500, SRID: 2229}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = index.Within(box)
	}
}

func BenchmarkNearest(b *testing.B) {
	index := NewIndex(generateCollection(100000))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = index.Nearest(500, 500, 10)
	}
}
