package subset

import (
	"fmt"

	"github.com/dhconnelly/rtreego"

	"github.com/kass/go-geo-subset/pkg/models"
)

const (
	minChildren = 25
	maxChildren = 50
	dimensions  = 2

	// tolerance pads degenerate rectangles, which the tree rejects.
	tolerance = 1e-9
)

// indexItem wraps a point for R-tree storage.
type indexItem struct {
	point models.Point
	rect  *rtreego.Rect
}

func (it *indexItem) Bounds() *rtreego.Rect {
	return it.rect
}

// Index is an in-memory R-tree over a reconstructed collection. It
// refines an already-fetched result set; the database keeps doing the
// heavy spatial work. The index is immutable once built and safe for
// concurrent readers.
type Index struct {
	srid models.SRID
	tree *rtreego.Rtree
	size int
}

// NewIndex builds an index over every point of the collection.
func NewIndex(c *models.Collection) *Index {
	items := make([]rtreego.Spatial, 0, c.Len())
	for _, p := range c.Points() {
		rect := rtreego.Point{p.X, p.Y}.ToRect(tolerance)
		items = append(items, &indexItem{point: p, rect: rect})
	}
	return &Index{
		srid: c.SRID(),
		tree: rtreego.NewTree(dimensions, minChildren, maxChildren, items...),
		size: len(items),
	}
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	return ix.size
}

// Within returns the points inside the box, borders included. It is the
// strict-containment complement to the database's overlap predicate and
// requires the box to be in the index's reference system.
func (ix *Index) Within(b models.BoundingBox) ([]models.Point, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.SRID != ix.srid {
		return nil, fmt.Errorf("%w: box is %d, index is %d",
			models.ErrReferenceSystemMismatch, b.SRID, ix.srid)
	}

	w, h := b.Width(), b.Height()
	if w <= 0 {
		w = tolerance
	}
	if h <= 0 {
		h = tolerance
	}
	bounds, err := rtreego.NewRect(rtreego.Point{b.MinX, b.MinY}, []float64{w, h})
	if err != nil {
		return nil, fmt.Errorf("failed to build search rect: %w", err)
	}

	results := ix.tree.SearchIntersect(bounds)

	// The tree matches padded rectangles; keep exact hits only.
	points := make([]models.Point, 0, len(results))
	for _, result := range results {
		item, ok := result.(*indexItem)
		if !ok {
			continue
		}
		if b.Contains(item.point.X, item.point.Y) {
			points = append(points, item.point)
		}
	}
	return points, nil
}

// Nearest returns the n points closest to (x, y), nearest first.
func (ix *Index) Nearest(x, y float64, n int) []models.Point {
	if n <= 0 || ix.size == 0 {
		return nil
	}
	results := ix.tree.NearestNeighbors(n, rtreego.Point{x, y})
	points := make([]models.Point, 0, len(results))
	for _, result := range results {
		if item, ok := result.(*indexItem); ok {
			points = append(points, item.point)
		}
	}
	return points
}
