// Package query builds the parameterized SQL sent to PostGIS for
// spatial-temporal point subsets.
package query

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/kass/go-geo-subset/pkg/models"
)

// Params describes one point subset request. Table and column names come
// from configuration; the box and window come from the caller.
type Params struct {
	Table         string
	IDColumn      string
	GeomColumn    string
	TimeColumn    string
	SubjectColumn string // optional
	BBox          models.BoundingBox
	Window        models.TimeWindow
	TransformSRID models.SRID // optional output reprojection
}

// ResultSRID returns the reference system of the rows the statement
// yields: the transform target when set, otherwise the box's system.
func (p Params) ResultSRID() models.SRID {
	if p.TransformSRID > 0 {
		return p.TransformSRID
	}
	return p.BBox.SRID
}

// Spec is a ready-to-execute statement with its placeholder arguments.
type Spec struct {
	SQL  string
	Args []any
}

// Build validates the request and assembles the statement. Validation
// failures are reported before any database contact. The spatial
// predicate is the index overlap test (&&); the temporal predicate is
// half-open, so rows at exactly Window.End are excluded. Rows come back
// ordered by time, ties broken by identifier.
func Build(p Params) (Spec, error) {
	if err := p.BBox.Validate(); err != nil {
		return Spec{}, err
	}
	if err := p.Window.Validate(); err != nil {
		return Spec{}, err
	}
	if p.Table == "" || p.IDColumn == "" || p.GeomColumn == "" || p.TimeColumn == "" {
		return Spec{}, fmt.Errorf("query: table, id, geometry and time columns are required")
	}

	id := pq.QuoteIdentifier(p.IDColumn)
	geom := pq.QuoteIdentifier(p.GeomColumn)
	tcol := pq.QuoteIdentifier(p.TimeColumn)

	args := []any{p.BBox.MinX, p.BBox.MinY, p.BBox.MaxX, p.BBox.MaxY, int(p.BBox.SRID),
		p.Window.Start, p.Window.End}

	geomExpr := geom
	if p.TransformSRID > 0 {
		args = append(args, int(p.TransformSRID))
		geomExpr = fmt.Sprintf("ST_Transform(%s, $%d)", geom, len(args))
	}

	cols := []string{id, fmt.Sprintf("ST_AsText(%s)", geomExpr), tcol}
	if p.SubjectColumn != "" {
		cols = append(cols, pq.QuoteIdentifier(p.SubjectColumn))
	}

	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s && ST_MakeEnvelope($1, $2, $3, $4, $5) AND %s >= $6 AND %s < $7 ORDER BY %s, %s",
		strings.Join(cols, ", "), QuoteTable(p.Table), geom, tcol, tcol, tcol, id)

	return Spec{SQL: sql, Args: args}, nil
}

// QuoteTable quotes a table name, keeping an optional schema qualifier.
func QuoteTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	for i, part := range parts {
		parts[i] = pq.QuoteIdentifier(part)
	}
	return strings.Join(parts, ".")
}
