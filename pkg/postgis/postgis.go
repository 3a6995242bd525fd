package postgis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/kass/go-geo-subset/pkg/config"
	"github.com/kass/go-geo-subset/pkg/models"
	"github.com/kass/go-geo-subset/pkg/query"
	"github.com/kass/go-geo-subset/pkg/subset"
	"github.com/kass/go-geo-subset/pkg/wkt"
)

// ErrNoData is returned when time bounds are requested for a table
// without rows.
var ErrNoData = errors.New("postgis: table has no rows")

// QueryError wraps a failed database operation so callers can separate
// query failures from validation and reconstruction failures.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("postgis: %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func queryErr(op string, err error) error {
	return &QueryError{Op: op, Err: err}
}

// Store gives typed access to a relocation table behind PostGIS. Reads
// never mutate the database.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	closeOnce sync.Once
}

// Open connects to the database, verifies the connection, and tunes the
// pool.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewStore(db, logger), nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{db: db, logger: logger}
}

// FetchPoints runs one spatial-temporal subset query and reconstructs
// the result. Invalid boxes and windows are rejected before the database
// is contacted; rows whose geometry cannot be decoded come back as
// diagnostics, not errors.
func (s *Store) FetchPoints(ctx context.Context, p query.Params) (*models.Collection, []models.Diagnostic, error) {
	spec, err := query.Build(p)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, spec.SQL, spec.Args...)
	if err != nil {
		return nil, nil, queryErr("execute point query", err)
	}
	defer rows.Close()

	var batch []subset.Row
	for rows.Next() {
		var (
			r    subset.Row
			geom sql.NullString
			subj sql.NullString
		)
		dest := []any{&r.ID, &geom, &r.Time}
		if p.SubjectColumn != "" {
			dest = append(dest, &subj)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, queryErr("scan point row", err)
		}
		r.WKT = geom.String
		r.Subject = subj.String
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, queryErr("read point rows", err)
	}

	coll, diags, err := subset.Reconstruct(batch, p.ResultSRID())
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("fetched point subset",
		"table", p.Table,
		"window", p.Window.String(),
		"points", coll.Len(),
		"dropped", len(diags),
		"elapsed", time.Since(start))
	return coll, diags, nil
}

// TimeBounds returns the earliest and latest timestamps in the table.
func (s *Store) TimeBounds(ctx context.Context, table, timeColumn string) (time.Time, time.Time, error) {
	stmt := fmt.Sprintf("SELECT min(%s), max(%s) FROM %s",
		pq.QuoteIdentifier(timeColumn), pq.QuoteIdentifier(timeColumn), query.QuoteTable(table))

	var lo, hi sql.NullTime
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&lo, &hi); err != nil {
		return time.Time{}, time.Time{}, queryErr("fetch time bounds", err)
	}
	if !lo.Valid || !hi.Valid {
		return time.Time{}, time.Time{}, ErrNoData
	}
	return lo.Time, hi.Time, nil
}

// Count returns the number of rows in the table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var count int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", query.QuoteTable(table))
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&count); err != nil {
		return 0, queryErr("count points", err)
	}
	return count, nil
}

// ReferenceSystem looks up the reference system registered for the
// table's geometry column, returning the SRID and its authority name,
// for example "EPSG:2229". More than one registered system for the
// column is a configuration error.
func (s *Store) ReferenceSystem(ctx context.Context, table, geomColumn string) (models.SRID, string, error) {
	schema, bare := splitTable(table)
	stmt := `SELECT DISTINCT srid FROM geometry_columns WHERE f_table_name = $1 AND f_geometry_column = $2`
	args := []any{bare, geomColumn}
	if schema != "" {
		stmt += ` AND f_table_schema = $3`
		args = append(args, schema)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, "", queryErr("look up reference system", err)
	}
	defer rows.Close()

	var srids []models.SRID
	for rows.Next() {
		var srid int
		if err := rows.Scan(&srid); err != nil {
			return 0, "", queryErr("scan reference system row", err)
		}
		srids = append(srids, models.SRID(srid))
	}
	if err := rows.Err(); err != nil {
		return 0, "", queryErr("read reference system rows", err)
	}

	switch {
	case len(srids) == 0:
		return 0, "", fmt.Errorf("postgis: no reference system registered for %s.%s", table, geomColumn)
	case len(srids) > 1:
		return 0, "", fmt.Errorf("%w: %s.%s has %d", models.ErrAmbiguousReferenceSystem, table, geomColumn, len(srids))
	}
	srid := srids[0]

	var auth sql.NullString
	var code sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		"SELECT auth_name, auth_srid FROM spatial_ref_sys WHERE srid = $1", int(srid),
	).Scan(&auth, &code)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return srid, srid.String(), nil
	case err != nil:
		return 0, "", queryErr("look up authority", err)
	}
	authority := srid.String()
	if auth.Valid && code.Valid {
		authority = fmt.Sprintf("%s:%d", auth.String, code.Int64)
	}
	return srid, authority, nil
}

// TransformBox reprojects the corners of a box into another reference
// system. The result frames the reprojected area for display; it is not
// an exact reprojection of the rectangle's edges.
func (s *Store) TransformBox(ctx context.Context, b models.BoundingBox, to models.SRID) (models.BoundingBox, error) {
	if err := b.Validate(); err != nil {
		return models.BoundingBox{}, err
	}
	const stmt = "SELECT ST_AsText(ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), $3), $4)), " +
		"ST_AsText(ST_Transform(ST_SetSRID(ST_MakePoint($5, $6), $3), $4))"

	var loWKT, hiWKT string
	err := s.db.QueryRowContext(ctx, stmt,
		b.MinX, b.MinY, int(b.SRID), int(to), b.MaxX, b.MaxY).Scan(&loWKT, &hiWKT)
	if err != nil {
		return models.BoundingBox{}, queryErr("transform box", err)
	}

	minX, minY, err := wkt.DecodePoint(loWKT)
	if err != nil {
		return models.BoundingBox{}, err
	}
	maxX, maxY, err := wkt.DecodePoint(hiWKT)
	if err != nil {
		return models.BoundingBox{}, err
	}

	out := models.BoundingBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, SRID: to}
	// Reprojection may flip corner order.
	if out.MinX > out.MaxX {
		out.MinX, out.MaxX = out.MaxX, out.MinX
	}
	if out.MinY > out.MaxY {
		out.MinY, out.MaxY = out.MaxY, out.MinY
	}
	return out, nil
}

// InitSchema creates the relocation table and its spatial and temporal
// indexes, replacing any existing table.
func (s *Store) InitSchema(ctx context.Context, ds config.DatasetConfig, srid models.SRID) error {
	table := query.QuoteTable(ds.Table)
	_, bare := splitTable(ds.Table)

	cols := []string{fmt.Sprintf("%s BIGINT PRIMARY KEY", pq.QuoteIdentifier(ds.IDColumn))}
	if ds.SubjectColumn != "" {
		cols = append(cols, fmt.Sprintf("%s TEXT NOT NULL", pq.QuoteIdentifier(ds.SubjectColumn)))
	}
	cols = append(cols,
		fmt.Sprintf("%s TIMESTAMPTZ NOT NULL", pq.QuoteIdentifier(ds.TimeColumn)),
		fmt.Sprintf("%s GEOMETRY(POINT, %d)", pq.QuoteIdentifier(ds.GeomColumn), int(srid)),
	)

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS postgis",
		fmt.Sprintf("DROP TABLE IF EXISTS %s", table),
		fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE INDEX %s ON %s USING GIST(%s)",
			pq.QuoteIdentifier("idx_"+bare+"_"+ds.GeomColumn), table, pq.QuoteIdentifier(ds.GeomColumn)),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			pq.QuoteIdentifier("idx_"+bare+"_"+ds.TimeColumn), table, pq.QuoteIdentifier(ds.TimeColumn)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return queryErr("init schema", err)
		}
	}
	return nil
}

// InsertPoints loads points in batched transactions.
func (s *Store) InsertPoints(ctx context.Context, ds config.DatasetConfig, srid models.SRID, points []models.Point) error {
	const batchSize = 10000

	table := query.QuoteTable(ds.Table)
	cols := []string{pq.QuoteIdentifier(ds.IDColumn)}
	if ds.SubjectColumn != "" {
		cols = append(cols, pq.QuoteIdentifier(ds.SubjectColumn))
	}
	cols = append(cols, pq.QuoteIdentifier(ds.TimeColumn), pq.QuoteIdentifier(ds.GeomColumn))

	var stmt string
	if ds.SubjectColumn != "" {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), %d))",
			table, strings.Join(cols, ", "), int(srid))
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3, $4), %d))",
			table, strings.Join(cols, ", "), int(srid))
	}

	prepared, err := s.db.PrepareContext(ctx, stmt)
	if err != nil {
		return queryErr("prepare insert", err)
	}
	defer prepared.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queryErr("begin transaction", err)
	}
	txStmt := tx.StmtContext(ctx, prepared)

	for i, p := range points {
		args := []any{p.ID}
		if ds.SubjectColumn != "" {
			args = append(args, p.Subject)
		}
		args = append(args, p.Time, p.X, p.Y)
		if _, err := txStmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return queryErr(fmt.Sprintf("insert point %d", p.ID), err)
		}

		// Commit batch
		if (i+1)%batchSize == 0 {
			if err := tx.Commit(); err != nil {
				return queryErr("commit batch", err)
			}
			tx, err = s.db.BeginTx(ctx, nil)
			if err != nil {
				return queryErr("begin transaction", err)
			}
			txStmt = tx.StmtContext(ctx, prepared)
		}
	}

	if err := tx.Commit(); err != nil {
		return queryErr("commit final batch", err)
	}
	s.logger.Info("loaded points", "table", ds.Table, "count", len(points))
	return nil
}

// SampleStepElevations returns the mean raster value along each step of
// the trajectory, keyed by step identifier. Steps that do not intersect
// the raster are left out of the result.
func (s *Store) SampleStepElevations(ctx context.Context, rasterTable string, traj models.Trajectory) (map[int64]float64, error) {
	stmt := fmt.Sprintf(
		"SELECT (ST_SummaryStats(ST_Union(ST_Clip(r.rast, g.geom, true)))).mean "+
			"FROM %s r, (SELECT ST_SetSRID(ST_GeomFromText($1), $2) AS geom) g "+
			"WHERE ST_Intersects(r.rast, g.geom)",
		query.QuoteTable(rasterTable))

	steps := traj.Steps()
	out := make(map[int64]float64, len(steps))
	for _, step := range steps {
		var mean sql.NullFloat64
		err := s.db.QueryRowContext(ctx, stmt, wkt.EncodeStep(step), int(traj.SRID)).Scan(&mean)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return nil, queryErr(fmt.Sprintf("sample raster for step %d", step.ID()), err)
		}
		if mean.Valid {
			out[step.ID()] = mean.Float64
		}
	}
	return out, nil
}

// Close releases the connection pool. It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func splitTable(table string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}
