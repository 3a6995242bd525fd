// Package subset reconstructs typed point collections from database rows
// and offers in-memory refinement over the result.
package subset

import (
	"time"

	"github.com/kass/go-geo-subset/pkg/models"
	"github.com/kass/go-geo-subset/pkg/wkt"
)

// Row is one database row prior to decoding.
type Row struct {
	ID      int64
	WKT     string
	Time    time.Time
	Subject string
}

// Reconstruct decodes rows into a collection in the given reference
// system. Rows whose geometry fails to decode are dropped and reported
// as diagnostics rather than aborting the batch. A duplicate identifier
// among the decoded rows is fatal and yields no collection. An empty row
// set yields an empty, usable collection.
func Reconstruct(rows []Row, srid models.SRID) (*models.Collection, []models.Diagnostic, error) {
	coll := models.NewCollection(srid)
	var diags []models.Diagnostic
	for _, r := range rows {
		x, y, err := wkt.DecodePoint(r.WKT)
		if err != nil {
			diags = append(diags, models.Diagnostic{ID: r.ID, WKT: r.WKT, Err: err})
			continue
		}
		p := models.Point{ID: r.ID, X: x, Y: y, Time: r.Time, Subject: r.Subject}
		if err := coll.Add(p); err != nil {
			return nil, nil, err
		}
	}
	return coll, diags, nil
}
