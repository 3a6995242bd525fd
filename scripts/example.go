package main

import (
	"fmt"
	"log"
	"time"

	"github.com/kass/go-geo-subset/pkg/models"
	"github.com/kass/go-geo-subset/pkg/subset"
	"github.com/kass/go-geo-subset/pkg/wkt"
)

func main() {
	// Rows as two per-subject batches from a relocation table in
	// California State Plane Zone 5 (EPSG:2229, units are feet).
	batchA := []subset.Row{
		{ID: 1, WKT: "POINT(6497000.5 1846000.25)", Time: ts("1998-06-01T08:00:00Z"), Subject: "albatross_a"},
		{ID: 2, WKT: "POINT(6512103.75 1851400.5)", Time: ts("1998-06-01T14:00:00Z"), Subject: "albatross_a"},
		{ID: 3, WKT: "POINT(6531220 1864980.125)", Time: ts("1998-06-01T20:00:00Z"), Subject: "albatross_a"},
		{ID: 4, WKT: "POINT(6541800.25 1872210)", Time: ts("1998-06-02T02:00:00Z"), Subject: "albatross_a"},
	}
	batchB := []subset.Row{
		{ID: 5, WKT: "POINT(6488100 1838755.75)", Time: ts("1998-06-01T09:30:00Z"), Subject: "albatross_b"},
		{ID: 6, WKT: "POINT(6474902.5 1829300)", Time: ts("1998-06-01T16:45:00Z"), Subject: "albatross_b"},
		{ID: 7, WKT: "POINT(6460118 1822409.5)", Time: ts("1998-06-02T01:15:00Z"), Subject: "albatross_b"},
		{ID: 8, WKT: "POINT(6455", Time: ts("1998-06-02T07:00:00Z"), Subject: "albatross_b"},
	}

	fmt.Println("=== Reconstructing the collection ===")
	coll, diags, err := subset.Reconstruct(batchA, 2229)
	if err != nil {
		log.Fatal(err)
	}
	more, moreDiags, err := subset.Reconstruct(batchB, 2229)
	if err != nil {
		log.Fatal(err)
	}
	if err := coll.Merge(more); err != nil {
		log.Fatal(err)
	}
	diags = append(diags, moreDiags...)
	fmt.Printf("Merged %d points in srid %s, dropped %d rows\n", coll.Len(), coll.SRID(), len(diags))
	for _, d := range diags {
		fmt.Printf("  - %s\n", d)
	}

	fmt.Println("\n=== Strict containment filter ===")
	index := subset.NewIndex(coll)
	box := models.BoundingBox{
		MinX: 6470000, MinY: 1825000,
		MaxX: 6520000, MaxY: 1855000,
		SRID: 2229,
	}
	within, err := index.Within(box)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Found %d points inside %s:\n", len(within), box)
	for _, p := range within {
		fmt.Printf("  - %d %s %s\n", p.ID, p.Subject, wkt.EncodePoint(p.X, p.Y))
	}

	fmt.Println("\n=== Nearest relocations ===")
	nearest := index.Nearest(6500000, 1845000, 3)
	for i, p := range nearest {
		fmt.Printf("  %d. point %d (%s) at %s\n", i+1, p.ID, p.Subject, wkt.EncodePoint(p.X, p.Y))
	}

	fmt.Println("\n=== Trajectories ===")
	for _, traj := range coll.Trajectories() {
		path, err := wkt.EncodeLineString(traj.Points)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s: %d points\n  %s\n", traj.Subject, len(traj.Points), path)
		for _, st := range traj.Steps() {
			fmt.Printf("  step %d: %s over %s (%.1f ft)\n",
				st.ID(), wkt.EncodeStep(st), st.Duration(), st.Length())
		}
	}
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		log.Fatal(err)
	}
	return t
}
