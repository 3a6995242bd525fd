package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/kass/go-geo-subset/pkg/config"
	"github.com/kass/go-geo-subset/pkg/models"
	"github.com/kass/go-geo-subset/pkg/postgis"
	"github.com/kass/go-geo-subset/pkg/query"
	"github.com/kass/go-geo-subset/pkg/wkt"
)

var (
	configPath string
	tableFlag  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "go-geo-subset",
	Short: "Spatial-temporal subsetting of PostGIS relocation data",
	Long: `Query a PostGIS relocation table by bounding box and time window,
reconstruct typed point collections, and derive per-subject trajectories.`,
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Create the relocation table and load generated telemetry",
	Long:  `Create the relocation schema and fill it with random-walk telemetry for a set of subjects.`,
	Run:   runLoad,
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Fetch one spatial-temporal subset",
	Long:  `Run a single bounding box and time window query and print the reconstructed collection.`,
	Run:   runQuery,
}

var boundsCmd = &cobra.Command{
	Use:   "bounds",
	Short: "Show the dataset's extent",
	Long:  `Print the row count, time bounds and reference system of the relocation table.`,
	Run:   runBounds,
}

var elevationCmd = &cobra.Command{
	Use:   "elevation",
	Short: "Sample a raster along trajectory steps",
	Long:  `Derive per-subject trajectory steps for a subset and report the mean raster value along each step.`,
	Run:   runElevation,
}

var (
	numPoints   int
	numSubjects int
	seed        int64
	loadSRID    int
	loadBBox    string
	loadFrom    string
	loadTo      string

	bboxFlag    string
	fromFlag    string
	toFlag      string
	sridFlag    int
	displaySRID int
	jsonOut     bool
	trajOut     bool
	limitFlag   int
	rasterTable string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&tableFlag, "table", "t", "", "Relocation table override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	loadCmd.Flags().IntVarP(&numPoints, "points", "p", 100000, "Number of relocations to generate")
	loadCmd.Flags().IntVarP(&numSubjects, "subjects", "s", 5, "Number of subjects to simulate")
	loadCmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")
	loadCmd.Flags().IntVar(&loadSRID, "srid", 4326, "Reference system of the new table")
	loadCmd.Flags().StringVarP(&loadBBox, "bbox", "b", "-124.4,32.5,-114.1,42.0", "Extent of the walks as minx,miny,maxx,maxy")
	loadCmd.Flags().StringVar(&loadFrom, "from", "1990-01-01", "Start of the simulated period")
	loadCmd.Flags().StringVar(&loadTo, "to", "2000-01-01", "End of the simulated period")

	queryCmd.Flags().StringVarP(&bboxFlag, "bbox", "b", "", "Bounding box as minx,miny,maxx,maxy")
	queryCmd.Flags().StringVar(&fromFlag, "from", "", "Window start (inclusive)")
	queryCmd.Flags().StringVar(&toFlag, "to", "", "Window end (exclusive)")
	queryCmd.Flags().IntVar(&sridFlag, "srid", 0, "Reference system of the box (0 looks it up)")
	queryCmd.Flags().IntVar(&displaySRID, "display", 0, "Reproject results to this reference system (0 keeps the stored one)")
	queryCmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	queryCmd.Flags().BoolVar(&trajOut, "trajectories", false, "Print per-subject trajectory linestrings instead of points")
	queryCmd.Flags().IntVarP(&limitFlag, "limit", "l", 25, "Maximum points to print, 0 prints all")
	queryCmd.MarkFlagRequired("bbox")
	queryCmd.MarkFlagRequired("from")
	queryCmd.MarkFlagRequired("to")

	elevationCmd.Flags().StringVarP(&bboxFlag, "bbox", "b", "", "Bounding box as minx,miny,maxx,maxy")
	elevationCmd.Flags().StringVar(&fromFlag, "from", "", "Window start (inclusive)")
	elevationCmd.Flags().StringVar(&toFlag, "to", "", "Window end (exclusive)")
	elevationCmd.Flags().IntVar(&sridFlag, "srid", 0, "Reference system of the box (0 looks it up)")
	elevationCmd.Flags().StringVarP(&rasterTable, "raster", "r", "", "Raster table to sample")
	elevationCmd.MarkFlagRequired("bbox")
	elevationCmd.MarkFlagRequired("from")
	elevationCmd.MarkFlagRequired("to")
	elevationCmd.MarkFlagRequired("raster")

	rootCmd.AddCommand(loadCmd, queryCmd, boundsCmd, elevationCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLoad(cmd *cobra.Command, args []string) {
	cfg := mustConfig()
	logger := config.NewLogger(cfg.Logging)

	srid := models.SRID(loadSRID)
	box, err := models.ParseBoundingBox(loadBBox, srid)
	if err != nil {
		log.Fatalf("Invalid bounding box: %v", err)
	}
	span, err := parseWindow(loadFrom, loadTo)
	if err != nil {
		log.Fatalf("Invalid period: %v", err)
	}

	fmt.Printf("Generating %d relocations for %d subjects...\n", numPoints, numSubjects)
	points := generateTelemetry(numPoints, numSubjects, seed, box, span)

	store, err := postgis.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	fmt.Printf("Creating schema for %s (srid %d)...\n", cfg.Dataset.Table, srid)
	if err := store.InitSchema(ctx, cfg.Dataset, srid); err != nil {
		log.Fatalf("Failed to init schema: %v", err)
	}

	start := time.Now()
	if err := store.InsertPoints(ctx, cfg.Dataset, srid, points); err != nil {
		log.Fatalf("Failed to load points: %v", err)
	}
	elapsed := time.Since(start)

	count, err := store.Count(ctx, cfg.Dataset.Table)
	if err != nil {
		log.Fatalf("Failed to count points: %v", err)
	}
	fmt.Printf("Loaded %d points in %v (%.0f points/sec)\n", count, elapsed, float64(len(points))/elapsed.Seconds())
}

func runQuery(cmd *cobra.Command, args []string) {
	cfg := mustConfig()
	logger := config.NewLogger(cfg.Logging)

	store, err := postgis.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	srid, authority := resolveSRID(ctx, store, cfg)
	box, err := models.ParseBoundingBox(bboxFlag, srid)
	if err != nil {
		log.Fatalf("Invalid bounding box: %v", err)
	}
	window, err := parseWindow(fromFlag, toFlag)
	if err != nil {
		log.Fatalf("Invalid time window: %v", err)
	}

	params := query.Params{
		Table:         cfg.Dataset.Table,
		IDColumn:      cfg.Dataset.IDColumn,
		GeomColumn:    cfg.Dataset.GeomColumn,
		TimeColumn:    cfg.Dataset.TimeColumn,
		SubjectColumn: cfg.Dataset.SubjectColumn,
		BBox:          box,
		Window:        window,
		TransformSRID: models.SRID(displaySRID),
	}
	coll, diags, err := store.FetchPoints(ctx, params)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	// The result is in the display system when one was requested.
	refsys := authority
	if displaySRID > 0 {
		refsys = models.SRID(displaySRID).String()
	}

	if jsonOut {
		out := struct {
			ReferenceSystem string              `json:"reference_system"`
			Collection      *models.Collection  `json:"collection"`
			Diagnostics     []models.Diagnostic `json:"diagnostics,omitempty"`
		}{refsys, coll, diags}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			log.Fatalf("Failed to encode output: %v", err)
		}
		return
	}

	fmt.Printf("Reference system: %s (srid %s)\n", refsys, coll.SRID())
	fmt.Printf("Window:           %s\n", window)
	fmt.Printf("Found %d points, dropped %d rows\n", coll.Len(), len(diags))
	if trajOut {
		for _, line := range trajectoryLines(coll.Trajectories()) {
			fmt.Println(line)
		}
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "  %s\n", d)
		}
		return
	}
	for i, p := range coll.Points() {
		if limitFlag > 0 && i == limitFlag {
			fmt.Printf("  ... %d more\n", coll.Len()-limitFlag)
			break
		}
		fmt.Printf("  %6d  %-12s  %s  %s\n",
			p.ID, p.Subject, p.Time.Format(time.RFC3339), wkt.EncodePoint(p.X, p.Y))
	}
	for _, d := range diags {
		fmt.Fprintf(os.Stderr, "  %s\n", d)
	}
}

// trajectoryLines renders each subject's path as one linestring. A
// single relocation has no path and is skipped.
func trajectoryLines(trajs []models.Trajectory) []string {
	lines := make([]string, 0, len(trajs))
	for _, tr := range trajs {
		path, err := wkt.EncodeLineString(tr.Points)
		if err != nil {
			continue
		}
		subject := tr.Subject
		if subject == "" {
			subject = "(unlabeled)"
		}
		span := tr.Points[len(tr.Points)-1].Time.Sub(tr.Points[0].Time)
		lines = append(lines, fmt.Sprintf("%s: %d relocations over %s\n  %s",
			subject, len(tr.Points), span, path))
	}
	return lines
}

func runBounds(cmd *cobra.Command, args []string) {
	cfg := mustConfig()
	logger := config.NewLogger(cfg.Logging)

	store, err := postgis.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	count, err := store.Count(ctx, cfg.Dataset.Table)
	if err != nil {
		log.Fatalf("Failed to count points: %v", err)
	}
	srid, authority, err := store.ReferenceSystem(ctx, cfg.Dataset.Table, cfg.Dataset.GeomColumn)
	if err != nil {
		log.Fatalf("Failed to resolve reference system: %v", err)
	}

	fmt.Printf("Table:            %s\n", cfg.Dataset.Table)
	fmt.Printf("Points:           %d\n", count)
	fmt.Printf("Reference system: %s (srid %s)\n", authority, srid)

	lo, hi, err := store.TimeBounds(ctx, cfg.Dataset.Table, cfg.Dataset.TimeColumn)
	if err != nil {
		log.Fatalf("Failed to fetch time bounds: %v", err)
	}
	fmt.Printf("Time bounds:      %s to %s\n", lo.Format(time.RFC3339), hi.Format(time.RFC3339))
}

func runElevation(cmd *cobra.Command, args []string) {
	cfg := mustConfig()
	logger := config.NewLogger(cfg.Logging)

	store, err := postgis.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	srid, _ := resolveSRID(ctx, store, cfg)
	box, err := models.ParseBoundingBox(bboxFlag, srid)
	if err != nil {
		log.Fatalf("Invalid bounding box: %v", err)
	}
	window, err := parseWindow(fromFlag, toFlag)
	if err != nil {
		log.Fatalf("Invalid time window: %v", err)
	}

	params := query.Params{
		Table:         cfg.Dataset.Table,
		IDColumn:      cfg.Dataset.IDColumn,
		GeomColumn:    cfg.Dataset.GeomColumn,
		TimeColumn:    cfg.Dataset.TimeColumn,
		SubjectColumn: cfg.Dataset.SubjectColumn,
		BBox:          box,
		Window:        window,
	}
	coll, diags, err := store.FetchPoints(ctx, params)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if len(diags) > 0 {
		fmt.Fprintf(os.Stderr, "dropped %d undecodable rows\n", len(diags))
	}

	for _, traj := range coll.Trajectories() {
		steps := traj.Steps()
		subject := traj.Subject
		if subject == "" {
			subject = "(unlabeled)"
		}
		fmt.Printf("%s: %d steps\n", subject, len(steps))
		if len(steps) == 0 {
			continue
		}

		means, err := store.SampleStepElevations(ctx, rasterTable, traj)
		if err != nil {
			log.Fatalf("Failed to sample raster: %v", err)
		}
		for _, st := range steps {
			if mean, ok := means[st.ID()]; ok {
				fmt.Printf("  step %6d  %12s  %10.1f units  mean %.1f\n",
					st.ID(), st.Duration(), st.Length(), mean)
			} else {
				fmt.Printf("  step %6d  %12s  %10.1f units  no raster coverage\n",
					st.ID(), st.Duration(), st.Length())
			}
		}
	}
}

func mustConfig() *config.Config {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if tableFlag != "" {
		cfg.Dataset.Table = tableFlag
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	return cfg
}

// resolveSRID prefers the flag, then the config, then the database's
// geometry_columns registration.
func resolveSRID(ctx context.Context, store *postgis.Store, cfg *config.Config) (models.SRID, string) {
	if sridFlag > 0 {
		return models.SRID(sridFlag), models.SRID(sridFlag).String()
	}
	if cfg.Dataset.SRID > 0 {
		return cfg.Dataset.SRID, cfg.Dataset.SRID.String()
	}
	srid, authority, err := store.ReferenceSystem(ctx, cfg.Dataset.Table, cfg.Dataset.GeomColumn)
	if err != nil {
		log.Fatalf("Failed to resolve reference system: %v", err)
	}
	return srid, authority
}

func parseWindow(from, to string) (models.TimeWindow, error) {
	start, err := parseTime(from)
	if err != nil {
		return models.TimeWindow{}, err
	}
	end, err := parseTime(to)
	if err != nil {
		return models.TimeWindow{}, err
	}
	w := models.TimeWindow{Start: start, End: end}
	return w, w.Validate()
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, want RFC3339 or YYYY-MM-DD", s)
}

// generateTelemetry simulates a bounded random walk per subject across
// the extent, spreading relocations evenly over the period.
func generateTelemetry(n, subjects int, seed int64, box models.BoundingBox, span models.TimeWindow) []models.Point {
	if subjects < 1 {
		subjects = 1
	}
	perSubject := n / subjects
	if perSubject < 1 {
		perSubject = 1
		subjects = n
	}
	points := make([]models.Point, perSubject*subjects)

	var wg sync.WaitGroup
	for s := 0; s < subjects; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(s)))
			name := fmt.Sprintf("animal_%02d", s+1)

			x := box.MinX + r.Float64()*box.Width()
			y := box.MinY + r.Float64()*box.Height()
			stepX := box.Width() / 100
			stepY := box.Height() / 100
			dt := span.Duration() / time.Duration(perSubject)

			base := s * perSubject
			t := span.Start
			for i := 0; i < perSubject; i++ {
				x = clampCoord(x+(r.Float64()*2-1)*stepX, box.MinX, box.MaxX)
				y = clampCoord(y+(r.Float64()*2-1)*stepY, box.MinY, box.MaxY)
				points[base+i] = models.Point{
					ID:      int64(base+i) + 1,
					X:       x,
					Y:       y,
					Time:    t,
					Subject: name,
				}
				t = t.Add(dt)
			}
		}(s)
	}
	wg.Wait()
	return points
}

func clampCoord(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
