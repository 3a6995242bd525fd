package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kass/go-geo-subset/pkg/config"
	"github.com/kass/go-geo-subset/pkg/models"
	"github.com/kass/go-geo-subset/pkg/postgis"
	"github.com/kass/go-geo-subset/pkg/query"
	"github.com/kass/go-geo-subset/pkg/session"
	"github.com/kass/go-geo-subset/pkg/subset"
	"github.com/kass/go-geo-subset/pkg/wkt"
)

var (
	configPath  = flag.String("config", "", "config file path")
	tableFlag   = flag.String("table", "", "relocation table override")
	bboxFlag    = flag.String("bbox", "", "bounding box as minx,miny,maxx,maxy (required)")
	sridFlag    = flag.Int("srid", 0, "reference system of the box (0 looks it up)")
	displayFlag = flag.Int("display", 0, "display reference system (0 uses config)")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1)

	readyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	queryingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1FA8C"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))

	gaugeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BE9FD"))

	cursorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF5555"))

	pickStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#282A36")).
			Background(lipgloss.Color("#50FA7B"))

	mapStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9"))

	subjectColors = []lipgloss.Style{
		lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("#BD93F9")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C")),
	}
)

type updateMsg session.Update

type closedMsg struct{}

type model struct {
	sess      *session.Session
	updates   <-chan session.Update
	frame     models.BoundingBox
	authority string

	spinner spinner.Model
	width   int
	height  int

	snap   session.Update
	index  *subset.Index
	strict int

	cursorX int
	cursorY int
	picked  *models.Point
	message string
}

func initialModel(sess *session.Session, frame models.BoundingBox, authority string) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	return model{
		sess:      sess,
		updates:   sess.Updates(),
		frame:     frame,
		authority: authority,
		spinner:   s,
		width:     80,
		height:    24,
	}
}

// listen waits for the next session snapshot. The command is re-armed
// after every message.
func listen(updates <-chan session.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return closedMsg{}
		}
		return updateMsg(u)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, listen(m.updates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case updateMsg:
		m.snap = session.Update(msg)
		m.message = ""
		if m.snap.Collection != nil {
			m.index = subset.NewIndex(m.snap.Collection)
			if within, err := m.index.Within(m.frame); err == nil {
				m.strict = len(within)
			}
			if m.picked != nil {
				if p, ok := m.snap.Collection.Get(m.picked.ID); ok {
					m.picked = &p
				} else {
					m.picked = nil
				}
			}
		}
		return m, listen(m.updates)

	case closedMsg:
		return m, tea.Quit
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	mapW, mapH := m.mapSize()

	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.sess.Close()
		return m, tea.Quit

	case "left":
		return m.moveWindow(-0.1), nil
	case "right":
		return m.moveWindow(0.1), nil
	case "shift+left":
		return m.moveWindow(-0.02), nil
	case "shift+right":
		return m.moveWindow(0.02), nil
	case "+", "=":
		return m.zoomWindow(0.8), nil
	case "-":
		return m.zoomWindow(1.25), nil
	case "r":
		return m.setWindow(m.snap.Bounds), nil

	case "h":
		m.cursorX = clampInt(m.cursorX-1, 0, mapW-1)
		return m, nil
	case "l":
		m.cursorX = clampInt(m.cursorX+1, 0, mapW-1)
		return m, nil
	case "j":
		m.cursorY = clampInt(m.cursorY+1, 0, mapH-1)
		return m, nil
	case "k":
		m.cursorY = clampInt(m.cursorY-1, 0, mapH-1)
		return m, nil

	case "enter", " ":
		return m.pickNearest(), nil
	}

	return m, nil
}

// moveWindow pans the time window by a fraction of its width.
func (m model) moveWindow(frac float64) model {
	w := m.snap.Window
	if w.IsZero() {
		return m
	}
	shift := time.Duration(float64(w.Duration()) * frac)
	return m.setWindow(w.Shift(shift).Clamp(m.snap.Bounds))
}

// zoomWindow scales the window around its center.
func (m model) zoomWindow(factor float64) model {
	w := m.snap.Window
	if w.IsZero() {
		return m
	}
	dur := time.Duration(float64(w.Duration()) * factor)
	if dur < time.Minute {
		dur = time.Minute
	}
	if max := m.snap.Bounds.Duration(); dur > max {
		dur = max
	}
	center := w.Start.Add(w.Duration() / 2)
	next := models.TimeWindow{Start: center.Add(-dur / 2), End: center.Add(dur / 2)}
	return m.setWindow(next.Clamp(m.snap.Bounds))
}

func (m model) setWindow(w models.TimeWindow) model {
	if w.IsZero() {
		return m
	}
	if err := m.sess.SetWindow(w); err != nil {
		m.message = err.Error()
	}
	return m
}

// pickNearest selects the collection point closest to the cursor.
func (m model) pickNearest() model {
	if m.index == nil || m.index.Len() == 0 {
		m.message = "nothing to pick"
		return m
	}
	x, y := m.cursorCoords()
	points := m.index.Nearest(x, y, 1)
	if len(points) == 0 {
		m.message = "nothing to pick"
		return m
	}
	m.picked = &points[0]
	return m
}

func (m model) mapSize() (int, int) {
	w := m.width - 4
	h := m.height - 10
	if w < 20 {
		w = 20
	}
	if h < 5 {
		h = 5
	}
	return w, h
}

// cursorCoords translates the map cursor cell into frame coordinates.
func (m model) cursorCoords() (float64, float64) {
	mapW, mapH := m.mapSize()
	fw, fh := m.frame.Width(), m.frame.Height()
	if fw <= 0 {
		fw = 1
	}
	if fh <= 0 {
		fh = 1
	}
	x := m.frame.MinX + fw*(float64(m.cursorX)+0.5)/float64(mapW)
	y := m.frame.MaxY - fh*(float64(m.cursorY)+0.5)/float64(mapH)
	return x, y
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("🌍 Geo Subset Explorer"))
	if m.authority != "" {
		b.WriteString(dimStyle.Render("  " + m.authority))
	}
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderMap())
	b.WriteString("\n")
	b.WriteString(m.renderGauge())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m model) renderStatus() string {
	var state string
	switch m.snap.State {
	case session.StateQuerying:
		state = m.spinner.View() + queryingStyle.Render("querying...")
	case session.StateReady:
		state = readyStyle.Render("● ready")
	case session.StateError:
		state = errorStyle.Render(fmt.Sprintf("✗ %v", m.snap.Err)) +
			dimStyle.Render("  showing last good result")
	default:
		state = dimStyle.Render("starting...")
	}

	counts := ""
	if c := m.snap.Collection; c != nil {
		counts = fmt.Sprintf("  %s points · %s inside box · %d subjects",
			statStyle.Render(fmt.Sprintf("%d", c.Len())),
			statStyle.Render(fmt.Sprintf("%d", m.strict)),
			len(c.Subjects()))
		if n := len(m.snap.Diagnostics); n > 0 {
			counts += errorStyle.Render(fmt.Sprintf(" · %d rows dropped", n))
		}
	}
	return state + counts
}

func (m model) renderMap() string {
	mapW, mapH := m.mapSize()

	type cell struct {
		count   int
		subject int
	}
	grid := make([]cell, mapW*mapH)

	var subjects []string
	subjectIdx := make(map[string]int)
	if c := m.snap.Collection; c != nil {
		subjects = c.Subjects()
		for i, s := range subjects {
			subjectIdx[s] = i
		}

		fw, fh := m.frame.Width(), m.frame.Height()
		if fw <= 0 {
			fw = 1
		}
		if fh <= 0 {
			fh = 1
		}
		for _, p := range c.Points() {
			if !m.frame.Contains(p.X, p.Y) {
				continue
			}
			cx := int((p.X - m.frame.MinX) / fw * float64(mapW-1))
			cy := int((p.Y - m.frame.MinY) / fh * float64(mapH-1))
			row := mapH - 1 - cy
			g := &grid[row*mapW+cx]
			g.count++
			g.subject = subjectIdx[p.Subject]
		}
	}

	pickRow, pickCol := -1, -1
	if m.picked != nil && m.frame.Contains(m.picked.X, m.picked.Y) {
		fw, fh := m.frame.Width(), m.frame.Height()
		if fw <= 0 {
			fw = 1
		}
		if fh <= 0 {
			fh = 1
		}
		pickCol = int((m.picked.X - m.frame.MinX) / fw * float64(mapW-1))
		pickRow = mapH - 1 - int((m.picked.Y-m.frame.MinY)/fh*float64(mapH-1))
	}

	var rows []string
	for row := 0; row < mapH; row++ {
		var line strings.Builder
		for col := 0; col < mapW; col++ {
			switch {
			case row == m.cursorY && col == m.cursorX:
				line.WriteString(cursorStyle.Render("+"))
			case row == pickRow && col == pickCol:
				line.WriteString(pickStyle.Render("◉"))
			default:
				g := grid[row*mapW+col]
				if g.count == 0 {
					line.WriteByte(' ')
					continue
				}
				r := "·"
				if g.count > 3 {
					r = "█"
				} else if g.count > 1 {
					r = "•"
				}
				line.WriteString(subjectColors[g.subject%len(subjectColors)].Render(r))
			}
		}
		rows = append(rows, line.String())
	}

	return mapStyle.Render(strings.Join(rows, "\n"))
}

// renderGauge draws the window's position across the dataset's full time
// extent.
func (m model) renderGauge() string {
	bounds, win := m.snap.Bounds, m.snap.Window
	if bounds.IsZero() || bounds.Duration() <= 0 {
		return ""
	}
	width := m.width - 4
	if width < 20 {
		width = 20
	}

	var g strings.Builder
	for _, lit := range gaugeCells(bounds, win, width) {
		if lit {
			g.WriteString("█")
		} else {
			g.WriteString("─")
		}
	}
	label := fmt.Sprintf("%s → %s",
		win.Start.Format("2006-01-02 15:04"), win.End.Format("2006-01-02 15:04"))
	return gaugeStyle.Render(g.String()) + "\n" + dimStyle.Render(label)
}

// gaugeCells reports which cells of a width-cell bar overlap the window.
// Cell edges are computed in float64; multiplying a multi-year span by a
// cell index overflows time.Duration.
func gaugeCells(bounds, win models.TimeWindow, width int) []bool {
	total := float64(bounds.Duration())
	cells := make([]bool, width)
	for i := range cells {
		segStart := bounds.Start.Add(time.Duration(total * float64(i) / float64(width)))
		segEnd := bounds.Start.Add(time.Duration(total * float64(i+1) / float64(width)))
		cells[i] = segEnd.After(win.Start) && segStart.Before(win.End)
	}
	return cells
}

func (m model) renderFooter() string {
	var b strings.Builder
	if m.picked != nil {
		p := m.picked
		b.WriteString(statStyle.Render(fmt.Sprintf("picked %d", p.ID)))
		subject := p.Subject
		if subject == "" {
			subject = "(unlabeled)"
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s  %s  %s",
			subject, p.Time.Format(time.RFC3339), wkt.EncodePoint(p.X, p.Y))))
		b.WriteString("\n")
	}
	if m.message != "" {
		b.WriteString(errorStyle.Render(m.message))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(
		"←/→ pan · shift+←/→ fine · +/- zoom · r reset · h/j/k/l cursor · enter pick · q quit"))
	return b.String()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func main() {
	flag.Parse()
	if *bboxFlag == "" {
		log.Fatal("the -bbox flag is required")
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *tableFlag != "" {
		cfg.Dataset.Table = *tableFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	logger := config.NewLogger(cfg.Logging)

	store, err := postgis.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	srid := cfg.Dataset.SRID
	authority := srid.String()
	if *sridFlag > 0 {
		srid = models.SRID(*sridFlag)
		authority = srid.String()
	} else if srid == 0 {
		srid, authority, err = store.ReferenceSystem(ctx, cfg.Dataset.Table, cfg.Dataset.GeomColumn)
		if err != nil {
			log.Fatalf("Failed to resolve reference system: %v", err)
		}
	}

	box, err := models.ParseBoundingBox(*bboxFlag, srid)
	if err != nil {
		log.Fatalf("Invalid bounding box: %v", err)
	}

	displaySRID := cfg.Display.SRID
	if *displayFlag > 0 {
		displaySRID = models.SRID(*displayFlag)
	}

	params := query.Params{
		Table:         cfg.Dataset.Table,
		IDColumn:      cfg.Dataset.IDColumn,
		GeomColumn:    cfg.Dataset.GeomColumn,
		TimeColumn:    cfg.Dataset.TimeColumn,
		SubjectColumn: cfg.Dataset.SubjectColumn,
		BBox:          box,
	}

	// Rendering frame. When the display system differs from the stored
	// one, points are reprojected server-side and the frame follows.
	frame := box
	if displaySRID > 0 && displaySRID != srid {
		params.TransformSRID = displaySRID
		authority = displaySRID.String()
		frame, err = store.TransformBox(ctx, box, displaySRID)
		if err != nil {
			log.Fatalf("Failed to reproject display frame: %v", err)
		}
	}

	sess := session.New(store, params, session.WithLogger(logger))
	defer sess.Close()
	if err := sess.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	program := tea.NewProgram(initialModel(sess, frame, authority))
	if _, err := program.Run(); err != nil {
		log.Fatal(err)
	}
}
