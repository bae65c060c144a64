package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachAdminRoutes mounts the debug charts under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("counts", "Per-lane counts chart", s.handleCountsChart)
	debug.HandleFunc("trace", "Raw distance trace per lane (PNG, ?lane=N)", s.handleTracePlot)
}

// handleCountsChart renders the current session counts and, when history is
// available, hourly counts over the last day.
func (s *Server) handleCountsChart(w http.ResponseWriter, r *http.Request) {
	snap := s.counter.Snapshot()

	x := make([]string, len(snap.Lanes))
	y := make([]opts.BarData, len(snap.Lanes))
	for i, l := range snap.Lanes {
		x[i] = fmt.Sprintf("Lane %d", l.Lane)
		bar := opts.BarData{Value: l.Count}
		if !l.SensorOK {
			bar.ItemStyle = &opts.ItemStyle{Color: "#c23531"}
		}
		y[i] = bar
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lane counts", Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Session total %d", snap.Total), Subtitle: "session " + snap.SessionID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("count", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	if s.history != nil {
		since := time.Now().Add(-24 * time.Hour).UTC()
		hourly, err := s.history.HourlyCounts(r.Context(), since)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to read hourly counts: %v", err))
			return
		}
		page.AddCharts(hourlyChart(hourly, len(snap.Lanes)))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func hourlyChart(hourly []db.HourlyCount, lanes int) *charts.Line {
	var hours []time.Time
	index := map[time.Time]int{}
	for _, h := range hourly {
		if _, ok := index[h.Hour]; !ok {
			index[h.Hour] = len(hours)
			hours = append(hours, h.Hour)
		}
	}

	x := make([]string, len(hours))
	for i, h := range hours {
		x[i] = h.Local().Format("15:04")
	}
	series := make([][]opts.LineData, lanes)
	for i := range series {
		series[i] = make([]opts.LineData, len(hours))
		for j := range series[i] {
			series[i][j] = opts.LineData{Value: 0}
		}
	}
	for _, h := range hourly {
		if h.Lane >= 1 && h.Lane <= lanes {
			series[h.Lane-1][index[h.Hour]] = opts.LineData{Value: h.Count}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Counts per hour", Subtitle: "last 24h"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x)
	for i, data := range series {
		line.AddSeries(fmt.Sprintf("Lane %d", i+1), data)
	}
	return line
}

// handleTracePlot renders the recent raw distances of one lane with its
// detect and clear thresholds.
func (s *Server) handleTracePlot(w http.ResponseWriter, r *http.Request) {
	snap := s.counter.Snapshot()
	laneNum := 1
	if v := r.URL.Query().Get("lane"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "lane must be a number")
			return
		}
		laneNum = n
	}
	if laneNum < 1 || laneNum > len(snap.Lanes) {
		httputil.NotFound(w, fmt.Sprintf("lane %d out of range 1..%d", laneNum, len(snap.Lanes)))
		return
	}
	ls := snap.Lanes[laneNum-1]
	trace := s.counter.Trace(laneNum - 1)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Lane %d - Distance (%d samples)", laneNum, len(trace))
	p.X.Label.Text = "Uptime (s)"
	p.Y.Label.Text = "Distance (mm)"

	pts := make(plotter.XYs, 0, len(trace))
	var misses plotter.XYs
	for _, tp := range trace {
		x := tp.At.Seconds()
		if !tp.Valid {
			misses = append(misses, plotter.XY{X: x, Y: 0})
			continue
		}
		pts = append(pts, plotter.XY{X: x, Y: float64(tp.DistanceMM)})
	}

	if len(pts) > 0 {
		distLine, err := plotter.NewLine(pts)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		distLine.Width = vg.Points(1)
		distLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		p.Add(distLine)
		p.Legend.Add("distance", distLine)

		xmin, xmax := pts[0].X, pts[len(pts)-1].X
		for _, th := range []struct {
			name string
			mm   uint16
			c    color.Color
		}{
			{"detect", ls.DetectThresholdMM, color.RGBA{R: 214, G: 39, B: 40, A: 255}},
			{"clear", ls.ClearThresholdMM, color.RGBA{R: 44, G: 160, B: 44, A: 255}},
		} {
			l, err := plotter.NewLine(plotter.XYs{{X: xmin, Y: float64(th.mm)}, {X: xmax, Y: float64(th.mm)}})
			if err != nil {
				httputil.InternalServerError(w, err.Error())
				return
			}
			l.Color = th.c
			l.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			p.Add(l)
			p.Legend.Add(th.name, l)
		}
	}
	if len(misses) > 0 {
		sc, err := plotter.NewScatter(misses)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		sc.Color = color.Gray{Y: 128}
		p.Add(sc)
		p.Legend.Add("timeout", sc)
	}

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = wt.WriteTo(w)
}
