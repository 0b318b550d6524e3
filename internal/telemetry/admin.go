package telemetry

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/stepper/internal/db"
	"github.com/banshee-data/stepper/internal/httputil"
	"github.com/banshee-data/stepper/internal/security"
)

// sessionReport is the JSON body of /debug/telemetry.
type sessionReport struct {
	Session *db.Session `json:"session"`
	Summary Summary     `json:"summary"`
}

// loadSession loads the session named by the "session" query parameter, or
// the most recent one. It writes the error response itself and returns
// ok=false when there is nothing to show.
func loadSession(w http.ResponseWriter, r *http.Request, d *db.DB) (*db.Session, []db.SampleRecord, bool) {
	s, err := d.LatestSession()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load session: %v", err))
		return nil, nil, false
	}
	if s == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no sessions recorded")
		return nil, nil, false
	}
	if q := r.URL.Query().Get("session"); q != "" {
		s = &db.Session{ID: q}
	}
	samples, err := d.SessionSamples(s.ID)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load samples: %v", err))
		return nil, nil, false
	}
	return s, samples, true
}

// AttachAdminRoutes mounts a summary, a chart and a plot download of the
// latest session. Each accepts ?session=<id> to pick another one.
func AttachAdminRoutes(mux *http.ServeMux, d *db.DB) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("telemetry", "latest sinusoid session summary", func(w http.ResponseWriter, r *http.Request) {
		s, samples, ok := loadSession(w, r, d)
		if !ok {
			return
		}
		httputil.WriteJSONOK(w, sessionReport{Session: s, Summary: Summarize(samples)})
	})

	debug.HandleFunc("telemetry-chart", "latest sinusoid session chart", func(w http.ResponseWriter, r *http.Request) {
		s, samples, ok := loadSession(w, r, d)
		if !ok {
			return
		}

		pts := points(samples)
		xs := make([]string, 0, len(pts))
		data := make([]opts.LineData, 0, len(pts))
		for _, p := range pts {
			xs = append(xs, strconv.FormatFloat(p.X, 'f', -1, 64))
			data = append(data, opts.LineData{Value: p.Y})
		}
		sum := Summarize(samples)

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: "Stepper Telemetry", Width: "100%", Height: "600px"}),
			charts.WithTitleOpts(opts.Title{
				Title:    "Sinusoid position",
				Subtitle: fmt.Sprintf("session=%s samples=%d mean=%.3f stddev=%.3f", s.ID, sum.Count, sum.Mean, sum.StdDev),
			}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: "Position (deg)", NameLocation: "middle", NameGap: 40}),
		)
		line.SetXAxis(xs).AddSeries("position", data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

		var buf bytes.Buffer
		if err := line.Render(&buf); err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})

	debug.HandleSilentFunc("telemetry-plot", func(w http.ResponseWriter, r *http.Request) {
		s, samples, ok := loadSession(w, r, d)
		if !ok {
			return
		}
		dir, err := os.MkdirTemp("", "stepper-plot-")
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create plot dir: %v", err))
			return
		}
		defer os.RemoveAll(dir)

		name := security.SanitizeFilename(s.ID) + ".png"
		path := filepath.Join(dir, name)
		if err := SavePlot("sinusoid "+s.ID, samples, path); err != nil {
			httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
		http.ServeFile(w, r, path)
	})
}
