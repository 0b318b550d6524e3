package telemetry

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg" // png, jpeg
	_ "gonum.org/v1/plot/vg/vgsvg" // svg

	"github.com/banshee-data/stepper/internal/db"
)

// ErrNoPositions reports a session with no sample carrying a position.
var ErrNoPositions = errors.New("no position samples")

// Summary describes the position samples of one session.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize computes position statistics over samples. Samples without a
// position are skipped. The standard deviation is zero below two samples.
func Summarize(samples []db.SampleRecord) Summary {
	xs := positions(samples)
	if len(xs) == 0 {
		return Summary{}
	}
	s := Summary{
		Count: len(xs),
		Min:   floats.Min(xs),
		Max:   floats.Max(xs),
	}
	if len(xs) < 2 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}

func positions(samples []db.SampleRecord) []float64 {
	xs := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Position != nil {
			xs = append(xs, *s.Position)
		}
	}
	return xs
}

// points maps samples to (t, position). Samples without a time use their
// sequence number.
func points(samples []db.SampleRecord) plotter.XYs {
	pts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		if s.Position == nil {
			continue
		}
		x := float64(s.Seq)
		if s.T != nil {
			x = *s.T
		}
		pts = append(pts, plotter.XY{X: x, Y: *s.Position})
	}
	return pts
}

// SavePlot renders position against time to an image at path. The format
// follows the file extension.
func SavePlot(title string, samples []db.SampleRecord, path string) error {
	pts := points(samples)
	if len(pts) == 0 {
		return ErrNoPositions
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Position (deg)"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
