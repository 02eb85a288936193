// Package bench renders a workload run's throughput series to a PNG (no
// latency series is plotted), the reporting edge of the benchmark harness that spec.md section 1
// scopes out of the core module (the harness itself drives the timed
// insert/lookup/range mix; this package only plots what it measured).
package bench

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Sample is one measurement point from a workload run: elapsed seconds
// since the run started, and the throughput (ops/sec) observed in the
// interval ending at that point.
type Sample struct {
	ElapsedSeconds float64
	OpsPerSecond   float64
}

// WriteThroughputReport plots samples as a line chart and writes it to
// path as a PNG.
func WriteThroughputReport(path string, title string, samples []Sample) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "elapsed (s)"
	p.Y.Label.Text = "ops/sec"

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i].X = s.ElapsedSeconds
		pts[i].Y = s.OpsPerSecond
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("bench: building throughput line: %w", err)
	}
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)
	p.Add(plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("bench: saving report %q: %w", path, err)
	}
	return nil
}
