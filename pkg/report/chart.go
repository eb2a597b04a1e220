package report

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/wcharczuk/go-chart/v2"
)

// LossChart renders per-epoch training and validation losses. NaN
// validation entries are skipped, so epochs without a validation pass
// leave gaps instead of breaking the series.
func LossChart(path string, train, val []float64) error {
	if len(train) == 0 {
		return fmt.Errorf("no loss history to render")
	}

	tx, ty := padSingle(epochSeq(len(train)), train)
	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "train",
			XValues: tx,
			YValues: ty,
		},
	}

	var vx, vy []float64
	for i, v := range val {
		if !math.IsNaN(v) {
			vx = append(vx, float64(i+1))
			vy = append(vy, v)
		}
	}
	if len(vx) > 0 {
		vx, vy = padSingle(vx, vy)
		series = append(series, chart.ContinuousSeries{
			Name:    "validation",
			XValues: vx,
			YValues: vy,
		})
	}

	graph := chart.Chart{
		Title:  "Training loss",
		Width:  800,
		Height: 400,
		XAxis:  chart.XAxis{Name: "epoch"},
		YAxis:  chart.YAxis{Name: "loss"},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return renderChart(path, graph)
}

// MetricChart renders a reconstruction metric against the number of
// averaged posterior samples. Baselines are drawn as horizontal lines
// spanning the count range, one per named reference method.
func MetricChart(path, metric string, counts []int, values []float64, baselines map[string]float64) error {
	if len(counts) == 0 || len(counts) != len(values) {
		return fmt.Errorf("got %d counts and %d values", len(counts), len(values))
	}

	xs := make([]float64, len(counts))
	for i, c := range counts {
		xs[i] = float64(c)
	}
	xs, values = padSingle(xs, values)
	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "posterior mean",
			XValues: xs,
			YValues: values,
		},
	}

	names := make([]string, 0, len(baselines))
	for name := range baselines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		series = append(series, chart.ContinuousSeries{
			Name:    name,
			XValues: []float64{xs[0], xs[len(xs)-1]},
			YValues: []float64{baselines[name], baselines[name]},
		})
	}

	graph := chart.Chart{
		Title:  metric + " versus sample count",
		Width:  800,
		Height: 400,
		XAxis:  chart.XAxis{Name: "samples"},
		YAxis:  chart.YAxis{Name: metric},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return renderChart(path, graph)
}

func renderChart(path string, graph chart.Chart) error {
	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating chart file: %w", err)
	}
	defer f.Close()

	if _, err := buffer.WriteTo(f); err != nil {
		return fmt.Errorf("error writing chart: %w", err)
	}
	return nil
}

func epochSeq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

// padSingle turns a one-point series into a short flat segment. A lone
// point cannot span an axis range, which the renderer rejects.
func padSingle(xs, ys []float64) ([]float64, []float64) {
	if len(xs) != 1 {
		return xs, ys
	}
	return []float64{xs[0], xs[0] + 1}, []float64{ys[0], ys[0]}
}
