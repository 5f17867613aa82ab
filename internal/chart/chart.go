// Package chart renders a run's throughput time series to a PNG image.
package chart

import (
	"bytes"
	"fmt"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
	"github.com/ystartgo/iperfx/pkg/results"
)

var seriesColors = map[spec.Series]chart.Style{
	spec.SeriesDefault:  {StrokeColor: chart.ColorBlue, StrokeWidth: 2},
	spec.SeriesSent:     {StrokeColor: chart.ColorRed, StrokeWidth: 2},
	spec.SeriesReceived: {StrokeColor: chart.ColorGreen, StrokeWidth: 2},
}

var seriesNames = map[spec.Series]string{
	spec.SeriesDefault:  "throughput",
	spec.SeriesSent:     "upload",
	spec.SeriesReceived: "download",
}

// Render draws the throughput chart for a run: one line per series, plus
// a dashed average line. It always returns a decodable PNG, even for a
// run with no samples.
func Render(result *results.TestResult) ([]byte, error) {
	series := make(map[spec.Series]*chart.ContinuousSeries)
	order := []spec.Series{}
	for _, s := range result.Samples {
		cs, ok := series[s.Series]
		if !ok {
			cs = &chart.ContinuousSeries{
				Name:  seriesNames[s.Series],
				Style: seriesColors[s.Series],
			}
			series[s.Series] = cs
			order = append(order, s.Series)
		}
		cs.XValues = append(cs.XValues, s.End)
		cs.YValues = append(cs.YValues, s.Mbps())
	}

	var plotted []chart.Series
	for _, key := range order {
		cs := series[key]
		// go-chart cannot draw a line from a single point.
		if len(cs.XValues) < 2 {
			continue
		}
		plotted = append(plotted, cs)
		if avg, ok := average(cs.YValues); ok {
			plotted = append(plotted, &chart.ContinuousSeries{
				Name: fmt.Sprintf("%s avg (%.1f)", seriesNames[key], avg),
				Style: chart.Style{
					StrokeColor:     seriesColors[key].StrokeColor,
					StrokeWidth:     1,
					StrokeDashArray: []float64{5, 5},
				},
				XValues: []float64{cs.XValues[0], cs.XValues[len(cs.XValues)-1]},
				YValues: []float64{avg, avg},
			})
		}
	}
	if len(plotted) == 0 {
		// Empty run: draw a flat zero line so the artifact set stays
		// complete.
		plotted = append(plotted, &chart.ContinuousSeries{
			Name:    "throughput",
			Style:   seriesColors[spec.SeriesDefault],
			XValues: []float64{0, result.Config.Duration.Seconds()},
			YValues: []float64{0, 0},
		})
	}

	graph := chart.Chart{
		Title:  "iperf3 " + string(result.Config.Role) + " run " + result.RunID,
		Width:  1024,
		Height: 512,
		XAxis:  chart.XAxis{Name: "Time (s)"},
		YAxis:  chart.YAxis{Name: "Throughput (Mbit/s)"},
		Series: plotted,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func average(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}
