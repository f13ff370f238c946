package charts

import (
	"context"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// renderHourlyVolume plots volume per product over time.
func (r *Renderer) renderHourlyVolume(_ context.Context, data *dataset, path string) error {
	p := newTimePlot("Hourly Trading Volume by Product", "Volume")
	for i, product := range data.products {
		xys := seriesXYs(data.series[product], func(c models.EnrichedCandle) float64 { return c.Volume })
		if _, err := addLine(p, product, xys, productColor(product, i), 1.5); err != nil {
			return err
		}
	}
	return savePanels(path, r.width, r.height, p)
}

// renderAvgPrice plots average price with one panel per product, since
// products trade at very different price levels.
func (r *Renderer) renderAvgPrice(_ context.Context, data *dataset, path string) error {
	panels := make([]*plot.Plot, 0, len(data.products))
	for i, product := range data.products {
		p := newTimePlot("Average Price (Hourly): "+product, product+" Price ($)")
		xys := seriesXYs(data.series[product], func(c models.EnrichedCandle) float64 { return c.AvgPrice })
		if _, err := addLine(p, product, xys, productColor(product, i), 1.5); err != nil {
			return err
		}
		panels = append(panels, p)
	}
	height := r.height
	if len(panels) > 1 {
		height = r.height * 0.6 * vg.Length(len(panels))
	}
	return savePanels(path, r.width, height, panels...)
}
