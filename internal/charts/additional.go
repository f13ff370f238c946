package charts

import (
	"context"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// renderPriceVolatility plots each product's high-low band, then the
// spread as a percentage of the mid price.
func (r *Renderer) renderPriceVolatility(_ context.Context, data *dataset, path string) error {
	panels := make([]*plot.Plot, 0, len(data.products)+1)
	for i, product := range data.products {
		candles := data.series[product]
		c := productColor(product, i)

		p := newTimePlot("Price Range (High-Low): "+product, product+" Price ($)")
		low := seriesXYs(candles, func(c models.EnrichedCandle) float64 { return c.Low })
		high := seriesXYs(candles, func(c models.EnrichedCandle) float64 { return c.High })
		poly, err := band(low, high, withAlpha(c, 80))
		if err != nil {
			return err
		}
		p.Add(poly)
		p.Legend.Add(product+" Range", poly)
		if _, err := addLine(p, "", high, withAlpha(c, 160), 1); err != nil {
			return err
		}
		if _, err := addLine(p, "", low, withAlpha(c, 160), 1); err != nil {
			return err
		}
		panels = append(panels, p)
	}

	spread := newTimePlot("Price Volatility: Spread as % of Mid Price", "Volatility (%)")
	for i, product := range data.products {
		xys := seriesXYs(data.series[product], spreadPct)
		if _, err := addLine(spread, product, xys, productColor(product, i), 1.5); err != nil {
			return err
		}
	}
	panels = append(panels, spread)

	return savePanels(path, r.width, r.height*0.6*vg.Length(len(panels)), panels...)
}

// spreadPct is the high-low spread as a percentage of the mid price.
func spreadPct(c models.EnrichedCandle) float64 {
	mid := (c.High + c.Low) / 2
	if mid == 0 {
		return 0
	}
	return (c.High - c.Low) / mid * 100
}

// renderPriceChangeTrends plots the hourly percentage change and its
// running sum.
func (r *Renderer) renderPriceChangeTrends(_ context.Context, data *dataset, path string) error {
	hourly := newTimePlot("Hourly Price Change Percentage", "Price Change (%)")
	cumulative := newTimePlot("Cumulative Price Change Over Time", "Cumulative Price Change (%)")
	addZeroLine(hourly)
	addZeroLine(cumulative)

	for i, product := range data.products {
		candles := data.series[product]
		c := productColor(product, i)

		xys := seriesXYs(candles, func(c models.EnrichedCandle) float64 { return c.PriceChangePct })
		if _, err := addLine(hourly, product, xys, c, 1.5); err != nil {
			return err
		}
		points, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		points.GlyphStyle.Color = c
		points.GlyphStyle.Radius = vg.Points(1)
		hourly.Add(points)

		if _, err := addLine(cumulative, product, cumulativeChange(candles), c, 2); err != nil {
			return err
		}
	}

	return savePanels(path, r.width, r.height*1.6, hourly, cumulative)
}

// cumulativeChange returns the running sum of price_change_pct.
func cumulativeChange(candles []models.EnrichedCandle) plotter.XYs {
	xys := make(plotter.XYs, len(candles))
	sum := 0.0
	for i, c := range candles {
		sum += c.PriceChangePct
		xys[i].X = float64(c.Timestamp)
		xys[i].Y = sum
	}
	return xys
}

// renderHourPattern plots average price and volume by UTC hour of day.
func (r *Renderer) renderHourPattern(ctx context.Context, data *dataset, path string) error {
	stats, err := r.reader.HourlyProfile(ctx)
	if err != nil {
		return fmt.Errorf("failed to read hourly profile: %w", err)
	}

	prices := make(map[string]plotter.XYs)
	volumes := make(map[string]plotter.Values)
	for _, s := range stats {
		if s.Hour < 0 || s.Hour > 23 {
			continue
		}
		prices[s.Product] = append(prices[s.Product], plotter.XY{X: float64(s.Hour), Y: s.AvgPrice})
		if volumes[s.Product] == nil {
			volumes[s.Product] = make(plotter.Values, 24)
		}
		volumes[s.Product][s.Hour] = s.AvgVolume
	}

	pricePlot := plot.New()
	pricePlot.Title.Text = "24-Hour Trading Pattern: Average Price by Hour"
	pricePlot.X.Label.Text = "Hour of Day (UTC)"
	pricePlot.Y.Label.Text = "Average Price ($)"
	pricePlot.Add(plotter.NewGrid())
	pricePlot.Legend.Top = true

	volumePlot := plot.New()
	volumePlot.Title.Text = "24-Hour Trading Pattern: Average Volume by Hour"
	volumePlot.X.Label.Text = "Hour of Day (UTC)"
	volumePlot.Y.Label.Text = "Average Volume"
	volumePlot.Legend.Top = true

	barWidth := vg.Points(8)
	n := len(data.products)
	for i, product := range data.products {
		c := productColor(product, i)
		if xys := prices[product]; len(xys) > 0 {
			if _, err := addLine(pricePlot, product, xys, c, 2); err != nil {
				return err
			}
		}
		if vs := volumes[product]; vs != nil {
			bars, err := plotter.NewBarChart(vs, barWidth)
			if err != nil {
				return err
			}
			bars.Color = withAlpha(c, 200)
			bars.LineStyle.Width = 0
			bars.Offset = barWidth * vg.Length(2*i-(n-1)) / 2
			volumePlot.Add(bars)
			volumePlot.Legend.Add(product, bars)
		}
	}

	hours := make([]string, 24)
	for h := range hours {
		hours[h] = fmt.Sprintf("%02d", h)
	}
	volumePlot.NominalX(hours...)

	return savePanels(path, r.width, r.height*1.6, pricePlot, volumePlot)
}
