package charts

import (
	"fmt"
	"image/color"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

const dateFormat = "01/02"

// newTimePlot creates a plot whose X axis shows UTC dates.
func newTimePlot(title, yLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Date"
	p.Y.Label.Text = yLabel
	p.X.Tick.Marker = plot.TimeTicks{Format: dateFormat}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	return p
}

// seriesXYs maps candles to (unix seconds, value) points.
func seriesXYs(candles []models.EnrichedCandle, value func(models.EnrichedCandle) float64) plotter.XYs {
	xys := make(plotter.XYs, len(candles))
	for i, c := range candles {
		xys[i].X = float64(c.Timestamp)
		xys[i].Y = value(c)
	}
	return xys
}

func addLine(p *plot.Plot, label string, xys plotter.XYs, c color.Color, width float64) (*plotter.Line, error) {
	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, err
	}
	line.Color = c
	line.Width = vg.Points(width)
	p.Add(line)
	if label != "" {
		p.Legend.Add(label, line)
	}
	return line, nil
}

// addZeroLine draws a dashed horizontal line at y = 0.
func addZeroLine(p *plot.Plot) {
	zero := plotter.NewFunction(func(float64) float64 { return 0 })
	zero.Color = color.Black
	zero.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	zero.Width = vg.Points(0.75)
	p.Add(zero)
}

// band fills the area between lower and upper, which must share X values.
func band(lower, upper plotter.XYs, c color.Color) (*plotter.Polygon, error) {
	outline := make(plotter.XYs, 0, len(lower)+len(upper))
	outline = append(outline, lower...)
	for i := len(upper) - 1; i >= 0; i-- {
		outline = append(outline, upper[i])
	}
	poly, err := plotter.NewPolygon(outline)
	if err != nil {
		return nil, err
	}
	poly.Color = c
	poly.LineStyle.Width = 0
	return poly, nil
}

// savePanels stacks plots vertically into one PNG.
func savePanels(path string, width, height vg.Length, panels ...*plot.Plot) error {
	if len(panels) == 1 {
		return panels[0].Save(width, height, path)
	}

	img := vgimg.New(width, height)
	dc := draw.New(img)

	grid := make([][]*plot.Plot, len(panels))
	for i, p := range panels {
		grid[i] = []*plot.Plot{p}
	}
	tiles := draw.Tiles{
		Rows:      len(panels),
		Cols:      1,
		PadY:      vg.Points(16),
		PadTop:    vg.Points(6),
		PadBottom: vg.Points(6),
		PadLeft:   vg.Points(6),
		PadRight:  vg.Points(12),
	}
	canvases := plot.Align(grid, tiles, dc)
	for i, p := range panels {
		p.Draw(canvases[i][0])
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return f.Close()
}
