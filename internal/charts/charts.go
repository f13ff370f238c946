// Package charts renders PNG charts from stored candles using gonum/plot.
//
// Charts come in two sets. The required set plots hourly volume and average
// price; the additional set plots volatility, price change trends and the
// 24-hour pattern. All data is read through storage.Reader, and an empty
// table or product is skipped with a warning rather than an error.
package charts

import (
	"context"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/johnayoung/go-candle-etl/internal/config"
	"github.com/johnayoung/go-candle-etl/internal/models"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

// Chart file names.
const (
	HourlyVolumeFile      = "hourly_volume.png"
	AvgPriceFile          = "avg_price.png"
	PriceVolatilityFile   = "price_volatility.png"
	PriceChangeTrendsFile = "price_change_trends.png"
	HourPatternFile       = "24hour_pattern.png"
)

// Brand colors for well-known products.
var productColors = map[string]string{
	"BTC-USD": "#F7931A",
	"ETH-USD": "#627EEA",
}

// chart renders one file from the loaded data.
type chart struct {
	file   string
	render func(r *Renderer, ctx context.Context, data *dataset, path string) error
}

var requiredCharts = []chart{
	{HourlyVolumeFile, (*Renderer).renderHourlyVolume},
	{AvgPriceFile, (*Renderer).renderAvgPrice},
}

var additionalCharts = []chart{
	{PriceVolatilityFile, (*Renderer).renderPriceVolatility},
	{PriceChangeTrendsFile, (*Renderer).renderPriceChangeTrends},
	{HourPatternFile, (*Renderer).renderHourPattern},
}

// Renderer writes chart PNGs into a directory.
type Renderer struct {
	reader   storage.Reader
	dir      string
	width    vg.Length
	height   vg.Length
	products []string
	logger   *slog.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithExpectedProducts makes the renderer warn about listed products that
// have no stored rows.
func WithExpectedProducts(products []string) Option {
	return func(r *Renderer) { r.products = products }
}

// NewRenderer creates a renderer from chart configuration.
func NewRenderer(reader storage.Reader, cfg config.ChartsConfig, logger *slog.Logger, opts ...Option) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = 12
	}
	if height <= 0 {
		height = 6
	}
	r := &Renderer{
		reader: reader,
		dir:    cfg.Dir,
		width:  vg.Length(width) * vg.Inch,
		height: vg.Length(height) * vg.Inch,
		logger: logger.With("component", "charts"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render writes the charts of set and returns the paths written.
func (r *Renderer) Render(ctx context.Context, set string) ([]string, error) {
	charts, err := chartsFor(set)
	if err != nil {
		return nil, err
	}

	data, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	if data.empty() {
		r.logger.Warn("no stored candles, skipping charts", "set", set)
		return nil, nil
	}
	for _, p := range r.products {
		if len(data.series[p]) == 0 {
			r.logger.Warn("no stored candles for product, leaving it out of charts", "product", p)
		}
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create charts directory: %w", err)
	}

	var written []string
	for _, c := range charts {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		path := filepath.Join(r.dir, c.file)
		if err := c.render(r, ctx, data, path); err != nil {
			return written, fmt.Errorf("failed to render %s: %w", c.file, err)
		}
		r.logger.Info("chart saved", "path", path)
		written = append(written, path)
	}
	return written, nil
}

func chartsFor(set string) ([]chart, error) {
	switch set {
	case config.ChartSetRequired:
		return requiredCharts, nil
	case config.ChartSetAdditional:
		return additionalCharts, nil
	case config.ChartSetAll, "":
		all := make([]chart, 0, len(requiredCharts)+len(additionalCharts))
		all = append(all, requiredCharts...)
		return append(all, additionalCharts...), nil
	default:
		return nil, fmt.Errorf("unknown chart set %q, expected required, additional or all", set)
	}
}

// dataset is every stored row grouped by product, oldest first.
type dataset struct {
	products []string
	series   map[string][]models.EnrichedCandle
}

func (d *dataset) empty() bool {
	return len(d.products) == 0
}

func (r *Renderer) load(ctx context.Context) (*dataset, error) {
	rows, err := r.reader.Query(ctx, storage.QueryRequest{OrderBy: storage.OrderAsc})
	if err != nil {
		return nil, fmt.Errorf("failed to read candles: %w", err)
	}

	data := &dataset{series: make(map[string][]models.EnrichedCandle)}
	for _, row := range rows {
		if _, ok := data.series[row.Product]; !ok {
			data.products = append(data.products, row.Product)
		}
		data.series[row.Product] = append(data.series[row.Product], row)
	}
	sort.Strings(data.products)
	return data, nil
}

// productColor returns the brand color of product, or a palette color by index.
func productColor(product string, index int) color.Color {
	if hex, ok := productColors[product]; ok {
		if c, err := parseHexColor(hex); err == nil {
			return c
		}
	}
	return plotutil.Color(index)
}

func parseHexColor(hex string) (color.RGBA, error) {
	c := color.RGBA{A: 0xff}
	if len(hex) != 7 || hex[0] != '#' {
		return c, fmt.Errorf("invalid color %q", hex)
	}
	if _, err := fmt.Sscanf(hex[1:], "%02x%02x%02x", &c.R, &c.G, &c.B); err != nil {
		return c, fmt.Errorf("invalid color %q: %w", hex, err)
	}
	return c, nil
}

// withAlpha returns c with its alpha scaled to a (0..255).
func withAlpha(c color.Color, a uint8) color.Color {
	r, g, b, _ := c.RGBA()
	return color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: a}
}
