package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-candle-etl/internal/gaps"
	"github.com/johnayoung/go-candle-etl/internal/models"
	"github.com/johnayoung/go-candle-etl/internal/pipeline"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

const displayPlaces = 2

// money rounds v to two places for display.
func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(displayPlaces)
}

// percent returns part/whole*100 rounded to two places, or "-" when whole is zero.
func percent(part, whole int64) string {
	if whole == 0 {
		return "-"
	}
	return decimal.NewFromInt(part).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(whole)).
		StringFixed(displayPlaces)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// printSummary prints the per-product counts, totals and stored row counts of a run.
func printSummary(w io.Writer, s *pipeline.Summary) {
	mode := "full refresh"
	if s.Incremental {
		mode = "incremental"
	}
	fmt.Fprintf(w, "Run %s (%s) finished in %s\n\n", s.RunID, mode, s.Duration().Round(time.Millisecond))

	tw := newTable(w)
	fmt.Fprintln(tw, "PRODUCT\tWINDOW\tFETCHED\tVALIDATED\tREJECTED\tREJECTED %\tUPSERTED")
	for _, ps := range s.Products {
		window := ps.Window.Reason
		if !ps.Window.Skip {
			window = fmt.Sprintf("%s .. %s", formatTime(ps.Window.Start), formatTime(ps.Window.End))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%d\n",
			ps.Product, window,
			ps.Counts.Fetched, ps.Counts.Validated, ps.Counts.Rejected,
			percent(ps.Counts.Rejected, ps.Counts.Fetched), ps.Counts.Upserted)
	}
	fmt.Fprintf(tw, "TOTAL\t\t%d\t%d\t%d\t%s\t%d\n",
		s.Totals.Fetched, s.Totals.Validated, s.Totals.Rejected,
		percent(s.Totals.Rejected, s.Totals.Fetched), s.Totals.Upserted)
	tw.Flush()

	for _, ps := range s.Products {
		for _, reason := range models.AllRejectionReasons {
			if n := ps.Rejections[reason]; n > 0 {
				fmt.Fprintf(w, "  %s rejected %d as %s\n", ps.Product, n, reason)
			}
		}
	}

	fmt.Fprintln(w, "\nStored rows:")
	tw = newTable(w)
	for _, p := range s.RowCountProducts() {
		fmt.Fprintf(tw, "  %s\t%d\n", p, s.RowCounts[p])
	}
	tw.Flush()
}

func printCharts(w io.Writer, dir string, written []string) {
	if len(written) == 0 {
		fmt.Fprintln(w, "No charts written: the candle table is empty")
		return
	}
	fmt.Fprintf(w, "Wrote %d charts to %s\n", len(written), dir)
	for _, path := range written {
		fmt.Fprintf(w, "  %s\n", path)
	}
}

// printStatus prints stored rows per product with coverage of the span
// between the first and last stored candle.
func printStatus(w io.Writer, stats []storage.ProductStats, granularity time.Duration) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No candles stored")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "PRODUCT\tROWS\tFIRST\tLAST\tLAST TIMESTAMP\tCOVERAGE %")
	for _, st := range stats {
		expected := int64(gaps.ExpectedBuckets(st.First, st.Last.Add(granularity), granularity))
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n",
			st.Product, st.Rows, formatTime(st.First), formatTime(st.Last),
			st.LastTimestamp, percent(st.Rows, expected))
	}
	tw.Flush()
}

func outputJSON(w io.Writer, candles []models.EnrichedCandle) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(candles)
}

var csvHeader = []string{
	"product", "timestamp", "datetime", "open", "high", "low", "close", "volume",
	"avg_price", "price_change", "price_change_pct",
}

func exact(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// outputCSV writes full-precision rows.
func outputCSV(w io.Writer, candles []models.EnrichedCandle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range candles {
		record := []string{
			c.Product,
			strconv.FormatInt(c.Timestamp, 10),
			formatTime(c.Datetime),
			exact(c.Open), exact(c.High), exact(c.Low), exact(c.Close), exact(c.Volume),
			exact(c.AvgPrice), exact(c.PriceChange), exact(c.PriceChangePct),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func outputTable(w io.Writer, product string, candles []models.EnrichedCandle) error {
	if len(candles) == 0 {
		fmt.Fprintf(w, "No candles stored for %s in the requested range\n", product)
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "DATETIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\tAVG\tCHANGE\tCHANGE %")
	for _, c := range candles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Datetime.UTC().Format("2006-01-02 15:04"),
			money(c.Open), money(c.High), money(c.Low), money(c.Close), money(c.Volume),
			money(c.AvgPrice), money(c.PriceChange), money(c.PriceChangePct))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d candles for %s\n", len(candles), product)
	return nil
}

func printGaps(w io.Writer, found []models.Gap, start, end time.Time) {
	if len(found) == 0 {
		fmt.Fprintf(w, "No gaps between %s and %s\n", formatTime(start), formatTime(end))
		return
	}
	fmt.Fprintf(w, "Found %d gaps (%d missing candles) between %s and %s\n\n",
		len(found), gaps.TotalMissing(found), formatTime(start), formatTime(end))
	tw := newTable(w)
	fmt.Fprintln(tw, "PRODUCT\tSTART\tEND\tMISSING\tPRIORITY")
	for _, g := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			g.Product, formatTime(g.Start), formatTime(g.End), g.MissingCandles(), g.PriorityString())
	}
	tw.Flush()
}

func printBackfill(w io.Writer, result *gaps.BackfillResult) {
	fmt.Fprintf(w, "\nBackfilled %d of %d gaps in %s: fetched %d, upserted %d, rejected %d\n",
		result.Filled, len(result.Gaps), result.Duration.Round(time.Millisecond),
		result.Totals.Fetched, result.Totals.Upserted, result.Totals.Rejected)
}
