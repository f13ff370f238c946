// Package export writes stored candles to Snappy-compressed Parquet files.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/johnayoung/go-candle-etl/internal/models"
	"github.com/johnayoung/go-candle-etl/internal/storage"
)

const defaultRowGroupSize = 128 * 1024 * 1024

// candleRecord is the Parquet schema of an exported candle.
type candleRecord struct {
	Product        string  `parquet:"name=product, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp      int64   `parquet:"name=timestamp, type=INT64"`
	Datetime       int64   `parquet:"name=datetime, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open           float64 `parquet:"name=open, type=DOUBLE"`
	High           float64 `parquet:"name=high, type=DOUBLE"`
	Low            float64 `parquet:"name=low, type=DOUBLE"`
	Close          float64 `parquet:"name=close, type=DOUBLE"`
	Volume         float64 `parquet:"name=volume, type=DOUBLE"`
	AvgPrice       float64 `parquet:"name=avg_price, type=DOUBLE"`
	PriceChange    float64 `parquet:"name=price_change, type=DOUBLE"`
	PriceChangePct float64 `parquet:"name=price_change_pct, type=DOUBLE"`
}

func newCandleRecord(c models.EnrichedCandle) candleRecord {
	return candleRecord{
		Product:        c.Product,
		Timestamp:      c.Timestamp,
		Datetime:       c.Datetime.UTC().UnixMilli(),
		Open:           c.Open,
		High:           c.High,
		Low:            c.Low,
		Close:          c.Close,
		Volume:         c.Volume,
		AvgPrice:       c.AvgPrice,
		PriceChange:    c.PriceChange,
		PriceChangePct: c.PriceChangePct,
	}
}

// Request selects what to export. Empty Products exports every product;
// zero Start or End leaves that side of the range open.
type Request struct {
	Path     string
	Products []string
	Start    time.Time
	End      time.Time
}

// ParquetExporter copies stored candles into Parquet files.
type ParquetExporter struct {
	reader storage.Reader
	logger *slog.Logger
}

// NewParquetExporter creates an exporter reading through reader.
func NewParquetExporter(reader storage.Reader, logger *slog.Logger) *ParquetExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParquetExporter{reader: reader, logger: logger.With("component", "parquet_exporter")}
}

// Export writes the selected rows in ascending timestamp order and returns
// how many were written. A failed export leaves no file behind.
func (e *ParquetExporter) Export(ctx context.Context, req Request) (int64, error) {
	if req.Path == "" {
		return 0, fmt.Errorf("export path is required")
	}

	rows, err := e.collect(ctx, req)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	if err := writeParquet(req.Path, rows); err != nil {
		os.Remove(req.Path)
		return 0, err
	}

	e.logger.Info("exported candles", "path", req.Path, "rows", len(rows))
	return int64(len(rows)), nil
}

func (e *ParquetExporter) collect(ctx context.Context, req Request) ([]models.EnrichedCandle, error) {
	products := req.Products
	if len(products) == 0 {
		products = []string{""}
	}

	var rows []models.EnrichedCandle
	for _, product := range products {
		found, err := e.reader.Query(ctx, storage.QueryRequest{
			Product: product,
			Start:   req.Start,
			End:     req.End,
			OrderBy: storage.OrderAsc,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read candles for export: %w", err)
		}
		rows = append(rows, found...)
	}
	return rows, nil
}

func writeParquet(path string, rows []models.EnrichedCandle) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(candleRecord), 1)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.RowGroupSize = defaultRowGroupSize
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(newCandleRecord(row)); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return fw.Close()
}
