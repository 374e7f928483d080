package repository

import (
	"context"
	"fmt"
	"time"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CandleTable holds closed candles recorded from the live stream and
// candles imported by the backfill tool.
const CandleTable = "stream_candles"

const candleSchema = `
	CREATE TABLE IF NOT EXISTS stream_candles (
		symbol LowCardinality(String),
		interval_ms UInt32,
		open_time DateTime64(3),
		open Float64 CODEC(DoubleDelta, LZ4),
		high Float64 CODEC(DoubleDelta, LZ4),
		low Float64 CODEC(DoubleDelta, LZ4),
		close Float64 CODEC(DoubleDelta, LZ4),
		volume Float64 CODEC(Gorilla, ZSTD(1)),
		trade_count UInt32,
		source LowCardinality(String) DEFAULT 'live',
		updated_at DateTime DEFAULT now(),
		date Date MATERIALIZED toDate(open_time)
	)
	ENGINE = ReplacingMergeTree(updated_at)
	PARTITION BY (interval_ms, toYYYYMM(date))
	ORDER BY (symbol, interval_ms, open_time)
	TTL date + INTERVAL 2 YEAR
	SETTINGS index_granularity = 8192
`

type CandleRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewCandleRepository(clickhouse driver.Conn, logger *logrus.Logger) *CandleRepository {
	return &CandleRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// Migrate creates the candle table if it does not exist.
func (r *CandleRepository) Migrate(ctx context.Context) error {
	if err := r.clickhouse.Exec(ctx, candleSchema); err != nil {
		return fmt.Errorf("failed to create %s: %w", CandleTable, err)
	}
	if err := r.clickhouse.Exec(ctx,
		"ALTER TABLE stream_candles ADD INDEX IF NOT EXISTS symbol_idx (symbol) TYPE bloom_filter() GRANULARITY 1"); err != nil {
		r.logger.WithError(err).Warn("Failed to create symbol index")
	}
	return nil
}

// GetCandles returns closed candles for symbol and interval with
// start <= open_time < end, oldest first.
func (r *CandleRepository) GetCandles(ctx context.Context, symbol string, interval time.Duration, start, end time.Time, limit int) ([]models.Candle, error) {
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("select"))
	metrics.DatabaseQueries.WithLabelValues("select").Inc()

	query := `
		SELECT
			symbol, interval_ms, open_time,
			open, high, low, close,
			volume, trade_count
		FROM stream_candles FINAL
		WHERE symbol = ? AND interval_ms = ?`

	args := []interface{}{symbol, uint32(interval.Milliseconds())}

	if !start.IsZero() {
		query += " AND open_time >= ?"
		args = append(args, start)
	}

	if !end.IsZero() {
		query += " AND open_time < ?"
		args = append(args, end)
	}

	query += " ORDER BY open_time DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.clickhouse.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var candle models.Candle
		var intervalMs, tradeCount uint32
		var open, high, low, close, volume float64

		err := rows.Scan(
			&candle.Symbol, &intervalMs, &candle.OpenTime,
			&open, &high, &low, &close,
			&volume, &tradeCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}

		candle.Interval = time.Duration(intervalMs) * time.Millisecond
		candle.OpenTime = candle.OpenTime.UTC()
		candle.Open = decimal.NewFromFloat(open)
		candle.High = decimal.NewFromFloat(high)
		candle.Low = decimal.NewFromFloat(low)
		candle.Close = decimal.NewFromFloat(close)
		candle.Volume = decimal.NewFromFloat(volume)
		candle.TradeCount = int(tradeCount)
		candle.IsClosed = true

		candles = append(candles, candle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candles: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

// InsertCandles writes closed candles in one batch. Rewriting a candle with
// the same (symbol, interval, open time) replaces it on merge.
func (r *CandleRepository) InsertCandles(ctx context.Context, source string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("insert"))
	metrics.DatabaseQueries.WithLabelValues("insert").Inc()

	batch, err := r.clickhouse.PrepareBatch(ctx, `
		INSERT INTO stream_candles (
			symbol, interval_ms, open_time,
			open, high, low, close,
			volume, trade_count, source, updated_at
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for _, candle := range candles {
		open, _ := candle.Open.Float64()
		high, _ := candle.High.Float64()
		low, _ := candle.Low.Float64()
		close, _ := candle.Close.Float64()
		volume, _ := candle.Volume.Float64()

		err := batch.Append(
			candle.Symbol, uint32(candle.Interval.Milliseconds()), candle.OpenTime,
			open, high, low, close,
			volume, uint32(candle.TradeCount), source, now,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// GetStats retrieves candle statistics
func (r *CandleRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	query := `
		SELECT
			count() as total_candles,
			count(DISTINCT symbol) as total_symbols,
			min(open_time) as earliest_candle,
			max(open_time) as latest_candle
		FROM stream_candles`

	row := r.clickhouse.QueryRow(ctx, query)

	var totalCandles, totalSymbols uint64
	var earliest, latest time.Time

	err := row.Scan(&totalCandles, &totalSymbols, &earliest, &latest)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_candles":   totalCandles,
		"total_symbols":   totalSymbols,
		"earliest_candle": earliest,
		"latest_candle":   latest,
	}, nil
}
