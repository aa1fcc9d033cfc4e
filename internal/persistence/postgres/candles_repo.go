package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlevault/candlevault/internal/models"
)

type candleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandleRepo builds the PostgreSQL candle repository.
func NewCandleRepo(db *sqlx.DB, timeout time.Duration) *candleRepo {
	return &candleRepo{db: db, timeout: timeout}
}

const upsertCandleSQL = `
	INSERT INTO candles (
		symbol, timeframe, ts, asset_class,
		open, high, low, close, volume, source,
		validated, quality_score, validation_notes, gap_detected, volume_anomaly, ingested_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		source = EXCLUDED.source,
		validated = EXCLUDED.validated,
		quality_score = EXCLUDED.quality_score,
		validation_notes = EXCLUDED.validation_notes,
		gap_detected = EXCLUDED.gap_detected,
		volume_anomaly = EXCLUDED.volume_anomaly,
		ingested_at = EXCLUDED.ingested_at`

// UpsertCandles writes the batch in a single transaction. Either the whole
// batch commits or none of it does.
func (r *candleRepo) UpsertCandles(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, mapError(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return 0, mapError(err)
	}
	defer stmt.Close()

	touched := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx,
			c.Symbol, string(c.Timeframe), c.Timestamp, string(c.AssetClass),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Source,
			c.Validated, c.QualityScore, c.ValidationNotes, c.GapDetected, c.VolumeAnomaly, c.IngestedAt)
		if err != nil {
			return 0, mapError(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			touched += int(n)
		} else {
			touched++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, mapError(err)
	}
	return touched, nil
}

// FindGaps diffs the business-day calendar against the days that have at
// least one stored candle, and groups the missing days into ordered ranges.
func (r *candleRepo) FindGaps(ctx context.Context, symbol string, class models.AssetClass, tf models.Timeframe, start, end time.Time) ([]models.DateRange, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	startDay := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	if endDay.Before(startDay) {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT date_trunc('day', ts) AS day
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4
		ORDER BY day`,
		symbol, string(tf), startDay, endDay.Add(24*time.Hour))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	present := make(map[time.Time]bool)
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, mapError(err)
		}
		present[day.UTC()] = true
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	var gaps []models.DateRange
	var open *models.DateRange

	for day := startDay; !day.After(endDay); day = day.Add(24 * time.Hour) {
		if !isBusinessDay(day, class) {
			continue
		}
		if present[day] {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &models.DateRange{Start: day, End: day}
		} else {
			open.End = day
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps, nil
}

// isBusinessDay applies the per-asset-class trading calendar.
func isBusinessDay(day time.Time, class models.AssetClass) bool {
	if class.TradesWeekends() {
		return true
	}
	wd := day.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// GetSymbolStats summarizes stored rows for one symbol across timeframes.
func (r *candleRepo) GetSymbolStats(ctx context.Context, symbol string) (models.SymbolStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stats := models.SymbolStats{Symbol: symbol}

	var first, last sql.NullTime
	var validated int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE validated),
		       COUNT(*) FILTER (WHERE gap_detected),
		       MIN(ts), MAX(ts)
		FROM candles
		WHERE symbol = $1`,
		symbol).Scan(&stats.RecordCount, &validated, &stats.GapsDetected, &first, &last)
	if err != nil {
		return stats, mapError(err)
	}

	if stats.RecordCount > 0 {
		stats.ValidationRate = float64(validated) / float64(stats.RecordCount)
	}
	if first.Valid {
		t := first.Time.UTC()
		stats.FirstTimestamp = &t
	}
	if last.Valid {
		t := last.Time.UTC()
		stats.LastTimestamp = &t
	}
	return stats, nil
}
