package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlevault/candlevault/internal/models"
)

type symbolRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSymbolRepo builds the PostgreSQL tracked-symbol repository.
func NewSymbolRepo(db *sqlx.DB, timeout time.Duration) *symbolRepo {
	return &symbolRepo{db: db, timeout: timeout}
}

// ListActive returns the active universe ordered by symbol. Unknown
// timeframes stored in configuration are silently dropped.
func (r *symbolRepo) ListActive(ctx context.Context) ([]models.TrackedSymbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, asset_class, active, timeframes, date_added, last_backfill, backfill_status, backfill_error
		FROM tracked_symbols
		WHERE active
		ORDER BY symbol`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.TrackedSymbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSymbol(row rowScanner) (models.TrackedSymbol, error) {
	var sym models.TrackedSymbol
	var tfs pq.StringArray
	var lastBackfill *time.Time

	err := row.Scan(&sym.Symbol, &sym.AssetClass, &sym.Active, &tfs,
		&sym.DateAdded, &lastBackfill, &sym.Status, &sym.BackfillError)
	if err != nil {
		return sym, err
	}

	sym.LastBackfill = lastBackfill
	for _, s := range tfs {
		if tf, err := models.ParseTimeframe(s); err == nil {
			sym.Timeframes = append(sym.Timeframes, tf)
		}
	}
	return sym, nil
}

// UpsertSymbol creates or updates a tracked symbol. Symbols are normalized
// to uppercase at write.
func (r *symbolRepo) UpsertSymbol(ctx context.Context, sym models.TrackedSymbol) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tfs := make([]string, len(sym.Timeframes))
	for i, tf := range sym.Timeframes {
		tfs[i] = string(tf)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracked_symbols (symbol, asset_class, active, timeframes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol) DO UPDATE SET
			asset_class = EXCLUDED.asset_class,
			active = EXCLUDED.active,
			timeframes = EXCLUDED.timeframes`,
		strings.ToUpper(sym.Symbol), string(sym.AssetClass), sym.Active, pq.Array(tfs))
	return mapError(err)
}

// UpdateSymbolStatus atomically writes status, error, and last-backfill in
// one row update. A nil errMsg clears the stored error.
func (r *symbolRepo) UpdateSymbolStatus(ctx context.Context, symbol string, status models.BackfillStatus, errMsg *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg := ""
	if errMsg != nil {
		msg = *errMsg
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE tracked_symbols
		SET backfill_status = $2, backfill_error = $3, last_backfill = now()
		WHERE symbol = $1`,
		symbol, string(status), msg)
	return mapError(err)
}

// GetSymbolsDetailed joins the universe with per-symbol candle statistics.
func (r *symbolRepo) GetSymbolsDetailed(ctx context.Context) ([]models.SymbolSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT s.symbol, s.asset_class, s.active, s.timeframes, s.date_added,
		       s.last_backfill, s.backfill_status, s.backfill_error,
		       COALESCE(c.record_count, 0),
		       COALESCE(c.validated_count, 0),
		       COALESCE(c.gap_count, 0),
		       c.first_ts, c.last_ts
		FROM tracked_symbols s
		LEFT JOIN (
			SELECT symbol,
			       COUNT(*) AS record_count,
			       COUNT(*) FILTER (WHERE validated) AS validated_count,
			       COUNT(*) FILTER (WHERE gap_detected) AS gap_count,
			       MIN(ts) AS first_ts,
			       MAX(ts) AS last_ts
			FROM candles
			GROUP BY symbol
		) c ON c.symbol = s.symbol
		ORDER BY s.symbol`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.SymbolSummary
	for rows.Next() {
		var sum models.SymbolSummary
		var tfs pq.StringArray
		var lastBackfill, firstTS, lastTS *time.Time
		var validated int64

		err := rows.Scan(&sum.Symbol, &sum.AssetClass, &sum.Active, &tfs, &sum.DateAdded,
			&lastBackfill, &sum.Status, &sum.BackfillError,
			&sum.Stats.RecordCount, &validated, &sum.Stats.GapsDetected, &firstTS, &lastTS)
		if err != nil {
			return nil, mapError(err)
		}

		sum.LastBackfill = lastBackfill
		sum.Stats.Symbol = sum.Symbol
		sum.Stats.FirstTimestamp = firstTS
		sum.Stats.LastTimestamp = lastTS
		if sum.Stats.RecordCount > 0 {
			sum.Stats.ValidationRate = float64(validated) / float64(sum.Stats.RecordCount)
		}
		for _, s := range tfs {
			if tf, err := models.ParseTimeframe(s); err == nil {
				sum.Timeframes = append(sum.Timeframes, tf)
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}
