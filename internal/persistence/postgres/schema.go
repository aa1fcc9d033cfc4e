package postgres

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// schemaDDL is idempotent: every statement is IF NOT EXISTS. The candle
// table carries CHECK constraints mirroring the validator's hard rules, but
// only for rows marked validated: candles that fail a hard check are still
// stored with validated=false, so the quality constraints must not reject
// them. A validator bug can therefore corrupt quality flags, never a row
// that claims to be validated.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		symbol            TEXT        NOT NULL,
		timeframe         TEXT        NOT NULL,
		ts                TIMESTAMPTZ NOT NULL,
		asset_class       TEXT        NOT NULL,
		open              DOUBLE PRECISION NOT NULL,
		high              DOUBLE PRECISION NOT NULL,
		low               DOUBLE PRECISION NOT NULL,
		close             DOUBLE PRECISION NOT NULL,
		volume            BIGINT      NOT NULL,
		source            TEXT        NOT NULL DEFAULT '',
		validated         BOOLEAN     NOT NULL DEFAULT FALSE,
		quality_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
		validation_notes  TEXT        NOT NULL DEFAULT '',
		gap_detected      BOOLEAN     NOT NULL DEFAULT FALSE,
		volume_anomaly    BOOLEAN     NOT NULL DEFAULT FALSE,
		ingested_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, timeframe, ts),
		CONSTRAINT candles_prices_positive CHECK (NOT validated OR (open > 0 AND high > 0 AND low > 0 AND close > 0)),
		CONSTRAINT candles_volume_nonneg   CHECK (NOT validated OR volume >= 0),
		CONSTRAINT candles_high_bound      CHECK (NOT validated OR (high >= open AND high >= close)),
		CONSTRAINT candles_low_bound       CHECK (NOT validated OR (low <= open AND low <= close)),
		CONSTRAINT candles_timeframe_set   CHECK (timeframe IN ('5m','15m','30m','1h','4h','1d','1w'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candles_symbol_ts ON candles (symbol, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS tracked_symbols (
		symbol          TEXT        PRIMARY KEY,
		asset_class     TEXT        NOT NULL,
		active          BOOLEAN     NOT NULL DEFAULT TRUE,
		timeframes      TEXT[]      NOT NULL,
		date_added      TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_backfill   TIMESTAMPTZ,
		backfill_status TEXT        NOT NULL DEFAULT 'pending',
		backfill_error  TEXT        NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS backfill_jobs (
		id                      TEXT        PRIMARY KEY,
		symbols                 TEXT[]      NOT NULL,
		timeframes              TEXT[]      NOT NULL,
		range_start             TIMESTAMPTZ NOT NULL,
		range_end               TIMESTAMPTZ NOT NULL,
		status                  TEXT        NOT NULL DEFAULT 'queued',
		progress_pct            DOUBLE PRECISION NOT NULL DEFAULT 0,
		symbols_completed       INT         NOT NULL DEFAULT 0,
		symbols_total           INT         NOT NULL DEFAULT 0,
		current_symbol          TEXT        NOT NULL DEFAULT '',
		total_records_inserted  BIGINT      NOT NULL DEFAULT 0,
		error                   TEXT        NOT NULL DEFAULT '',
		completeness            JSONB       NOT NULL DEFAULT '[]',
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at              TIMESTAMPTZ,
		completed_at            TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS backfill_job_details (
		job_id           TEXT        NOT NULL REFERENCES backfill_jobs(id),
		symbol           TEXT        NOT NULL,
		timeframe        TEXT        NOT NULL,
		range_start      TIMESTAMPTZ NOT NULL,
		range_end        TIMESTAMPTZ NOT NULL,
		status           TEXT        NOT NULL,
		records_fetched  INT         NOT NULL DEFAULT 0,
		records_inserted INT         NOT NULL DEFAULT 0,
		duration_ms      BIGINT      NOT NULL DEFAULT 0,
		error            TEXT        NOT NULL DEFAULT '',
		recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_details_job ON backfill_job_details (job_id)`,

	`CREATE TABLE IF NOT EXISTS upstream_audit_log (
		id               BIGSERIAL   PRIMARY KEY,
		symbol           TEXT        NOT NULL,
		timeframe        TEXT        NOT NULL DEFAULT '',
		endpoint         TEXT        NOT NULL,
		fetched_at       TIMESTAMPTZ NOT NULL,
		records_fetched  INT         NOT NULL DEFAULT 0,
		records_inserted INT         NOT NULL DEFAULT 0,
		records_updated  INT         NOT NULL DEFAULT 0,
		response_time_ms BIGINT      NOT NULL DEFAULT 0,
		success          BOOLEAN     NOT NULL,
		error            TEXT        NOT NULL DEFAULT '',
		quota_remaining  INT         NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS validation_log (
		id               BIGSERIAL   PRIMARY KEY,
		symbol           TEXT        NOT NULL,
		timeframe        TEXT        NOT NULL,
		total            INT         NOT NULL,
		passed           INT         NOT NULL,
		failed           INT         NOT NULL,
		gaps_detected    INT         NOT NULL,
		volume_anomalies INT         NOT NULL,
		average_score    DOUBLE PRECISION NOT NULL,
		validated_at     TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS dividends (
		symbol      TEXT        NOT NULL,
		ex_date     TIMESTAMPTZ NOT NULL,
		pay_date    TIMESTAMPTZ,
		cash_amount DOUBLE PRECISION NOT NULL,
		declared_at TIMESTAMPTZ,
		frequency   INT         NOT NULL DEFAULT 0,
		description TEXT        NOT NULL DEFAULT '',
		PRIMARY KEY (symbol, ex_date)
	)`,

	`CREATE TABLE IF NOT EXISTS splits (
		symbol         TEXT        NOT NULL,
		execution_date TIMESTAMPTZ NOT NULL,
		split_from     DOUBLE PRECISION NOT NULL,
		split_to       DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, execution_date)
	)`,

	`CREATE TABLE IF NOT EXISTS earnings (
		symbol        TEXT        NOT NULL,
		period_end    TIMESTAMPTZ NOT NULL,
		reported_at   TIMESTAMPTZ,
		eps_estimate  DOUBLE PRECISION NOT NULL DEFAULT 0,
		eps_actual    DOUBLE PRECISION NOT NULL DEFAULT 0,
		revenue_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
		fiscal_period TEXT        NOT NULL DEFAULT '',
		PRIMARY KEY (symbol, period_end)
	)`,
}

// migrator runs schema DDL under a per-process mutex so concurrent
// schema-missing recoveries cannot race each other.
type migrator struct {
	db *sqlx.DB
	mu sync.Mutex
}

// NewMigrator builds the schema migrator.
func NewMigrator(db *sqlx.DB) *migrator {
	return &migrator{db: db}
}

// EnsureSchema creates missing tables and indexes. Re-runs are no-ops.
func (m *migrator) EnsureSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stmt := range schemaDDL {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return mapError(err)
		}
	}
	log.Debug().Int("statements", len(schemaDDL)).Msg("Schema ensured")
	return nil
}
