// Package persistence defines the storage contract for the candle warehouse.
// Implementations live in subpackages; the orchestrator depends only on
// these interfaces.
package persistence

import (
	"context"
	"time"

	"github.com/candlevault/candlevault/internal/models"
)

// CandleRepo persists validated candles and answers gap queries.
type CandleRepo interface {
	// UpsertCandles writes a batch for a single (symbol, timeframe) in one
	// transaction, replacing value columns on identity conflicts. Returns
	// the number of rows touched. Idempotent.
	UpsertCandles(ctx context.Context, candles []models.Candle) (int, error)

	// FindGaps returns ordered business-day subranges of [start, end] with
	// no candle stored for (symbol, timeframe). The business-day calendar
	// follows the asset class: crypto trades every day, stocks and ETFs
	// Monday through Friday.
	FindGaps(ctx context.Context, symbol string, class models.AssetClass, tf models.Timeframe, start, end time.Time) ([]models.DateRange, error)

	// GetSymbolStats summarizes stored rows for one symbol.
	GetSymbolStats(ctx context.Context, symbol string) (models.SymbolStats, error)
}

// SymbolRepo is the tracked-symbol universe store.
type SymbolRepo interface {
	// ListActive returns active symbols ordered by symbol, with configured
	// timeframes filtered to the closed set.
	ListActive(ctx context.Context) ([]models.TrackedSymbol, error)

	// UpsertSymbol creates or updates a tracked symbol (admin path).
	UpsertSymbol(ctx context.Context, sym models.TrackedSymbol) error

	// UpdateSymbolStatus atomically writes status, error message (cleared
	// on nil), and the last-backfill timestamp.
	UpdateSymbolStatus(ctx context.Context, symbol string, status models.BackfillStatus, errMsg *string) error

	// GetSymbolsDetailed returns the per-symbol summary used by the query
	// side.
	GetSymbolsDetailed(ctx context.Context) ([]models.SymbolSummary, error)
}

// JobRepo durably records backfill jobs so they survive a restart.
type JobRepo interface {
	CreateJob(ctx context.Context, job models.BackfillJob) error
	UpdateJobProgress(ctx context.Context, jobID string, progressPct float64, symbolsCompleted int, currentSymbol string, recordsInserted int64) error
	FinishJob(ctx context.Context, jobID string, status models.JobStatus, errMsg string, completeness []models.CompletenessEntry) error
	AppendJobDetail(ctx context.Context, detail models.JobProgressEntry) error
	GetJob(ctx context.Context, jobID string) (models.BackfillJob, error)
}

// AuditRepo is the append-only record of upstream-call and validation
// outcomes. Written by the engine, read only by operators.
type AuditRepo interface {
	AppendAuditEntry(ctx context.Context, entry models.AuditEntry) error
	AppendValidationLog(ctx context.Context, symbol string, tf models.Timeframe, summary ValidationLogEntry) error
}

// EnrichmentRepo stores corporate-action and derivatives data fetched from
// the enrichment endpoints. Best effort; never on the OHLCV critical path.
type EnrichmentRepo interface {
	UpsertDividends(ctx context.Context, rows []models.Dividend) error
	UpsertSplits(ctx context.Context, rows []models.Split) error
	UpsertEarnings(ctx context.Context, rows []models.Earnings) error
}

// ValidationLogEntry is one appended validation summary.
type ValidationLogEntry struct {
	Total           int       `json:"total"`
	Passed          int       `json:"passed"`
	Failed          int       `json:"failed"`
	GapsDetected    int       `json:"gaps_detected"`
	VolumeAnomalies int       `json:"volume_anomalies"`
	AverageScore    float64   `json:"average_score"`
	ValidatedAt     time.Time `json:"validated_at"`
}

// Migrator owns schema lifecycle.
type Migrator interface {
	// EnsureSchema creates missing tables and indexes. Idempotent;
	// safe to call at startup and after a schema-missing error.
	EnsureSchema(ctx context.Context) error
}

// Repository bundles the storage interfaces handed to the orchestrator.
type Repository struct {
	Candles    CandleRepo
	Symbols    SymbolRepo
	Jobs       JobRepo
	Audit      AuditRepo
	Enrichment EnrichmentRepo
	Migrator   Migrator
}
