package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/persistence"
)

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo builds the append-only audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) *auditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

// AppendAuditEntry records one upstream-call outcome. Append-only.
func (r *auditRepo) AppendAuditEntry(ctx context.Context, e models.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upstream_audit_log
			(symbol, timeframe, endpoint, fetched_at, records_fetched, records_inserted,
			 records_updated, response_time_ms, success, error, quota_remaining)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Symbol, string(e.Timeframe), e.Endpoint, e.FetchedAt, e.RecordsFetched,
		e.RecordsInserted, e.RecordsUpdated, e.ResponseTime.Milliseconds(),
		e.Success, e.Error, e.QuotaRemaining)
	return mapError(err)
}

// AppendValidationLog records one per-batch validation summary. Append-only.
func (r *auditRepo) AppendValidationLog(ctx context.Context, symbol string, tf models.Timeframe, s persistence.ValidationLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO validation_log
			(symbol, timeframe, total, passed, failed, gaps_detected, volume_anomalies, average_score, validated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		symbol, string(tf), s.Total, s.Passed, s.Failed,
		s.GapsDetected, s.VolumeAnomalies, s.AverageScore, s.ValidatedAt)
	return mapError(err)
}
