package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlevault/candlevault/internal/models"
)

type jobRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJobRepo builds the PostgreSQL backfill-job repository.
func NewJobRepo(db *sqlx.DB, timeout time.Duration) *jobRepo {
	return &jobRepo{db: db, timeout: timeout}
}

// CreateJob inserts the durable job record in queued state.
func (r *jobRepo) CreateJob(ctx context.Context, job models.BackfillJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tfs := make([]string, len(job.Timeframes))
	for i, tf := range job.Timeframes {
		tfs[i] = string(tf)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backfill_jobs (id, symbols, timeframes, range_start, range_end, status, symbols_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, pq.Array(job.Symbols), pq.Array(tfs),
		job.Range.Start, job.Range.End, string(job.Status), job.SymbolsTotal, job.CreatedAt)
	return mapError(err)
}

// UpdateJobProgress coalesces progress into a single row update; the
// orchestrator calls it no finer than once per unit transition.
func (r *jobRepo) UpdateJobProgress(ctx context.Context, jobID string, progressPct float64, symbolsCompleted int, currentSymbol string, recordsInserted int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = 'running',
		    progress_pct = $2,
		    symbols_completed = $3,
		    current_symbol = $4,
		    total_records_inserted = $5,
		    started_at = COALESCE(started_at, now())
		WHERE id = $1`,
		jobID, progressPct, symbolsCompleted, currentSymbol, recordsInserted)
	return mapError(err)
}

// FinishJob records the terminal status and the completeness matrix.
func (r *jobRepo) FinishJob(ctx context.Context, jobID string, status models.JobStatus, errMsg string, completeness []models.CompletenessEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if completeness == nil {
		completeness = []models.CompletenessEntry{}
	}
	matrix, err := json.Marshal(completeness)
	if err != nil {
		return models.WrapKind(models.ErrStorageIntegrity, err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = $2, error = $3, completeness = $4, completed_at = now(),
		    progress_pct = CASE WHEN $2 = 'completed' THEN 100 ELSE progress_pct END,
		    current_symbol = ''
		WHERE id = $1`,
		jobID, string(status), errMsg, matrix)
	return mapError(err)
}

// AppendJobDetail records one work unit outcome.
func (r *jobRepo) AppendJobDetail(ctx context.Context, d models.JobProgressEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backfill_job_details
			(job_id, symbol, timeframe, range_start, range_end, status, records_fetched, records_inserted, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.JobID, d.Symbol, string(d.Timeframe), d.Range.Start, d.Range.End,
		string(d.Status), d.RecordsFetched, d.RecordsInserted, d.Duration.Milliseconds(), d.Error)
	return mapError(err)
}

// GetJob loads the job record with its unit details.
func (r *jobRepo) GetJob(ctx context.Context, jobID string) (models.BackfillJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var job models.BackfillJob
	var symbols, tfs pq.StringArray
	var matrix []byte
	var startedAt, completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, symbols, timeframes, range_start, range_end, status, progress_pct,
		       symbols_completed, symbols_total, current_symbol, total_records_inserted,
		       error, completeness, created_at, started_at, completed_at
		FROM backfill_jobs
		WHERE id = $1`,
		jobID).Scan(&job.ID, &symbols, &tfs, &job.Range.Start, &job.Range.End, &job.Status,
		&job.ProgressPct, &job.SymbolsCompleted, &job.SymbolsTotal, &job.CurrentSymbol,
		&job.TotalRecordsInserted, &job.Error, &matrix, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return job, err
		}
		return job, mapError(err)
	}

	job.Symbols = symbols
	for _, s := range tfs {
		if tf, err := models.ParseTimeframe(s); err == nil {
			job.Timeframes = append(job.Timeframes, tf)
		}
	}
	if len(matrix) > 0 {
		if err := json.Unmarshal(matrix, &job.Completeness); err != nil {
			return job, models.WrapKind(models.ErrStorageIntegrity, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	details, err := r.jobDetails(ctx, jobID)
	if err != nil {
		return job, err
	}
	job.Details = details
	return job, nil
}

func (r *jobRepo) jobDetails(ctx context.Context, jobID string) ([]models.JobProgressEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, symbol, timeframe, range_start, range_end, status,
		       records_fetched, records_inserted, duration_ms, error
		FROM backfill_job_details
		WHERE job_id = $1
		ORDER BY recorded_at`,
		jobID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.JobProgressEntry
	for rows.Next() {
		var d models.JobProgressEntry
		var durationMS int64
		if err := rows.Scan(&d.JobID, &d.Symbol, &d.Timeframe, &d.Range.Start, &d.Range.End,
			&d.Status, &d.RecordsFetched, &d.RecordsInserted, &durationMS, &d.Error); err != nil {
			return nil, mapError(err)
		}
		d.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}
