package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlevault/candlevault/internal/models"
)

type enrichmentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEnrichmentRepo builds the corporate-action repository.
func NewEnrichmentRepo(db *sqlx.DB, timeout time.Duration) *enrichmentRepo {
	return &enrichmentRepo{db: db, timeout: timeout}
}

// UpsertDividends replaces dividend rows keyed by (symbol, ex_date).
func (r *enrichmentRepo) UpsertDividends(ctx context.Context, rows []models.Dividend) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	for _, d := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dividends (symbol, ex_date, pay_date, cash_amount, declared_at, frequency, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (symbol, ex_date) DO UPDATE SET
				pay_date = EXCLUDED.pay_date,
				cash_amount = EXCLUDED.cash_amount,
				declared_at = EXCLUDED.declared_at,
				frequency = EXCLUDED.frequency,
				description = EXCLUDED.description`,
			d.Symbol, d.ExDate, d.PayDate, d.CashAmount, d.DeclaredAt, d.Frequency, d.Description)
		if err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}

// UpsertSplits replaces split rows keyed by (symbol, execution_date).
func (r *enrichmentRepo) UpsertSplits(ctx context.Context, rows []models.Split) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	for _, s := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO splits (symbol, execution_date, split_from, split_to)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (symbol, execution_date) DO UPDATE SET
				split_from = EXCLUDED.split_from,
				split_to = EXCLUDED.split_to`,
			s.Symbol, s.ExecutionDate, s.SplitFrom, s.SplitTo)
		if err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}

// UpsertEarnings replaces earnings rows keyed by (symbol, period_end).
func (r *enrichmentRepo) UpsertEarnings(ctx context.Context, rows []models.Earnings) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	for _, e := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO earnings (symbol, period_end, reported_at, eps_estimate, eps_actual, revenue_usd, fiscal_period)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (symbol, period_end) DO UPDATE SET
				reported_at = EXCLUDED.reported_at,
				eps_estimate = EXCLUDED.eps_estimate,
				eps_actual = EXCLUDED.eps_actual,
				revenue_usd = EXCLUDED.revenue_usd,
				fiscal_period = EXCLUDED.fiscal_period`,
			e.Symbol, e.PeriodEnd, e.ReportedAt, e.EPSEstimate, e.EPSActual, e.RevenueUSD, e.FiscalPeriod)
		if err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}
