package models

import "time"

// JobStatus is the per-job state machine: queued -> running -> completed|failed.
// Terminal states are never left. failed means the job itself could not run;
// individual unit failures never fail the job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// UnitStatus is the per-(symbol, timeframe, sub-range) state machine.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
)

// BackfillRequest describes a job submission. Empty Symbols means all
// active symbols; empty Timeframes means each symbol's configured set.
type BackfillRequest struct {
	Symbols    []string    `json:"symbols,omitempty"`
	Timeframes []Timeframe `json:"timeframes,omitempty"`
	Range      DateRange   `json:"range"`
}

// BackfillJob is the durable job record.
type BackfillJob struct {
	ID                   string      `db:"id" json:"job_id"`
	Symbols              []string    `json:"symbols"`
	Timeframes           []Timeframe `json:"timeframes"`
	Range                DateRange   `json:"range"`
	Status               JobStatus   `db:"status" json:"status"`
	ProgressPct          float64     `db:"progress_pct" json:"progress_pct"`
	SymbolsCompleted     int         `db:"symbols_completed" json:"symbols_completed"`
	SymbolsTotal         int         `db:"symbols_total" json:"symbols_total"`
	CurrentSymbol        string      `db:"current_symbol" json:"current_symbol,omitempty"`
	TotalRecordsInserted int64       `db:"total_records_inserted" json:"total_records_inserted"`
	Error                string      `db:"error" json:"error,omitempty"`
	CreatedAt            time.Time   `db:"created_at" json:"created_at"`
	StartedAt            *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time  `db:"completed_at" json:"completed_at,omitempty"`

	Details      []JobProgressEntry  `json:"details,omitempty"`
	Completeness []CompletenessEntry `json:"completeness,omitempty"`
}

// JobProgressEntry records one work unit's outcome.
// Identity is (JobID, Symbol, Timeframe, Range.Start).
type JobProgressEntry struct {
	JobID           string        `db:"job_id" json:"job_id"`
	Symbol          string        `db:"symbol" json:"symbol"`
	Timeframe       Timeframe     `db:"timeframe" json:"timeframe"`
	Range           DateRange     `json:"range"`
	Status          UnitStatus    `db:"status" json:"status"`
	RecordsFetched  int           `db:"records_fetched" json:"records_fetched"`
	RecordsInserted int           `db:"records_inserted" json:"records_inserted"`
	Duration        time.Duration `db:"duration" json:"duration"`
	Error           string        `db:"error" json:"error,omitempty"`
}

// CompletenessEntry is one row of the per-job completeness matrix.
type CompletenessEntry struct {
	Symbol       string    `json:"symbol"`
	Timeframe    Timeframe `json:"timeframe"`
	Complete     bool      `json:"complete"`
	GapsDetected int       `json:"gaps_detected"`
	GapsRetried  int       `json:"gaps_retried"`
	GapsFilled   int       `json:"gaps_filled"`
}

// AuditEntry is one immutable record of an upstream call outcome.
type AuditEntry struct {
	Symbol          string        `db:"symbol" json:"symbol"`
	Timeframe       Timeframe     `db:"timeframe" json:"timeframe"`
	Endpoint        string        `db:"endpoint" json:"endpoint"`
	FetchedAt       time.Time     `db:"fetched_at" json:"fetched_at"`
	RecordsFetched  int           `db:"records_fetched" json:"records_fetched"`
	RecordsInserted int           `db:"records_inserted" json:"records_inserted"`
	RecordsUpdated  int           `db:"records_updated" json:"records_updated"`
	ResponseTime    time.Duration `db:"response_time" json:"response_time"`
	Success         bool          `db:"success" json:"success"`
	Error           string        `db:"error" json:"error,omitempty"`
	QuotaRemaining  int           `db:"quota_remaining" json:"quota_remaining"`
}

// Dividend is one cash distribution record from the enrichment endpoints.
type Dividend struct {
	Symbol      string    `db:"symbol" json:"symbol"`
	ExDate      time.Time `db:"ex_date" json:"ex_date"`
	PayDate     time.Time `db:"pay_date" json:"pay_date"`
	CashAmount  float64   `db:"cash_amount" json:"cash_amount"`
	DeclaredAt  time.Time `db:"declared_at" json:"declared_at"`
	Frequency   int       `db:"frequency" json:"frequency"`
	Description string    `db:"description" json:"description,omitempty"`
}

// Split is one stock-split record.
type Split struct {
	Symbol        string    `db:"symbol" json:"symbol"`
	ExecutionDate time.Time `db:"execution_date" json:"execution_date"`
	SplitFrom     float64   `db:"split_from" json:"split_from"`
	SplitTo       float64   `db:"split_to" json:"split_to"`
}

// Earnings is one reported-earnings record.
type Earnings struct {
	Symbol       string    `db:"symbol" json:"symbol"`
	PeriodEnd    time.Time `db:"period_end" json:"period_end"`
	ReportedAt   time.Time `db:"reported_at" json:"reported_at"`
	EPSEstimate  float64   `db:"eps_estimate" json:"eps_estimate"`
	EPSActual    float64   `db:"eps_actual" json:"eps_actual"`
	RevenueUSD   float64   `db:"revenue_usd" json:"revenue_usd"`
	FiscalPeriod string    `db:"fiscal_period" json:"fiscal_period"`
}

// OptionsSnapshot is a point-in-time options chain summary.
type OptionsSnapshot struct {
	Symbol    string           `json:"symbol"`
	AsOf      time.Time        `json:"as_of"`
	Contracts []OptionContract `json:"contracts"`
}

// OptionContract is one contract within an options snapshot.
type OptionContract struct {
	Ticker       string    `json:"ticker"`
	Type         string    `json:"type"` // call|put
	Strike       float64   `json:"strike"`
	Expiration   time.Time `json:"expiration"`
	OpenInterest int64     `json:"open_interest"`
	ImpliedVol   float64   `json:"implied_vol"`
}
