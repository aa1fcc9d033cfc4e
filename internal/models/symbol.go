package models

import "time"

// BackfillStatus tracks per-symbol ingestion progress across jobs.
type BackfillStatus string

const (
	BackfillPending    BackfillStatus = "pending"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
)

// TrackedSymbol is one instrument in the active universe.
type TrackedSymbol struct {
	Symbol        string         `db:"symbol" json:"symbol"`
	AssetClass    AssetClass     `db:"asset_class" json:"asset_class"`
	Active        bool           `db:"active" json:"active"`
	Timeframes    []Timeframe    `json:"timeframes"`
	DateAdded     time.Time      `db:"date_added" json:"date_added"`
	LastBackfill  *time.Time     `db:"last_backfill" json:"last_backfill,omitempty"`
	Status        BackfillStatus `db:"backfill_status" json:"backfill_status"`
	BackfillError string         `db:"backfill_error" json:"backfill_error,omitempty"`
}

// SymbolStats summarizes stored data for one symbol.
type SymbolStats struct {
	Symbol         string     `json:"symbol"`
	RecordCount    int64      `json:"record_count"`
	FirstTimestamp *time.Time `json:"first_timestamp,omitempty"`
	LastTimestamp  *time.Time `json:"last_timestamp,omitempty"`
	ValidationRate float64    `json:"validation_rate"`
	GapsDetected   int64      `json:"gaps_detected"`
}

// SymbolSummary is the detailed per-symbol view exposed to the query side.
type SymbolSummary struct {
	TrackedSymbol
	Stats SymbolStats `json:"stats"`
}
