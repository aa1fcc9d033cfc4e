package upstream

import (
	"time"

	"github.com/candlevault/candlevault/internal/models"
)

// candleEnvelope is the wire shape of the provider's aggregate endpoints.
// Timestamps arrive as millisecond epochs.
type candleEnvelope struct {
	Status         string       `json:"status"`
	Symbol         string       `json:"symbol"`
	Results        []wireCandle `json:"results"`
	QuotaRemaining int          `json:"quota_remaining"`
}

type wireCandle struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

func (w wireCandle) toRaw(symbol string) models.RawCandle {
	return models.RawCandle{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(w.Timestamp).UTC(),
		Open:      w.Open,
		High:      w.High,
		Low:       w.Low,
		Close:     w.Close,
		Volume:    w.Volume,
	}
}

type dividendEnvelope struct {
	Status         string         `json:"status"`
	Results        []wireDividend `json:"results"`
	QuotaRemaining int            `json:"quota_remaining"`
}

type wireDividend struct {
	ExDate      string  `json:"ex_dividend_date"`
	PayDate     string  `json:"pay_date"`
	CashAmount  float64 `json:"cash_amount"`
	DeclaredAt  string  `json:"declaration_date"`
	Frequency   int     `json:"frequency"`
	Description string  `json:"description"`
}

type splitEnvelope struct {
	Status         string      `json:"status"`
	Results        []wireSplit `json:"results"`
	QuotaRemaining int         `json:"quota_remaining"`
}

type wireSplit struct {
	ExecutionDate string  `json:"execution_date"`
	SplitFrom     float64 `json:"split_from"`
	SplitTo       float64 `json:"split_to"`
}

type earningsEnvelope struct {
	Status         string         `json:"status"`
	Results        []wireEarnings `json:"results"`
	QuotaRemaining int            `json:"quota_remaining"`
}

type wireEarnings struct {
	PeriodEnd    string  `json:"fiscal_period_end"`
	ReportedAt   string  `json:"report_date"`
	EPSEstimate  float64 `json:"eps_estimate"`
	EPSActual    float64 `json:"eps_actual"`
	RevenueUSD   float64 `json:"revenue"`
	FiscalPeriod string  `json:"fiscal_period"`
}

type optionsEnvelope struct {
	Status         string         `json:"status"`
	Results        []wireContract `json:"results"`
	QuotaRemaining int            `json:"quota_remaining"`
}

type wireContract struct {
	Ticker       string  `json:"ticker"`
	Type         string  `json:"contract_type"`
	Strike       float64 `json:"strike_price"`
	Expiration   string  `json:"expiration_date"`
	OpenInterest int64   `json:"open_interest"`
	ImpliedVol   float64 `json:"implied_volatility"`
}

// parseDay parses the provider's YYYY-MM-DD date fields. A missing or
// malformed field yields the zero time rather than failing the record.
func parseDay(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
