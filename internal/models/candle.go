package models

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle bucket width. Only the values below are accepted.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// Timeframes is the closed set of supported bucket widths, ordered by width.
var Timeframes = []Timeframe{
	Timeframe5m, Timeframe15m, Timeframe30m,
	Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w,
}

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
}

// ParseTimeframe validates a timeframe string against the closed set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe: %q", s)
	}
	return tf, nil
}

// Valid reports whether tf belongs to the closed set.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the bucket width, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Aligned reports whether ts sits on a bucket boundary for tf.
// Weekly buckets align to Monday 00:00 UTC.
func (tf Timeframe) Aligned(ts time.Time) bool {
	ts = ts.UTC()
	if tf == Timeframe1w {
		return ts.Weekday() == time.Monday && ts.Hour() == 0 && ts.Minute() == 0 && ts.Second() == 0 && ts.Nanosecond() == 0
	}
	d := timeframeDurations[tf]
	if d == 0 {
		return false
	}
	return ts.Equal(ts.Truncate(d))
}

// AssetClass partitions symbols by instrument type; it selects the
// upstream route and the business-day calendar.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetCrypto AssetClass = "crypto"
	AssetETF    AssetClass = "etf"
)

// Valid reports whether ac is a known asset class.
func (ac AssetClass) Valid() bool {
	switch ac {
	case AssetStock, AssetCrypto, AssetETF:
		return true
	}
	return false
}

// TradesWeekends reports whether the asset class trades seven days a week.
func (ac AssetClass) TradesWeekends() bool {
	return ac == AssetCrypto
}

// RawCandle is one OHLCV observation as returned by the upstream provider,
// before validation.
type RawCandle struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Candle is a validated OHLCV observation ready for persistence.
// Identity is (Symbol, Timeframe, Timestamp).
type Candle struct {
	Symbol     string     `db:"symbol" json:"symbol"`
	AssetClass AssetClass `db:"asset_class" json:"asset_class"`
	Timeframe  Timeframe  `db:"timeframe" json:"timeframe"`
	Timestamp  time.Time  `db:"ts" json:"timestamp"`
	Open       float64    `db:"open" json:"open"`
	High       float64    `db:"high" json:"high"`
	Low        float64    `db:"low" json:"low"`
	Close      float64    `db:"close" json:"close"`
	Volume     int64      `db:"volume" json:"volume"`
	Source     string     `db:"source" json:"source"`
	IngestedAt time.Time  `db:"ingested_at" json:"ingested_at"`

	Validated       bool    `db:"validated" json:"validated"`
	QualityScore    float64 `db:"quality_score" json:"quality_score"`
	ValidationNotes string  `db:"validation_notes" json:"validation_notes,omitempty"`
	GapDetected     bool    `db:"gap_detected" json:"gap_detected"`
	VolumeAnomaly   bool    `db:"volume_anomaly" json:"volume_anomaly"`
}

// DateRange is an inclusive [Start, End] window of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar days the range spans, inclusive.
func (r DateRange) Days() int {
	start := r.Start.UTC().Truncate(24 * time.Hour)
	end := r.End.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}
