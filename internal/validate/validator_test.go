package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func day(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func cleanCandle(ts time.Time, open, close float64, volume int64) models.RawCandle {
	high := open
	if close > open {
		high = close
	}
	low := open
	if close < open {
		low = close
	}
	return models.RawCandle{
		Timestamp: ts,
		Open:      open,
		High:      high * 1.005,
		Low:       low * 0.995,
		Close:     close,
		Volume:    volume,
	}
}

func TestBatch_CleanDailyBatch(t *testing.T) {
	raw := []models.RawCandle{
		cleanCandle(day(2024, 1, 2), 100, 101, 1000),
		cleanCandle(day(2024, 1, 3), 101, 102, 1100),
		cleanCandle(day(2024, 1, 4), 102, 101.5, 950),
		cleanCandle(day(2024, 1, 5), 101.5, 103, 1050),
	}

	out, summary := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	require.Len(t, out, 4)
	assert.Equal(t, 4, summary.Passed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.GapsDetected)
	for _, c := range out {
		assert.True(t, c.Validated)
		assert.Equal(t, 1.0, c.QualityScore)
		assert.False(t, c.GapDetected)
		assert.False(t, c.VolumeAnomaly)
		assert.Equal(t, "AAPL", c.Symbol)
		assert.Equal(t, models.Timeframe1d, c.Timeframe)
		assert.Equal(t, "marketfeed", c.Source)
	}
}

func TestBatch_CorruptionCandle(t *testing.T) {
	raw := []models.RawCandle{
		{Timestamp: day(2024, 1, 2), Open: 100, High: 90, Low: 80, Close: 95, Volume: 1000},
	}

	out, summary := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	require.Len(t, out, 1)
	c := out[0]
	assert.False(t, c.Validated)
	assert.InDelta(t, 5.0/6.0, c.QualityScore, 1e-9)
	assert.Contains(t, c.ValidationNotes, "High (90) < max(O,C) (100)")
	assert.Equal(t, 1, summary.Failed)
}

func TestBatch_PreservesLengthAndOrder(t *testing.T) {
	raw := []models.RawCandle{
		cleanCandle(day(2024, 1, 4), 102, 103, 1000),
		cleanCandle(day(2024, 1, 2), 100, 101, 1000),
		cleanCandle(day(2024, 1, 3), 101, 102, 1000),
	}

	out, _ := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	require.Len(t, out, len(raw))
	for i := 1; i < len(out); i++ {
		assert.True(t, out[i-1].Timestamp.Before(out[i].Timestamp))
	}
}

func TestBatch_DuplicateTimestampRejected(t *testing.T) {
	raw := []models.RawCandle{
		cleanCandle(day(2024, 1, 2), 100, 101, 1000),
		cleanCandle(day(2024, 1, 2), 100, 102, 1000),
	}

	out, summary := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	require.Len(t, out, 2)
	assert.True(t, out[0].Validated)
	assert.False(t, out[1].Validated)
	assert.Contains(t, out[1].ValidationNotes, "duplicate timestamp")
	assert.Equal(t, 1, summary.Failed)
}

func TestBatch_FlatCandlePasses(t *testing.T) {
	raw := []models.RawCandle{
		{Timestamp: day(2024, 1, 2), Open: 50, High: 50, Low: 50, Close: 50, Volume: 0},
	}

	out, _ := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	require.Len(t, out, 1)
	assert.True(t, out[0].Validated)
	assert.Equal(t, 1.0, out[0].QualityScore)
}

func TestBatch_ExtremeMoveBoundary(t *testing.T) {
	// Exactly 500% fails check 6; just under passes.
	exact := models.RawCandle{Timestamp: day(2024, 1, 2), Open: 100, High: 600, Low: 100, Close: 600, Volume: 1000}
	under := models.RawCandle{Timestamp: day(2024, 1, 2), Open: 100, High: 599.99, Low: 100, Close: 599.99, Volume: 1000}

	out, _ := Batch([]models.RawCandle{exact}, "X", models.AssetStock, models.Timeframe1d, "t", now)
	assert.False(t, out[0].Validated)

	out, _ = Batch([]models.RawCandle{under}, "X", models.AssetStock, models.Timeframe1d, "t", now)
	assert.True(t, out[0].Validated)
}

func TestBatch_FridayMondayGapNotSignificant(t *testing.T) {
	fri := day(2024, 1, 5) // Friday
	mon := day(2024, 1, 8) // Monday

	raw := []models.RawCandle{
		cleanCandle(fri, 100, 100, 1000),
		cleanCandle(mon, 150, 150, 1000), // 50% weekend gap
	}

	out, summary := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	assert.False(t, out[1].GapDetected)
	assert.Equal(t, 0, summary.GapsDetected)
	assert.Equal(t, 1.0, out[1].QualityScore)
}

func TestBatch_MidweekGapSignificant(t *testing.T) {
	tue := day(2024, 1, 2)
	wed := day(2024, 1, 3)

	raw := []models.RawCandle{
		cleanCandle(tue, 100, 100, 1000),
		cleanCandle(wed, 103, 103, 1000), // 3% overnight gap
	}

	out, summary := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	c := out[1]
	assert.True(t, c.GapDetected)
	assert.True(t, c.Validated)
	assert.InDelta(t, 0.8, c.QualityScore, 1e-9)
	assert.Contains(t, c.ValidationNotes, "moderate gap")
	assert.Equal(t, 1, summary.GapsDetected)
}

func TestBatch_SplitGapLarge(t *testing.T) {
	mon := day(2024, 1, 8)
	tue := day(2024, 1, 9)

	raw := []models.RawCandle{
		cleanCandle(mon, 300, 300, 1000),
		cleanCandle(tue, 150, 150, 1000), // 50% down, split-like
	}

	out, _ := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	c := out[1]
	assert.True(t, c.GapDetected)
	assert.Contains(t, c.ValidationNotes, "possible data corruption")
	assert.InDelta(t, 0.8, c.QualityScore, 1e-9)
}

func TestBatch_HolidayGapExempt(t *testing.T) {
	raw := []models.RawCandle{
		cleanCandle(day(2024, 1, 2), 100, 100, 1000),
		cleanCandle(day(2024, 1, 8), 115, 115, 1000), // 6 calendar days
	}

	out, _ := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)
	assert.False(t, out[1].GapDetected)
}

func TestBatch_VolumeAnomaly(t *testing.T) {
	raw := []models.RawCandle{
		cleanCandle(day(2024, 1, 2), 100, 100, 1000),
		cleanCandle(day(2024, 1, 3), 100, 100, 1000),
		cleanCandle(day(2024, 1, 4), 100, 100, 1000),
		cleanCandle(day(2024, 1, 5), 100, 100, 50000), // 50x median
	}

	out, summary := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	spike := out[3]
	assert.True(t, spike.VolumeAnomaly)
	assert.True(t, spike.Validated)
	assert.InDelta(t, 0.9, spike.QualityScore, 1e-9)
	assert.Equal(t, 1, summary.VolumeAnomalies)

	for _, c := range out[:3] {
		assert.False(t, c.VolumeAnomaly)
	}
}

func TestBatch_SingleCandleNoAnomalies(t *testing.T) {
	raw := []models.RawCandle{cleanCandle(day(2024, 1, 2), 100, 101, 12345)}

	out, _ := Batch(raw, "BTC", models.AssetCrypto, models.Timeframe1h, "marketfeed", now)

	require.Len(t, out, 1)
	assert.False(t, out[0].GapDetected)
	assert.False(t, out[0].VolumeAnomaly)
	assert.Equal(t, 1.0, out[0].QualityScore)
}

func TestBatch_ZeroMedianNoVolumeAnomaly(t *testing.T) {
	raw := []models.RawCandle{
		cleanCandle(day(2024, 1, 2), 100, 100, 0),
		cleanCandle(day(2024, 1, 3), 100, 100, 0),
		cleanCandle(day(2024, 1, 4), 100, 100, 500),
	}

	out, summary := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	for _, c := range out {
		assert.False(t, c.VolumeAnomaly)
	}
	assert.Equal(t, 0, summary.VolumeAnomalies)
}

func TestBatch_ScoreClippedAtZero(t *testing.T) {
	// Fails several hard checks and carries anomalies; score must not go negative.
	raw := []models.RawCandle{
		cleanCandle(day(2024, 1, 2), 100, 100, 1000),
		{Timestamp: day(2024, 1, 3), Open: -5, High: -10, Low: -1, Close: -700, Volume: -3},
	}

	out, _ := Batch(raw, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)

	bad := out[1]
	assert.False(t, bad.Validated)
	assert.GreaterOrEqual(t, bad.QualityScore, 0.0)
	assert.LessOrEqual(t, bad.QualityScore, 1.0)
}

func TestBatch_EmptyInput(t *testing.T) {
	out, summary := Batch(nil, "AAPL", models.AssetStock, models.Timeframe1d, "marketfeed", now)
	assert.Nil(t, out)
	assert.Equal(t, 0, summary.Total)
}
