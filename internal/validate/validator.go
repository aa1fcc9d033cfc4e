// Package validate applies OHLCV quality rules to raw upstream candles.
// The transformation is pure: no I/O, no clock, no shared state.
package validate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/candlevault/candlevault/internal/models"
)

const hardChecks = 6

// Gap significance bands, as fractions of the previous close.
const (
	gapMinorThreshold   = 0.02
	gapLargeThreshold   = 0.05
	gapExtremeThreshold = 0.10
)

// Volume anomaly thresholds against the batch median.
const (
	volumeLowRatio  = 0.5
	volumeHighRatio = 10.0
)

// Score penalties for anomalies that do not invalidate a candle.
const (
	gapPenalty    = 0.2
	volumePenalty = 0.1
)

// Summary aggregates one batch's validation outcome.
type Summary struct {
	Total           int     `json:"total"`
	Passed          int     `json:"passed"`
	Failed          int     `json:"failed"`
	GapsDetected    int     `json:"gaps_detected"`
	VolumeAnomalies int     `json:"volume_anomalies"`
	AverageScore    float64 `json:"average_score"`
}

// Batch validates raw candles for one (symbol, timeframe) pair. Output
// preserves the input length and ascending timestamp order; each candle is
// tagged with the asset class, timeframe, and source. now stamps IngestedAt.
func Batch(raw []models.RawCandle, symbol string, class models.AssetClass, tf models.Timeframe, source string, now time.Time) ([]models.Candle, Summary) {
	if len(raw) == 0 {
		return nil, Summary{}
	}

	batch := make([]models.RawCandle, len(raw))
	copy(batch, raw)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	median := medianVolume(batch)

	out := make([]models.Candle, 0, len(batch))
	var summary Summary
	var scoreSum float64

	// Predecessor for the gap classifier: the most recent candle that
	// passed the hard checks.
	var prevTS time.Time
	var prevClose float64
	havePrev := false

	seen := make(map[time.Time]bool, len(batch))

	for _, rc := range batch {
		c := models.Candle{
			Symbol:     symbol,
			AssetClass: class,
			Timeframe:  tf,
			Timestamp:  rc.Timestamp.UTC(),
			Open:       rc.Open,
			High:       rc.High,
			Low:        rc.Low,
			Close:      rc.Close,
			Volume:     rc.Volume,
			Source:     source,
			IngestedAt: now.UTC(),
		}

		var notes []string
		passed := hardChecks

		if rc.High < rc.Low {
			passed--
			notes = append(notes, fmt.Sprintf("High (%g) < Low (%g)", rc.High, rc.Low))
		}
		if maxOC := math.Max(rc.Open, rc.Close); rc.High < maxOC {
			passed--
			notes = append(notes, fmt.Sprintf("High (%g) < max(O,C) (%g)", rc.High, maxOC))
		}
		if minOC := math.Min(rc.Open, rc.Close); rc.Low > minOC {
			passed--
			notes = append(notes, fmt.Sprintf("Low (%g) > min(O,C) (%g)", rc.Low, minOC))
		}
		if rc.Open <= 0 || rc.High <= 0 || rc.Low <= 0 || rc.Close <= 0 {
			passed--
			notes = append(notes, "non-positive price")
		}
		if rc.Volume < 0 {
			passed--
			notes = append(notes, fmt.Sprintf("negative volume (%d)", rc.Volume))
		}
		if rc.Open > 0 {
			if move := math.Abs(rc.Close-rc.Open) / rc.Open; move >= 5.0 {
				passed--
				notes = append(notes, fmt.Sprintf("close moved %.0f%% vs open", move*100))
			}
		}

		c.Validated = passed == hardChecks

		// Duplicate timestamps break the (symbol, timeframe, ts) identity
		// and are rejected outright.
		if seen[c.Timestamp] {
			c.Validated = false
			notes = append(notes, "duplicate timestamp in batch")
		}
		seen[c.Timestamp] = true

		score := float64(passed) / hardChecks

		if havePrev {
			if significant, note := classifyGap(prevTS, prevClose, c.Timestamp, c.Open); significant {
				c.GapDetected = true
				score -= gapPenalty
				notes = append(notes, note)
				summary.GapsDetected++
			}
		}

		if median > 0 {
			ratio := float64(rc.Volume) / median
			if ratio < volumeLowRatio || ratio > volumeHighRatio {
				c.VolumeAnomaly = true
				score -= volumePenalty
				notes = append(notes, fmt.Sprintf("volume %.2fx batch median", ratio))
				summary.VolumeAnomalies++
			}
		}

		c.QualityScore = clamp01(score)
		c.ValidationNotes = strings.Join(notes, "; ")

		if c.Validated {
			summary.Passed++
			prevTS = c.Timestamp
			prevClose = c.Close
			havePrev = true
		} else {
			summary.Failed++
		}

		scoreSum += c.QualityScore
		out = append(out, c)
	}

	summary.Total = len(out)
	summary.AverageScore = scoreSum / float64(len(out))
	return out, summary
}

// classifyGap decides whether the price gap between two accepted candles is
// significant. Weekend rollovers and holiday-length gaps are exempt, as are
// moves under 2%.
func classifyGap(prevTS time.Time, prevClose float64, ts time.Time, open float64) (bool, string) {
	if prevClose <= 0 {
		return false, ""
	}

	calendarDays := int(ts.Sub(prevTS).Hours() / 24)
	pct := math.Abs(open-prevClose) / prevClose

	// Friday close to Monday open is one business day apart.
	if prevTS.Weekday() == time.Friday && ts.Weekday() == time.Monday && calendarDays >= 2 && calendarDays <= 3 {
		return false, ""
	}
	// Longer outages are treated as exchange holidays, not data problems.
	if calendarDays >= 3 {
		return false, ""
	}
	if pct < gapMinorThreshold {
		return false, ""
	}

	switch {
	case pct >= gapExtremeThreshold:
		return true, fmt.Sprintf("extreme gap %.1f%% (possible data corruption)", pct*100)
	case pct >= gapLargeThreshold:
		return true, fmt.Sprintf("large gap %.1f%% (possible split or major event)", pct*100)
	default:
		return true, fmt.Sprintf("moderate gap %.1f%% (possible dividend/corporate event)", pct*100)
	}
}

func medianVolume(batch []models.RawCandle) float64 {
	vols := make([]int64, len(batch))
	for i, c := range batch {
		vols[i] = c.Volume
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i] < vols[j] })

	n := len(vols)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return float64(vols[n/2])
	}
	return float64(vols[n/2-1]+vols[n/2]) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
