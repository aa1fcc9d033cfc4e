package log

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/models"
)

func TestReporter_TTYRendersBar(t *testing.T) {
	var buf bytes.Buffer
	r := newReporterWriter(&buf, true)

	r.JobStarted("job-1", 4)
	r.UnitFinished("AAPL", models.Timeframe1d, models.UnitCompleted, 2, 4)

	out := buf.String()
	assert.Contains(t, out, "2/4 (50%)")
	assert.Contains(t, out, "AAPL 1d completed")
	assert.Contains(t, out, "█")
	assert.Contains(t, out, "\r\033[K")
}

func TestReporter_FinishLine(t *testing.T) {
	var buf bytes.Buffer
	r := newReporterWriter(&buf, true)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.JobStarted("job-2", 2)
	r.UnitFinished("AAPL", models.Timeframe1d, models.UnitCompleted, 1, 2)
	r.UnitFinished("MSFT", models.Timeframe1d, models.UnitFailed, 2, 2)
	r.now = func() time.Time { return base.Add(90 * time.Second) }
	r.JobFinished(models.JobCompleted)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	assert.Contains(t, last, "job-2: 2/2 units, 1 failed, done (1m30s)")
}

func TestReporter_ETAFromUnitRate(t *testing.T) {
	r := newReporterWriter(&bytes.Buffer{}, true)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.JobStarted("job-3", 10)

	// 2 units in 20 seconds leaves 8 units at 10s each.
	r.now = func() time.Time { return base.Add(20 * time.Second) }
	r.done = 2
	assert.Equal(t, 80*time.Second, r.eta())

	r.done = 10
	assert.Equal(t, time.Duration(0), r.eta())
}

func TestReporter_NonTTYWritesNoControlCodes(t *testing.T) {
	var buf bytes.Buffer
	r := newReporterWriter(&buf, false)

	r.JobStarted("job-4", 1)
	r.UnitFinished("AAPL", models.Timeframe1h, models.UnitCompleted, 1, 1)
	r.JobFinished(models.JobCompleted)

	assert.NotContains(t, buf.String(), "\033")
}

func TestNewReporter_NilOutput(t *testing.T) {
	r := NewReporter(nil)
	require.NotNil(t, r)
	assert.False(t, r.tty)

	// Must not panic without a writer.
	r.JobStarted("job-5", 1)
	r.UnitFinished("AAPL", models.Timeframe1d, models.UnitCompleted, 1, 1)
	r.JobFinished(models.JobCompleted)
}
