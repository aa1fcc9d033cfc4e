// Package log holds the console progress reporter used by the CLI. On a
// terminal it redraws an inline progress bar; piped output falls back to
// plain structured lines so logs stay grep-able.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/candlevault/candlevault/internal/models"
)

const barWidth = 20

// Reporter renders backfill progress. It satisfies the orchestrator's
// progress sink interface.
type Reporter struct {
	mu      sync.Mutex
	out     io.Writer
	tty     bool
	jobID   string
	total   int
	done    int
	failed  int
	started time.Time
	now     func() time.Time
}

// NewReporter builds a reporter writing to out, typically os.Stderr.
// A nil out disables inline rendering entirely.
func NewReporter(out *os.File) *Reporter {
	r := &Reporter{now: time.Now}
	if out != nil {
		r.out = out
		r.tty = term.IsTerminal(int(out.Fd()))
	}
	return r
}

func newReporterWriter(out io.Writer, tty bool) *Reporter {
	return &Reporter{out: out, tty: tty, now: time.Now}
}

// JobStarted resets the bar for a new job.
func (r *Reporter) JobStarted(jobID string, totalUnits int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobID = jobID
	r.total = totalUnits
	r.done = 0
	r.failed = 0
	r.started = r.now()

	if r.tty {
		r.render("starting")
		return
	}
	log.Info().Str("job_id", jobID).Int("units", totalUnits).Msg("backfill progress started")
}

// UnitFinished advances the bar by one work unit.
func (r *Reporter) UnitFinished(symbol string, tf models.Timeframe, status models.UnitStatus, done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.done = done
	r.total = total
	if status == models.UnitFailed {
		r.failed++
	}

	label := fmt.Sprintf("%s %s %s", symbol, tf, status)
	if r.tty {
		r.render(label)
		return
	}
	log.Info().
		Str("job_id", r.jobID).
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Str("unit_status", string(status)).
		Int("done", done).
		Int("total", total).
		Msg("backfill unit finished")
}

// JobFinished clears the bar and prints the final line.
func (r *Reporter) JobFinished(status models.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := r.now().Sub(r.started).Round(time.Second)
	if r.tty {
		mark := "done"
		if status != models.JobCompleted {
			mark = string(status)
		}
		fmt.Fprintf(r.out, "\r\033[K%s: %d/%d units, %d failed, %s (%v)\n",
			r.jobID, r.done, r.total, r.failed, mark, elapsed)
		return
	}
	log.Info().
		Str("job_id", r.jobID).
		Str("status", string(status)).
		Int("failed_units", r.failed).
		Dur("elapsed", elapsed).
		Msg("backfill progress finished")
}

// render redraws the inline bar. Caller holds the lock.
func (r *Reporter) render(label string) {
	var b strings.Builder
	b.WriteString("\r\033[K")

	filled := 0
	pct := 0.0
	if r.total > 0 {
		filled = barWidth * r.done / r.total
		pct = float64(r.done) / float64(r.total) * 100
	}
	b.WriteString("[")
	for i := 0; i < barWidth; i++ {
		if i < filled {
			b.WriteString("█")
		} else {
			b.WriteString("░")
		}
	}
	fmt.Fprintf(&b, "] %d/%d (%.0f%%)", r.done, r.total, pct)

	if eta := r.eta(); eta > 0 {
		fmt.Fprintf(&b, " ETA %v", eta)
	}
	if label != "" {
		b.WriteString(" ")
		b.WriteString(label)
	}
	fmt.Fprint(r.out, b.String())
}

// eta estimates remaining time from the observed unit rate.
func (r *Reporter) eta() time.Duration {
	if r.done == 0 || r.total == 0 || r.done >= r.total {
		return 0
	}
	elapsed := r.now().Sub(r.started)
	perUnit := elapsed / time.Duration(r.done)
	eta := perUnit * time.Duration(r.total-r.done)
	if eta > time.Hour {
		return eta.Round(time.Minute)
	}
	return eta.Round(time.Second)
}
