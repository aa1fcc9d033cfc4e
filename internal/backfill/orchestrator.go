// Package backfill runs the candle ingestion engine: it expands a job into
// work units, paces them against the provider budget, and drives each unit
// through fetch, validate, upsert, and gap repair.
package backfill

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/registry"
	"github.com/candlevault/candlevault/internal/telemetry"
	"github.com/candlevault/candlevault/internal/validate"
)

// Fetcher is the upstream surface the engine needs for candles.
type Fetcher interface {
	FetchCandles(ctx context.Context, symbol string, class models.AssetClass, tf models.Timeframe, rng models.DateRange) ([]models.RawCandle, error)
}

// Enricher is the optional corporate-action surface. Enrichment is best
// effort and never on the OHLCV critical path.
type Enricher interface {
	FetchDividends(ctx context.Context, symbol string) ([]models.Dividend, error)
	FetchSplits(ctx context.Context, symbol string) ([]models.Split, error)
	FetchEarnings(ctx context.Context, symbol string) ([]models.Earnings, error)
}

// ProgressSink receives live job progress, e.g. for terminal output.
type ProgressSink interface {
	JobStarted(jobID string, totalUnits int)
	UnitFinished(symbol string, tf models.Timeframe, status models.UnitStatus, done, total int)
	JobFinished(status models.JobStatus)
}

// Orchestrator executes backfill jobs one at a time.
type Orchestrator struct {
	cfg      config.BackfillConfig
	source   string
	repo     persistence.Repository
	fetch    Fetcher
	enrich   Enricher
	registry *registry.Registry
	metrics  *telemetry.Metrics
	progress ProgressSink

	runMu sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the engine. enrich and progress may be nil.
func New(cfg config.BackfillConfig, source string, repo persistence.Repository, fetch Fetcher, enrich Enricher, reg *registry.Registry, metrics *telemetry.Metrics, progress ProgressSink) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		source:   source,
		repo:     repo,
		fetch:    fetch,
		enrich:   enrich,
		registry: reg,
		metrics:  metrics,
		progress: progress,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// symbolPlan is the full unit list for one symbol, timeframes in configured
// order, sub-ranges ascending.
type symbolPlan struct {
	symbol models.TrackedSymbol
	units  []workUnit
}

type workUnit struct {
	tf  models.Timeframe
	rng models.DateRange
}

// jobState tracks cross-goroutine progress for one running job.
type jobState struct {
	mu               sync.Mutex
	jobID            string
	unitsDone        int
	unitsTotal       int
	symbolsCompleted int
	recordsInserted  int64
	completeness     []models.CompletenessEntry
}

// Run executes one backfill job synchronously and returns the terminal job
// record. Jobs are serialized: a second caller blocks until the first job
// finishes.
func (o *Orchestrator) Run(ctx context.Context, req models.BackfillRequest) (models.BackfillJob, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	symbols, err := o.registry.Resolve(ctx, req)
	if err != nil {
		return models.BackfillJob{}, err
	}
	if len(symbols) == 0 {
		return models.BackfillJob{}, models.Errorf(models.ErrValidation, "no active symbols to backfill")
	}

	rng, err := o.normalizeRange(req.Range)
	if err != nil {
		return models.BackfillJob{}, err
	}

	plans := o.plan(symbols, req.Timeframes, rng)
	totalUnits := 0
	names := make([]string, len(plans))
	for i, p := range plans {
		totalUnits += len(p.units)
		names[i] = p.symbol.Symbol
	}

	job := models.BackfillJob{
		ID:           uuid.NewString(),
		Symbols:      names,
		Timeframes:   req.Timeframes,
		Range:        rng,
		Status:       models.JobQueued,
		SymbolsTotal: len(plans),
		CreatedAt:    o.now().UTC(),
	}
	if err := o.createJob(ctx, job); err != nil {
		return job, err
	}

	if o.metrics != nil {
		o.metrics.JobsStarted.Inc()
	}
	if o.progress != nil {
		o.progress.JobStarted(job.ID, totalUnits)
	}
	log.Info().Str("job_id", job.ID).Int("symbols", len(plans)).Int("units", totalUnits).
		Str("range_start", rng.Start.Format("2006-01-02")).
		Str("range_end", rng.End.Format("2006-01-02")).
		Msg("backfill job started")

	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.JobDeadline)
	defer cancel()

	state := &jobState{jobID: job.ID, unitsTotal: totalUnits}
	o.runGroups(jobCtx, plans, state)

	status := models.JobCompleted
	errMsg := ""
	switch {
	case jobCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		status = models.JobFailed
		errMsg = "job deadline exceeded"
	case ctx.Err() != nil:
		status = models.JobFailed
		errMsg = "job cancelled"
	}

	// The job context may be dead; the terminal write gets its own.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finishCancel()
	if err := o.repo.Jobs.FinishJob(finishCtx, job.ID, status, errMsg, state.completeness); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to finalize job record")
	}

	if o.metrics != nil {
		o.metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	}
	if o.progress != nil {
		o.progress.JobFinished(status)
	}
	log.Info().Str("job_id", job.ID).Str("status", string(status)).
		Int64("records_inserted", state.recordsInserted).
		Msg("backfill job finished")

	return o.loadJob(finishCtx, job.ID)
}

func (o *Orchestrator) createJob(ctx context.Context, job models.BackfillJob) error {
	err := o.repo.Jobs.CreateJob(ctx, job)
	if models.IsKind(err, models.ErrSchemaMissing) {
		if ensureErr := o.repo.Migrator.EnsureSchema(ctx); ensureErr != nil {
			return ensureErr
		}
		err = o.repo.Jobs.CreateJob(ctx, job)
	}
	return err
}

func (o *Orchestrator) loadJob(ctx context.Context, jobID string) (models.BackfillJob, error) {
	job, err := o.repo.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.BackfillJob{}, err
	}
	return job, nil
}

// normalizeRange fills an empty range with the default history window and
// rejects inverted ranges.
func (o *Orchestrator) normalizeRange(rng models.DateRange) (models.DateRange, error) {
	if rng.Start.IsZero() && rng.End.IsZero() {
		end := o.now().UTC().Truncate(24 * time.Hour)
		return models.DateRange{
			Start: end.AddDate(0, 0, -o.cfg.DefaultHistoryDays),
			End:   end,
		}, nil
	}
	rng.Start = rng.Start.UTC().Truncate(24 * time.Hour)
	rng.End = rng.End.UTC().Truncate(24 * time.Hour)
	if rng.End.Before(rng.Start) {
		return rng, models.Errorf(models.ErrValidation, "range end %s before start %s",
			rng.End.Format("2006-01-02"), rng.Start.Format("2006-01-02"))
	}
	return rng, nil
}

// plan expands symbols into ordered unit lists: per symbol, timeframes in
// configured order, each timeframe's window split into ascending chunks.
func (o *Orchestrator) plan(symbols []models.TrackedSymbol, override []models.Timeframe, rng models.DateRange) []symbolPlan {
	plans := make([]symbolPlan, 0, len(symbols))
	for _, sym := range symbols {
		tfs := registry.Timeframes(sym, override)
		var units []workUnit
		for _, tf := range tfs {
			for _, chunk := range splitRange(rng, o.cfg.ChunkDays) {
				units = append(units, workUnit{tf: tf, rng: chunk})
			}
		}
		if len(units) > 0 {
			plans = append(plans, symbolPlan{symbol: sym, units: units})
		}
	}
	return plans
}

// splitRange cuts the inclusive day range into consecutive chunks of at most
// chunkDays days, ascending.
func splitRange(rng models.DateRange, chunkDays int) []models.DateRange {
	if chunkDays < 1 || rng.End.Before(rng.Start) {
		return nil
	}
	var out []models.DateRange
	for start := rng.Start; !start.After(rng.End); {
		end := start.AddDate(0, 0, chunkDays-1)
		if end.After(rng.End) {
			end = rng.End
		}
		out = append(out, models.DateRange{Start: start, End: end})
		start = end.AddDate(0, 0, 1)
	}
	return out
}

// runGroups processes symbols in groups bounded by the concurrency cap,
// staggering starts inside a group and pausing between groups.
func (o *Orchestrator) runGroups(ctx context.Context, plans []symbolPlan, state *jobState) {
	groupSize := o.cfg.MaxConcurrentSymbols
	if groupSize < 1 {
		groupSize = 1
	}

	for start := 0; start < len(plans); start += groupSize {
		if ctx.Err() != nil {
			o.markRemainingPending(plans[start:], state)
			return
		}

		end := start + groupSize
		if end > len(plans) {
			end = len(plans)
		}
		group := plans[start:end]

		var wg sync.WaitGroup
		for i := range group {
			if i > 0 {
				if err := o.sleep(ctx, o.cfg.InterSymbolStagger); err != nil {
					break
				}
			}
			wg.Add(1)
			go func(p symbolPlan) {
				defer wg.Done()
				o.runSymbol(ctx, p, state)
			}(group[i])
		}
		wg.Wait()

		if end < len(plans) {
			if err := o.sleep(ctx, o.cfg.InterGroupPause); err != nil {
				o.markRemainingPending(plans[end:], state)
				return
			}
		}
	}
}

// markRemainingPending records completeness rows for symbols the deadline
// cut off before they ran.
func (o *Orchestrator) markRemainingPending(plans []symbolPlan, state *jobState) {
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, p := range plans {
		seen := make(map[models.Timeframe]bool)
		for _, u := range p.units {
			if seen[u.tf] {
				continue
			}
			seen[u.tf] = true
			state.completeness = append(state.completeness, models.CompletenessEntry{
				Symbol:    p.symbol.Symbol,
				Timeframe: u.tf,
				Complete:  false,
			})
		}
	}
}

// runSymbol drives one symbol's units sequentially, then the gap repair
// pass per timeframe, then enrichment, then the status rollup.
func (o *Orchestrator) runSymbol(ctx context.Context, plan symbolPlan, state *jobState) {
	sym := plan.symbol
	logger := log.With().Str("job_id", state.jobID).Str("symbol", sym.Symbol).Logger()

	if err := o.repo.Symbols.UpdateSymbolStatus(ctx, sym.Symbol, models.BackfillInProgress, nil); err != nil {
		logger.Warn().Err(err).Msg("failed to mark symbol in progress")
	}
	if o.metrics != nil {
		o.metrics.ActiveSymbols.Inc()
		defer o.metrics.ActiveSymbols.Dec()
	}

	var unitErrs []string
	covered := make(map[models.Timeframe]models.DateRange)

	ranAll := true
	for _, unit := range plan.units {
		if ctx.Err() != nil {
			ranAll = false
			break
		}
		if err := o.runUnit(ctx, sym, unit, state); err != nil {
			unitErrs = append(unitErrs, fmt.Sprintf("%s %s..%s: %v",
				unit.tf, unit.rng.Start.Format("2006-01-02"), unit.rng.End.Format("2006-01-02"), err))
		}
		// Widen the per-timeframe window covered so far for the gap pass.
		if cur, ok := covered[unit.tf]; !ok {
			covered[unit.tf] = unit.rng
		} else {
			if unit.rng.Start.Before(cur.Start) {
				cur.Start = unit.rng.Start
			}
			if unit.rng.End.After(cur.End) {
				cur.End = unit.rng.End
			}
			covered[unit.tf] = cur
		}
	}

	for _, unit := range plan.units {
		rng, ok := covered[unit.tf]
		if !ok {
			continue
		}
		delete(covered, unit.tf)

		// Complete is per (symbol, timeframe): no remaining gaps over the
		// covered window. Failures on other timeframes do not taint it.
		entry, healthy := o.repairGaps(ctx, sym, unit.tf, rng, state.jobID)
		entry.Complete = healthy && entry.GapsDetected == entry.GapsFilled
		state.mu.Lock()
		state.completeness = append(state.completeness, entry)
		state.mu.Unlock()
	}

	o.runEnrichment(ctx, sym, logger)

	if !ranAll {
		unitErrs = append(unitErrs, fmt.Sprintf("interrupted: %v", ctx.Err()))
	}
	status := models.BackfillCompleted
	var errMsg *string
	if len(unitErrs) > 0 {
		status = models.BackfillFailed
		joined := joinTruncated(unitErrs, 200, 1000)
		errMsg = &joined
	}

	// The job context may be dead after a deadline or cancel. The terminal
	// status write gets its own context so the symbol never stays stuck in
	// in_progress.
	statusCtx, statusCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer statusCancel()
	if err := o.repo.Symbols.UpdateSymbolStatus(statusCtx, sym.Symbol, status, errMsg); err != nil {
		logger.Warn().Err(err).Msg("failed to record symbol status")
	}

	state.mu.Lock()
	state.symbolsCompleted++
	done, records := state.symbolsCompleted, state.recordsInserted
	total := state.unitsTotal
	unitsDone := state.unitsDone
	state.mu.Unlock()

	pct := 0.0
	if total > 0 {
		pct = float64(unitsDone) / float64(total) * 100
	}
	if err := o.repo.Jobs.UpdateJobProgress(statusCtx, state.jobID, pct, done, "", records); err != nil {
		logger.Warn().Err(err).Msg("failed to record job progress")
	}

	logger.Info().Str("status", string(status)).Int("unit_errors", len(unitErrs)).Msg("symbol backfill finished")
}

// runUnit is the fetch -> validate -> upsert pipeline for one chunk. Errors
// are recorded on the unit and absorbed; the job keeps going.
func (o *Orchestrator) runUnit(ctx context.Context, sym models.TrackedSymbol, unit workUnit, state *jobState) error {
	started := o.now()
	logger := log.With().Str("job_id", state.jobID).Str("symbol", sym.Symbol).
		Str("timeframe", string(unit.tf)).
		Str("range_start", unit.rng.Start.Format("2006-01-02")).
		Str("range_end", unit.rng.End.Format("2006-01-02")).Logger()

	detail := models.JobProgressEntry{
		JobID:     state.jobID,
		Symbol:    sym.Symbol,
		Timeframe: unit.tf,
		Range:     unit.rng,
		Status:    models.UnitRunning,
	}

	raw, err := o.fetch.FetchCandles(ctx, sym.Symbol, sym.AssetClass, unit.tf, unit.rng)
	var inserted int
	var summary validateSummary
	if err == nil {
		inserted, summary, err = o.storeBatch(ctx, sym, unit.tf, raw)
	}

	detail.RecordsFetched = len(raw)
	detail.RecordsInserted = inserted
	detail.Duration = o.now().Sub(started)
	if err != nil {
		detail.Status = models.UnitFailed
		detail.Error = err.Error()
		logger.Warn().Err(err).Msg("work unit failed")
	} else {
		detail.Status = models.UnitCompleted
		logger.Debug().Int("fetched", len(raw)).Int("inserted", inserted).Msg("work unit completed")
	}

	if appendErr := o.repo.Jobs.AppendJobDetail(ctx, detail); appendErr != nil {
		logger.Warn().Err(appendErr).Msg("failed to append job detail")
	}

	state.mu.Lock()
	state.unitsDone++
	state.recordsInserted += int64(inserted)
	done, total := state.unitsDone, state.unitsTotal
	state.mu.Unlock()

	if o.metrics != nil {
		result := "completed"
		if err != nil {
			result = "failed"
		}
		o.metrics.RecordUnit(result, detail.Duration)
		o.metrics.RecordIngest(sym.Symbol, string(unit.tf), inserted)
		if summary.volumeAnomalies > 0 {
			o.metrics.VolumeAnomalies.Add(float64(summary.volumeAnomalies))
		}
		if summary.failed > 0 {
			o.metrics.ValidationFails.WithLabelValues("hard").Add(float64(summary.failed))
		}
	}
	if o.progress != nil {
		o.progress.UnitFinished(sym.Symbol, unit.tf, detail.Status, done, total)
	}
	return err
}

type validateSummary struct {
	volumeAnomalies int
	failed          int
}

// storeBatch validates the raw batch, upserts it, and appends the
// validation log. A missing schema triggers one ensure-and-retry.
func (o *Orchestrator) storeBatch(ctx context.Context, sym models.TrackedSymbol, tf models.Timeframe, raw []models.RawCandle) (int, validateSummary, error) {
	if len(raw) == 0 {
		return 0, validateSummary{}, nil
	}

	candles, summary := validate.Batch(raw, sym.Symbol, sym.AssetClass, tf, o.source, o.now())

	inserted, err := o.repo.Candles.UpsertCandles(ctx, candles)
	if models.IsKind(err, models.ErrSchemaMissing) {
		if ensureErr := o.repo.Migrator.EnsureSchema(ctx); ensureErr == nil {
			inserted, err = o.repo.Candles.UpsertCandles(ctx, candles)
		}
	}
	if err != nil {
		return 0, validateSummary{}, err
	}

	logEntry := persistence.ValidationLogEntry{
		Total:           summary.Total,
		Passed:          summary.Passed,
		Failed:          summary.Failed,
		GapsDetected:    summary.GapsDetected,
		VolumeAnomalies: summary.VolumeAnomalies,
		AverageScore:    summary.AverageScore,
		ValidatedAt:     o.now().UTC(),
	}
	if err := o.repo.Audit.AppendValidationLog(ctx, sym.Symbol, tf, logEntry); err != nil {
		log.Warn().Err(err).Str("symbol", sym.Symbol).Msg("failed to append validation log")
	}

	return inserted, validateSummary{volumeAnomalies: summary.VolumeAnomalies, failed: summary.Failed}, nil
}

// repairGaps finds calendar gaps over the covered window and refetches each
// gap with backoff. Filled gaps are confirmed by a second gap query. The
// second return is false when the gap query itself failed, so the timeframe
// cannot be called complete.
func (o *Orchestrator) repairGaps(ctx context.Context, sym models.TrackedSymbol, tf models.Timeframe, rng models.DateRange, jobID string) (models.CompletenessEntry, bool) {
	entry := models.CompletenessEntry{Symbol: sym.Symbol, Timeframe: tf}
	logger := log.With().Str("job_id", jobID).Str("symbol", sym.Symbol).Str("timeframe", string(tf)).Logger()

	gaps, err := o.repo.Candles.FindGaps(ctx, sym.Symbol, sym.AssetClass, tf, rng.Start, rng.End)
	if err != nil {
		logger.Warn().Err(err).Msg("gap query failed")
		return entry, false
	}
	entry.GapsDetected = len(gaps)
	if len(gaps) == 0 {
		return entry, true
	}

	if o.metrics != nil {
		o.metrics.GapsDetected.WithLabelValues("calendar").Add(float64(len(gaps)))
	}

	for _, gap := range gaps {
		if ctx.Err() != nil {
			return entry, true
		}
		entry.GapsRetried++
		if o.fillGap(ctx, sym, tf, gap, logger) {
			entry.GapsFilled++
			if o.metrics != nil {
				o.metrics.GapsFilled.Inc()
			}
		}
	}
	return entry, true
}

// fillGap refetches one gap window. Attempts are scheduled 2s then 4s after
// gap detection, the delay doubling each time. Success means the gap query
// comes back clean.
func (o *Orchestrator) fillGap(ctx context.Context, sym models.TrackedSymbol, tf models.Timeframe, gap models.DateRange, logger zerolog.Logger) bool {
	backoff := 2 * time.Second
	attempts := o.cfg.GapRetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := o.sleep(ctx, backoff); err != nil {
			return false
		}
		backoff *= 2

		raw, err := o.fetch.FetchCandles(ctx, sym.Symbol, sym.AssetClass, tf, gap)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("gap refetch failed")
			continue
		}
		if _, _, err := o.storeBatch(ctx, sym, tf, raw); err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("gap store failed")
			continue
		}

		remaining, err := o.repo.Candles.FindGaps(ctx, sym.Symbol, sym.AssetClass, tf, gap.Start, gap.End)
		if err == nil && len(remaining) == 0 {
			logger.Info().Str("gap_start", gap.Start.Format("2006-01-02")).
				Str("gap_end", gap.End.Format("2006-01-02")).Msg("gap filled")
			return true
		}
	}
	logger.Warn().Str("gap_start", gap.Start.Format("2006-01-02")).
		Str("gap_end", gap.End.Format("2006-01-02")).Msg("gap not filled after retries")
	return false
}

// runEnrichment pulls corporate actions for equities. Failures only warn.
func (o *Orchestrator) runEnrichment(ctx context.Context, sym models.TrackedSymbol, logger zerolog.Logger) {
	if o.enrich == nil || sym.AssetClass == models.AssetCrypto || ctx.Err() != nil {
		return
	}

	if divs, err := o.enrich.FetchDividends(ctx, sym.Symbol); err != nil {
		logger.Warn().Err(err).Msg("dividend fetch failed")
	} else if err := o.repo.Enrichment.UpsertDividends(ctx, divs); err != nil {
		logger.Warn().Err(err).Msg("dividend upsert failed")
	}

	if splits, err := o.enrich.FetchSplits(ctx, sym.Symbol); err != nil {
		logger.Warn().Err(err).Msg("split fetch failed")
	} else if err := o.repo.Enrichment.UpsertSplits(ctx, splits); err != nil {
		logger.Warn().Err(err).Msg("split upsert failed")
	}

	if earnings, err := o.enrich.FetchEarnings(ctx, sym.Symbol); err != nil {
		logger.Warn().Err(err).Msg("earnings fetch failed")
	} else if err := o.repo.Enrichment.UpsertEarnings(ctx, earnings); err != nil {
		logger.Warn().Err(err).Msg("earnings upsert failed")
	}
}

// joinTruncated joins messages after clipping each to perMsg runes and the
// whole string to total.
func joinTruncated(msgs []string, perMsg, total int) string {
	clipped := make([]string, len(msgs))
	for i, m := range msgs {
		if len(m) > perMsg {
			m = m[:perMsg] + "..."
		}
		clipped[i] = m
	}
	joined := strings.Join(clipped, "; ")
	if len(joined) > total {
		joined = joined[:total] + "..."
	}
	return joined
}
