// Package scheduler fires the daily backfill at the configured UTC time and
// serializes manual triggers behind it. Missed fires inside the grace window
// still run; older ones are skipped, never caught up.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/telemetry"
)

// Runner executes one backfill job to completion.
type Runner interface {
	Run(ctx context.Context, req models.BackfillRequest) (models.BackfillJob, error)
}

// defaultTick bounds how stale a fire decision can be.
const defaultTick = 30 * time.Second

// trigger is one queued job request, daily or manual.
type trigger struct {
	req  models.BackfillRequest
	kind string
}

// Scheduler owns the daily trigger and the manual-trigger queue. Jobs run on
// a single worker goroutine; the ticker loop only decides and enqueues, so an
// overrunning job is visible as jobInFlight when the next slot comes due.
type Scheduler struct {
	cfg     config.SchedulerConfig
	runner  Runner
	metrics *telemetry.Metrics

	tick time.Duration
	now  func() time.Time

	triggers chan trigger

	mu          sync.Mutex
	running     bool
	jobInFlight bool
	startTime   time.Time
	lastHandled time.Time // most recent scheduled slot already decided
	lastFired   time.Time
	lastJob     *models.BackfillJob
}

// New builds the scheduler. metrics may be nil.
func New(cfg config.SchedulerConfig, runner Runner, metrics *telemetry.Metrics) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		metrics:  metrics,
		tick:     defaultTick,
		now:      time.Now,
		triggers: make(chan trigger, 16),
	}
}

// Status is the scheduler's observable state.
type Status struct {
	Running     bool       `json:"running"`
	Uptime      string     `json:"uptime"`
	NextFire    time.Time  `json:"next_fire"`
	LastFire    *time.Time `json:"last_fire,omitempty"`
	JobInFlight bool       `json:"job_in_flight"`
}

// Status reports the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:     s.running,
		NextFire:    s.nextFireAfter(s.now().UTC()),
		JobInFlight: s.jobInFlight,
	}
	if s.running {
		st.Uptime = s.now().Sub(s.startTime).Round(time.Second).String()
	}
	if !s.lastFired.IsZero() {
		t := s.lastFired
		st.LastFire = &t
	}
	return st
}

// Trigger enqueues a manual backfill request. Manual jobs run serialized
// with the daily job; a full queue rejects the request.
func (s *Scheduler) Trigger(req models.BackfillRequest) error {
	select {
	case s.triggers <- trigger{req: req, kind: "manual"}:
		return nil
	default:
		return models.Errorf(models.ErrValidation, "trigger queue full")
	}
}

// Start runs the scheduler loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.startTime = s.now()
	// Slots before startup are not our misses.
	s.lastHandled = s.prevFireBefore(s.now().UTC())
	s.mu.Unlock()

	log.Info().
		Int("hour", s.cfg.Hour).Int("minute", s.cfg.Minute).
		Dur("misfire_grace", s.cfg.MisfireGrace).
		Msg("scheduler started")

	go s.worker(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			s.checkDaily(ctx)
		}
	}
}

// worker drains the trigger queue one job at a time.
func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-s.triggers:
			s.runJob(ctx, tr.req, tr.kind)
		}
	}
}

// checkDaily decides whether the most recent scheduled slot should fire.
func (s *Scheduler) checkDaily(ctx context.Context) {
	now := s.now().UTC()
	slot := s.prevFireBefore(now)

	s.mu.Lock()
	if !slot.After(s.lastHandled) {
		s.mu.Unlock()
		return
	}
	s.lastHandled = slot
	inFlight := s.jobInFlight
	s.mu.Unlock()

	late := now.Sub(slot)
	if late > s.cfg.MisfireGrace {
		log.Warn().Time("slot", slot).Dur("late", late).Msg("scheduled backfill missed past grace, skipping")
		if s.metrics != nil {
			s.metrics.SchedulerMisses.Inc()
		}
		return
	}
	if inFlight {
		log.Warn().Time("slot", slot).Msg("scheduled backfill skipped, previous job still running")
		if s.metrics != nil {
			s.metrics.SchedulerSkips.Inc()
		}
		return
	}

	// Daily run: whole active universe over the default history window.
	select {
	case s.triggers <- trigger{kind: "daily"}:
	default:
		log.Warn().Time("slot", slot).Msg("scheduled backfill skipped, trigger queue full")
		if s.metrics != nil {
			s.metrics.SchedulerSkips.Inc()
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, req models.BackfillRequest, kind string) {
	s.mu.Lock()
	s.jobInFlight = true
	s.lastFired = s.now().UTC()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSchedulerFire()
	}
	log.Info().Str("kind", kind).Msg("backfill trigger fired")

	job, err := s.runner.Run(ctx, req)

	s.mu.Lock()
	s.jobInFlight = false
	if err == nil {
		s.lastJob = &job
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("triggered backfill failed to run")
		return
	}
	log.Info().Str("kind", kind).Str("job_id", job.ID).Str("status", string(job.Status)).Msg("triggered backfill finished")
}

// LastJob returns the most recent completed job record, if any.
func (s *Scheduler) LastJob() *models.BackfillJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastJob == nil {
		return nil
	}
	j := *s.lastJob
	return &j
}

// prevFireBefore returns the most recent scheduled slot at or before t.
func (s *Scheduler) prevFireBefore(t time.Time) time.Time {
	slot := time.Date(t.Year(), t.Month(), t.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, time.UTC)
	if slot.After(t) {
		slot = slot.AddDate(0, 0, -1)
	}
	return slot
}

// nextFireAfter returns the first scheduled slot strictly after t.
func (s *Scheduler) nextFireAfter(t time.Time) time.Time {
	return s.prevFireBefore(t).AddDate(0, 0, 1)
}
