package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/telemetry"
)

// StateStore persists the schedule state.
type StateStore interface {
	LoadScheduleState(ctx context.Context) (models.ScheduleState, error)
	AdvanceSweep(ctx context.Context, sweep models.SweepKind, prev, now time.Time) (bool, error)
}

// Enqueuer accepts sweep trigger jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) (bool, error)
}

// Scheduler fires the incremental discovery, weekly full discovery and analysis sweeps. A sweep's last-run timestamp only advances
// after its trigger jobs were accepted by the router, so an unavailable router means the sweep is
// reconsidered on the next tick.
type Scheduler struct {
	state     StateStore
	queue     Enqueuer
	intervals map[models.SweepKind]time.Duration
	sources   []string
	tick      time.Duration
	log       logx.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg config.Config, state StateStore, queue Enqueuer, log logx.Logger) *Scheduler {
	tick := cfg.SchedulerTick
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		state: state,
		queue: queue,
		intervals: map[models.SweepKind]time.Duration{
			models.SweepScrape:     cfg.ScrapingInterval,
			models.SweepFullScrape: cfg.FullScrapeInterval,
			models.SweepAnalysis:   cfg.AnalysisInterval,
		},
		sources: cfg.ScrapeSources,
		tick:    tick,
		log:     log.With(logx.String("component", "scheduler")),
	}
}

// TickResult reports what a tick did with each sweep.
type TickResult struct {
	Emitted []models.SweepKind
	Skipped []models.SweepKind
}

// Tick emits every sweep that is due at now. A sweep that never ran is due immediately. Sweeps
// with a non-positive interval are disabled. The returned error joins ErrSchedulerUnavailable
// causes for skipped sweeps; one skipped sweep never aborts the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	st, err := s.state.LoadScheduleState(ctx)
	if err != nil {
		return res, fmt.Errorf("load schedule state: %w", err)
	}

	var errs []error
	for _, sweep := range models.Sweeps {
		interval := s.intervals[sweep]
		prev := st.Last(sweep)
		if interval <= 0 || (!prev.IsZero() && now.Sub(prev) < interval) {
			continue
		}
		log := s.log.With(logx.String("sweep", string(sweep)))
		if err := s.emit(ctx, sweep); err != nil {
			telemetry.SweepsSkipped.WithLabelValues(string(sweep)).Inc()
			log.Warn("sweep skipped", logx.Err(err))
			res.Skipped = append(res.Skipped, sweep)
			errs = append(errs, fmt.Errorf("%s sweep: %w: %v", sweep, models.ErrSchedulerUnavailable, err))
			continue
		}
		won, err := s.state.AdvanceSweep(ctx, sweep, prev, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("advance %s sweep: %w", sweep, err))
			continue
		}
		if !won {
			log.Warn("schedule state advanced concurrently")
		}
		telemetry.SweepsEmitted.WithLabelValues(string(sweep)).Inc()
		log.Info("sweep emitted", logx.Time("at", now))
		res.Emitted = append(res.Emitted, sweep)
	}
	return res, errors.Join(errs...)
}

// emit enqueues the trigger jobs of sweep. A trigger dropped as a duplicate still counts: the
// pending job will do the same work.
func (s *Scheduler) emit(ctx context.Context, sweep models.SweepKind) error {
	var jobs []models.Job
	switch sweep {
	case models.SweepScrape:
		for _, src := range s.sources {
			jobs = append(jobs, models.Job{Kind: models.KindDiscover, Fingerprint: models.DiscoverFingerprint(src), Queue: models.QueueScraping})
		}
	case models.SweepFullScrape:
		for _, src := range s.sources {
			jobs = append(jobs, models.Job{Kind: models.KindDiscover, Fingerprint: models.FullDiscoverFingerprint(src), Queue: models.QueueScraping})
		}
	case models.SweepAnalysis:
		jobs = append(jobs, models.Job{Kind: models.KindAnalysisSweep, Fingerprint: models.AnalysisSweepFingerprint, Queue: models.QueueAI})
	}
	for _, job := range jobs {
		if _, err := s.queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Start runs Tick on the configured cadence until Stop. The first tick fires one interval after
// Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	logger := cron.PrintfLogger(s.log)
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	run := func() {
		if _, err := s.Tick(ctx, time.Now()); err != nil {
			s.log.Warn("tick completed with errors", logx.Err(err))
		}
	}
	c.Schedule(cron.Every(s.tick), cron.FuncJob(run))
	c.Start()
	s.cron = c
	s.log.Info("scheduler started", logx.Duration("tick", s.tick))
}

// Stop halts ticking and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}
