package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/store"
)

type memState struct {
	mu sync.Mutex
	st models.ScheduleState
}

func (m *memState) LoadScheduleState(context.Context) (models.ScheduleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *memState) AdvanceSweep(_ context.Context, sweep models.SweepKind, prev, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.st.Last(sweep).Equal(prev) {
		return false, nil
	}
	m.st.Set(sweep, now)
	return true, nil
}

type recordingQueue struct {
	jobs    []models.Job
	err     error
	pending map[string]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.Job) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	if q.pending == nil {
		q.pending = map[string]bool{}
	}
	key := string(job.Queue) + "|" + job.Fingerprint
	if q.pending[key] {
		return false, nil
	}
	q.pending[key] = true
	q.jobs = append(q.jobs, job)
	return true, nil
}

func testConfig() config.Config {
	return config.Config{
		ScrapingInterval: 3 * time.Hour,
		AnalysisInterval: 6 * time.Hour,
		ScrapeSources:    []string{"placsp", "contractaciopublica"},
		SchedulerTick:    time.Minute,
	}
}

func TestTickNotDueEmitsNothing(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := &memState{st: models.ScheduleState{
		LastScrapeRun:  now.Add(-time.Hour),
		LastAISweepRun: now.Add(-2 * time.Hour),
	}}
	q := &recordingQueue{}
	s := New(testConfig(), state, q, logx.Nop())

	res, err := s.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Emitted) != 0 || len(q.jobs) != 0 {
		t.Fatalf("expected nothing emitted, got %+v jobs=%d", res, len(q.jobs))
	}
	if !state.st.LastScrapeRun.Equal(now.Add(-time.Hour)) {
		t.Fatalf("last scrape run must be unchanged, got %s", state.st.LastScrapeRun)
	}
}

func TestTickEmitsDueSweepsAndAdvances(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := &memState{st: models.ScheduleState{
		LastScrapeRun:  now.Add(-3 * time.Hour),
		LastAISweepRun: now.Add(-time.Hour),
	}}
	q := &recordingQueue{}
	s := New(testConfig(), state, q, logx.Nop())

	res, err := s.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Emitted) != 1 || res.Emitted[0] != models.SweepScrape {
		t.Fatalf("expected only the scrape sweep, got %+v", res)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("expected one discover job per source, got %d", len(q.jobs))
	}
	for _, job := range q.jobs {
		if job.Kind != models.KindDiscover || job.Queue != models.QueueScraping {
			t.Fatalf("unexpected job %+v", job)
		}
	}
	if !state.st.LastScrapeRun.Equal(now) {
		t.Fatalf("expected last scrape run advanced to now, got %s", state.st.LastScrapeRun)
	}

	// Same instant again: nothing is due any more.
	res, err = s.Tick(context.Background(), now.Add(time.Minute))
	if err != nil || len(res.Emitted) != 0 {
		t.Fatalf("expected no re-fire, got %+v err=%v", res, err)
	}
}

func TestTickFirstRunIsDue(t *testing.T) {
	q := &recordingQueue{}
	s := New(testConfig(), &memState{}, q, logx.Nop())
	res, err := s.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Emitted) != 2 {
		t.Fatalf("expected both sweeps on first run, got %+v", res)
	}
	last := q.jobs[len(q.jobs)-1]
	if last.Kind != models.KindAnalysisSweep || last.Fingerprint != models.AnalysisSweepFingerprint {
		t.Fatalf("unexpected analysis trigger %+v", last)
	}
}

func TestTickSkipsWhenQueueUnavailable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	prev := now.Add(-4 * time.Hour)
	state := &memState{st: models.ScheduleState{LastScrapeRun: prev, LastAISweepRun: now}}
	q := &recordingQueue{err: errors.New("connection refused")}
	s := New(testConfig(), state, q, logx.Nop())

	res, err := s.Tick(context.Background(), now)
	if !errors.Is(err, models.ErrSchedulerUnavailable) {
		t.Fatalf("expected ErrSchedulerUnavailable, got %v", err)
	}
	if len(res.Skipped) != 1 || len(res.Emitted) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !state.st.LastScrapeRun.Equal(prev) {
		t.Fatalf("skipped sweep must not advance")
	}

	q.err = nil
	res, err = s.Tick(context.Background(), now.Add(time.Minute))
	if err != nil || len(res.Emitted) != 1 {
		t.Fatalf("expected retry on next tick, got %+v err=%v", res, err)
	}
}

func TestTickDuplicateTriggerCountsAsEmitted(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := &memState{st: models.ScheduleState{LastScrapeRun: now.Add(-5 * time.Hour), LastAISweepRun: now}}
	q := &recordingQueue{pending: map[string]bool{
		string(models.QueueScraping) + "|" + models.DiscoverFingerprint("placsp"): true,
	}}
	s := New(testConfig(), state, q, logx.Nop())

	res, err := s.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Emitted) != 1 || !state.st.LastScrapeRun.Equal(now) {
		t.Fatalf("expected sweep emitted and advanced, got %+v", res)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected only the non-duplicate source enqueued, got %d", len(q.jobs))
	}
}

func TestTickFiresWeeklyFullDiscovery(t *testing.T) {
	now := time.Date(2024, 5, 5, 3, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.FullScrapeInterval = 7 * 24 * time.Hour
	state := &memState{st: models.ScheduleState{
		LastScrapeRun:     now,
		LastAISweepRun:    now.Add(24 * time.Hour),
		LastFullScrapeRun: now.Add(-6 * 24 * time.Hour),
	}}
	q := &recordingQueue{}
	s := New(cfg, state, q, logx.Nop())

	if res, err := s.Tick(context.Background(), now); err != nil || len(res.Emitted) != 0 {
		t.Fatalf("full discovery is not due after six days, got %+v err=%v", res, err)
	}

	later := now.Add(24 * time.Hour)
	res, err := s.Tick(context.Background(), later)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Emitted) != 2 || res.Emitted[0] != models.SweepScrape || res.Emitted[1] != models.SweepFullScrape {
		t.Fatalf("expected the incremental and full sweeps, got %+v", res)
	}
	full := 0
	for _, job := range q.jobs {
		if models.IsFullDiscover(job.Fingerprint) {
			full++
			if job.Kind != models.KindDiscover || job.Queue != models.QueueScraping {
				t.Fatalf("unexpected full discovery job %+v", job)
			}
		}
	}
	if full != len(cfg.ScrapeSources) || len(q.jobs) != 2*len(cfg.ScrapeSources) {
		t.Fatalf("expected one incremental and one full discovery per source, got %+v", q.jobs)
	}
	if !state.st.LastFullScrapeRun.Equal(later) {
		t.Fatalf("full scrape run not advanced, got %s", state.st.LastFullScrapeRun)
	}
}

func TestScheduleStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tenders.db")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	st, err := store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q := &recordingQueue{}
	if _, err := New(testConfig(), st, q, logx.Nop()).Tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	_ = st.Close()

	st, err = store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	q2 := &recordingQueue{}
	res, err := New(testConfig(), st, q2, logx.Nop()).Tick(ctx, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("tick after restart: %v", err)
	}
	if len(res.Emitted) != 0 || len(q2.jobs) != 0 {
		t.Fatalf("restart must not re-fire a sweep that just ran, got %+v", res)
	}
}

func TestStartStop(t *testing.T) {
	s := New(testConfig(), &memState{}, &recordingQueue{}, logx.Nop())
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
