package models

import "time"

// SweepKind names a scheduler-triggered batch operation.
type SweepKind string

const (
	SweepScrape     SweepKind = "scrape"
	SweepFullScrape SweepKind = "full_scrape"
	SweepAnalysis   SweepKind = "analysis"
)

// Sweeps lists every sweep in the order the scheduler considers them.
var Sweeps = []SweepKind{SweepScrape, SweepFullScrape, SweepAnalysis}

// ScheduleState records when each sweep last fired. Zero times mean never.
type ScheduleState struct {
	LastScrapeRun     time.Time `json:"last_scrape_run"`
	LastFullScrapeRun time.Time `json:"last_full_scrape_run"`
	LastAISweepRun    time.Time `json:"last_ai_sweep_run"`
}

// Last returns the recorded run time of sweep.
func (s ScheduleState) Last(sweep SweepKind) time.Time {
	switch sweep {
	case SweepAnalysis:
		return s.LastAISweepRun
	case SweepFullScrape:
		return s.LastFullScrapeRun
	default:
		return s.LastScrapeRun
	}
}

// Set records now as the last run of sweep.
func (s *ScheduleState) Set(sweep SweepKind, now time.Time) {
	switch sweep {
	case SweepAnalysis:
		s.LastAISweepRun = now
	case SweepFullScrape:
		s.LastFullScrapeRun = now
	default:
		s.LastScrapeRun = now
	}
}
