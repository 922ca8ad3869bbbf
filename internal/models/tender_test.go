package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Stage
		want     bool
	}{
		{StageDiscovered, StageScraped, true},
		{StageDiscovered, StageDiscovered, true},
		{StageDiscovered, StageProcessing, false},
		{StageDiscovered, StageAwaitingAnalysis, false},
		{StageScraped, StageProcessing, true},
		{StageScraped, StageDiscovered, false},
		{StageProcessing, StageAwaitingAnalysis, true},
		{StageProcessing, StageSkipped, true},
		{StageProcessing, StageAnalyzed, false},
		{StageAwaitingAnalysis, StageAnalyzed, true},
		{StageAwaitingAnalysis, StageFailed, true},
		{StageAnalyzed, StageFailed, false},
		{StageSkipped, StageAwaitingAnalysis, false},
		{StageFailed, StageFailed, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("PLACSP", " 2024/001 ")
	b := Fingerprint("placsp", "2024/001")
	if a != b {
		t.Fatalf("expected normalized fingerprints to match: %s vs %s", a, b)
	}
	if a == Fingerprint("gencat", "2024/001") {
		t.Fatalf("different sources must not collide")
	}
	if len(a) != 32 {
		t.Fatalf("unexpected fingerprint length %d", len(a))
	}
}

func TestJobKindRouting(t *testing.T) {
	if KindDiscover.Queue() != QueueScraping || KindAnalysisSweep.Queue() != QueueAI || KindProcess.Queue() != QueueProcessing {
		t.Fatalf("unexpected queue routing")
	}
	if KindDiscover.ItemScoped() || !KindAnalyze.ItemScoped() {
		t.Fatalf("unexpected item scoping")
	}
	if !KindProcess.Accepts(StageProcessing) || KindProcess.Accepts(StageDiscovered) {
		t.Fatalf("process acceptance wrong")
	}
	src := SourceFromDiscoverFingerprint(DiscoverFingerprint("PLACSP"))
	if src != "placsp" {
		t.Fatalf("expected placsp, got %q", src)
	}
	full := FullDiscoverFingerprint("PLACSP")
	if full == DiscoverFingerprint("placsp") || !IsFullDiscover(full) || IsFullDiscover(DiscoverFingerprint("placsp")) {
		t.Fatalf("full discovery must have its own fingerprint, got %q", full)
	}
	if src := SourceFromDiscoverFingerprint(full); src != "placsp" {
		t.Fatalf("expected placsp from full fingerprint, got %q", src)
	}
}

func TestScheduleStateTracksEachSweep(t *testing.T) {
	var st ScheduleState
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, sweep := range Sweeps {
		st.Set(sweep, base.Add(time.Duration(i)*time.Hour))
	}
	for i, sweep := range Sweeps {
		if got := st.Last(sweep); !got.Equal(base.Add(time.Duration(i) * time.Hour)) {
			t.Fatalf("%s: got %s", sweep, got)
		}
	}
}

func TestStageErrorClassification(t *testing.T) {
	err := fmt.Errorf("scrape: %w", TransientFetchError(errors.New("timeout")))
	class, ok := ClassOf(err)
	if !ok || class != ClassTransientFetch || !class.Transient() {
		t.Fatalf("expected transient fetch, got %q ok=%v", class, ok)
	}
	if _, ok := ClassOf(errors.New("plain")); ok {
		t.Fatalf("plain errors carry no class")
	}
	if PermanentParseError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if ClassPermanentInput.Transient() {
		t.Fatalf("permanent input must not be transient")
	}
}
