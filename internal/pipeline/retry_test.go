package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tender-pipeline/internal/models"
)

func TestQualifies(t *testing.T) {
	cases := []struct {
		value float64
		want  bool
	}{
		{49999.99, false},
		{50000, true},
		{120000, true},
		{0, false},
	}
	for _, tc := range cases {
		if got := Qualifies(tc.value, 50000); got != tc.want {
			t.Fatalf("Qualifies(%v) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	base, max := 2*time.Second, 30*time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		if got := backoffDelay(base, max, attempt); got != w {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, w)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		queue   models.QueueName
		err     error
		outcome Outcome
		class   models.ErrorClass
	}{
		{"success", models.QueueScraping, nil, OutcomeSuccess, ""},
		{"transient fetch", models.QueueScraping, models.TransientFetchError(errors.New("reset")), OutcomeTransient, models.ClassTransientFetch},
		{"wrapped permanent", models.QueueProcessing, fmt.Errorf("process: %w", models.PermanentParseError(errors.New("bad"))), OutcomePermanent, models.ClassPermanentParse},
		{"deadline on scrape", models.QueueScraping, context.DeadlineExceeded, OutcomeTransient, models.ClassTransientFetch},
		{"unclassified on ai", models.QueueAI, errors.New("eof"), OutcomeTransient, models.ClassTransientService},
		{"panic", models.QueueAI, fmt.Errorf("%w: boom", errHandlerPanic), OutcomePermanent, models.ClassPermanentInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, class := Classify(tc.queue, tc.err)
			if outcome != tc.outcome || class != tc.class {
				t.Fatalf("got %s/%s want %s/%s", outcome, class, tc.outcome, tc.class)
			}
		})
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("fp")
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected exclusive access, peak=%d", peak)
	}
	if len(km.locks) != 0 {
		t.Fatalf("expected lock entries to be released, got %d", len(km.locks))
	}
}
