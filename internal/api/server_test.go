package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/queue"
	"tender-pipeline/internal/ratelimit"
	"tender-pipeline/internal/store"
)

type fixture struct {
	srv    *httptest.Server
	store  *store.SQLite
	router *queue.Router
	client *redis.Client
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tenders.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	router := queue.NewRouterWithClient(client, time.Minute, "queue:dlq")
	srv := httptest.NewServer(New(st, router, limiter, logx.Nop()).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, router: router, client: client}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestTenderEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	fp := models.Fingerprint("placsp", "A-1")
	if _, _, err := f.store.Claim(ctx, models.NewItem{Fingerprint: fp, Source: "placsp", ExternalRef: "A-1", Title: "Cloud"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.store.Apply(ctx, store.Transition{
		Fingerprint: fp,
		From:        models.StageDiscovered,
		To:          models.StageFailed,
		LastError:   &models.LastError{Class: models.ClassPermanentParse, Message: "bad payload"},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	_ = f.store.AppendAudit(ctx, fp, "failed", "permanent_parse: bad payload")

	var item struct {
		Stage     models.Stage      `json:"stage"`
		LastError *models.LastError `json:"last_error"`
		Audit     []models.AuditLog `json:"audit"`
	}
	if code := getJSON(t, f.srv.URL+"/tenders/"+fp, &item); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if item.Stage != models.StageFailed || item.LastError == nil || item.LastError.Class != models.ClassPermanentParse {
		t.Fatalf("unexpected item %+v", item)
	}
	if len(item.Audit) != 1 {
		t.Fatalf("expected audit entry, got %d", len(item.Audit))
	}

	var list struct {
		Items []models.TenderItem `json:"items"`
	}
	if code := getJSON(t, f.srv.URL+"/tenders?stage=failed&limit=10", &list); code != http.StatusOK || len(list.Items) != 1 {
		t.Fatalf("expected one failed tender, got code=%d items=%d", code, len(list.Items))
	}

	var counts map[string]int64
	if code := getJSON(t, f.srv.URL+"/tenders/stats", &counts); code != http.StatusOK || counts["Failed"] != 1 {
		t.Fatalf("unexpected counts %v (code %d)", counts, code)
	}

	if code := getJSON(t, f.srv.URL+"/tenders/unknown", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := getJSON(t, f.srv.URL+"/tenders?stage=bogus", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestQueueAndScheduleEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.router.Enqueue(ctx, models.Job{Kind: models.KindScrape, Fingerprint: "fp-1", Queue: models.QueueScraping}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.router.DLQPush(ctx, models.Job{Kind: models.KindDiscover, Fingerprint: models.DiscoverFingerprint("placsp"), Queue: models.QueueScraping}, context.DeadlineExceeded); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := f.store.AdvanceSweep(ctx, models.SweepScrape, time.Time{}, now); err != nil {
		t.Fatalf("advance: %v", err)
	}

	var stats queue.Stats
	if code := getJSON(t, f.srv.URL+"/queues", &stats); code != http.StatusOK || stats.Ready[models.QueueScraping] != 1 || stats.DLQ != 1 {
		t.Fatalf("unexpected stats %+v (code %d)", stats, code)
	}
	var dlq struct {
		Items []queue.DeadLetter `json:"items"`
	}
	if code := getJSON(t, f.srv.URL+"/dlq", &dlq); code != http.StatusOK || len(dlq.Items) != 1 {
		t.Fatalf("unexpected dlq %+v (code %d)", dlq, code)
	}
	var sched models.ScheduleState
	if code := getJSON(t, f.srv.URL+"/schedule", &sched); code != http.StatusOK || !sched.LastScrapeRun.Equal(now) {
		t.Fatalf("unexpected schedule %+v (code %d)", sched, code)
	}
	if code := getJSON(t, f.srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", code)
	}
}

func TestRateLimitedClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newFixture(t, ratelimit.NewTokenBucket(client, 1, 0.001, time.Hour))

	if code := getJSON(t, f.srv.URL+"/schedule", nil); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := getJSON(t, f.srv.URL+"/schedule", nil); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := getJSON(t, f.srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("health check must bypass the limiter, got %d", code)
	}
}
