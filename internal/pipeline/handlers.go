package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tender-pipeline/internal/analyzer"
	"tender-pipeline/internal/blob"
	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/scrape"
	"tender-pipeline/internal/store"
	"tender-pipeline/internal/telemetry"
)

// SourceLimiter throttles outbound requests per source.
type SourceLimiter interface {
	AllowSource(ctx context.Context, source string) (bool, error)
}

// DepthReader reports queue backlog.
type DepthReader interface {
	Depth(ctx context.Context, name models.QueueName) (int64, error)
}

// Handlers holds the collaborators of the stage handlers.
type Handlers struct {
	Config     config.Config
	Store      store.Store
	Provider   scrape.Provider
	Normalizer scrape.Normalizer
	Analyzer   analyzer.Analyzer
	Blob       blob.Store
	Limiter    SourceLimiter // optional
	Depth      DepthReader   // optional
	Log        logx.Logger
}

// Table returns the handler for every job kind.
func (h *Handlers) Table() map[models.JobKind]Handler {
	return map[models.JobKind]Handler{
		models.KindDiscover:      h.discover,
		models.KindScrape:        h.scrape,
		models.KindProcess:       h.process,
		models.KindAnalyze:       h.analyze,
		models.KindAnalysisSweep: h.analysisSweep,
	}
}

func (h *Handlers) allow(ctx context.Context, source string) error {
	if h.Limiter == nil {
		return nil
	}
	ok, err := h.Limiter.AllowSource(ctx, source)
	if err != nil {
		return models.TransientFetchError(fmt.Errorf("rate limiter: %w", err))
	}
	if !ok {
		telemetry.RateLimitRejects.WithLabelValues(source).Inc()
		return models.TransientFetchError(fmt.Errorf("source %s rate limited", source))
	}
	return nil
}

// discover lists a source. It defers while downstream queues are backed up so discovery cannot
// outrun processing. A deferral is not a failed attempt.
func (h *Handlers) discover(ctx context.Context, job models.Job, _ *models.TenderItem) Result {
	source := models.SourceFromDiscoverFingerprint(job.Fingerprint)
	if source == "" {
		return failure(models.PermanentInputError(errors.New("discover job without source")))
	}
	if h.Depth != nil && h.Config.DiscoveryBacklogLimit > 0 {
		var backlog int64
		for _, q := range []models.QueueName{models.QueueProcessing, models.QueueAI} {
			n, err := h.Depth.Depth(ctx, q)
			if err != nil {
				return failure(models.TransientServiceError(fmt.Errorf("queue depth: %w", err)))
			}
			backlog += n
		}
		if backlog > int64(h.Config.DiscoveryBacklogLimit) {
			h.Log.Info("discovery deferred", logx.String("source", source), logx.Int64("backlog", backlog), logx.Int("limit", h.Config.DiscoveryBacklogLimit))
			return deferred(h.discoveryDeferral())
		}
	}
	if err := h.allow(ctx, source); err != nil {
		return failure(err)
	}
	records, err := h.list(ctx, job.Fingerprint, source)
	if err != nil {
		return failure(err)
	}
	items := make([]models.NewItem, 0, len(records))
	for _, rec := range records {
		if rec.ExternalRef == "" {
			continue
		}
		items = append(items, models.NewItem{
			Fingerprint: models.Fingerprint(source, rec.ExternalRef),
			Source:      source,
			ExternalRef: rec.ExternalRef,
			Title:       rec.Title,
		})
	}
	return Result{Discovered: items}
}

// list uses the paged full listing for a full discovery when the provider supports it.
func (h *Handlers) list(ctx context.Context, fp, source string) ([]scrape.RawRecord, error) {
	if models.IsFullDiscover(fp) {
		if paged, ok := h.Provider.(scrape.PagedProvider); ok {
			return paged.FetchAll(ctx, source, h.Config.FullScrapeMaxPages)
		}
	}
	return h.Provider.Fetch(ctx, source)
}

// discoveryDeferral is how long a backlogged discovery waits before it looks again.
func (h *Handlers) discoveryDeferral() time.Duration {
	if h.Config.RetryBackoffMax > 0 {
		return h.Config.RetryBackoffMax
	}
	return time.Minute
}

func (h *Handlers) scrape(ctx context.Context, _ models.Job, item *models.TenderItem) Result {
	if err := h.allow(ctx, item.Source); err != nil {
		return failure(err)
	}
	rec, err := h.Provider.FetchRecord(ctx, item.Source, item.ExternalRef)
	if err != nil {
		return failure(err)
	}
	ref, err := h.Blob.Put(ctx, blob.Key(item.Source, item.Fingerprint), rec.Body, "application/json")
	if err != nil {
		return failure(models.TransientFetchError(fmt.Errorf("store payload: %w", err)))
	}
	title := rec.Title
	if title == "" {
		title = item.Title
	}
	return success(store.Transition{
		To:            models.StageScraped,
		Title:         title,
		DeclaredValue: rec.DeclaredValue,
		PayloadRef:    ref,
	})
}

// process normalizes the scraped payload and applies the budget gate.
func (h *Handlers) process(ctx context.Context, _ models.Job, item *models.TenderItem) Result {
	if item.PayloadRef == "" {
		return failure(models.PermanentParseError(errors.New("scraped tender has no payload")))
	}
	body, err := h.Blob.Get(ctx, item.PayloadRef)
	if err != nil {
		return failure(models.TransientServiceError(fmt.Errorf("load payload: %w", err)))
	}
	norm, err := h.Normalizer.Normalize(scrape.RawRecord{Source: item.Source, ExternalRef: item.ExternalRef, Title: item.Title, Body: body})
	if err != nil {
		return failure(err)
	}
	if norm.Fingerprint != item.Fingerprint {
		return failure(models.PermanentParseError(fmt.Errorf("payload reference resolves to %s, not %s", norm.Fingerprint, item.Fingerprint)))
	}
	value := item.DeclaredValue
	if value == nil {
		value = norm.DeclaredValue
	}
	if value == nil {
		return failure(models.PermanentParseError(errors.New("declared value unknown")))
	}

	to, decision := models.StageSkipped, "skipped"
	if Qualifies(*value, h.Config.AIBudgetThreshold) {
		to, decision = models.StageAwaitingAnalysis, "qualified"
	}
	telemetry.BudgetDecisions.WithLabelValues(decision).Inc()
	return success(store.Transition{
		To:            to,
		DeclaredValue: value,
		Fields:        norm.Fields,
	})
}

func (h *Handlers) analyze(ctx context.Context, _ models.Job, item *models.TenderItem) Result {
	if item.Fields == nil {
		return failure(models.PermanentInputError(errors.New("tender has no normalized fields")))
	}
	analysis, err := h.Analyzer.Analyze(ctx, item.Fields)
	if err != nil {
		return failure(err)
	}
	return success(store.Transition{To: models.StageAnalyzed, Analysis: analysis})
}

// analysisSweep re-offers items stuck in AwaitingAnalysis. The router drops fingerprints that
// already have an analyze job pending.
func (h *Handlers) analysisSweep(ctx context.Context, _ models.Job, _ *models.TenderItem) Result {
	items, err := h.Store.ListByStage(ctx, models.StageAwaitingAnalysis, h.Config.AnalysisSweepBatch)
	if err != nil {
		return failure(models.TransientServiceError(fmt.Errorf("list awaiting analysis: %w", err)))
	}
	fps := make([]string, 0, len(items))
	for _, it := range items {
		fps = append(fps, it.Fingerprint)
	}
	return Result{FollowUps: fps}
}
