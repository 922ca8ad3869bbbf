package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/telemetry"
)

// RateLimited paces calls to the wrapped analyzer within this process.
type RateLimited struct {
	next    Analyzer
	limiter *rate.Limiter
}

func NewRateLimited(next Analyzer, perSecond float64, burst int) *RateLimited {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Analyze(ctx context.Context, fields map[string]any) (map[string]any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		// Deadline too close to wait for a token; let the retry manager reschedule.
		return nil, models.TransientServiceError(fmt.Errorf("rate limit wait: %w", err))
	}
	return r.next.Analyze(ctx, fields)
}

// Cached stores successful analyses in Redis keyed by content hash.
type Cached struct {
	next   Analyzer
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    logx.Logger
}

func NewCached(next Analyzer, client *redis.Client, ttl time.Duration, log logx.Logger) *Cached {
	return &Cached{next: next, client: client, ttl: ttl, prefix: "ai:cache:", log: log.With(logx.String("component", "analyzer_cache"))}
}

func (c *Cached) Analyze(ctx context.Context, fields map[string]any) (map[string]any, error) {
	key := c.prefix + ContentHash(fields)
	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var out map[string]any
		if jerr := json.Unmarshal([]byte(raw), &out); jerr == nil {
			telemetry.AnalyzerCacheHits.Inc()
			return out, nil
		}
	case !errors.Is(err, redis.Nil):
		// Cache trouble must not block analysis.
		c.log.Warn("analysis cache read failed", logx.Err(err))
	}

	out, err := c.next.Analyze(ctx, fields)
	if err != nil {
		return nil, err
	}
	if b, jerr := json.Marshal(out); jerr == nil {
		if serr := c.client.Set(ctx, key, b, c.ttl).Err(); serr != nil {
			c.log.Warn("analysis cache write failed", logx.Err(serr))
		}
	}
	return out, nil
}

// Mock returns a deterministic analysis derived from the fields, for local runs and tests.
type Mock struct{}

func (Mock) Analyze(ctx context.Context, fields map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.TransientServiceError(err)
	}
	title, _ := fields["title"].(string)
	if strings.TrimSpace(title) == "" {
		return nil, models.PermanentInputError(errors.New("tender has no title to analyze"))
	}
	return map[string]any{
		"technology_stack":  map[string]any{"languages": []any{}, "frameworks": []any{}, "databases": []any{}, "cloud": []any{}, "devops": []any{}, "other": []any{}},
		"ict_concepts":      []any{},
		"technical_summary": map[string]any{"objective": title, "scope": "", "requirements": []any{}},
		"model":             "mock",
	}, nil
}
