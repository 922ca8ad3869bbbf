// Package analyzer wraps the AI analysis service behind a small interface with pacing and a
// result cache.
package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
)

// Analyzer produces a structured analysis of normalized tender fields. Implementations classify
// failures with models.TransientServiceError and models.PermanentInputError.
type Analyzer interface {
	Analyze(ctx context.Context, fields map[string]any) (map[string]any, error)
}

// New builds the configured analyzer stack: backend, then rate limiting, then caching, so cache
// hits never spend a rate-limit token.
func New(cfg config.Config, client *redis.Client, log logx.Logger) (Analyzer, error) {
	var base Analyzer
	switch strings.ToLower(strings.TrimSpace(cfg.Analyzer)) {
	case "http", "openai":
		c, err := NewChatClient(ChatClientOptions{
			BaseURL:     cfg.AIBaseURL,
			APIKey:      cfg.AIAPIKey,
			Model:       cfg.AIModel,
			Temperature: cfg.AITemperature,
			MaxTokens:   cfg.AIMaxTokens,
			Timeout:     cfg.HandlerTimeout,
		})
		if err != nil {
			return nil, err
		}
		base = c
	default:
		base = Mock{}
	}
	limited := NewRateLimited(base, cfg.AIRatePerSec, 1)
	if client == nil || cfg.AICacheTTL <= 0 {
		return limited, nil
	}
	return NewCached(limited, client, cfg.AICacheTTL, log), nil
}

// ContentHash is a stable digest of the fields sent to the analyzer. JSON map keys are sorted by
// encoding/json, so equal maps hash equally.
func ContentHash(fields map[string]any) string {
	b, _ := json.Marshal(fields)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
