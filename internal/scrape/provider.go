// Package scrape contains pluggable tender sources and the normalizer that turns their raw
// payloads into pipeline fields.
package scrape

import (
	"context"
	"strings"
	"time"

	"tender-pipeline/internal/config"
)

// RawRecord is one tender as returned by a source. Discovery returns summaries with an empty Body;
// FetchRecord returns the full payload.
type RawRecord struct {
	Source        string    `json:"source"`
	ExternalRef   string    `json:"external_ref"`
	Title         string    `json:"title,omitempty"`
	DeclaredValue *float64  `json:"declared_value,omitempty"`
	Body          []byte    `json:"-"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Provider abstracts all source-specific fetching. Implementations classify failures with
// models.TransientFetchError and models.PermanentParseError.
type Provider interface {
	// Fetch lists the tenders currently published by source.
	Fetch(ctx context.Context, source string) ([]RawRecord, error)
	// FetchRecord fetches the full payload of one tender.
	FetchRecord(ctx context.Context, source, externalRef string) (RawRecord, error)
}

// PagedProvider is implemented by providers that can walk a source's complete listing instead of
// only its most recent tenders. The weekly full discovery uses it.
type PagedProvider interface {
	FetchAll(ctx context.Context, source string, maxPages int) ([]RawRecord, error)
}

// NewProvider picks the configured provider.
func NewProvider(cfg config.Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ScrapeProvider)) {
	case "http":
		return NewHTTPProvider(HTTPProviderOptions{
			BaseURL:   cfg.ScrapeBaseURL,
			UserAgent: cfg.ScrapeUserAgent,
			Timeout:   cfg.HandlerTimeout / 2,
		})
	default:
		return NewMockProvider(MockProviderOptions{}), nil
	}
}

func normalizeRecords(source string, in []RawRecord) []RawRecord {
	out := make([]RawRecord, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		ref := strings.TrimSpace(r.ExternalRef)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		r.ExternalRef = ref
		r.Source = source
		r.Title = strings.TrimSpace(r.Title)
		out = append(out, r)
	}
	return out
}
