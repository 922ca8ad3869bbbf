package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"tender-pipeline/internal/models"
)

// MockProvider produces synthetic tenders for demos and tests. Output is deterministic for a
// given seed and makes no network calls.
type MockProvider struct {
	seed    int64
	perPage int
}

type MockProviderOptions struct {
	Seed    int64 // optional; 0 uses a fixed default
	PerPage int
}

func NewMockProvider(opts MockProviderOptions) *MockProvider {
	seed := opts.Seed
	if seed == 0 {
		seed = 42
	}
	n := opts.PerPage
	if n <= 0 {
		n = 8
	}
	return &MockProvider{seed: seed, perPage: n}
}

func (m *MockProvider) Fetch(ctx context.Context, source string) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := strings.ToLower(strings.TrimSpace(source))
	out := make([]RawRecord, 0, m.perPage)
	now := time.Now().UTC()
	for i := 0; i < m.perPage; i++ {
		ref := fmt.Sprintf("%s-%04d", strings.ToUpper(src), i+1)
		out = append(out, RawRecord{Source: src, ExternalRef: ref, Title: "Synthetic tender " + ref, FetchedAt: now})
	}
	return out, nil
}

// mockHistoryPages bounds the synthetic history FetchAll can walk.
const mockHistoryPages = 5

// FetchAll returns up to maxPages pages of synthetic history; the first page matches Fetch.
func (m *MockProvider) FetchAll(ctx context.Context, source string, maxPages int) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages := min(max(maxPages, 1), mockHistoryPages)
	src := strings.ToLower(strings.TrimSpace(source))
	out := make([]RawRecord, 0, pages*m.perPage)
	now := time.Now().UTC()
	for i := 0; i < pages*m.perPage; i++ {
		ref := fmt.Sprintf("%s-%04d", strings.ToUpper(src), i+1)
		out = append(out, RawRecord{Source: src, ExternalRef: ref, Title: "Synthetic tender " + ref, FetchedAt: now})
	}
	return out, nil
}

func (m *MockProvider) FetchRecord(ctx context.Context, source, externalRef string) (RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return RawRecord{}, err
	}
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return RawRecord{}, models.PermanentParseError(errors.New("external ref is required"))
	}
	r := rand.New(rand.NewSource(int64(fnv64(source+"|"+ref)) ^ m.seed))
	value := float64(5000 + r.Int63n(195000))

	doc := map[string]any{
		"id_licitacion":       ref,
		"titulo":              "Synthetic tender " + ref,
		"organo_contratacion": "Ayuntamiento de Ejemplo",
		"tipo_contrato":       []string{"Obras", "Servicios", "Suministros"}[r.Intn(3)],
		"procedimiento":       "Abierto",
		"presupuesto_base":    value,
		"cpv":                 fmt.Sprintf("45%06d", r.Intn(1000000)),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return RawRecord{}, err
	}
	return RawRecord{
		Source:        strings.ToLower(strings.TrimSpace(source)),
		ExternalRef:   ref,
		Title:         "Synthetic tender " + ref,
		DeclaredValue: &value,
		Body:          body,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

// fnv64 returns a simple 64-bit hash for deterministic mock data.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
