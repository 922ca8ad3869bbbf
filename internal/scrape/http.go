package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tender-pipeline/internal/models"
)

// HTTPProvider expects a JSON API under SCRAPE_BASE_URL:
//
//	GET {base}/sources/{source}/tenders        -> {"tenders":[...]} or [...]
//	GET {base}/sources/{source}/tenders?page=N -> one page of the full listing
//	GET {base}/sources/{source}/tenders/{ref}  -> {"tender":{...}} or {...}
type HTTPProvider struct {
	baseURL   string
	client    *http.Client
	userAgent string
	maxBytes  int64
}

type HTTPProviderOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

func NewHTTPProvider(opts HTTPProviderOptions) (*HTTPProvider, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("scrape base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid scrape base url: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 30 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "tender-pipeline/1.0"
	}
	return &HTTPProvider{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
		maxBytes:  10 * 1024 * 1024,
	}, nil
}

type summary struct {
	ExternalRef   string   `json:"external_ref"`
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	DeclaredValue *float64 `json:"declared_value"`
}

func (p *HTTPProvider) Fetch(ctx context.Context, source string) ([]RawRecord, error) {
	out, err := p.listPage(ctx, source, 0)
	if err != nil {
		return nil, err
	}
	return normalizeRecords(source, out), nil
}

// FetchAll walks ?page=1..maxPages and stops at the first empty page.
func (p *HTTPProvider) FetchAll(ctx context.Context, source string, maxPages int) ([]RawRecord, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	var all []RawRecord
	for page := 1; page <= maxPages; page++ {
		recs, err := p.listPage(ctx, source, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if len(recs) == 0 {
			break
		}
		all = append(all, recs...)
	}
	return normalizeRecords(source, all), nil
}

// listPage fetches one listing page; page 0 is the unpaged most-recent listing.
func (p *HTTPProvider) listPage(ctx context.Context, source string, page int) ([]RawRecord, error) {
	u := p.baseURL + "/sources/" + url.PathEscape(source) + "/tenders"
	if page > 0 {
		u += "?page=" + strconv.Itoa(page)
	}
	body, err := p.doGET(ctx, u)
	if err != nil {
		return nil, err
	}

	// Accept both object-wrapped and bare-array payloads.
	var wrapped struct {
		Tenders []summary `json:"tenders"`
	}
	var list []summary
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Tenders != nil {
		list = wrapped.Tenders
	} else if err := json.Unmarshal(body, &list); err != nil {
		return nil, models.PermanentParseError(fmt.Errorf("listing payload parse: %w", err))
	}

	now := time.Now().UTC()
	out := make([]RawRecord, 0, len(list))
	for _, s := range list {
		ref := s.ExternalRef
		if ref == "" {
			ref = s.ID
		}
		out = append(out, RawRecord{ExternalRef: ref, Title: s.Title, DeclaredValue: s.DeclaredValue, FetchedAt: now})
	}
	return out, nil
}

func (p *HTTPProvider) FetchRecord(ctx context.Context, source, externalRef string) (RawRecord, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return RawRecord{}, models.PermanentParseError(errors.New("external ref is required"))
	}
	u := p.baseURL + "/sources/" + url.PathEscape(source) + "/tenders/" + url.PathEscape(ref)
	body, err := p.doGET(ctx, u)
	if err != nil {
		return RawRecord{}, err
	}
	obj, err := unwrapObject(body)
	if err != nil {
		return RawRecord{}, models.PermanentParseError(fmt.Errorf("detail payload parse: %w", err))
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return RawRecord{}, models.PermanentParseError(err)
	}
	rec := RawRecord{
		Source:      source,
		ExternalRef: ref,
		Title:       stringField(obj, titleKeys...),
		Body:        canonical,
		FetchedAt:   time.Now().UTC(),
	}
	if v, ok := extractValue(obj); ok {
		rec.DeclaredValue = &v
	}
	return rec, nil
}

// doGET classifies failures: network errors, 429 and 5xx are transient; other non-2xx are
// permanent for this reference.
func (p *HTTPProvider) doGET(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, models.PermanentParseError(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, models.TransientFetchError(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, models.TransientFetchError(fmt.Errorf("read body: %w", err))
	}
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, models.TransientFetchError(fmt.Errorf("http status %d", status))
	case status < 200 || status >= 300:
		return nil, models.PermanentParseError(fmt.Errorf("http status %d", status))
	}
	if int64(len(b)) > p.maxBytes {
		return nil, models.PermanentParseError(fmt.Errorf("payload too large (>%d bytes)", p.maxBytes))
	}
	return b, nil
}
