package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tender-pipeline/internal/models"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"60000", 60000, true},
		{"1.234.567,89 €", 1234567.89, true},
		{"50,000.00 EUR", 50000, true},
		{"50.000", 50000, true},
		{"49999,5", 49999.5, true},
		{"12.5", 12.5, true},
		{"sin importe", 0, false},
		{"", 0, false},
		{"-60000", 0, false},
		{" -1.234,56 €", 0, false},
		{"\u221250000", 0, false},
		{"1.5e6", 0, false},
		{"2E-3", 0, false},
		{"7e+4", 0, false},
		{"60000 EUR", 60000, true},
		{"EUR 60.000,00", 60000, true},
		{"60000 EUR - IVA incluido", 60000, true},
	}
	for _, c := range cases {
		got, ok := ParseAmount(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("ParseAmount(%q) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestJSONNormalizerIgnoresNegativeAmount(t *testing.T) {
	rec := RawRecord{
		Source:      "placsp",
		ExternalRef: "2024/009",
		Body:        []byte(`{"id_licitacion":"2024/009","titulo":"Obras","presupuesto_base":"-60000"}`),
	}
	norm, err := JSONNormalizer{}.Normalize(rec)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if norm.DeclaredValue != nil {
		t.Fatalf("negative amount must leave the value unknown, got %v", *norm.DeclaredValue)
	}
}

func TestJSONNormalizer(t *testing.T) {
	rec := RawRecord{
		Source:      "placsp",
		ExternalRef: "2024/001",
		Body:        []byte(`{"tender":{"id_licitacion":"2024/001","titulo":" Reforma ","presupuesto_base":"60.000,00 €","organo_contratacion":"Ayto"}}`),
	}
	n, err := JSONNormalizer{}.Normalize(rec)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if n.Fingerprint != models.Fingerprint("placsp", "2024/001") {
		t.Fatalf("unexpected fingerprint %s", n.Fingerprint)
	}
	if n.DeclaredValue == nil || *n.DeclaredValue != 60000 {
		t.Fatalf("unexpected value %v", n.DeclaredValue)
	}
	if n.Fields["title"] != "Reforma" || n.Fields["buyer"] != "Ayto" {
		t.Fatalf("unexpected fields %v", n.Fields)
	}
}

func TestJSONNormalizerFailures(t *testing.T) {
	_, err := JSONNormalizer{}.Normalize(RawRecord{Source: "placsp", Body: []byte(`not json`)})
	if class, ok := models.ClassOf(err); !ok || class != models.ClassPermanentParse {
		t.Fatalf("expected permanent parse error, got %v", err)
	}
	_, err = JSONNormalizer{}.Normalize(RawRecord{Source: "placsp", ExternalRef: "x", Body: []byte(`{"presupuesto_base":1}`)})
	if class, _ := models.ClassOf(err); class != models.ClassPermanentParse {
		t.Fatalf("missing title should be permanent, got %v", err)
	}
	n, err := JSONNormalizer{}.Normalize(RawRecord{Source: "placsp", ExternalRef: "x", Body: []byte(`{"titulo":"t","presupuesto_base":"n/d"}`)})
	if err != nil || n.DeclaredValue != nil {
		t.Fatalf("unparseable value should normalize to unknown, got %v %v", n.DeclaredValue, err)
	}
}

func TestMockProviderDeterministic(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvider(MockProviderOptions{Seed: 7, PerPage: 3})
	recs, err := p.Fetch(ctx, "placsp")
	if err != nil || len(recs) != 3 {
		t.Fatalf("fetch: %v %d", err, len(recs))
	}
	a, _ := p.FetchRecord(ctx, "placsp", recs[0].ExternalRef)
	b, _ := p.FetchRecord(ctx, "placsp", recs[0].ExternalRef)
	if *a.DeclaredValue != *b.DeclaredValue || string(a.Body) != string(b.Body) {
		t.Fatalf("mock output must be deterministic")
	}
	if _, err := (JSONNormalizer{}).Normalize(a); err != nil {
		t.Fatalf("mock payload should normalize: %v", err)
	}
	_, err = p.FetchRecord(ctx, "placsp", "  ")
	if class, ok := models.ClassOf(err); !ok || class != models.ClassPermanentParse {
		t.Fatalf("empty ref should be a permanent parse error, got %v", err)
	}
}

func TestHTTPProviderClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sources/placsp/tenders":
			_, _ = w.Write([]byte(`{"tenders":[{"external_ref":"A"},{"id":"B","title":"b"},{"external_ref":"A"},{"title":"no ref"}]}`))
		case "/sources/placsp/tenders/A":
			_, _ = w.Write([]byte(`{"titulo":"Obra A","presupuesto_base":75000}`))
		case "/sources/placsp/tenders/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/sources/placsp/tenders/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	p, err := NewHTTPProvider(HTTPProviderOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	recs, err := p.Fetch(ctx, "placsp")
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected 2 deduplicated summaries, got %v (%v)", recs, err)
	}
	rec, err := p.FetchRecord(ctx, "placsp", "A")
	if err != nil || rec.DeclaredValue == nil || *rec.DeclaredValue != 75000 || rec.Title != "Obra A" {
		t.Fatalf("unexpected record %+v (%v)", rec, err)
	}

	for ref, want := range map[string]models.ErrorClass{
		"busy":    models.ClassTransientFetch,
		"down":    models.ClassTransientFetch,
		"missing": models.ClassPermanentParse,
	} {
		_, err := p.FetchRecord(ctx, "placsp", ref)
		class, ok := models.ClassOf(err)
		if !ok || class != want {
			t.Errorf("%s: expected %s, got %v", ref, want, err)
		}
	}

	srv.Close()
	_, err = p.Fetch(ctx, "placsp")
	var se *models.StageError
	if !errors.As(err, &se) || !se.Transient() {
		t.Fatalf("connection failure should be transient, got %v", err)
	}
}

func TestHTTPProviderFetchAllWalksPages(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
	)
	requested := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), pages...)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()
		switch page {
		case "1":
			_, _ = w.Write([]byte(`{"tenders":[{"external_ref":"A"},{"external_ref":"B"}]}`))
		case "2":
			_, _ = w.Write([]byte(`[{"external_ref":"B"},{"external_ref":"C"}]`))
		default:
			_, _ = w.Write([]byte(`{"tenders":[]}`))
		}
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPProviderOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	recs, err := p.FetchAll(context.Background(), "placsp", 10)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(recs) != 3 || recs[2].ExternalRef != "C" || recs[0].Source != "placsp" {
		t.Fatalf("expected A, B, C across pages, got %+v", recs)
	}
	if got := requested(); len(got) != 3 {
		t.Fatalf("expected to stop at the first empty page, requested %v", got)
	}

	if _, err := p.FetchAll(context.Background(), "placsp", 1); err != nil {
		t.Fatalf("fetch one page: %v", err)
	}
	if got := requested(); len(got) != 4 || got[3] != "1" {
		t.Fatalf("max pages not honoured, requested %v", got)
	}
}

func TestMockProviderFetchAllExtendsListing(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvider(MockProviderOptions{PerPage: 2})
	recent, _ := p.Fetch(ctx, "placsp")
	all, err := p.FetchAll(ctx, "placsp", 3)
	if err != nil || len(all) != 6 {
		t.Fatalf("expected three pages of two, got %d (%v)", len(all), err)
	}
	if all[0].ExternalRef != recent[0].ExternalRef {
		t.Fatalf("first page should match the recent listing")
	}
	if capped, _ := p.FetchAll(ctx, "placsp", 100); len(capped) != 2*mockHistoryPages {
		t.Fatalf("expected history capped at %d pages, got %d records", mockHistoryPages, len(capped))
	}
}
