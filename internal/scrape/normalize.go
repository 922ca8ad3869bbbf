package scrape

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"tender-pipeline/internal/models"
)

// Normalized is the pipeline view of a scraped tender.
type Normalized struct {
	Fingerprint   string
	DeclaredValue *float64
	Fields        map[string]any
}

// Normalizer turns a raw record into normalized fields. It fails with models.PermanentParseError
// when required fields cannot be extracted.
type Normalizer interface {
	Normalize(rec RawRecord) (Normalized, error)
}

var (
	refKeys   = []string{"external_ref", "id_licitacion", "id", "codi_expedient", "expediente"}
	titleKeys = []string{"title", "titulo", "denominacio", "objeto"}
	valueKeys = []string{"declared_value", "presupuesto_base", "pressupost_licitacio_sense", "budget", "valor_estimado", "valor_estimat_contracte"}

	// canonical field name -> accepted source keys
	fieldKeys = map[string][]string{
		"buyer":           {"buyer", "organo_contratacion", "nom_organ"},
		"contract_type":   {"contract_type", "tipo_contrato", "tipus_contracte"},
		"procedure":       {"procedure", "procedimiento", "procediment"},
		"cpv":             {"cpv", "codi_cpv"},
		"deadline":        {"deadline", "fecha_limite", "termini_presentacio_ofertes"},
		"location":        {"location", "lugar_ejecucion", "lloc_execucio"},
		"summary":         {"summary", "resumen", "descripcio"},
		"estimated_value": {"estimated_value", "valor_estimado", "valor_estimat_contracte"},
	}
)

// JSONNormalizer normalizes JSON payloads from any configured source.
type JSONNormalizer struct{}

func (JSONNormalizer) Normalize(rec RawRecord) (Normalized, error) {
	obj, err := unwrapObject(rec.Body)
	if err != nil {
		return Normalized{}, models.PermanentParseError(fmt.Errorf("normalize %s/%s: %w", rec.Source, rec.ExternalRef, err))
	}
	ref := stringField(obj, refKeys...)
	if ref == "" {
		ref = strings.TrimSpace(rec.ExternalRef)
	}
	if ref == "" {
		return Normalized{}, models.PermanentParseError(errors.New("normalize: missing external reference"))
	}
	title := stringField(obj, titleKeys...)
	if title == "" {
		title = strings.TrimSpace(rec.Title)
	}
	if title == "" {
		return Normalized{}, models.PermanentParseError(fmt.Errorf("normalize %s: missing title", ref))
	}

	fields := map[string]any{
		"source":       rec.Source,
		"external_ref": ref,
		"title":        title,
	}
	for name, keys := range fieldKeys {
		if v, ok := firstPresent(obj, keys...); ok {
			if s, isStr := v.(string); isStr {
				v = strings.TrimSpace(s)
			}
			fields[name] = v
		}
	}

	out := Normalized{Fingerprint: models.Fingerprint(rec.Source, ref), Fields: fields}
	if v, ok := extractValue(obj); ok {
		out.DeclaredValue = &v
	} else if rec.DeclaredValue != nil {
		v := *rec.DeclaredValue
		out.DeclaredValue = &v
	}
	return out, nil
}

// unwrapObject accepts {"tender":{...}} or a bare object.
func unwrapObject(raw []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("empty payload")
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if inner, ok := obj["tender"].(map[string]any); ok {
		return inner, nil
	}
	return obj, nil
}

func firstPresent(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func stringField(obj map[string]any, keys ...string) string {
	v, ok := firstPresent(obj, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func extractValue(obj map[string]any) (float64, bool) {
	for _, k := range valueKeys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			if !math.IsNaN(t) && !math.IsInf(t, 0) && t >= 0 {
				return t, true
			}
		case string:
			if f, ok := ParseAmount(t); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// ParseAmount parses a monetary amount written with either European or English separators,
// e.g. "1.234.567,89 €", "50,000.00 EUR", "60000". A single separator followed by exactly three
// digits is read as a thousands separator. Negative amounts and exponent notation are rejected.
func ParseAmount(s string) (float64, bool) {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		switch {
		case (r >= '0' && r <= '9') || r == ',' || r == '.':
			b.WriteRune(r)
		case (r == '-' || r == '\u2212') && b.Len() == 0:
			return 0, false
		case (r == 'e' || r == 'E') && isExponent(runes, i):
			return 0, false
		}
	}
	num := b.String()
	if num == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(num, ",")
	lastDot := strings.LastIndex(num, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		num = resolveSingleSeparator(num, ",")
	case lastDot >= 0:
		num = resolveSingleSeparator(num, ".")
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// isExponent reports whether the e at runes[i] sits between a mantissa and an exponent, as in
// "1.5e6" or "2E-3".
func isExponent(runes []rune, i int) bool {
	if i == 0 || i+1 >= len(runes) {
		return false
	}
	prev := runes[i-1]
	if !(prev >= '0' && prev <= '9') && prev != '.' {
		return false
	}
	next := runes[i+1]
	if (next == '+' || next == '-') && i+2 < len(runes) {
		next = runes[i+2]
	}
	return next >= '0' && next <= '9'
}

func resolveSingleSeparator(num, sep string) string {
	if strings.Count(num, sep) > 1 {
		return strings.ReplaceAll(num, sep, "")
	}
	idx := strings.Index(num, sep)
	if len(num)-idx-1 == 3 {
		return strings.Replace(num, sep, "", 1)
	}
	return strings.Replace(num, sep, ".", 1)
}
