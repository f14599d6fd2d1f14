package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds case and strips diacritics so "Pão" matches "pao".
func Normalize(s string) string {
	// Transformers and casers carry state, so each call builds its own.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(strings.TrimSpace(out))
}

// Filter narrows products by a free-text query (name or barcode) and an
// optional category id. Empty arguments match everything.
func Filter(products []Product, query, categoryID string) []Product {
	q := Normalize(query)
	result := make([]Product, 0, len(products))
	for _, p := range products {
		if categoryID != "" && p.CategoryValue() != categoryID {
			continue
		}
		if q != "" && !strings.Contains(Normalize(p.Name), q) && !strings.Contains(Normalize(p.BarcodeValue()), q) {
			continue
		}
		result = append(result, p)
	}
	return result
}
