package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input envelope caps. Content length is configured; the rest are fixed.
const (
	maxOwnerChars    = 128
	maxTagChars      = 64
	maxTags          = 32
	maxMetadataKeys  = 64
	maxMetadataChars = 1024
	maxQueryTerms    = 16
)

// validOwnerChar: alphanumeric plus - _ . : for compound agent ids.
func validOwnerChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' || r == ':'
}

// validateIngest rejects malformed ingest input. Content is checked but
// never altered: what gets stored is exactly what was sent, or nothing.
func validateIngest(req *IngestRequest, maxContentBytes int) error {
	req.Owner = strings.TrimSpace(req.Owner)
	if req.Owner == "" {
		return validationErr("owner", "must not be empty")
	}
	if len(req.Owner) > maxOwnerChars {
		return validationErr("owner", fmt.Sprintf("longer than %d characters", maxOwnerChars))
	}
	for _, r := range req.Owner {
		if !validOwnerChar(r) {
			return validationErr("owner", fmt.Sprintf("character %q not allowed", r))
		}
	}

	if strings.TrimSpace(req.Content) == "" {
		return validationErr("content", "must not be empty")
	}
	if len(req.Content) > maxContentBytes {
		return validationErr("content", fmt.Sprintf("exceeds %d bytes", maxContentBytes))
	}
	if !utf8.ValidString(req.Content) {
		return validationErr("content", "not valid UTF-8")
	}

	if len(req.Tags) > maxTags {
		return validationErr("tags", fmt.Sprintf("more than %d tags", maxTags))
	}
	for _, t := range req.Tags {
		if len(t) > maxTagChars {
			return validationErr("tags", fmt.Sprintf("tag longer than %d characters", maxTagChars))
		}
	}

	if len(req.Metadata) > maxMetadataKeys {
		return validationErr("metadata", fmt.Sprintf("more than %d keys", maxMetadataKeys))
	}
	for k, v := range req.Metadata {
		if strings.TrimSpace(k) == "" {
			return validationErr("metadata", "empty key")
		}
		if len(k) > maxTagChars {
			return validationErr("metadata", fmt.Sprintf("key %q too long", k))
		}
		if len(v) > maxMetadataChars {
			return validationErr("metadata", fmt.Sprintf("value for %q exceeds %d characters", k, maxMetadataChars))
		}
	}

	if req.Importance != nil && (math.IsNaN(*req.Importance) || math.IsInf(*req.Importance, 0)) {
		return validationErr("importance", "must be a finite number")
	}
	return nil
}

// normalizeTags lowercases, trims, de-duplicates, and sorts tags so equal
// tag sets index and compare identically.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		normalized = append(normalized, t)
	}
	sort.Strings(normalized)
	return normalized
}

// normalizeLabel canonicalizes an entity label for storage and lookup.
func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// clampImportance bounds importance to [0, 1] on entry; stored values
// never drift afterwards.
func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// queryTerms tokenizes a query for the graph signal's label fallback:
// lowercase alphanumeric runs, single characters dropped, capped.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})

	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, tok := range fields {
		if utf8.RuneCountInString(tok) < 2 || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return terms
}
