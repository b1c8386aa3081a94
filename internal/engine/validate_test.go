package engine

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestValidateIngest(t *testing.T) {
	valid := func() IngestRequest {
		return IngestRequest{Owner: "user-1", Content: "remembers the gist"}
	}

	longTags := make([]string, maxTags+1)
	for i := range longTags {
		longTags[i] = "t"
	}
	bigMeta := make(map[string]string, maxMetadataKeys+1)
	for i := 0; i <= maxMetadataKeys; i++ {
		bigMeta[strings.Repeat("k", i+1)] = "v"
	}
	nan := math.NaN()
	inf := math.Inf(1)

	cases := []struct {
		name      string
		mutate    func(*IngestRequest)
		wantField string
	}{
		{"valid", func(r *IngestRequest) {}, ""},
		{"owner with compound id", func(r *IngestRequest) { r.Owner = "agent:U1.session_2" }, ""},
		{"empty owner", func(r *IngestRequest) { r.Owner = "" }, "owner"},
		{"whitespace owner", func(r *IngestRequest) { r.Owner = "   " }, "owner"},
		{"owner with space", func(r *IngestRequest) { r.Owner = "bad owner" }, "owner"},
		{"owner with emoji", func(r *IngestRequest) { r.Owner = "u1\U0001F4A5" }, "owner"},
		{"owner too long", func(r *IngestRequest) { r.Owner = strings.Repeat("a", maxOwnerChars+1) }, "owner"},
		{"empty content", func(r *IngestRequest) { r.Content = "" }, "content"},
		{"whitespace content", func(r *IngestRequest) { r.Content = " \n\t " }, "content"},
		{"oversized content", func(r *IngestRequest) { r.Content = strings.Repeat("x", 100) }, "content"},
		{"invalid utf8", func(r *IngestRequest) { r.Content = "bad\xff\xfe" }, "content"},
		{"too many tags", func(r *IngestRequest) { r.Tags = longTags }, "tags"},
		{"tag too long", func(r *IngestRequest) { r.Tags = []string{strings.Repeat("t", maxTagChars+1)} }, "tags"},
		{"too many metadata keys", func(r *IngestRequest) { r.Metadata = bigMeta }, "metadata"},
		{"empty metadata key", func(r *IngestRequest) { r.Metadata = map[string]string{" ": "v"} }, "metadata"},
		{"metadata key too long", func(r *IngestRequest) {
			r.Metadata = map[string]string{strings.Repeat("k", maxTagChars+1): "v"}
		}, "metadata"},
		{"metadata value too long", func(r *IngestRequest) {
			r.Metadata = map[string]string{"k": strings.Repeat("v", maxMetadataChars+1)}
		}, "metadata"},
		{"importance NaN", func(r *IngestRequest) { r.Importance = &nan }, "importance"},
		{"importance infinite", func(r *IngestRequest) { r.Importance = &inf }, "importance"},
	}

	for _, tc := range cases {
		req := valid()
		tc.mutate(&req)
		err := validateIngest(&req, 64)

		if tc.wantField == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
			continue
		}
		if verr.Field != tc.wantField {
			t.Errorf("%s: field = %s, want %s", tc.name, verr.Field, tc.wantField)
		}
	}
}

func TestValidateIngestTrimsOwnerOnly(t *testing.T) {
	req := IngestRequest{Owner: "  u1  ", Content: "  padded content  "}
	if err := validateIngest(&req, 1024); err != nil {
		t.Fatalf("validateIngest: %v", err)
	}
	if req.Owner != "u1" {
		t.Errorf("Owner = %q, want trimmed", req.Owner)
	}
	// Content is stored exactly as sent.
	if req.Content != "  padded content  " {
		t.Errorf("Content = %q, was altered", req.Content)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" DB ", "infra", "db", "", "Infra"})
	want := []string{"db", "infra"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalizeTags = %v, want %v", got, want)
	}

	empty := normalizeTags(nil)
	if empty == nil || len(empty) != 0 {
		t.Errorf("normalizeTags(nil) = %v, want empty non-nil slice", empty)
	}
}

func TestNormalizeLabel(t *testing.T) {
	if got := normalizeLabel("  Alice Chen "); got != "alice chen" {
		t.Errorf("normalizeLabel = %q", got)
	}
	if got := normalizeLabel("   "); got != "" {
		t.Errorf("normalizeLabel(blank) = %q, want empty", got)
	}
}

func TestClampImportance(t *testing.T) {
	cases := map[float64]float64{-0.5: 0, 0: 0, 0.42: 0.42, 1: 1, 1.5: 1}
	for in, want := range cases {
		if got := clampImportance(in); got != want {
			t.Errorf("clampImportance(%f) = %f, want %f", in, got, want)
		}
	}
}

func TestQueryTerms(t *testing.T) {
	got := queryTerms("What is Alice working on? alice, postgres-db!")
	want := []string{"what", "is", "alice", "working", "on", "postgres-db"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("queryTerms = %v, want %v", got, want)
	}

	// Single-rune tokens drop, multibyte runes count properly.
	got = queryTerms("a café à b")
	want = []string{"café"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("queryTerms unicode = %v, want %v", got, want)
	}

	// Term count is capped.
	var sb strings.Builder
	for i := 0; i < maxQueryTerms+10; i++ {
		sb.WriteString(strings.Repeat(string(rune('a'+i%26)), 3))
		sb.WriteString(strings.Repeat(string(rune('a'+(i/26)%26)), 2))
		sb.WriteByte(' ')
	}
	if got := queryTerms(sb.String()); len(got) > maxQueryTerms {
		t.Errorf("queryTerms returned %d terms, cap is %d", len(got), maxQueryTerms)
	}
}
