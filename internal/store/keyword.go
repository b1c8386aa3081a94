package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// KeywordIndex is the full-text side of the store: a bleve index over
// record content, with exact-match fields for filtering. It is maintained
// alongside the relational rows; the record store stays the source of
// truth and the index can be rebuilt from it.
type KeywordIndex struct {
	index bleve.Index
}

// KeywordMatch is a full-text hit.
type KeywordMatch struct {
	RecordID string
	Score    float64
}

// KeywordFilter narrows a full-text search. CreatedAfter/CreatedBefore
// bound created_at in unix milliseconds; zero means unbounded.
type KeywordFilter struct {
	Owner         string
	Tiers         []string
	Tags          []string
	CreatedAfter  int64
	CreatedBefore int64
}

// DefaultKeywordPath returns the default bleve index path: ~/.strata/keyword.bleve
func DefaultKeywordPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".strata", "keyword.bleve"), nil
}

func buildRecordMapping() mapping.IndexMapping {
	content := bleve.NewTextFieldMapping()
	content.Store = false
	content.IncludeInAll = false

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.Store = false
	exact.IncludeInAll = false

	createdAt := bleve.NewNumericFieldMapping()
	createdAt.Store = false
	createdAt.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", content)
	doc.AddFieldMappingsAt("owner", exact)
	doc.AddFieldMappingsAt("tier", exact)
	doc.AddFieldMappingsAt("tags", exact)
	doc.AddFieldMappingsAt("created_at", createdAt)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// OpenKeyword opens the bleve index at path, creating it if absent.
func OpenKeyword(path string) (*KeywordIndex, error) {
	index, err := bleve.Open(path)
	if err == nil {
		return &KeywordIndex{index: index}, nil
	}

	index, err = bleve.New(path, buildRecordMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &KeywordIndex{index: index}, nil
}

// OpenKeywordMemory creates an in-memory keyword index for tests.
func OpenKeywordMemory() (*KeywordIndex, error) {
	index, err := bleve.NewMemOnly(buildRecordMapping())
	if err != nil {
		return nil, fmt.Errorf("create memory keyword index: %w", err)
	}
	return &KeywordIndex{index: index}, nil
}

// IndexRecord adds or replaces a record in the index.
func (ki *KeywordIndex) IndexRecord(rec *MemoryRecord) error {
	doc := map[string]interface{}{
		"owner":      rec.Owner,
		"tier":       rec.Tier,
		"content":    rec.Content,
		"tags":       rec.Tags,
		"created_at": float64(rec.CreatedAt),
	}
	if err := ki.index.Index(rec.ID, doc); err != nil {
		return fmt.Errorf("index record %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record from the index. Deleting an unknown id is a no-op.
func (ki *KeywordIndex) Delete(recordID string) error {
	if err := ki.index.Delete(recordID); err != nil {
		return fmt.Errorf("deindex record %s: %w", recordID, err)
	}
	return nil
}

// Search runs a full-text match over record content, constrained by the
// filter. Results are ordered by score descending with id as tie-break,
// so equal scores rank deterministically.
func (ki *KeywordIndex) Search(ctx context.Context, text string, filter KeywordFilter, limit int) ([]KeywordMatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequest(ki.buildQuery(text, filter))
	req.Size = limit
	req.SortBy([]string{"-_score", "_id"})

	result, err := ki.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	matches := make([]KeywordMatch, 0, len(result.Hits))
	for _, hit := range result.Hits {
		matches = append(matches, KeywordMatch{RecordID: hit.ID, Score: hit.Score})
	}
	return matches, nil
}

func (ki *KeywordIndex) buildQuery(text string, filter KeywordFilter) query.Query {
	var parts []query.Query

	if text != "" {
		match := bleve.NewMatchQuery(text)
		match.SetField("content")
		parts = append(parts, match)
	}
	if filter.Owner != "" {
		term := bleve.NewTermQuery(filter.Owner)
		term.SetField("owner")
		parts = append(parts, term)
	}
	if len(filter.Tiers) > 0 {
		tiers := bleve.NewDisjunctionQuery()
		for _, t := range filter.Tiers {
			term := bleve.NewTermQuery(t)
			term.SetField("tier")
			tiers.AddQuery(term)
		}
		parts = append(parts, tiers)
	}
	for _, tag := range filter.Tags {
		term := bleve.NewTermQuery(tag)
		term.SetField("tags")
		parts = append(parts, term)
	}
	if filter.CreatedAfter > 0 || filter.CreatedBefore > 0 {
		var min, max *float64
		if filter.CreatedAfter > 0 {
			v := float64(filter.CreatedAfter)
			min = &v
		}
		if filter.CreatedBefore > 0 {
			v := float64(filter.CreatedBefore)
			max = &v
		}
		rangeQuery := bleve.NewNumericRangeQuery(min, max)
		rangeQuery.SetField("created_at")
		parts = append(parts, rangeQuery)
	}

	if len(parts) == 0 {
		return bleve.NewMatchAllQuery()
	}
	if len(parts) == 1 {
		return parts[0]
	}

	boolQuery := bleve.NewBooleanQuery()
	for _, p := range parts {
		boolQuery.AddMust(p)
	}
	return boolQuery
}

// DocCount returns the number of indexed records.
func (ki *KeywordIndex) DocCount() (uint64, error) {
	return ki.index.DocCount()
}

// Close releases the index.
func (ki *KeywordIndex) Close() error {
	return ki.index.Close()
}
