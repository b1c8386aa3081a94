package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/viterin/vek/vek32"
)

// VectorRecord holds the embedding for a memory record.
type VectorRecord struct {
	RecordID   string
	Embedding  []float32
	Model      string
	Dimensions int
	CreatedAt  int64
}

// VectorMatch is a similarity hit from SearchSimilar.
type VectorMatch struct {
	RecordID string
	Score    float64
}

// VectorFilter narrows a similarity scan.
type VectorFilter struct {
	Owner     string
	Tiers     []string
	ExcludeID string
}

// encodeEmbedding converts a []float32 to a binary BLOB (4 bytes per float32).
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float32.
func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// SaveVector stores or replaces the embedding for a record.
func (db *DB) SaveVector(recordID string, embedding []float32, model string, now int64) error {
	blob := encodeEmbedding(embedding)

	_, err := db.Exec(`
		INSERT INTO memory_vectors (record_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET embedding = ?, model = ?, dimensions = ?, created_at = ?
	`, recordID, blob, model, len(embedding), now,
		blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// GetVector returns the embedding for a record, or nil if not found.
func (db *DB) GetVector(recordID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRow(`
		SELECT record_id, embedding, model, dimensions, created_at
		FROM memory_vectors WHERE record_id = ?
	`, recordID).Scan(&v.RecordID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// DeleteVector removes the embedding for a record.
func (db *DB) DeleteVector(recordID string) error {
	_, err := db.Exec("DELETE FROM memory_vectors WHERE record_id = ?", recordID)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// CountVectors returns the number of stored embeddings.
func (db *DB) CountVectors() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM memory_vectors`).Scan(&count)
	return count, err
}

// SearchSimilar scans stored embeddings for the k nearest to query by
// cosine similarity, restricted to active records matching the filter.
// Rows whose stored dimensionality differs from the query are skipped,
// not errors: they belong to an older embedding model and will be
// re-embedded by the backfill. Results are ordered by similarity
// descending, then record id, so equal scores rank deterministically.
func (db *DB) SearchSimilar(query []float32, filter VectorFilter, k int) ([]VectorMatch, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	q := `
		SELECT v.record_id, v.embedding
		FROM memory_vectors v
		JOIN memory_records r ON r.id = v.record_id
		WHERE r.status = 'active'`
	var args []any
	if filter.Owner != "" {
		q += ` AND r.owner = ?`
		args = append(args, filter.Owner)
	}
	if len(filter.Tiers) > 0 {
		q += ` AND r.tier IN (?` + strings.Repeat(",?", len(filter.Tiers)-1) + `)`
		for _, t := range filter.Tiers {
			args = append(args, t)
		}
	}
	if filter.ExcludeID != "" {
		q += ` AND v.record_id != ?`
		args = append(args, filter.ExcludeID)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if len(blob) != len(query)*4 {
			continue
		}
		sim := vek32.CosineSimilarity(query, decodeEmbedding(blob))
		matches = append(matches, VectorMatch{RecordID: id, Score: float64(sim)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].RecordID < matches[j].RecordID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
