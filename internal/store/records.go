package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Memory tiers, ordered by retention strength.
const (
	TierWorking   = "working"
	TierShortTerm = "short_term"
	TierLongTerm  = "long_term"
)

// Record statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// ErrCorrupted marks a row whose stored state violates an invariant
// (unparsable JSON, impossible timestamps). Never repaired in place.
var ErrCorrupted = errors.New("corrupted row")

// Tiers lists all tiers in promotion order.
func Tiers() []string {
	return []string{TierWorking, TierShortTerm, TierLongTerm}
}

// MemoryRecord is a unit of remembered content.
type MemoryRecord struct {
	ID          string
	Owner       string
	Content     string
	ContentHash string
	Tier        string
	Status      string

	Importance  float64
	DecayWeight float64
	AccessCount int64

	Tags     []string
	Metadata map[string]string

	CreatedAt     int64 // unix milliseconds
	LastAccessed  int64
	LastModified  int64
	TierEnteredAt int64
	EnrichedAt    int64
}

const recordColumns = `id, owner, content, content_hash, tier, status,
	importance, decay_weight, access_count, tags, metadata,
	created_at, last_accessed, last_modified, tier_entered_at, enriched_at`

// UpsertRecord inserts a new record or, when a record with the same
// (owner, content_hash) already exists, increments its access count,
// refreshes last_accessed, and re-activates it. The insert and the
// conflict resolution are a single statement, so concurrent ingests of
// identical content converge onto exactly one row with no race window.
// Returns the stored row and whether it was newly created.
func (db *DB) UpsertRecord(rec *MemoryRecord) (*MemoryRecord, bool, error) {
	tags, meta, err := encodeAttrs(rec.Tags, rec.Metadata)
	if err != nil {
		return nil, false, err
	}

	row := db.QueryRow(`
		INSERT INTO memory_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(owner, content_hash) DO UPDATE SET
			access_count  = access_count + 1,
			last_accessed = excluded.last_accessed,
			status        = 'active'
		RETURNING `+recordColumns,
		rec.ID, rec.Owner, rec.Content, rec.ContentHash, rec.Tier, rec.Status,
		rec.Importance, rec.DecayWeight, tags, meta,
		rec.CreatedAt, rec.LastAccessed, rec.LastModified, rec.TierEnteredAt)

	stored, err := scanRecordRow(row)
	if err != nil {
		return nil, false, fmt.Errorf("upsert record: %w", err)
	}
	// A fresh insert starts at access_count 1; every conflict increments it.
	return stored, stored.AccessCount == 1, nil
}

// GetRecord returns a record by id, or nil if not found.
func (db *DB) GetRecord(id string) (*MemoryRecord, error) {
	row := db.QueryRow(`SELECT `+recordColumns+` FROM memory_records WHERE id = ?`, id)
	rec, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// GetRecordByHash returns the record for (owner, contentHash), or nil if none.
func (db *DB) GetRecordByHash(owner, contentHash string) (*MemoryRecord, error) {
	row := db.QueryRow(`SELECT `+recordColumns+` FROM memory_records WHERE owner = ? AND content_hash = ?`,
		owner, contentHash)
	rec, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record by hash: %w", err)
	}
	return rec, nil
}

// GetRecordsByIDs returns records for the given ids, in no particular order.
func (db *DB) GetRecordsByIDs(ids []string) ([]MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}

	rows, err := db.Query(fmt.Sprintf(`SELECT `+recordColumns+` FROM memory_records WHERE id IN (%s)`,
		placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("get records by ids: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// TouchRecord increments access_count and refreshes last_accessed.
func (db *DB) TouchRecord(id string, now int64) error {
	_, err := db.Exec(`
		UPDATE memory_records SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("touch record: %w", err)
	}
	return nil
}

// UpdateAttrs persists tags and metadata.
func (db *DB) UpdateAttrs(id string, tags []string, metadata map[string]string, now int64) error {
	t, m, err := encodeAttrs(tags, metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE memory_records SET tags = ?, metadata = ?, last_modified = ?
		WHERE id = ?
	`, t, m, now, id)
	if err != nil {
		return fmt.Errorf("update attrs: %w", err)
	}
	return nil
}

// UpdateScores persists freshly computed importance and decay weight.
func (db *DB) UpdateScores(id string, importance, decayWeight float64, now int64) error {
	_, err := db.Exec(`
		UPDATE memory_records SET importance = ?, decay_weight = ?, last_modified = ?
		WHERE id = ?
	`, importance, decayWeight, now, id)
	if err != nil {
		return fmt.Errorf("update scores: %w", err)
	}
	return nil
}

// PromoteRecord moves a record from one tier to the next. The update is
// conditional on the record still being active in fromTier, so a lost
// race is reported (false) instead of overwriting a concurrent change.
func (db *DB) PromoteRecord(id, fromTier, toTier string, now int64) (bool, error) {
	result, err := db.Exec(`
		UPDATE memory_records SET tier = ?, tier_entered_at = ?, last_modified = ?
		WHERE id = ? AND tier = ? AND status = 'active'
	`, toTier, now, now, id, fromTier)
	if err != nil {
		return false, fmt.Errorf("promote record: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// ArchiveRecord marks an active record archived. Returns false if the
// record was not active.
func (db *DB) ArchiveRecord(id string, now int64) (bool, error) {
	result, err := db.Exec(`
		UPDATE memory_records SET status = 'archived', last_modified = ?
		WHERE id = ? AND status = 'active'
	`, now, id)
	if err != nil {
		return false, fmt.Errorf("archive record: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// DeleteRecord removes a record. Vectors and entity links cascade.
func (db *DB) DeleteRecord(id string) error {
	_, err := db.Exec(`DELETE FROM memory_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// ListTierPage returns up to limit active records in a tier with id greater
// than afterID, ordered by id. Records whose failure count has reached
// retryBudget are excluded (dead-lettered). The last id of the page is the
// cursor for the next call, so an interrupted pass resumes instead of
// restarting or dropping the tail.
func (db *DB) ListTierPage(tier, afterID string, limit, retryBudget int) ([]MemoryRecord, error) {
	rows, err := db.Query(`
		SELECT `+recordColumns+` FROM memory_records
		WHERE tier = ? AND status = 'active' AND id > ?
		  AND id NOT IN (SELECT record_id FROM dead_letters WHERE failures >= ?)
		ORDER BY id
		LIMIT ?
	`, tier, afterID, retryBudget, limit)
	if err != nil {
		return nil, fmt.Errorf("list tier page: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountTier returns the number of active records in a tier.
func (db *DB) CountTier(tier string) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM memory_records WHERE tier = ? AND status = 'active'`, tier).Scan(&count)
	return count, err
}

// CountArchived returns the number of archived records.
func (db *DB) CountArchived() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM memory_records WHERE status = 'archived'`).Scan(&count)
	return count, err
}

// ListMissingVectors returns active records that have no stored embedding,
// or whose embedding was produced by a different model.
func (db *DB) ListMissingVectors(model string, limit int) ([]MemoryRecord, error) {
	rows, err := db.Query(`
		SELECT `+recordColumns+` FROM memory_records r
		WHERE r.status = 'active' AND NOT EXISTS (
			SELECT 1 FROM memory_vectors v WHERE v.record_id = r.id AND v.model = ?
		)
		ORDER BY r.id
		LIMIT ?
	`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing vectors: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListUnenriched returns active records not yet passed through entity
// enrichment.
func (db *DB) ListUnenriched(limit int) ([]MemoryRecord, error) {
	rows, err := db.Query(`
		SELECT `+recordColumns+` FROM memory_records
		WHERE status = 'active' AND enriched_at = 0
		ORDER BY id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unenriched: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkEnriched stamps a record as entity-enriched.
func (db *DB) MarkEnriched(id string, now int64) error {
	_, err := db.Exec(`UPDATE memory_records SET enriched_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("mark enriched: %w", err)
	}
	return nil
}

// ApplyMerge commits a duplicate merge in one transaction: the survivor
// takes the merged fields, the loser's entity links move to the survivor,
// the loser row is removed (its vector cascades), and a tombstone aliases
// the loser id to the survivor. Existing aliases pointing at the loser are
// re-pointed so chains stay one hop deep.
func (db *DB) ApplyMerge(survivor *MemoryRecord, loserID string, now int64) error {
	tags, meta, err := encodeAttrs(survivor.Tags, survivor.Metadata)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE memory_records SET tags = ?, metadata = ?, access_count = ?,
			last_accessed = ?, last_modified = ?
		WHERE id = ? AND status = 'active'
	`, tags, meta, survivor.AccessCount, survivor.LastAccessed, now, survivor.ID)
	if err != nil {
		return fmt.Errorf("merge survivor %s: %w", survivor.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("merge survivor %s: no longer active", survivor.ID)
	}

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO record_entities (record_id, entity_id, created_at)
		SELECT ?, entity_id, ? FROM record_entities WHERE record_id = ?
	`, survivor.ID, now, loserID); err != nil {
		return fmt.Errorf("merge entity links: %w", err)
	}

	result, err = tx.Exec(`DELETE FROM memory_records WHERE id = ?`, loserID)
	if err != nil {
		return fmt.Errorf("merge delete %s: %w", loserID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("merge delete %s: record gone", loserID)
	}

	if _, err := tx.Exec(`UPDATE tombstones SET survivor_id = ? WHERE survivor_id = ?`,
		survivor.ID, loserID); err != nil {
		return fmt.Errorf("merge repoint aliases: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO tombstones (old_id, survivor_id, created_at) VALUES (?, ?, ?)`,
		loserID, survivor.ID, now); err != nil {
		return fmt.Errorf("merge tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

func encodeAttrs(tags []string, metadata map[string]string) (string, string, error) {
	if tags == nil {
		tags = []string{}
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	t, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	m, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(t), string(m), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(row rowScanner) (*MemoryRecord, error) {
	var r MemoryRecord
	var tags, meta string
	if err := row.Scan(&r.ID, &r.Owner, &r.Content, &r.ContentHash, &r.Tier, &r.Status,
		&r.Importance, &r.DecayWeight, &r.AccessCount, &tags, &meta,
		&r.CreatedAt, &r.LastAccessed, &r.LastModified, &r.TierEnteredAt, &r.EnrichedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("record %s tags: %w", r.ID, ErrCorrupted)
	}
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return nil, fmt.Errorf("record %s metadata: %w", r.ID, ErrCorrupted)
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]MemoryRecord, error) {
	var records []MemoryRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
