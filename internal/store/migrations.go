package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memory_records: tiered memory store",
		SQL: `
CREATE TABLE memory_records (
    id              TEXT PRIMARY KEY,
    owner           TEXT NOT NULL,
    content         TEXT NOT NULL,
    content_hash    TEXT NOT NULL,
    tier            TEXT NOT NULL DEFAULT 'working' CHECK (tier IN ('working', 'short_term', 'long_term')),
    status          TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived')),

    -- Scoring
    importance      REAL NOT NULL DEFAULT 0.5 CHECK (importance >= 0.0 AND importance <= 1.0),
    decay_weight    REAL NOT NULL DEFAULT 0.5 CHECK (decay_weight >= 0.0),
    access_count    INTEGER NOT NULL DEFAULT 0,

    -- Free-form attributes (JSON)
    tags            TEXT NOT NULL DEFAULT '[]',
    metadata        TEXT NOT NULL DEFAULT '{}',

    -- Timestamps (unix milliseconds)
    created_at      INTEGER NOT NULL,
    last_accessed   INTEGER NOT NULL,
    last_modified   INTEGER NOT NULL,
    tier_entered_at INTEGER NOT NULL,
    enriched_at     INTEGER NOT NULL DEFAULT 0
);

-- The idempotence anchor: concurrent ingests of identical content for the
-- same owner converge onto one row via ON CONFLICT on this index.
CREATE UNIQUE INDEX idx_records_owner_hash ON memory_records(owner, content_hash);
CREATE INDEX idx_records_tier_status ON memory_records(tier, status, id);
CREATE INDEX idx_records_owner ON memory_records(owner);
`,
	},
	{
		Version:     2,
		Description: "memory_vectors: embeddings for semantic search",
		SQL: `
CREATE TABLE memory_vectors (
    record_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (record_id) REFERENCES memory_records(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "entity graph: nodes, edges, record links",
		SQL: `
CREATE TABLE entity_nodes (
    id          TEXT PRIMARY KEY,
    label       TEXT NOT NULL,
    kind        TEXT NOT NULL DEFAULT 'concept',
    weight      REAL NOT NULL DEFAULT 1.0,

    -- Bi-temporal validity: when the fact held vs when it was recorded.
    valid_from  INTEGER NOT NULL,
    valid_until INTEGER,
    recorded_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX idx_entities_label_kind ON entity_nodes(label, kind);

CREATE TABLE entity_edges (
    src_id     TEXT NOT NULL,
    dst_id     TEXT NOT NULL,
    relation   TEXT NOT NULL,
    weight     REAL NOT NULL DEFAULT 1.0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (src_id, dst_id, relation),
    FOREIGN KEY (src_id) REFERENCES entity_nodes(id) ON DELETE CASCADE,
    FOREIGN KEY (dst_id) REFERENCES entity_nodes(id) ON DELETE CASCADE
);

CREATE INDEX idx_edges_src ON entity_edges(src_id);
CREATE INDEX idx_edges_dst ON entity_edges(dst_id);

CREATE TABLE record_entities (
    record_id  TEXT NOT NULL,
    entity_id  TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (record_id, entity_id),
    FOREIGN KEY (record_id) REFERENCES memory_records(id) ON DELETE CASCADE,
    FOREIGN KEY (entity_id) REFERENCES entity_nodes(id) ON DELETE CASCADE
);

CREATE INDEX idx_record_entities_entity ON record_entities(entity_id);
`,
	},
	{
		Version:     4,
		Description: "tombstones: alias map from merged record ids to survivors",
		SQL: `
CREATE TABLE tombstones (
    old_id      TEXT PRIMARY KEY,
    survivor_id TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_tombstones_survivor ON tombstones(survivor_id);
`,
	},
	{
		Version:     5,
		Description: "consolidation jobs and dead letters",
		SQL: `
CREATE TABLE consolidation_jobs (
    id          TEXT PRIMARY KEY,
    tier        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'done', 'failed')),
    cursor      TEXT NOT NULL DEFAULT '',
    batch_size  INTEGER NOT NULL,

    scanned     INTEGER NOT NULL DEFAULT 0,
    promoted    INTEGER NOT NULL DEFAULT 0,
    archived    INTEGER NOT NULL DEFAULT 0,
    merged      INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,

    error       TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    started_at  INTEGER,
    finished_at INTEGER
);

CREATE INDEX idx_jobs_tier_status ON consolidation_jobs(tier, status, created_at DESC);

CREATE TABLE dead_letters (
    record_id  TEXT PRIMARY KEY,
    failures   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
