package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// EntityNode is a node in the entity graph. Validity is bi-temporal:
// valid_from/valid_until track when the entity held in the world,
// recorded_at tracks when we learned of it. ValidUntil 0 means still valid.
type EntityNode struct {
	ID         string
	Label      string
	Kind       string
	Weight     float64
	ValidFrom  int64
	ValidUntil int64
	RecordedAt int64
}

// RecordEntityLink ties a record to an entity it mentions.
type RecordEntityLink struct {
	RecordID string
	EntityID string
}

// UpsertEntity inserts an entity node or, if (label, kind) already exists,
// bumps its weight and re-opens its validity interval. Returns the stored
// node, which keeps its original id on conflict.
func (db *DB) UpsertEntity(id, label, kind string, now int64) (*EntityNode, error) {
	row := db.QueryRow(`
		INSERT INTO entity_nodes (id, label, kind, weight, valid_from, valid_until, recorded_at)
		VALUES (?, ?, ?, 1.0, ?, NULL, ?)
		ON CONFLICT(label, kind) DO UPDATE SET weight = weight + 1.0, valid_until = NULL
		RETURNING id, label, kind, weight, valid_from, valid_until, recorded_at
	`, id, label, kind, now, now)

	node, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("upsert entity %q: %w", label, err)
	}
	return node, nil
}

// LinkEntities records a relation edge between two entities, bumping the
// weight when the edge already exists.
func (db *DB) LinkEntities(srcID, dstID, relation string, now int64) error {
	_, err := db.Exec(`
		INSERT INTO entity_edges (src_id, dst_id, relation, weight, created_at)
		VALUES (?, ?, ?, 1.0, ?)
		ON CONFLICT(src_id, dst_id, relation) DO UPDATE SET weight = weight + 1.0
	`, srcID, dstID, relation, now)
	if err != nil {
		return fmt.Errorf("link entities: %w", err)
	}
	return nil
}

// LinkRecordEntity ties a record to an entity. Idempotent.
func (db *DB) LinkRecordEntity(recordID, entityID string, now int64) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO record_entities (record_id, entity_id, created_at)
		VALUES (?, ?, ?)
	`, recordID, entityID, now)
	if err != nil {
		return fmt.Errorf("link record entity: %w", err)
	}
	return nil
}

// FindEntitiesByLabels returns entities whose label matches one of labels
// and whose validity interval covers asOf.
func (db *DB) FindEntitiesByLabels(labels []string, asOf int64) ([]EntityNode, error) {
	if len(labels) == 0 {
		return nil, nil
	}

	q := `
		SELECT id, label, kind, weight, valid_from, valid_until, recorded_at
		FROM entity_nodes
		WHERE label IN (?` + strings.Repeat(",?", len(labels)-1) + `)
		  AND valid_from <= ?
		  AND (valid_until IS NULL OR valid_until > ?)`
	args := make([]any, 0, len(labels)+2)
	for _, l := range labels {
		args = append(args, l)
	}
	args = append(args, asOf, asOf)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	defer rows.Close()

	var nodes []EntityNode
	for rows.Next() {
		node, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// TraverseFrom walks entity_edges breadth-first in both directions from
// the seed entities, up to maxDepth hops. Returns entity id -> depth,
// with seeds at depth 0. Equal entities keep their shallowest depth.
func (db *DB) TraverseFrom(seedIDs []string, maxDepth int) (map[string]int, error) {
	depths := make(map[string]int, len(seedIDs))
	var frontier []string
	for _, id := range seedIDs {
		if _, seen := depths[id]; !seen {
			depths[id] = 0
			frontier = append(frontier, id)
		}
	}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		placeholders := "?" + strings.Repeat(",?", len(frontier)-1)
		args := make([]any, 0, len(frontier)*2)
		for _, id := range frontier {
			args = append(args, id)
		}
		for _, id := range frontier {
			args = append(args, id)
		}

		rows, err := db.Query(`
			SELECT src_id, dst_id FROM entity_edges
			WHERE src_id IN (`+placeholders+`) OR dst_id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("traverse depth %d: %w", depth, err)
		}

		var next []string
		for rows.Next() {
			var src, dst string
			if err := rows.Scan(&src, &dst); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan edge: %w", err)
			}
			for _, id := range []string{src, dst} {
				if _, seen := depths[id]; !seen {
					depths[id] = depth
					next = append(next, id)
				}
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		frontier = next
	}
	return depths, nil
}

// RecordsForEntities returns links from active records to any of the given
// entities.
func (db *DB) RecordsForEntities(entityIDs []string) ([]RecordEntityLink, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	q := `
		SELECT re.record_id, re.entity_id
		FROM record_entities re
		JOIN memory_records r ON r.id = re.record_id
		WHERE r.status = 'active'
		  AND re.entity_id IN (?` + strings.Repeat(",?", len(entityIDs)-1) + `)`
	args := make([]any, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("records for entities: %w", err)
	}
	defer rows.Close()

	var links []RecordEntityLink
	for rows.Next() {
		var link RecordEntityLink
		if err := rows.Scan(&link.RecordID, &link.EntityID); err != nil {
			return nil, fmt.Errorf("scan record entity: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// InvalidateOrphanEntities closes the validity interval of entities no
// record references anymore. Re-observing the entity re-opens it.
func (db *DB) InvalidateOrphanEntities(now int64) (int, error) {
	result, err := db.Exec(`
		UPDATE entity_nodes SET valid_until = ?
		WHERE valid_until IS NULL
		  AND id NOT IN (SELECT DISTINCT entity_id FROM record_entities)
	`, now)
	if err != nil {
		return 0, fmt.Errorf("invalidate orphan entities: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// CountEntities returns the number of currently valid entities.
func (db *DB) CountEntities() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM entity_nodes WHERE valid_until IS NULL`).Scan(&count)
	return count, err
}

// CountEdges returns the number of relation edges.
func (db *DB) CountEdges() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM entity_edges`).Scan(&count)
	return count, err
}

func scanEntity(row rowScanner) (*EntityNode, error) {
	var n EntityNode
	var validUntil sql.NullInt64
	if err := row.Scan(&n.ID, &n.Label, &n.Kind, &n.Weight, &n.ValidFrom, &validUntil, &n.RecordedAt); err != nil {
		return nil, err
	}
	if validUntil.Valid {
		n.ValidUntil = validUntil.Int64
	}
	return &n, nil
}
