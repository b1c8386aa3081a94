package store

import (
	"database/sql"
	"fmt"
)

// aliasWalkLimit bounds ResolveAlias. Merges re-point existing aliases at
// commit time so chains stay one hop deep; the walk tolerates a few hops
// anyway in case rows written before a repoint are read mid-merge.
const aliasWalkLimit = 8

// ResolveAlias follows tombstones from id to the surviving record id.
// Returns the final id and whether id was an alias at all.
func (db *DB) ResolveAlias(id string) (string, bool, error) {
	current := id
	for i := 0; i < aliasWalkLimit; i++ {
		var next string
		err := db.QueryRow(`SELECT survivor_id FROM tombstones WHERE old_id = ?`, current).Scan(&next)
		if err == sql.ErrNoRows {
			return current, current != id, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("resolve alias %s: %w", id, err)
		}
		current = next
	}
	return "", false, fmt.Errorf("resolve alias %s: chain exceeds %d hops: %w", id, aliasWalkLimit, ErrCorrupted)
}

// CountTombstones returns the number of merge aliases.
func (db *DB) CountTombstones() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM tombstones`).Scan(&count)
	return count, err
}
