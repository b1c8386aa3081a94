package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/stratamem/strata/internal/store"
)

// hashContent returns the canonical sha256 hex of record content. Exact
// duplicates collide on (owner, hashContent) at the store's unique index.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// findDuplicate looks for an active record of the same owner whose
// embedding sits within the dedup threshold of rec's. Returns nil when rec
// has no vector yet or nothing is close enough.
func (e *Engine) findDuplicate(rec *store.MemoryRecord) (*store.MemoryRecord, error) {
	vec, err := e.db.GetVector(rec.ID)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}

	matches, err := e.db.SearchSimilar(vec.Embedding, store.VectorFilter{
		Owner:     rec.Owner,
		ExcludeID: rec.ID,
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 || matches[0].Score < e.cfg.Memory.DedupThreshold {
		return nil, nil
	}
	return e.db.GetRecord(matches[0].RecordID)
}

// mergeDuplicates merges two near-identical records and returns the
// survivor id, or "" when the merge was obsoleted by a concurrent change.
// Both record locks are taken in id order; callers must hold neither.
func (e *Engine) mergeDuplicates(aID, bID string) (string, error) {
	e.locks.LockPair(aID, bID)
	defer e.locks.UnlockPair(aID, bID)

	a, err := e.db.GetRecord(aID)
	if err != nil {
		return "", err
	}
	b, err := e.db.GetRecord(bID)
	if err != nil {
		return "", err
	}
	if a == nil || b == nil || a.Status != store.StatusActive || b.Status != store.StatusActive {
		return "", nil
	}

	survivor, loser := pickSurvivor(a, b)
	merged := *survivor
	merged.Tags = unionTags(survivor.Tags, loser.Tags)
	merged.Metadata = absorbMetadata(survivor.Metadata, loser.Metadata)
	merged.AccessCount = survivor.AccessCount + loser.AccessCount
	if loser.LastAccessed > merged.LastAccessed {
		merged.LastAccessed = loser.LastAccessed
	}

	now := e.now().UnixMilli()
	if err := e.db.ApplyMerge(&merged, loser.ID, now); err != nil {
		return "", err
	}
	if err := e.keyword.Delete(loser.ID); err != nil {
		e.logger.Warn("deindex merged record", "id", loser.ID, "error", err)
	}
	e.aliases.Add(loser.ID, survivor.ID)

	e.logger.Info("merged duplicate records",
		"survivor", survivor.ID, "loser", loser.ID, "owner", survivor.Owner)
	return survivor.ID, nil
}

// pickSurvivor prefers higher importance, then the older record, then the
// smaller id, so the same pair always merges the same way.
func pickSurvivor(a, b *store.MemoryRecord) (survivor, loser *store.MemoryRecord) {
	if a.Importance != b.Importance {
		if a.Importance > b.Importance {
			return a, b
		}
		return b, a
	}
	if a.CreatedAt != b.CreatedAt {
		if a.CreatedAt < b.CreatedAt {
			return a, b
		}
		return b, a
	}
	if a.ID < b.ID {
		return a, b
	}
	return b, a
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	union := make([]string, 0, len(a)+len(b))
	for _, t := range a {
		if !seen[t] {
			seen[t] = true
			union = append(union, t)
		}
	}
	for _, t := range b {
		if !seen[t] {
			seen[t] = true
			union = append(union, t)
		}
	}
	sort.Strings(union)
	return union
}

// absorbMetadata folds absorbed keys under the survivor's; the survivor
// wins conflicts.
func absorbMetadata(survivor, absorbed map[string]string) map[string]string {
	merged := make(map[string]string, len(survivor)+len(absorbed))
	for k, v := range absorbed {
		merged[k] = v
	}
	for k, v := range survivor {
		merged[k] = v
	}
	return merged
}
