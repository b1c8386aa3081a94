package engine

import (
	"fmt"
	"time"

	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/store"
)

const millisPerDay = 24 * 60 * 60 * 1000

// scorer applies the tier lifecycle policy: decay, promotion, archival.
// Pure math over record state; it never touches the store or the clock.
type scorer struct {
	cfg config.MemoryConfig
}

func newScorer(cfg config.MemoryConfig) *scorer {
	return &scorer{cfg: cfg}
}

func (s *scorer) tierPolicy(tier string) (config.TierPolicy, error) {
	switch tier {
	case store.TierWorking:
		return s.cfg.Working, nil
	case store.TierShortTerm:
		return s.cfg.ShortTerm, nil
	case store.TierLongTerm:
		return s.cfg.LongTerm, nil
	default:
		return config.TierPolicy{}, validationErr("tier", fmt.Sprintf("unknown tier %q", tier))
	}
}

// nextTier returns the tier above t, or "" at the top.
func nextTier(t string) string {
	switch t {
	case store.TierWorking:
		return store.TierShortTerm
	case store.TierShortTerm:
		return store.TierLongTerm
	default:
		return ""
	}
}

// decayWeight computes importance / (1 + (age/halfLife)²) with age in days
// since last access (creation when never accessed). Weight is strictly
// decreasing in age and equals importance/2 at exactly one half-life.
func (s *scorer) decayWeight(rec *store.MemoryRecord, now int64) (float64, error) {
	policy, err := s.tierPolicy(rec.Tier)
	if err != nil {
		return 0, err
	}

	ref := rec.LastAccessed
	if ref == 0 {
		ref = rec.CreatedAt
	}
	if ref > now {
		return 0, fmt.Errorf("record %s last accessed at %d, after now %d: %w",
			rec.ID, ref, now, ErrCorruptedState)
	}

	ageDays := float64(now-ref) / millisPerDay
	ratio := ageDays / policy.HalfLifeDays
	return rec.Importance / (1 + ratio*ratio), nil
}

// promoteTo returns the tier rec should move up to, or "" when it stays.
// A record must have dwelled MinDwell in its tier, and must clear either
// the importance or the access-count threshold. Long-term is the top.
func (s *scorer) promoteTo(rec *store.MemoryRecord, now int64) (string, error) {
	next := nextTier(rec.Tier)
	if next == "" {
		return "", nil
	}
	policy, err := s.tierPolicy(rec.Tier)
	if err != nil {
		return "", err
	}

	dwell := time.Duration(now-rec.TierEnteredAt) * time.Millisecond
	if dwell < policy.MinDwell() {
		return "", nil
	}
	if rec.Importance >= policy.PromoteImportance || rec.AccessCount >= policy.PromoteAccessCount {
		return next, nil
	}
	return "", nil
}

// shouldArchive reports whether a record has decayed past the archival
// floor. High-importance records never archive, and neither does anything
// accessed within the recency override window.
func (s *scorer) shouldArchive(rec *store.MemoryRecord, weight float64, now int64) bool {
	if weight >= s.cfg.ArchivalFloor {
		return false
	}
	if rec.Importance >= s.cfg.ArchivalImportanceCeiling {
		return false
	}
	sinceAccess := time.Duration(now-rec.LastAccessed) * time.Millisecond
	return sinceAccess >= s.cfg.RecencyOverride()
}
