package engine

import "sort"

// signalHit is one candidate surfaced by one retrieval signal.
type signalHit struct {
	ID    string
	Score float64
}

// fusionInput is a named, weighted candidate list from one signal.
type fusionInput struct {
	Name   string
	Weight float64
	Hits   []signalHit
}

// fusedCandidate carries the fused score and the signals that surfaced it.
type fusedCandidate struct {
	ID      string
	Score   float64
	Signals []string
}

// fuseRanks merges per-signal rankings with weighted reciprocal rank
// fusion: fused(c) = Σ w_s / (rank_s(c) + k), rank 1-based, weights
// normalized to sum 1. Rank fusion compares positions, not raw scores, so
// signals with incomparable score scales still combine meaningfully.
// Output is ordered by fused score descending, id ascending; each hit list
// is re-sorted (score desc, id asc) first so ranks are deterministic.
func fuseRanks(inputs []fusionInput, k int) []fusedCandidate {
	var total float64
	for _, in := range inputs {
		if in.Weight > 0 && len(in.Hits) > 0 {
			total += in.Weight
		}
	}
	if total == 0 {
		return nil
	}

	type accum struct {
		score   float64
		signals []string
	}
	byID := make(map[string]*accum)

	for _, in := range inputs {
		if in.Weight <= 0 || len(in.Hits) == 0 {
			continue
		}
		weight := in.Weight / total

		hits := make([]signalHit, len(in.Hits))
		copy(hits, in.Hits)
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].ID < hits[j].ID
		})

		for i, hit := range hits {
			acc := byID[hit.ID]
			if acc == nil {
				acc = &accum{}
				byID[hit.ID] = acc
			}
			acc.score += weight / float64(i+1+k)
			acc.signals = append(acc.signals, in.Name)
		}
	}

	fused := make([]fusedCandidate, 0, len(byID))
	for id, acc := range byID {
		fused = append(fused, fusedCandidate{ID: id, Score: acc.score, Signals: acc.signals})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}
