package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stratamem/strata/internal/store"
)

// Signal names, reported in result provenance and degradation warnings.
const (
	signalVector  = "vector"
	signalKeyword = "keyword"
	signalGraph   = "graph"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	maxOverflowSummary = 10
)

// SearchRequest filters and shapes a hybrid search.
type SearchRequest struct {
	Query         string
	Owner         string
	Tiers         []string
	Tags          []string
	CreatedAfter  int64 // unix milliseconds, 0 = unbounded
	CreatedBefore int64
	Limit         int
	Summarize     bool // summarize results that overflowed the token budget
}

func (r SearchRequest) limit() int {
	if r.Limit <= 0 {
		return defaultSearchLimit
	}
	if r.Limit > maxSearchLimit {
		return maxSearchLimit
	}
	return r.Limit
}

// SearchEntry is one ranked result and the signals that surfaced it.
type SearchEntry struct {
	Record  store.MemoryRecord
	Score   float64
	Signals []string
}

// SearchResult is the fused, budget-trimmed answer to a search. Partial is
// set when a signal failed and the ranking was fused from the rest.
type SearchResult struct {
	Entries       []SearchEntry
	Partial       bool
	FailedSignals []string
	Summary       string
	TokensUsed    int
}

// Search runs the vector, keyword, and graph signals in parallel, fuses
// their rankings, and assembles results in fused order within the token
// budget. A failed signal degrades the response instead of aborting it;
// the search errors only when no signal produced a ranking.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, validationErr("query", "must not be empty")
	}
	for _, tier := range req.Tiers {
		if tier != store.TierWorking && tier != store.TierShortTerm && tier != store.TierLongTerm {
			return nil, validationErr("tiers", fmt.Sprintf("unknown tier %q", tier))
		}
	}
	req.Tags = normalizeTags(req.Tags)

	sigLimit := e.cfg.Retrieval.SignalLimit

	var (
		wg                          sync.WaitGroup
		vecHits, keyHits, graphHits []signalHit
		vecErr, keyErr, graphErr    error
	)

	ran := 2 // keyword and graph always run; vector needs an embedder
	if e.embedder != nil {
		ran++
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecHits, vecErr = e.vectorSignal(ctx, req, sigLimit)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		keyHits, keyErr = e.keywordSignal(ctx, req, sigLimit)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		graphHits, graphErr = e.graphSignal(ctx, req, sigLimit)
	}()
	wg.Wait()

	var failed []string
	for _, sig := range []struct {
		name string
		err  error
	}{
		{signalVector, vecErr},
		{signalKeyword, keyErr},
		{signalGraph, graphErr},
	} {
		if sig.err != nil {
			failed = append(failed, sig.name)
			e.logger.Warn("retrieval signal failed", "signal", sig.name, "error", sig.err)
		}
	}

	if len(failed) == ran {
		// Nothing succeeded: report the cancellation if there was one,
		// otherwise the first signal failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, err := range []error{vecErr, keyErr, graphErr} {
			if err != nil {
				return nil, fmt.Errorf("all retrieval signals failed: %w", err)
			}
		}
	}

	keep, err := e.filterCandidates(req, vecHits, keyHits, graphHits)
	if err != nil {
		return nil, err
	}

	fused := fuseRanks([]fusionInput{
		{Name: signalVector, Weight: e.cfg.Retrieval.VectorWeight, Hits: filterHits(vecHits, keep)},
		{Name: signalKeyword, Weight: e.cfg.Retrieval.KeywordWeight, Hits: filterHits(keyHits, keep)},
		{Name: signalGraph, Weight: e.cfg.Retrieval.GraphWeight, Hits: filterHits(graphHits, keep)},
	}, e.cfg.Retrieval.FusionK)

	// Equal fused scores rank by importance, recency, then id.
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		ri, rj := keep[fused[i].ID], keep[fused[j].ID]
		if ri.Importance != rj.Importance {
			return ri.Importance > rj.Importance
		}
		if ri.LastAccessed != rj.LastAccessed {
			return ri.LastAccessed > rj.LastAccessed
		}
		return fused[i].ID < fused[j].ID
	})

	result := &SearchResult{Partial: len(failed) > 0, FailedSignals: failed}

	limit := req.limit()
	budget := e.cfg.Retrieval.ContextBudgetTokens
	used := 0
	cut := len(fused)
	for i, cand := range fused {
		rec := keep[cand.ID]
		cost := estimateTokens(rec.Content)
		if len(result.Entries) >= limit || used+cost > budget {
			cut = i
			break
		}
		used += cost
		result.Entries = append(result.Entries, SearchEntry{
			Record:  *rec,
			Score:   cand.Score,
			Signals: cand.Signals,
		})
	}
	result.TokensUsed = used

	if req.Summarize && e.llm != nil && cut < len(fused) {
		overflow := fused[cut:]
		if len(overflow) > maxOverflowSummary {
			overflow = overflow[:maxOverflowSummary]
		}
		parts := make([]string, len(overflow))
		for i, cand := range overflow {
			parts[i] = keep[cand.ID].Content
		}
		summary, err := e.llm.Summarize(ctx, strings.Join(parts, "\n"))
		if err != nil {
			e.logger.Warn("overflow summarization failed", "error", err)
		} else {
			result.Summary = summary
		}
	}

	now := e.now().UnixMilli()
	for i := range result.Entries {
		id := result.Entries[i].Record.ID
		if err := e.db.TouchRecord(id, now); err != nil {
			e.logger.Warn("touch search result", "id", id, "error", err)
			continue
		}
		result.Entries[i].Record.AccessCount++
		result.Entries[i].Record.LastAccessed = now
	}

	return result, nil
}

// filterCandidates fetches the candidate union and keeps the records that
// pass every request filter. Filters exclude candidates outright; they
// never rescale scores.
func (e *Engine) filterCandidates(req SearchRequest, lists ...[]signalHit) (map[string]*store.MemoryRecord, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, hits := range lists {
		for _, h := range hits {
			if !seen[h.ID] {
				seen[h.ID] = true
				ids = append(ids, h.ID)
			}
		}
	}

	records, err := e.db.GetRecordsByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}

	keep := make(map[string]*store.MemoryRecord, len(records))
	for i := range records {
		rec := &records[i]
		if matchesFilters(rec, req) {
			keep[rec.ID] = rec
		}
	}
	return keep, nil
}

func matchesFilters(rec *store.MemoryRecord, req SearchRequest) bool {
	if rec.Status != store.StatusActive {
		return false
	}
	if req.Owner != "" && rec.Owner != req.Owner {
		return false
	}
	if len(req.Tiers) > 0 {
		found := false
		for _, t := range req.Tiers {
			if rec.Tier == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range req.Tags {
		found := false
		for _, t := range rec.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.CreatedAfter > 0 && rec.CreatedAt < req.CreatedAfter {
		return false
	}
	if req.CreatedBefore > 0 && rec.CreatedAt > req.CreatedBefore {
		return false
	}
	return true
}

func filterHits(hits []signalHit, keep map[string]*store.MemoryRecord) []signalHit {
	var kept []signalHit
	for _, h := range hits {
		if keep[h.ID] != nil {
			kept = append(kept, h)
		}
	}
	return kept
}

func (e *Engine) vectorSignal(ctx context.Context, req SearchRequest, k int) ([]signalHit, error) {
	var vec []float32
	err := withRetry(ctx, func() error {
		var embedErr error
		vec, embedErr = e.embedder.Embed(ctx, req.Query)
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := e.db.SearchSimilar(vec, store.VectorFilter{
		Owner: req.Owner,
		Tiers: req.Tiers,
	}, k)
	if err != nil {
		return nil, err
	}

	hits := make([]signalHit, len(matches))
	for i, m := range matches {
		hits[i] = signalHit{ID: m.RecordID, Score: m.Score}
	}
	return hits, nil
}

func (e *Engine) keywordSignal(ctx context.Context, req SearchRequest, k int) ([]signalHit, error) {
	matches, err := e.keyword.Search(ctx, req.Query, store.KeywordFilter{
		Owner:         req.Owner,
		Tiers:         req.Tiers,
		Tags:          req.Tags,
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
	}, k)
	if err != nil {
		return nil, err
	}

	hits := make([]signalHit, len(matches))
	for i, m := range matches {
		hits[i] = signalHit{ID: m.RecordID, Score: m.Score}
	}
	return hits, nil
}

// graphSignal seeds a bounded BFS from entities recognized in the query.
// Records linked to a reached entity score 1/(1+depth), summed over every
// reached entity they link to.
func (e *Engine) graphSignal(ctx context.Context, req SearchRequest, k int) ([]signalHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	labels := e.queryLabels(ctx, req.Query)
	if len(labels) == 0 {
		return nil, nil
	}

	seeds, err := e.db.FindEntitiesByLabels(labels, e.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	seedIDs := make([]string, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID
	}
	depths, err := e.db.TraverseFrom(seedIDs, e.cfg.Retrieval.GraphMaxDepth)
	if err != nil {
		return nil, err
	}

	entityIDs := make([]string, 0, len(depths))
	for id := range depths {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	links, err := e.db.RecordsForEntities(entityIDs)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64)
	for _, link := range links {
		scores[link.RecordID] += 1.0 / float64(1+depths[link.EntityID])
	}

	hits := make([]signalHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, signalHit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// queryLabels names the entities to seed the graph walk with: LLM
// extraction when a service is configured, token matching otherwise.
// Extraction failure falls back to tokens rather than failing the signal.
func (e *Engine) queryLabels(ctx context.Context, query string) []string {
	if e.llm != nil {
		entities, err := e.llm.ExtractEntities(ctx, query)
		if err != nil {
			e.logger.Debug("query entity extraction failed", "error", err)
		} else if len(entities) > 0 {
			labels := make([]string, 0, len(entities))
			for _, ent := range entities {
				if label := normalizeLabel(ent.Label); label != "" {
					labels = append(labels, label)
				}
			}
			return labels
		}
	}
	return queryTerms(query)
}

// estimateTokens approximates the token cost of text as len/4.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}
