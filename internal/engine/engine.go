// Package engine implements the memory lifecycle: scoring and decay,
// deduplication, hybrid retrieval, and background consolidation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/llm"
	"github.com/stratamem/strata/internal/store"
)

// Engine coordinates the memory lifecycle. Every record mutation goes
// through it, so one code path owns the upsert, merge, and tombstone
// invariants.
type Engine struct {
	db      *store.DB
	keyword *store.KeywordIndex
	cfg     config.Config
	logger  *slog.Logger

	embedder Embedder     // nil: vector signal and semantic dedup disabled
	llm      *llm.Service // nil: enrichment and summarization disabled

	scorer *scorer
	locks  *keyedMutex

	aliases     *lru.Cache[string, string]
	aliasHits   atomic.Int64
	aliasMisses atomic.Int64

	fill   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	tickMu sync.Mutex

	nowFn func() time.Time
}

// New creates an engine over an opened store and keyword index.
func New(db *store.DB, keyword *store.KeywordIndex, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	aliases, err := lru.New[string, string](cfg.Retrieval.AliasCacheSize)
	if err != nil {
		return nil, fmt.Errorf("alias cache: %w", err)
	}
	return &Engine{
		db:      db,
		keyword: keyword,
		cfg:     cfg,
		logger:  logger,
		scorer:  newScorer(cfg.Memory),
		locks:   newKeyedMutex(),
		aliases: aliases,
		fill:    make(chan struct{}, 1),
		nowFn:   time.Now,
	}, nil
}

// SetEmbedder installs the embedding backend, wrapped with the LRU cache,
// the concurrency cap, and dimension enforcement.
func (e *Engine) SetEmbedder(emb Embedder) error {
	if emb == nil {
		e.embedder = nil
		return nil
	}
	cached, err := newCachingEmbedder(emb,
		e.cfg.Retrieval.EmbedCacheSize,
		e.cfg.LLM.MaxConcurrent,
		e.cfg.LLM.EmbeddingDimensions)
	if err != nil {
		return err
	}
	e.embedder = cached
	return nil
}

// SetLLM installs the language model service used for enrichment, query
// entity extraction, and overflow summarization.
func (e *Engine) SetLLM(svc *llm.Service) {
	e.llm = svc
}

func (e *Engine) now() time.Time {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now()
}

// mapStoreErr converts store sentinels into the engine taxonomy.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrCorrupted) {
		return fmt.Errorf("%s: %w", err, ErrCorruptedState)
	}
	return err
}

// IngestRequest is one memory to remember.
type IngestRequest struct {
	Owner      string
	Content    string
	Tags       []string
	Metadata   map[string]string
	Importance *float64 // nil uses the configured default
}

// Ingest stores content idempotently: re-ingesting identical content for
// the same owner increments the existing record instead of inserting a
// second one, no matter how many ingests race. Embedding and enrichment
// run in the background, never here. Returns the stored record and
// whether it is new.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*store.MemoryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := validateIngest(&req, e.cfg.Memory.MaxContentBytes); err != nil {
		return nil, false, err
	}

	importance := e.cfg.Memory.DefaultImportance
	if req.Importance != nil {
		importance = clampImportance(*req.Importance)
	}

	now := e.now().UnixMilli()
	rec := &store.MemoryRecord{
		ID:            uuid.NewString(),
		Owner:         req.Owner,
		Content:       req.Content,
		ContentHash:   hashContent(req.Content),
		Tier:          store.TierWorking,
		Status:        store.StatusActive,
		Importance:    importance,
		DecayWeight:   importance, // zero age
		Tags:          normalizeTags(req.Tags),
		Metadata:      req.Metadata,
		CreatedAt:     now,
		LastAccessed:  now,
		LastModified:  now,
		TierEnteredAt: now,
	}

	stored, created, err := e.db.UpsertRecord(rec)
	if err != nil {
		return nil, false, mapStoreErr(err)
	}

	if err := e.keyword.IndexRecord(stored); err != nil {
		e.logger.Warn("index ingested record", "id", stored.ID, "error", err)
	}

	e.maybeNotifyFill()

	if created {
		e.logger.Info("ingested record", "id", stored.ID, "owner", stored.Owner)
	} else {
		e.logger.Debug("duplicate ingest",
			"id", stored.ID, "owner", stored.Owner, "access_count", stored.AccessCount)
	}
	return stored, created, nil
}

// maybeNotifyFill nudges the scheduler when the working tier crosses the
// fill threshold. Non-blocking: one pending nudge is enough.
func (e *Engine) maybeNotifyFill() {
	count, err := e.db.CountTier(store.TierWorking)
	if err != nil || count < e.cfg.Memory.FillThreshold {
		return
	}
	select {
	case e.fill <- struct{}{}:
	default:
	}
}

// resolveID follows merge tombstones to the live record id, through the
// alias cache.
func (e *Engine) resolveID(id string) (string, error) {
	if survivor, ok := e.aliases.Get(id); ok {
		e.aliasHits.Add(1)
		return survivor, nil
	}
	e.aliasMisses.Add(1)

	survivor, aliased, err := e.db.ResolveAlias(id)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if aliased {
		e.aliases.Add(id, survivor)
	}
	return survivor, nil
}

// Get returns a record by id, following merge tombstones, and counts the
// access.
func (e *Engine) Get(ctx context.Context, id string) (*store.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, validationErr("id", "must not be empty")
	}

	resolved, err := e.resolveID(id)
	if err != nil {
		return nil, err
	}
	rec, err := e.db.GetRecord(resolved)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}

	now := e.now().UnixMilli()
	if err := e.db.TouchRecord(rec.ID, now); err != nil {
		e.logger.Warn("touch record", "id", rec.ID, "error", err)
	} else {
		rec.AccessCount++
		rec.LastAccessed = now
	}
	return rec, nil
}

// Promote moves a record up one tier. The same eligibility rules as the
// background sweep apply: the record must have dwelled its minimum time
// and must clear the importance or access threshold.
func (e *Engine) Promote(ctx context.Context, id string) (*store.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := e.resolveID(id)
	if err != nil {
		return nil, err
	}

	e.locks.Lock(resolved)
	defer e.locks.Unlock(resolved)

	rec, err := e.db.GetRecord(resolved)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if rec.Status != store.StatusActive {
		return nil, fmt.Errorf("record %s is archived: %w", id, ErrConflict)
	}
	if nextTier(rec.Tier) == "" {
		return nil, validationErr("tier", "record is already long_term")
	}

	now := e.now().UnixMilli()
	next, err := e.scorer.promoteTo(rec, now)
	if err != nil {
		return nil, err
	}
	if next == "" {
		return nil, fmt.Errorf("record %s not eligible for promotion yet: %w", id, ErrConflict)
	}

	moved, err := e.db.PromoteRecord(rec.ID, rec.Tier, next, now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("record %s changed concurrently: %w", id, ErrConflict)
	}

	rec.Tier = next
	rec.TierEnteredAt = now
	rec.LastModified = now
	if err := e.keyword.IndexRecord(rec); err != nil {
		e.logger.Warn("reindex promoted record", "id", rec.ID, "error", err)
	}
	e.logger.Info("promoted record", "id", rec.ID, "tier", next)
	return rec, nil
}

// Archive retires a record from retrieval. Archiving an archived record
// is a no-op.
func (e *Engine) Archive(ctx context.Context, id string) (*store.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := e.resolveID(id)
	if err != nil {
		return nil, err
	}

	e.locks.Lock(resolved)
	defer e.locks.Unlock(resolved)

	rec, err := e.db.GetRecord(resolved)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if rec.Status == store.StatusArchived {
		return rec, nil
	}

	now := e.now().UnixMilli()
	archived, err := e.db.ArchiveRecord(rec.ID, now)
	if err != nil {
		return nil, err
	}
	if !archived {
		return nil, fmt.Errorf("record %s changed concurrently: %w", id, ErrConflict)
	}

	rec.Status = store.StatusArchived
	rec.LastModified = now
	if err := e.keyword.Delete(rec.ID); err != nil {
		e.logger.Warn("deindex archived record", "id", rec.ID, "error", err)
	}
	e.logger.Info("archived record", "id", rec.ID)
	return rec, nil
}

// Delete removes a record outright: row, vector, and entity links cascade,
// and the keyword entry is dropped. No tombstone is left; the id is gone.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := e.resolveID(id)
	if err != nil {
		return err
	}

	e.locks.Lock(resolved)
	defer e.locks.Unlock(resolved)

	rec, err := e.db.GetRecord(resolved)
	if err != nil {
		return mapStoreErr(err)
	}
	if rec == nil {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}

	if err := e.db.DeleteRecord(rec.ID); err != nil {
		return err
	}
	if err := e.keyword.Delete(rec.ID); err != nil {
		e.logger.Warn("deindex deleted record", "id", rec.ID, "error", err)
	}
	e.logger.Info("deleted record", "id", rec.ID, "owner", rec.Owner)
	return nil
}

// Stats is a point-in-time inventory of the store and caches.
type Stats struct {
	Tiers       map[string]int
	Archived    int
	Vectors     int
	Entities    int
	Edges       int
	Tombstones  int
	DeadLetters int
	KeywordDocs uint64
	RecentJobs  []store.ConsolidationJob
	AliasHits   int64
	AliasMisses int64
	EmbedHits   int64
	EmbedMisses int64
}

// Stats gathers store counts, recent consolidation jobs, and cache
// counters.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &Stats{Tiers: make(map[string]int, 3)}
	for _, tier := range store.Tiers() {
		count, err := e.db.CountTier(tier)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", tier, err)
		}
		stats.Tiers[tier] = count
	}

	var err error
	if stats.Archived, err = e.db.CountArchived(); err != nil {
		return nil, err
	}
	if stats.Vectors, err = e.db.CountVectors(); err != nil {
		return nil, err
	}
	if stats.Entities, err = e.db.CountEntities(); err != nil {
		return nil, err
	}
	if stats.Edges, err = e.db.CountEdges(); err != nil {
		return nil, err
	}
	if stats.Tombstones, err = e.db.CountTombstones(); err != nil {
		return nil, err
	}
	if stats.DeadLetters, err = e.db.CountDeadLetters(e.cfg.Consolidation.RetryBudget); err != nil {
		return nil, err
	}
	if stats.KeywordDocs, err = e.keyword.DocCount(); err != nil {
		return nil, err
	}
	if stats.RecentJobs, err = e.db.RecentJobs(10); err != nil {
		return nil, err
	}

	stats.AliasHits = e.aliasHits.Load()
	stats.AliasMisses = e.aliasMisses.Load()
	if cached, ok := e.embedder.(*cachingEmbedder); ok {
		stats.EmbedHits, stats.EmbedMisses = cached.cacheStats()
	}
	return stats, nil
}
