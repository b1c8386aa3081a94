package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stratamem/strata/internal/llm"
	"github.com/stratamem/strata/internal/store"
)

// TickReport summarizes one consolidation pass.
type TickReport struct {
	Jobs                []store.ConsolidationJob
	Embedded            int
	Enriched            int
	InvalidatedEntities int
}

// Start launches the background consolidation loop: a ticker at the
// configured interval, plus the ingest fill-threshold trigger.
func (e *Engine) Start() {
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.wg.Add(1)

	interval := e.cfg.Consolidation.Interval()
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-e.fill:
			case <-e.stopCh:
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := e.RunConsolidationTick(ctx); err != nil {
				e.logger.Error("consolidation tick failed", "error", err)
			}
			cancel()
		}
	}()
	e.logger.Info("consolidation scheduler started", "interval", interval)
}

// Stop halts the scheduler and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.stopCh = nil
}

// RunConsolidationTick runs one full maintenance pass: embed backfill,
// a lifecycle sweep per tier, entity enrichment, orphan cleanup. Ticks
// are serialized; one firing mid-tick waits its turn.
func (e *Engine) RunConsolidationTick(ctx context.Context) (*TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	report := &TickReport{}

	if e.embedder != nil {
		n, err := e.EmbedMissing(ctx)
		report.Embedded = n
		if err != nil {
			e.logger.Warn("embed backfill incomplete", "embedded", n, "error", err)
		}
	}

	for _, tier := range store.Tiers() {
		job, err := e.runTierJob(ctx, tier)
		if err != nil {
			return report, fmt.Errorf("consolidate %s: %w", tier, err)
		}
		if job != nil {
			report.Jobs = append(report.Jobs, *job)
		}
	}

	if e.llm != nil {
		report.Enriched = e.enrichRecords(ctx)
	}

	n, err := e.db.InvalidateOrphanEntities(e.now().UnixMilli())
	if err != nil {
		e.logger.Warn("invalidate orphan entities", "error", err)
	}
	report.InvalidatedEntities = n

	return report, nil
}

// runTierJob sweeps one tier: claim a job, page active records from the
// resume cursor, process each with bounded parallelism, persist the cursor
// after every page. Per-record failures are isolated; only store-level
// failures fail the job.
func (e *Engine) runTierJob(ctx context.Context, tier string) (*store.ConsolidationJob, error) {
	now := e.now().UnixMilli()

	cursor := ""
	interrupted, err := e.db.AdoptInterruptedJob(tier, now)
	if err != nil {
		return nil, err
	}
	if interrupted != nil {
		cursor = interrupted.Cursor
		e.logger.Warn("resuming interrupted consolidation",
			"tier", tier, "job", interrupted.ID, "cursor", cursor)
	}

	batch := e.cfg.Consolidation.BatchSize
	job, err := e.db.CreateJob(uuid.NewString(), tier, cursor, batch, now)
	if err != nil {
		return nil, err
	}
	claimed, err := e.db.StartJob(job.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return job, nil
	}

	var (
		counts   store.JobCounts
		countsMu sync.Mutex
	)
	sem := semaphore.NewWeighted(int64(e.cfg.Consolidation.Parallelism))

	finish := func(status, errMsg string) *store.ConsolidationJob {
		countsMu.Lock()
		final := counts
		countsMu.Unlock()
		if err := e.db.FinishJob(job.ID, status, errMsg, final, e.now().UnixMilli()); err != nil {
			e.logger.Error("finish consolidation job", "job", job.ID, "error", err)
		}
		job.Status, job.Error, job.Counts = status, errMsg, final
		return job
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(store.JobFailed, err.Error()), nil
		}

		page, err := e.db.ListTierPage(tier, cursor, batch, e.cfg.Consolidation.RetryBudget)
		if err != nil {
			return finish(store.JobFailed, err.Error()), nil
		}
		if len(page) == 0 {
			break
		}

		var wg sync.WaitGroup
		for i := range page {
			rec := page[i]
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return finish(store.JobFailed, err.Error()), nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				outcome := e.processRecord(&rec)
				countsMu.Lock()
				counts.Scanned++
				switch outcome {
				case outcomePromoted:
					counts.Promoted++
				case outcomeArchived:
					counts.Archived++
				case outcomeMerged:
					counts.Merged++
				case outcomeFailed:
					counts.Failed++
				}
				countsMu.Unlock()
			}()
		}
		wg.Wait()

		cursor = page[len(page)-1].ID
		countsMu.Lock()
		snapshot := counts
		countsMu.Unlock()
		if err := e.db.UpdateJobProgress(job.ID, cursor, snapshot); err != nil {
			return finish(store.JobFailed, err.Error()), nil
		}
		job.Cursor = cursor
		if len(page) < batch {
			break
		}
	}

	return finish(store.JobDone, ""), nil
}

type recordOutcome int

const (
	outcomeKept recordOutcome = iota
	outcomePromoted
	outcomeArchived
	outcomeMerged
	outcomeFailed
)

// processRecord applies one lifecycle step to a record under its lock:
// integrity check, rescore, promote or archive, then duplicate detection.
// The record lock is released before a merge, which re-locks both ids in
// sorted order.
func (e *Engine) processRecord(stale *store.MemoryRecord) recordOutcome {
	id := stale.ID
	now := e.now().UnixMilli()

	outcome, mergeWith := e.stepRecord(id, now)
	if outcome == outcomeFailed {
		return outcome
	}

	if mergeWith != "" {
		survivor, err := e.mergeDuplicates(id, mergeWith)
		if err != nil {
			return e.recordFailure(id, err)
		}
		if survivor != "" {
			outcome = outcomeMerged
		}
	}

	if err := e.db.ClearFailures(id); err != nil {
		e.logger.Warn("clear failure count", "id", id, "error", err)
	}
	return outcome
}

// stepRecord holds the record lock for everything except the merge. It
// returns the id of a detected duplicate for the caller to merge lock-free.
func (e *Engine) stepRecord(id string, now int64) (recordOutcome, string) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	rec, err := e.db.GetRecord(id)
	if err != nil {
		return e.recordFailure(id, err), ""
	}
	if rec == nil || rec.Status != store.StatusActive {
		return outcomeKept, ""
	}

	if err := checkIntegrity(rec, now); err != nil {
		return e.recordFailure(id, err), ""
	}

	weight, err := e.scorer.decayWeight(rec, now)
	if err != nil {
		return e.recordFailure(id, err), ""
	}
	if err := e.db.UpdateScores(id, rec.Importance, weight, now); err != nil {
		return e.recordFailure(id, err), ""
	}
	rec.DecayWeight = weight

	next, err := e.scorer.promoteTo(rec, now)
	if err != nil {
		return e.recordFailure(id, err), ""
	}
	if next != "" {
		moved, err := e.db.PromoteRecord(id, rec.Tier, next, now)
		if err != nil {
			return e.recordFailure(id, err), ""
		}
		if !moved {
			return outcomeKept, ""
		}
		rec.Tier = next
		if err := e.keyword.IndexRecord(rec); err != nil {
			e.logger.Warn("reindex promoted record", "id", id, "error", err)
		}
		e.logger.Info("promoted record", "id", id, "tier", next)
		return outcomePromoted, ""
	}

	if e.scorer.shouldArchive(rec, weight, now) {
		archived, err := e.db.ArchiveRecord(id, now)
		if err != nil {
			return e.recordFailure(id, err), ""
		}
		if !archived {
			return outcomeKept, ""
		}
		if err := e.keyword.Delete(id); err != nil {
			e.logger.Warn("deindex archived record", "id", id, "error", err)
		}
		e.logger.Info("archived record", "id", id, "weight", weight)
		return outcomeArchived, ""
	}

	dup, err := e.findDuplicate(rec)
	if err != nil {
		return e.recordFailure(id, err), ""
	}
	if dup != nil {
		return outcomeKept, dup.ID
	}
	return outcomeKept, ""
}

// recordFailure counts a processing failure against a record. At the
// retry budget the record is dead-lettered and future sweeps skip it.
func (e *Engine) recordFailure(id string, cause error) recordOutcome {
	failures, err := e.db.RecordFailure(id, cause.Error(), e.now().UnixMilli())
	if err != nil {
		e.logger.Error("record consolidation failure", "id", id, "error", err)
		return outcomeFailed
	}
	if failures >= e.cfg.Consolidation.RetryBudget {
		e.logger.Error("record dead-lettered", "id", id, "failures", failures, "cause", cause)
	} else {
		e.logger.Warn("record processing failed", "id", id, "failures", failures, "cause", cause)
	}
	return outcomeFailed
}

// checkIntegrity verifies stored invariants: the content hash matches and
// no timestamp lies in the future or before creation. Violations surface
// as CorruptedState; the row is never repaired in place.
func checkIntegrity(rec *store.MemoryRecord, now int64) error {
	if hashContent(rec.Content) != rec.ContentHash {
		return fmt.Errorf("record %s content hash mismatch: %w", rec.ID, ErrCorruptedState)
	}
	if rec.CreatedAt <= 0 || rec.CreatedAt > now {
		return fmt.Errorf("record %s created_at %d out of range: %w", rec.ID, rec.CreatedAt, ErrCorruptedState)
	}
	if rec.LastAccessed > now || rec.LastAccessed < rec.CreatedAt {
		return fmt.Errorf("record %s last_accessed %d out of range: %w", rec.ID, rec.LastAccessed, ErrCorruptedState)
	}
	if rec.TierEnteredAt > now {
		return fmt.Errorf("record %s tier_entered_at %d in the future: %w", rec.ID, rec.TierEnteredAt, ErrCorruptedState)
	}
	if rec.Importance < 0 || rec.Importance > 1 {
		return fmt.Errorf("record %s importance %g out of bounds: %w", rec.ID, rec.Importance, ErrCorruptedState)
	}
	return nil
}

// EmbedMissing backfills embeddings for active records without a vector
// for the current model. Per-record failures are logged and retried next
// tick; only cancellation stops the backfill early.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	if e.embedder == nil {
		return 0, nil
	}

	records, err := e.db.ListMissingVectors(e.embedder.Model(), e.cfg.Consolidation.EmbedBatch)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var embedded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Consolidation.Parallelism)

	for i := range records {
		rec := records[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var vec []float32
			err := withRetry(gctx, func() error {
				var embedErr error
				vec, embedErr = e.embedder.Embed(gctx, rec.Content)
				return embedErr
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("embed record", "id", rec.ID, "error", err)
				return nil
			}
			if err := e.db.SaveVector(rec.ID, vec, e.embedder.Model(), e.now().UnixMilli()); err != nil {
				e.logger.Warn("save vector", "id", rec.ID, "error", err)
				return nil
			}
			embedded.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(embedded.Load()), err
	}
	return int(embedded.Load()), nil
}

// enrichRecords runs entity extraction and intent classification over
// records not yet enriched. Upstream failures leave enriched_at at zero so
// the next tick retries; enrichment never dead-letters a record.
func (e *Engine) enrichRecords(ctx context.Context) int {
	records, err := e.db.ListUnenriched(e.cfg.Consolidation.BatchSize)
	if err != nil {
		e.logger.Warn("list unenriched records", "error", err)
		return 0
	}

	enriched := 0
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		if err := e.enrichRecord(ctx, &records[i]); err != nil {
			e.logger.Warn("enrich record", "id", records[i].ID, "error", err)
			continue
		}
		enriched++
	}
	return enriched
}

func (e *Engine) enrichRecord(ctx context.Context, rec *store.MemoryRecord) error {
	var entities []llm.Entity
	err := withRetry(ctx, func() error {
		var exErr error
		entities, exErr = e.llm.ExtractEntities(ctx, rec.Content)
		return exErr
	})
	if err != nil {
		return err
	}

	var intent llm.Intent
	err = withRetry(ctx, func() error {
		var clErr error
		intent, clErr = e.llm.ClassifyIntent(ctx, rec.Content)
		return clErr
	})
	if err != nil {
		return err
	}

	now := e.now().UnixMilli()
	entityIDs := make([]string, 0, len(entities))
	for _, ent := range entities {
		label := normalizeLabel(ent.Label)
		if label == "" {
			continue
		}
		kind := normalizeLabel(ent.Kind)
		if kind == "" {
			kind = "concept"
		}
		node, err := e.db.UpsertEntity(uuid.NewString(), label, kind, now)
		if err != nil {
			return err
		}
		if err := e.db.LinkRecordEntity(rec.ID, node.ID, now); err != nil {
			return err
		}
		entityIDs = append(entityIDs, node.ID)
	}

	// Entities extracted from the same record co-occur.
	for i := 0; i < len(entityIDs); i++ {
		for j := i + 1; j < len(entityIDs); j++ {
			if err := e.db.LinkEntities(entityIDs[i], entityIDs[j], "co_occurs", now); err != nil {
				return err
			}
		}
	}

	e.locks.Lock(rec.ID)
	defer e.locks.Unlock(rec.ID)

	current, err := e.db.GetRecord(rec.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if intent != "" {
		meta := current.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		meta["intent"] = string(intent)
		if err := e.db.UpdateAttrs(rec.ID, current.Tags, meta, now); err != nil {
			return err
		}
	}
	return e.db.MarkEnriched(rec.ID, now)
}
