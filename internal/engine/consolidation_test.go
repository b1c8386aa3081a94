package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/llm"
	"github.com/stratamem/strata/internal/store"
)

func TestCheckIntegrity(t *testing.T) {
	now := testClock.UnixMilli()
	base := func() *store.MemoryRecord {
		content := "a settled fact"
		return &store.MemoryRecord{
			ID:            "rec-1",
			Owner:         "u1",
			Content:       content,
			ContentHash:   hashContent(content),
			Tier:          store.TierWorking,
			Status:        store.StatusActive,
			Importance:    0.5,
			CreatedAt:     now - 1000,
			LastAccessed:  now - 500,
			TierEnteredAt: now - 1000,
		}
	}

	cases := []struct {
		name    string
		mutate  func(*store.MemoryRecord)
		corrupt bool
	}{
		{"valid", nil, false},
		{"hash mismatch", func(r *store.MemoryRecord) { r.Content = "tampered" }, true},
		{"created zero", func(r *store.MemoryRecord) { r.CreatedAt = 0 }, true},
		{"created in future", func(r *store.MemoryRecord) { r.CreatedAt = now + 1 }, true},
		{"accessed before created", func(r *store.MemoryRecord) { r.LastAccessed = r.CreatedAt - 1 }, true},
		{"accessed in future", func(r *store.MemoryRecord) { r.LastAccessed = now + 1 }, true},
		{"tier entered in future", func(r *store.MemoryRecord) { r.TierEnteredAt = now + 1 }, true},
		{"importance out of bounds", func(r *store.MemoryRecord) { r.Importance = 1.5 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := base()
			if tc.mutate != nil {
				tc.mutate(rec)
			}
			err := checkIntegrity(rec, now)
			if tc.corrupt {
				assert.ErrorIs(t, err, ErrCorruptedState)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTickEmptyStore(t *testing.T) {
	eng := testEngine(t)

	report, err := eng.RunConsolidationTick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Jobs, 3)
	tiers := make([]string, len(report.Jobs))
	for i, job := range report.Jobs {
		tiers[i] = job.Tier
		assert.Equal(t, store.JobDone, job.Status)
		assert.Equal(t, store.JobCounts{}, job.Counts)
	}
	assert.Equal(t, store.Tiers(), tiers)
	assert.Zero(t, report.Embedded)
	assert.Zero(t, report.Enriched)
	assert.Zero(t, report.InvalidatedEntities)
}

func TestTickPromotesAfterDwell(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	imp := 0.8
	rec, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "decision of record", Importance: &imp})
	require.NoError(t, err)

	setClock(eng, testClock.Add(25*time.Hour))
	report, err := eng.RunConsolidationTick(ctx)
	require.NoError(t, err)

	working := report.Jobs[0]
	assert.Equal(t, store.TierWorking, working.Tier)
	assert.Equal(t, 1, working.Counts.Scanned)
	assert.Equal(t, 1, working.Counts.Promoted)

	// The short_term sweep sees the freshly promoted record but its dwell
	// clock restarted, so it stays put.
	assert.Equal(t, 1, report.Jobs[1].Counts.Scanned)
	assert.Zero(t, report.Jobs[1].Counts.Promoted)

	got, err := eng.db.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TierShortTerm, got.Tier)
	assert.Equal(t, testClock.Add(25*time.Hour).UnixMilli(), got.TierEnteredAt)
}

func TestTickArchivesDecayed(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	imp := 0.1
	rec, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "stale scratch note", Importance: &imp})
	require.NoError(t, err)

	// 70 days at a 7 day half-life: weight 0.1/101, far under the floor.
	setClock(eng, testClock.Add(70*24*time.Hour))
	report, err := eng.RunConsolidationTick(ctx)
	require.NoError(t, err)

	working := report.Jobs[0]
	assert.Equal(t, 1, working.Counts.Scanned)
	assert.Equal(t, 1, working.Counts.Archived)

	got, err := eng.db.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusArchived, got.Status)

	docs, err := eng.keyword.DocCount()
	require.NoError(t, err)
	assert.Zero(t, docs)
}

func TestTickMergesDuplicates(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	a, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "prefers the dark theme", Tags: []string{"ui"}})
	require.NoError(t, err)
	b, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "prefers the dark theme!", Tags: []string{"prefs"}})
	require.NoError(t, err)

	now := testClock.UnixMilli()
	require.NoError(t, eng.db.SaveVector(a.ID, []float32{1, 0, 0, 0}, "mock", now))
	require.NoError(t, eng.db.SaveVector(b.ID, []float32{1, 0, 0, 0}, "mock", now))

	setClock(eng, testClock.Add(time.Hour))
	report, err := eng.RunConsolidationTick(ctx)
	require.NoError(t, err)

	working := report.Jobs[0]
	assert.Equal(t, 2, working.Counts.Scanned)
	assert.Equal(t, 1, working.Counts.Merged)

	// Equal importance and creation time, so the smaller id survives.
	survivorID, loserID := a.ID, b.ID
	if b.ID < a.ID {
		survivorID, loserID = b.ID, a.ID
	}

	survivor, err := eng.db.GetRecord(survivorID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, survivor.AccessCount)
	assert.Equal(t, []string{"prefs", "ui"}, survivor.Tags)

	count, err := eng.db.CountTier(store.TierWorking)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	tombs, err := eng.db.CountTombstones()
	require.NoError(t, err)
	assert.Equal(t, 1, tombs)

	vectors, err := eng.db.CountVectors()
	require.NoError(t, err)
	assert.Equal(t, 1, vectors)

	docs, err := eng.keyword.DocCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, docs)

	// The loser's id stays reachable through the tombstone.
	got, err := eng.Get(ctx, loserID)
	require.NoError(t, err)
	assert.Equal(t, survivorID, got.ID)
}

func TestTickDeadLettersCorruptRecord(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	rec, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "will be tampered"})
	require.NoError(t, err)
	_, err = eng.db.Exec(`UPDATE memory_records SET content = 'tampered' WHERE id = ?`, rec.ID)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		report, err := eng.RunConsolidationTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Jobs[0].Counts.Failed, "tick %d", i)
	}

	dead, err := eng.db.CountDeadLetters(eng.cfg.Consolidation.RetryBudget)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)

	letters, err := eng.db.ListDeadLetters(eng.cfg.Consolidation.RetryBudget, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, rec.ID, letters[0].RecordID)
	assert.Contains(t, letters[0].LastError, "hash mismatch")

	// At the budget the record drops out of the sweep entirely.
	report, err := eng.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Jobs[0].Counts.Scanned)
}

func TestTickResumesInterruptedJob(t *testing.T) {
	eng := testEngine(t)
	now := testClock.UnixMilli()

	seed := func(id, content string) {
		rec := &store.MemoryRecord{
			ID:            id,
			Owner:         "u1",
			Content:       content,
			ContentHash:   hashContent(content),
			Tier:          store.TierWorking,
			Status:        store.StatusActive,
			Importance:    0.5,
			DecayWeight:   0.5,
			CreatedAt:     now,
			LastAccessed:  now,
			LastModified:  now,
			TierEnteredAt: now,
		}
		_, created, err := eng.db.UpsertRecord(rec)
		require.NoError(t, err)
		require.True(t, created)
	}
	seed("a", "alpha fact")
	seed("z", "zulu fact")

	// A prior sweep died mid-page with its cursor at "m".
	job, err := eng.db.CreateJob(uuid.NewString(), store.TierWorking, "", eng.cfg.Consolidation.BatchSize, now)
	require.NoError(t, err)
	claimed, err := eng.db.StartJob(job.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, eng.db.UpdateJobProgress(job.ID, "m", store.JobCounts{Scanned: 1}))

	report, err := eng.RunConsolidationTick(context.Background())
	require.NoError(t, err)

	// The new sweep resumed past "m" and only scanned "z".
	working := report.Jobs[0]
	assert.Equal(t, 1, working.Counts.Scanned)
	assert.Equal(t, "z", working.Cursor)

	adopted, err := eng.db.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, adopted.Status)
	assert.Equal(t, "interrupted", adopted.Error)
}

func TestTickEmbedsMissingVectors(t *testing.T) {
	eng := testEngine(t)
	require.NoError(t, eng.SetEmbedder(&MockEmbedder{Dims: 4}))
	ctx := context.Background()

	// Separate owners keep the dedup pass out of the picture.
	a, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "alpha release notes"})
	require.NoError(t, err)
	_, _, err = eng.Ingest(ctx, IngestRequest{Owner: "u2", Content: "zebra migration guide"})
	require.NoError(t, err)

	report, err := eng.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Embedded)

	vec, err := eng.db.GetVector(a.ID)
	require.NoError(t, err)
	require.NotNil(t, vec)
	assert.Equal(t, "mock", vec.Model)
	assert.Len(t, vec.Embedding, 4)

	count, err := eng.db.CountVectors()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	report, err = eng.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Embedded)
}

func TestTickEmbedBackfillToleratesFailure(t *testing.T) {
	eng := testEngine(t)
	require.NoError(t, eng.SetEmbedder(&MockEmbedder{Dims: 4, Err: errors.New("backend down")}))
	ctx := context.Background()

	_, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "unembeddable note"})
	require.NoError(t, err)

	report, err := eng.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Embedded)

	// The record stays queued for the next backfill.
	missing, err := eng.db.ListMissingVectors("mock", 10)
	require.NoError(t, err)
	assert.Len(t, missing, 1)
}

func TestTickEnrichesRecords(t *testing.T) {
	eng := testEngine(t)
	client := &llm.MockClient{Handler: func(prompt string) (*llm.Response, error) {
		switch {
		case strings.Contains(prompt, "entity extraction"):
			return &llm.Response{Content: `[{"label":"Alice","kind":"person"},{"label":"Postgres","kind":"tool"}]`}, nil
		case strings.Contains(prompt, "classification"):
			return &llm.Response{Content: "semantic"}, nil
		default:
			return &llm.Response{Content: "summary"}, nil
		}
	}}
	eng.SetLLM(llm.NewService(client, 2, time.Second))
	ctx := context.Background()

	rec, _, err := eng.Ingest(ctx, IngestRequest{Owner: "u1", Content: "alice moved the service to postgres"})
	require.NoError(t, err)

	report, err := eng.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enriched)
	assert.Zero(t, report.InvalidatedEntities)

	got, err := eng.db.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "semantic", got.Metadata["intent"])
	assert.Equal(t, testClock.UnixMilli(), got.EnrichedAt)

	ents, err := eng.db.FindEntitiesByLabels([]string{"alice", "postgres"}, testClock.UnixMilli()+1)
	require.NoError(t, err)
	require.Len(t, ents, 2)

	links, err := eng.db.RecordsForEntities([]string{ents[0].ID, ents[1].ID})
	require.NoError(t, err)
	require.Len(t, links, 2)
	for _, link := range links {
		assert.Equal(t, rec.ID, link.RecordID)
	}

	edges, err := eng.db.CountEdges()
	require.NoError(t, err)
	assert.Equal(t, 1, edges)

	pending, err := eng.db.ListUnenriched(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	report, err = eng.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Enriched)
}

func TestTickInvalidatesOrphanEntities(t *testing.T) {
	eng := testEngine(t)
	now := testClock.UnixMilli()

	_, err := eng.db.UpsertEntity(uuid.NewString(), "ghost", "concept", now)
	require.NoError(t, err)

	report, err := eng.RunConsolidationTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvalidatedEntities)

	ents, err := eng.db.FindEntitiesByLabels([]string{"ghost"}, now+1)
	require.NoError(t, err)
	assert.Empty(t, ents)

	report, err = eng.RunConsolidationTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.InvalidatedEntities)
}

func TestStartStopLifecycle(t *testing.T) {
	eng := testEngineCfg(t, func(cfg *config.Config) {
		cfg.Consolidation.IntervalSeconds = 3600
	})

	eng.Start()
	eng.Start() // second start is a no-op

	// The fill nudge triggers a sweep without waiting out the interval.
	eng.fill <- struct{}{}

	deadline := time.Now().Add(5 * time.Second)
	for {
		jobs, err := eng.db.RecentJobs(10)
		require.NoError(t, err)
		if len(jobs) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler never ran a tick")
		}
		time.Sleep(10 * time.Millisecond)
	}

	eng.Stop()
	eng.Stop() // second stop is a no-op
}
