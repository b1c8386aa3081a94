package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation tick now",
	Long:  "Sweep every tier once: rescore, promote, archive, merge duplicates, backfill embeddings, and enrich records.",
	RunE:  runConsolidate,
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	eng, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	// Ticks page through whole tiers; give them more room than the
	// default command timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := eng.RunConsolidationTick(ctx)
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}

	for _, job := range report.Jobs {
		fmt.Printf("%-10s %-7s scanned=%d promoted=%d archived=%d merged=%d failed=%d\n",
			job.Tier, job.Status,
			job.Counts.Scanned, job.Counts.Promoted, job.Counts.Archived,
			job.Counts.Merged, job.Counts.Failed)
		if job.Error != "" {
			fmt.Printf("           error: %s\n", job.Error)
		}
	}
	if report.Embedded > 0 {
		fmt.Printf("embedded %d missing vectors\n", report.Embedded)
	}
	if report.Enriched > 0 {
		fmt.Printf("enriched %d records\n", report.Enriched)
	}
	if report.InvalidatedEntities > 0 {
		fmt.Printf("invalidated %d orphan entities\n", report.InvalidatedEntities)
	}
	return nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and cache statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	eng, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := cliContext()
	defer cancel()

	st, err := eng.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("## Records")
	for _, tier := range []string{"working", "short_term", "long_term"} {
		fmt.Printf("  %-12s %d\n", tier, st.Tiers[tier])
	}
	fmt.Printf("  %-12s %d\n", "archived", st.Archived)
	fmt.Printf("  %-12s %d\n", "tombstones", st.Tombstones)

	fmt.Println("## Indexes")
	fmt.Printf("  %-12s %d\n", "vectors", st.Vectors)
	fmt.Printf("  %-12s %d\n", "keyword docs", st.KeywordDocs)
	fmt.Printf("  %-12s %d\n", "entities", st.Entities)
	fmt.Printf("  %-12s %d\n", "edges", st.Edges)

	fmt.Println("## Health")
	fmt.Printf("  %-12s %d\n", "dead letters", st.DeadLetters)
	fmt.Printf("  alias cache  %d hits / %d misses\n", st.AliasHits, st.AliasMisses)
	fmt.Printf("  embed cache  %d hits / %d misses\n", st.EmbedHits, st.EmbedMisses)

	if len(st.RecentJobs) > 0 {
		fmt.Println("## Recent consolidation jobs")
		for _, job := range st.RecentJobs {
			fmt.Printf("  %s %-10s %-7s scanned=%d merged=%d failed=%d\n",
				formatMillis(job.CreatedAt), job.Tier, job.Status,
				job.Counts.Scanned, job.Counts.Merged, job.Counts.Failed)
		}
	}
	return nil
}
