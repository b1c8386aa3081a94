package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/engine"
	"github.com/stratamem/strata/internal/store"
)

// resolvePaths picks the database and keyword index locations: env
// override, then config, then the default under ~/.strata.
func resolvePaths(cfg config.Config) (string, string, error) {
	dbPath := cfg.Database.Path
	if p := os.Getenv("STRATA_DB"); p != "" {
		dbPath = p
	}
	usedDefault := false
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return "", "", fmt.Errorf("resolve db path: %w", err)
		}
		usedDefault = true
	}

	kwPath := cfg.Database.KeywordPath
	if kwPath == "" {
		if usedDefault {
			var err error
			kwPath, err = store.DefaultKeywordPath()
			if err != nil {
				return "", "", fmt.Errorf("resolve keyword path: %w", err)
			}
		} else {
			kwPath = dbPath + ".bleve"
		}
	}
	return dbPath, kwPath, nil
}

// openEngine wires up the store, keyword index, and engine for a
// one-shot command. The returned func closes everything.
func openEngine() (*engine.Engine, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	dbPath, kwPath, err := resolvePaths(cfg)
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	kw, err := store.OpenKeyword(kwPath)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open keyword index: %w", err)
	}

	eng, err := engine.New(db, kw, cfg, nil)
	if err != nil {
		kw.Close()
		db.Close()
		return nil, nil, err
	}

	return eng, func() {
		kw.Close()
		db.Close()
	}, nil
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}

// parseMeta turns key=value pairs into a metadata map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

// --- ingest command ---

var (
	ingestOwner      string
	ingestTags       []string
	ingestMeta       []string
	ingestImportance float64
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [content]",
	Short: "Store a memory record",
	Long:  "Store a memory record in the working tier. Re-ingesting identical content for the same owner reinforces the existing record instead of duplicating it.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	eng, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	meta, err := parseMeta(ingestMeta)
	if err != nil {
		return err
	}

	req := engine.IngestRequest{
		Owner:    ingestOwner,
		Content:  strings.Join(args, " "),
		Tags:     ingestTags,
		Metadata: meta,
	}
	if cmd.Flags().Changed("importance") {
		req.Importance = &ingestImportance
	}

	ctx, cancel := cliContext()
	defer cancel()

	rec, created, err := eng.Ingest(ctx, req)
	if err != nil {
		return err
	}

	if created {
		fmt.Printf("created %s (tier: %s, importance: %.2f)\n", rec.ID, rec.Tier, rec.Importance)
	} else {
		fmt.Printf("reinforced %s (access count: %d)\n", rec.ID, rec.AccessCount)
	}
	return nil
}

// --- get command ---

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a memory record",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	eng, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := cliContext()
	defer cancel()

	rec, err := eng.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("id:           %s\n", rec.ID)
	fmt.Printf("owner:        %s\n", rec.Owner)
	fmt.Printf("tier:         %s\n", rec.Tier)
	fmt.Printf("status:       %s\n", rec.Status)
	fmt.Printf("importance:   %.2f\n", rec.Importance)
	fmt.Printf("decay weight: %.4f\n", rec.DecayWeight)
	fmt.Printf("access count: %d\n", rec.AccessCount)
	if len(rec.Tags) > 0 {
		fmt.Printf("tags:         %s\n", strings.Join(rec.Tags, ", "))
	}
	for k, v := range rec.Metadata {
		fmt.Printf("meta:         %s=%s\n", k, v)
	}
	fmt.Printf("created:      %s\n", formatMillis(rec.CreatedAt))
	fmt.Printf("last access:  %s\n", formatMillis(rec.LastAccessed))
	fmt.Println()
	fmt.Println(rec.Content)
	return nil
}

// --- search command ---

var (
	searchOwner     string
	searchLimit     int
	searchTiers     []string
	searchTags      []string
	searchSummarize bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories",
	Long:  "Hybrid search over vector, keyword, and graph signals, fused into one ranking.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	eng, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := cliContext()
	defer cancel()

	result, err := eng.Search(ctx, engine.SearchRequest{
		Query:     strings.Join(args, " "),
		Owner:     searchOwner,
		Tiers:     searchTiers,
		Tags:      searchTags,
		Limit:     searchLimit,
		Summarize: searchSummarize,
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if result.Partial {
		fmt.Fprintf(os.Stderr, "warning: degraded results, failed signals: %s\n",
			strings.Join(result.FailedSignals, ", "))
	}

	if len(result.Entries) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	for i, entry := range result.Entries {
		fmt.Printf("%d. [%.4f] %s  %s  via %s\n",
			i+1, entry.Score, entry.Record.ID, entry.Record.Tier, strings.Join(entry.Signals, "+"))
		content := entry.Record.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		fmt.Printf("   %s\n", content)
		if len(entry.Record.Tags) > 0 {
			fmt.Printf("   tags: %s\n", strings.Join(entry.Record.Tags, ", "))
		}
		fmt.Println()
	}

	if result.Summary != "" {
		fmt.Println("## Overflow summary")
		fmt.Println(result.Summary)
	}
	return nil
}

// --- promote / archive / delete commands ---

var promoteCmd = &cobra.Command{
	Use:   "promote [id]",
	Short: "Promote a record to the next tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine()
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := cliContext()
		defer cancel()

		rec, err := eng.Promote(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("promoted %s to %s\n", rec.ID, rec.Tier)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive [id]",
	Short: "Archive a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine()
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := cliContext()
		defer cancel()

		rec, err := eng.Archive(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("archived %s\n", rec.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a record permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine()
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := cliContext()
		defer cancel()

		if err := eng.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestOwner, "owner", "o", "", "Owner of the record (required)")
	ingestCmd.Flags().StringSliceVarP(&ingestTags, "tags", "t", nil, "Tags, comma separated")
	ingestCmd.Flags().StringArrayVarP(&ingestMeta, "meta", "m", nil, "Metadata key=value (repeatable)")
	ingestCmd.Flags().Float64Var(&ingestImportance, "importance", 0, "Importance in [0,1]")
	ingestCmd.MarkFlagRequired("owner")

	searchCmd.Flags().StringVarP(&searchOwner, "owner", "o", "", "Filter by owner")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results")
	searchCmd.Flags().StringSliceVar(&searchTiers, "tiers", nil, "Filter by tiers, comma separated")
	searchCmd.Flags().StringSliceVar(&searchTags, "tags", nil, "Require tags, comma separated")
	searchCmd.Flags().BoolVar(&searchSummarize, "summarize", false, "Summarize results beyond the token budget")
}
