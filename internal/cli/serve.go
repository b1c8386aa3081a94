package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/engine"
	"github.com/stratamem/strata/internal/llm"
	"github.com/stratamem/strata/internal/server"
	"github.com/stratamem/strata/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and consolidation scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Env overrides config for the API key so it stays out of files.
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Provider = "anthropic"
		cfg.LLM.AnthropicKey = key
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	dbPath, kwPath, err := resolvePaths(cfg)
	if err != nil {
		return err
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	kw, err := store.OpenKeyword(kwPath)
	if err != nil {
		return fmt.Errorf("open keyword index: %w", err)
	}
	defer kw.Close()

	eng, err := engine.New(db, kw, cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// LLM service powers enrichment and overflow summaries; the server
	// runs without it.
	if llmClient, err := llm.NewClient(cfg.LLM); err != nil {
		fmt.Fprintf(os.Stderr, "warning: LLM not configured (%v), enrichment disabled\n", err)
	} else {
		eng.SetLLM(llm.NewService(llmClient, cfg.LLM.MaxConcurrent, cfg.LLM.Timeout()))
		fmt.Fprintf(os.Stderr, "  llm: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	}

	// Embedder powers the vector signal; without it search degrades to
	// keyword and graph.
	ollamaURL := cfg.LLM.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	embeddingModel := cfg.LLM.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "nomic-embed-text"
	}

	if engine.ProbeOllama(ollamaURL, embeddingModel) {
		emb := engine.NewOllamaEmbedder(ollamaURL, embeddingModel, cfg.LLM.EmbeddingDimensions)
		if err := eng.SetEmbedder(emb); err != nil {
			return fmt.Errorf("configure embedder: %w", err)
		}
		fmt.Fprintf(os.Stderr, "  embedder: ollama (%s, %d dims)\n", embeddingModel, cfg.LLM.EmbeddingDimensions)

		// Backfill vectors for records ingested while no embedder ran.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if n, err := eng.EmbedMissing(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "embed missing: %v\n", err)
			} else if n > 0 {
				fmt.Fprintf(os.Stderr, "  embedded %d missing records\n", n)
			}
		}()
	} else {
		fmt.Fprintf(os.Stderr, "warning: ollama unreachable at %s, vector search disabled\n", ollamaURL)
	}

	eng.Start()
	defer eng.Stop()

	srv := server.New(db, eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "strata serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		fmt.Fprintf(os.Stderr, "  keyword index: %s\n", kwPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
