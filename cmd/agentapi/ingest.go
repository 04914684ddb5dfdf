package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rbranco/agentapi/pkg/rag"
)

// IngestCmd indexes the documents directory of RAG-enabled agents.
type IngestCmd struct {
	Agent   string `help:"Ingest a single agent instead of all." default:""`
	Reindex bool   `help:"Re-index chunks that already exist."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cli.LogLevel != "" {
		setupLogging(cli.LogLevel)
	}

	cont, err := buildContainer(ctx)
	if err != nil {
		return err
	}
	defer cont.close()

	ing := rag.NewIngestor(cont.docs)
	opts := rag.IngestOptions{SkipExisting: !c.Reindex}

	ran := 0
	for _, cfg := range cont.registry.List() {
		if cfg.RAG == nil || cfg.RAG.DocumentsDir == "" {
			continue
		}
		if c.Agent != "" && cfg.ID != c.Agent {
			continue
		}
		opts.ChunkSize = cfg.RAG.ChunkSize
		opts.Overlap = cfg.RAG.Overlap
		result, err := ing.IngestDirectory(ctx, cfg.RAG.Type, cfg.RAG.IndexName, cfg.RAG.DocumentsDir, opts)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", cfg.ID, err)
		}
		fmt.Printf("%s: %d files, %d chunks indexed, %d skipped, %d errors\n",
			cfg.ID, result.FilesProcessed, result.ChunksIndexed, result.ChunksSkipped, len(result.Errors))
		ran++
	}
	if ran == 0 {
		fmt.Println("no agents with a documents_dir to ingest")
	}
	return nil
}
