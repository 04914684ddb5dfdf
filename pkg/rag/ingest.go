package rag

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// IngestOptions tunes one directory ingestion run.
type IngestOptions struct {
	ChunkSize    int
	Overlap      int
	SkipExisting bool
}

// IngestError records one file that could not be processed.
type IngestError struct {
	SourceFile string `json:"source_file"`
	Error      string `json:"error"`
}

// IngestResult summarizes an ingestion run.
type IngestResult struct {
	FilesProcessed int           `json:"files_processed"`
	ChunksIndexed  int           `json:"chunks_indexed"`
	ChunksSkipped  int           `json:"chunks_skipped"`
	Errors         []IngestError `json:"errors,omitempty"`
}

// Ingestor walks a documents directory and indexes its chunks.
type Ingestor struct {
	docs *DocumentService
}

// NewIngestor wraps the document service.
func NewIngestor(docs *DocumentService) *Ingestor {
	return &Ingestor{docs: docs}
}

// IngestDirectory extracts, chunks and indexes every supported file under
// dir. Document ids are deterministic over index, file content and chunk
// position, so re-running over unchanged files only skips.
func (ing *Ingestor) IngestDirectory(ctx context.Context, kind, index, dir string, opts IngestOptions) (*IngestResult, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1500
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.ChunkSize {
		opts.Overlap = 300
	}

	files, err := listIngestibleFiles(dir)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		source := relativeSource(dir, path)
		indexed, skipped, err := ing.ingestFile(ctx, kind, index, path, source, opts)
		if err != nil {
			slog.Error("rag: ingest file failed", "source_file", source, "error", err)
			result.Errors = append(result.Errors, IngestError{SourceFile: source, Error: err.Error()})
			continue
		}
		result.ChunksIndexed += indexed
		result.ChunksSkipped += skipped
		if indexed > 0 || skipped > 0 {
			result.FilesProcessed++
		}
	}

	slog.Info("rag: directory ingested",
		"index", index, "files", result.FilesProcessed,
		"chunks_indexed", result.ChunksIndexed, "chunks_skipped", result.ChunksSkipped,
		"errors", len(result.Errors))
	return result, nil
}

func (ing *Ingestor) ingestFile(ctx context.Context, kind, index, path, source string, opts IngestOptions) (indexed, skipped int, err error) {
	text, err := ExtractText(path)
	if err != nil {
		return 0, 0, err
	}
	chunks := ChunkText(text, opts.ChunkSize, opts.Overlap)
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("rag: read %s: %w", path, err)
	}
	fileSHA := fmt.Sprintf("%x", sha256.Sum256(data))

	for i, chunk := range chunks {
		documentID := DocumentID(index, fileSHA, i)

		if opts.SkipExisting {
			exists, err := ing.docs.Exists(ctx, kind, index, documentID)
			if err != nil {
				return indexed, skipped, err
			}
			if exists {
				skipped++
				continue
			}
		}

		metadata := map[string]interface{}{
			"source_file":  source,
			"chunk_index":  i,
			"total_chunks": len(chunks),
			"file_type":    strings.ToLower(filepath.Ext(path)),
		}
		if _, err := ing.docs.Add(ctx, kind, index, chunk, metadata, documentID); err != nil {
			return indexed, skipped, err
		}
		indexed++
	}
	return indexed, skipped, nil
}

// DocumentID derives the deterministic id of one chunk: a uuid over the
// first 16 bytes of sha256(index:fileSHA:chunkIndex). Qdrant only accepts
// uuid or integer point ids, hence the uuid rendering.
func DocumentID(index, fileSHA string, chunkIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", index, fileSHA, chunkIndex)))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		return fmt.Sprintf("%x", sum[:16])
	}
	return id.String()
}

func listIngestibleFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rag: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return []string{dir}, nil
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ingestibleExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag: walk %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i]) < strings.ToLower(files[j])
	})
	return files, nil
}

func relativeSource(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
