package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rbranco/agentapi/pkg/rag"
)

// defaultBackend is the vector store used when the request does not pick one.
const defaultBackend = "qdrant"

func backendParam(r *http.Request) string {
	if b := r.URL.Query().Get("backend"); b != "" {
		return b
	}
	return defaultBackend
}

func (s *Server) requireDocs(w http.ResponseWriter) bool {
	if s.deps.Docs == nil {
		httpError(w, http.StatusServiceUnavailable, "RAG document service not initialized")
		return false
	}
	return true
}

// handleListIndexes merges the indexes referenced by agent configs with the
// collections that actually exist in the vector store.
func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}

	seen := make(map[string]bool)
	for _, cfg := range s.deps.Registry.List() {
		if cfg.RAG != nil && cfg.RAG.IndexName != "" {
			seen[cfg.RAG.IndexName] = true
		}
	}
	if s.deps.Collections != nil {
		if names, err := s.deps.Collections.ListCollections(r.Context()); err == nil {
			for _, name := range names {
				seen[name] = true
			}
		}
	}

	indexes := make([]string, 0, len(seen))
	for name := range seen {
		indexes = append(indexes, name)
	}
	sort.Strings(indexes)
	respondJSON(w, http.StatusOK, map[string]interface{}{"indexes": indexes})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireDocs(w) {
		return
	}
	index := chi.URLParam(r, "index")

	var body struct {
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		httpError(w, http.StatusUnprocessableEntity, "content is required")
		return
	}

	docID, err := s.deps.Docs.Add(r.Context(), backendParam(r), index, body.Content, body.Metadata, "")
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":      "created",
		"document_id": docID,
		"index_name":  index,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if !s.requireDocs(w) {
		return
	}
	index := chi.URLParam(r, "index")
	limit := queryInt(r, "limit", 100)

	documents, err := s.deps.Docs.List(r.Context(), backendParam(r), index, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"index_name": index,
		"documents":  documents,
		"count":      len(documents),
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireDocs(w) {
		return
	}
	index := chi.URLParam(r, "index")
	documentID := chi.URLParam(r, "documentID")
	backend := backendParam(r)

	exists, err := s.deps.Docs.Exists(r.Context(), backend, index, documentID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		httpError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err := s.deps.Docs.Delete(r.Context(), backend, index, documentID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":      "deleted",
		"document_id": documentID,
	})
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireDocs(w) {
		return
	}
	stats, err := s.deps.Docs.Stats(r.Context(), backendParam(r), chi.URLParam(r, "index"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	if !s.requireDocs(w) {
		return
	}
	index := chi.URLParam(r, "index")

	var body struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		httpError(w, http.StatusUnprocessableEntity, "query is required")
		return
	}

	results, err := s.deps.Docs.Search(r.Context(), backendParam(r), index, body.Query, body.TopK)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"index_name": index,
		"query":      body.Query,
		"results":    results,
	})
}

// handleUploadRAGFile extracts text from an uploaded document, chunks it and
// indexes every chunk under a deterministic id, so re-uploading the same file
// overwrites instead of duplicating.
func (s *Server) handleUploadRAGFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireDocs(w) {
		return
	}
	index := chi.URLParam(r, "index")
	backend := backendParam(r)

	filename, raw, err := readUpload(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(raw) == 0 {
		httpError(w, http.StatusBadRequest, "Empty file")
		return
	}

	chunkSize := formInt(r, "chunk_size", 1500)
	overlap := formInt(r, "overlap", 300)

	var metadata map[string]interface{}
	if metaJSON := r.FormValue("metadata_json"); strings.TrimSpace(metaJSON) != "" {
		if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
			httpError(w, http.StatusBadRequest, "metadata_json must be valid JSON")
			return
		}
	}

	text, err := extractUpload(filename, raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(text) == "" {
		httpError(w, http.StatusBadRequest, "No text extracted from file")
		return
	}

	chunks := rag.ChunkText(rag.NormalizeText(text), chunkSize, overlap)
	if len(chunks) == 0 {
		httpError(w, http.StatusBadRequest, "No chunks generated from extracted text")
		return
	}

	fileHash := sha256.Sum256(raw)
	fileSHA := hex.EncodeToString(fileHash[:])

	documentIDs := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		docMetadata := map[string]interface{}{
			"source_file":      filename,
			"file_size":        len(raw),
			"file_hash_sha256": fileSHA,
			"chunk_index":      i,
			"total_chunks":     len(chunks),
		}
		for k, v := range metadata {
			docMetadata[k] = v
		}

		docID := rag.DocumentID(index, fileSHA, i)
		created, err := s.deps.Docs.Add(r.Context(), backend, index, chunk, docMetadata, docID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		documentIDs = append(documentIDs, created)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "uploaded",
		"index_name":   index,
		"filename":     filename,
		"chunks":       len(chunks),
		"document_ids": documentIDs,
	})
}

// extractUpload runs the file-type extractors over an in-memory upload via a
// temp file, since the extractors work on paths.
func extractUpload(filename string, raw []byte) (string, error) {
	suffix := filepath.Ext(filename)
	if suffix == "" {
		suffix = ".bin"
	}
	tmp, err := os.CreateTemp("", "ragupload-*"+suffix)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	return rag.ExtractText(tmp.Name())
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func formInt(r *http.Request, name string, def int) int {
	v := r.FormValue(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
