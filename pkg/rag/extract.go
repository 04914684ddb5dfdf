package rag

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// ingestibleExtensions are the file types the ingestion pipeline reads.
var ingestibleExtensions = map[string]bool{
	".txt": true, ".md": true, ".pdf": true,
	".docx": true, ".xlsx": true, ".xls": true,
}

var (
	trailingWS = regexp.MustCompile(`[ \t]+\n`)
	multiBlank = regexp.MustCompile(`\n{3,}`)
	multiSpace = regexp.MustCompile(`[ \t]{2,}`)
)

// NormalizeText collapses line-ending noise: CRLF to LF, trailing spaces,
// runs of blank lines and runs of spaces.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = trailingWS.ReplaceAllString(text, "\n")
	text = multiBlank.ReplaceAllString(text, "\n\n")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ChunkText splits text into overlapping chunks. When a chunk would cut
// mid-sentence it backtracks to the nearest boundary past 60% of the window:
// paragraph break, newline, sentence end or semicolon.
func ChunkText(text string, chunkSize, overlap int) []string {
	text = NormalizeText(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	lastStart := -1

	for start < len(text) {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		window := text[start:end]

		if end < len(text) {
			searchStart := len(window) * 60 / 100
			cut := -1
			for _, sep := range []string{"\n\n", "\n", ". ", "; "} {
				if idx := strings.LastIndex(window[searchStart:], sep); idx >= 0 && searchStart+idx > cut {
					cut = searchStart + idx
				}
			}
			if cut != -1 {
				end = start + cut + 1
			}
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := end - overlap
		if next < 0 {
			next = 0
		}
		// Guard against re-walking the same window forever.
		if lastStart >= 0 && next <= lastStart {
			next = end
		}
		lastStart = start
		start = next
	}
	return chunks
}

// ExtractText pulls plain text out of a document by extension.
func ExtractText(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt", ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("rag: read %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	case ".pdf":
		return extractPDF(path)
	case ".docx":
		return extractDocx(path)
	case ".xlsx", ".xls":
		return extractSpreadsheet(path)
	default:
		return "", fmt.Errorf("rag: unsupported document type %q", ext)
	}
}

func extractPDF(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("rag: open pdf: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("rag: stat pdf: %w", err)
	}
	reader, err := pdf.NewReader(file, stat.Size())
	if err != nil {
		return "", fmt.Errorf("rag: parse pdf: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func extractDocx(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("rag: parse docx: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

func extractSpreadsheet(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("rag: parse spreadsheet: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "=== Planilha: %s ===\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		parts = append(parts, strings.TrimSpace(b.String()))
	}
	return strings.Join(parts, "\n\n"), nil
}
