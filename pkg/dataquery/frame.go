// Package dataquery loads tabular files into in-memory frames and evaluates
// a restricted query language over them. Expressions are interpreted by a
// small evaluator against a closed allow-list; nothing is ever passed to a
// host-language eval.
package dataquery

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Frame is an immutable in-memory table. Cells are float64, bool, string or
// nil; loaders infer numeric columns the way a dataframe library would.
type Frame struct {
	Columns []string
	Rows    [][]interface{}
}

// NumRows returns the row count.
func (f *Frame) NumRows() int { return len(f.Rows) }

// ColumnIndex returns the position of a column, -1 when absent.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Dtypes infers a per-column type name: int64, float64, bool or object.
func (f *Frame) Dtypes() map[string]string {
	dtypes := make(map[string]string, len(f.Columns))
	for i, col := range f.Columns {
		dtypes[col] = f.columnDtype(i)
	}
	return dtypes
}

func (f *Frame) columnDtype(idx int) string {
	allInt := true
	allNumeric := true
	allBool := true
	seen := false

	for _, row := range f.Rows {
		v := row[idx]
		if v == nil {
			continue
		}
		seen = true
		switch t := v.(type) {
		case float64:
			allBool = false
			if t != float64(int64(t)) {
				allInt = false
			}
		case bool:
			allNumeric = false
			allInt = false
		default:
			return "object"
		}
	}
	if !seen {
		return "object"
	}
	if allBool {
		return "bool"
	}
	if allNumeric && allInt {
		return "int64"
	}
	if allNumeric {
		return "float64"
	}
	return "object"
}

// Records converts rows to a list of column→value maps, the JSON shape
// returned to tool callers.
func (f *Frame) Records() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(f.Rows))
	for _, row := range f.Rows {
		rec := make(map[string]interface{}, len(f.Columns))
		for i, col := range f.Columns {
			rec[col] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// Head returns the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	return &Frame{Columns: f.Columns, Rows: f.Rows[:n]}
}

// Tail returns the last n rows.
func (f *Frame) Tail(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	return &Frame{Columns: f.Columns, Rows: f.Rows[len(f.Rows)-n:]}
}

// Select returns a single-column view as an ordered series.
func (f *Frame) Select(column string) ([]interface{}, error) {
	idx := f.ColumnIndex(column)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found", column)
	}
	values := make([]interface{}, len(f.Rows))
	for i, row := range f.Rows {
		values[i] = row[idx]
	}
	return values, nil
}

// Concat appends frames with a union of columns, missing cells nil.
func Concat(frames []*Frame) *Frame {
	if len(frames) == 1 {
		return frames[0]
	}

	var columns []string
	seen := make(map[string]bool)
	for _, fr := range frames {
		for _, c := range fr.Columns {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}

	out := &Frame{Columns: columns}
	for _, fr := range frames {
		for _, row := range fr.Rows {
			merged := make([]interface{}, len(columns))
			for i, c := range columns {
				if idx := fr.ColumnIndex(c); idx >= 0 {
					merged[i] = row[idx]
				}
			}
			out.Rows = append(out.Rows, merged)
		}
	}
	return out
}

// ============================================================================
// Loaders
// ============================================================================

// LoadFrame parses file content by extension. Supported: .csv, .json,
// .xlsx, .xls.
func LoadFrame(name string, r io.Reader) (*Frame, error) {
	switch ext := strings.ToLower(extOf(name)); ext {
	case ".csv":
		return loadCSV(r)
	case ".json":
		return loadJSON(r)
	case ".xlsx", ".xls":
		return loadExcel(r)
	default:
		return nil, fmt.Errorf("dataquery: unsupported file type %q", ext)
	}
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func loadCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataquery: parse csv: %w", err)
	}
	if len(records) == 0 {
		return &Frame{}, nil
	}

	frame := &Frame{Columns: records[0]}
	for _, rec := range records[1:] {
		row := make([]interface{}, len(frame.Columns))
		for i := range frame.Columns {
			if i < len(rec) {
				row[i] = coerceCell(rec[i])
			}
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}

// coerceCell parses a raw string cell into a typed value.
func coerceCell(s string) interface{} {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func loadJSON(r io.Reader) (*Frame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("dataquery: read json: %w", err)
	}

	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("dataquery: parse json: %w", err)
	}

	var records []map[string]interface{}
	switch t := payload.(type) {
	case []interface{}:
		for _, item := range t {
			rec, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("dataquery: json array items must be objects")
			}
			records = append(records, rec)
		}
	case map[string]interface{}:
		records = []map[string]interface{}{t}
	default:
		return nil, fmt.Errorf("dataquery: json root must be an array or object")
	}

	return framesFromRecords(records), nil
}

func framesFromRecords(records []map[string]interface{}) *Frame {
	var columns []string
	seen := make(map[string]bool)
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}

	frame := &Frame{Columns: columns}
	for _, rec := range records {
		row := make([]interface{}, len(columns))
		for i, c := range columns {
			row[i] = rec[c]
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame
}

func loadExcel(r io.Reader) (*Frame, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("dataquery: open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Frame{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("dataquery: read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return &Frame{}, nil
	}

	frame := &Frame{Columns: rows[0]}
	for _, rec := range rows[1:] {
		row := make([]interface{}, len(frame.Columns))
		for i := range frame.Columns {
			if i < len(rec) {
				row[i] = coerceCell(rec[i])
			}
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}
