package dataquery

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// forbiddenFragments are rejected anywhere in a query, case-insensitive.
// The evaluator never hands the string to a host interpreter, but queries
// that even look like code escape attempts are refused outright.
var forbiddenFragments = []string{
	"import", "exec", "eval", "__", "open(",
	"globals", "locals", "subprocess", "os", "system", "file",
}

// allowedOps is the closed set of method names a query may start with.
var allowedOps = map[string]bool{
	"head": true, "tail": true, "describe": true, "info": true,
	"columns": true, "shape": true, "dtypes": true, "isna": true,
	"notna": true, "sum": true, "mean": true, "median": true,
	"max": true, "min": true, "std": true, "count": true,
	"value_counts": true, "groupby": true, "sort_values": true,
	"dropna": true, "fillna": true, "query": true, "loc": true,
	"iloc": true, "select_dtypes": true, "nunique": true,
	"unique": true, "sample": true,
}

// ErrForbidden is the exact message returned for queries that trip the
// fragment filter.
const ErrForbidden = "Query contains forbidden operations"

const queryHelp = "Tente usar métodos como: head(), tail(), describe(), " +
	"ou filtros como df[df['coluna'] > valor]"

// Result is the serialized outcome of one query. Frames carry records plus
// row and column counts; series and scalars carry a type tag.
type Result struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Type    string      `json:"type,omitempty"`
	Rows    int         `json:"rows,omitempty"`
	Columns []string    `json:"columns,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func frameResult(f *Frame) Result {
	return Result{
		Success: true,
		Result:  f.Records(),
		Rows:    f.NumRows(),
		Columns: f.Columns,
	}
}

func seriesResult(v interface{}) Result {
	return Result{Success: true, Result: v, Type: "series"}
}

func scalarResult(v interface{}) Result {
	return Result{Success: true, Result: fmt.Sprintf("%v", v), Type: "scalar"}
}

func errorResult(msg string) Result {
	return Result{Success: false, Error: msg}
}

func execError(err error) Result {
	return errorResult(fmt.Sprintf("Query execution error: %v. %s", err, queryHelp))
}

// Evaluate runs one restricted query against a frame.
func Evaluate(frame *Frame, query string) Result {
	lowered := strings.ToLower(query)
	for _, frag := range forbiddenFragments {
		if strings.Contains(lowered, frag) {
			return errorResult(ErrForbidden)
		}
	}

	q := strings.TrimSpace(query)
	q = strings.TrimPrefix(q, "df.")
	if q == "" {
		return frameResult(frame.Head(10))
	}

	if strings.HasPrefix(q, "df[") || strings.HasPrefix(q, "[") {
		return evalBracket(frame, strings.TrimPrefix(q, "df"))
	}

	name, arg, rest, err := splitCall(q)
	if err != nil {
		return execError(err)
	}
	if !allowedOps[name] {
		return execError(fmt.Errorf("operação %q não suportada", name))
	}
	if rest != "" {
		return execError(fmt.Errorf("expressões encadeadas não são suportadas"))
	}
	return evalMethod(frame, name, arg)
}

// splitCall parses `name`, `name(arg)` or `name(arg).rest`, returning the
// untouched remainder after the call.
func splitCall(q string) (name, arg, rest string, err error) {
	open := strings.Index(q, "(")
	if open < 0 {
		return strings.TrimSpace(q), "", "", nil
	}
	name = strings.TrimSpace(q[:open])
	depth := 0
	for i := open; i < len(q); i++ {
		switch q[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				arg = strings.TrimSpace(q[open+1 : i])
				rest = strings.TrimSpace(strings.TrimPrefix(q[i+1:], "."))
				return name, arg, rest, nil
			}
		}
	}
	return "", "", "", fmt.Errorf("parênteses desbalanceados")
}

func evalMethod(f *Frame, name, arg string) Result {
	switch name {
	case "head":
		return frameResult(f.Head(intArg(arg, 10)))
	case "tail":
		return frameResult(f.Tail(intArg(arg, 10)))
	case "sample":
		return frameResult(f.Head(intArg(arg, 1)))
	case "describe":
		return frameResult(describe(f))
	case "info":
		return scalarResult(infoString(f))
	case "columns":
		return scalarResult(strings.Join(f.Columns, ", "))
	case "shape":
		return scalarResult(fmt.Sprintf("%d rows, %d columns", f.NumRows(), len(f.Columns)))
	case "dtypes":
		return seriesResult(f.Dtypes())
	case "count":
		return seriesResult(countNonNull(f))
	case "nunique":
		return seriesResult(countUnique(f))
	case "sum", "mean", "median", "max", "min", "std":
		return seriesResult(aggregateNumeric(f, name))
	case "dropna":
		return frameResult(dropNA(f))
	case "fillna":
		return frameResult(fillNA(f, literalArg(arg)))
	case "isna":
		return frameResult(maskNA(f, true))
	case "notna":
		return frameResult(maskNA(f, false))
	case "sort_values":
		return evalSortValues(f, arg)
	case "query":
		cond, err := parseCondition(unquote(arg))
		if err != nil {
			return execError(err)
		}
		filtered, err := filterFrame(f, cond)
		if err != nil {
			return execError(err)
		}
		return frameResult(filtered)
	case "value_counts", "unique":
		return execError(fmt.Errorf("%s() requer uma coluna, ex: df['coluna'].%s()", name, name))
	default:
		// Allow-listed but not implemented by this engine.
		return execError(fmt.Errorf("operação %q não suportada", name))
	}
}

// ============================================================================
// Bracket forms: ['col'], [['a','b']], [df['col'] > x], with an optional
// trailing method on a selected column.
// ============================================================================

// matchBracket returns the index of the ] closing the [ at start, honoring
// nesting and quotes. -1 when unbalanced.
func matchBracket(s string, start int) int {
	depth := 0
	inQuote := byte(0)
	for i := start; i < len(s); i++ {
		c := s[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inQuote = c
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func evalBracket(f *Frame, q string) Result {
	if !strings.HasPrefix(q, "[") {
		return execError(fmt.Errorf("expressão inválida"))
	}
	end := matchBracket(q, 0)
	if end < 0 {
		return execError(fmt.Errorf("colchetes desbalanceados"))
	}
	inner := strings.TrimSpace(q[1:end])
	rest := strings.TrimSpace(strings.TrimPrefix(q[end+1:], "."))

	// Row filter: df[df['col'] > 10]
	if strings.HasPrefix(inner, "df[") || strings.Contains(inner, "df['") {
		cond, err := parseBracketCondition(inner)
		if err != nil {
			return execError(err)
		}
		filtered, err := filterFrame(f, cond)
		if err != nil {
			return execError(err)
		}
		if rest != "" {
			return Evaluate(filtered, rest)
		}
		return frameResult(filtered)
	}

	// Column subset: df[['a','b']]
	if strings.HasPrefix(inner, "[") {
		names := splitQuotedList(strings.Trim(inner, "[]"))
		sub, err := selectColumns(f, names)
		if err != nil {
			return execError(err)
		}
		if rest != "" {
			return Evaluate(sub, rest)
		}
		return frameResult(sub)
	}

	// Single column: df['col'] with an optional chained method.
	column := unquote(inner)
	values, err := f.Select(column)
	if err != nil {
		return execError(err)
	}
	if rest == "" {
		return seriesResult(values)
	}
	name, arg, tail, err := splitCall(rest)
	if err != nil || tail != "" {
		return execError(fmt.Errorf("expressão encadeada inválida"))
	}
	return evalColumnMethod(column, values, name, arg)
}

func evalColumnMethod(column string, values []interface{}, name, arg string) Result {
	if !allowedOps[name] {
		return execError(fmt.Errorf("operação %q não suportada", name))
	}
	switch name {
	case "unique":
		return seriesResult(uniqueValues(values))
	case "value_counts":
		return seriesResult(valueCounts(values))
	case "nunique":
		return scalarResult(len(uniqueValues(values)))
	case "count":
		n := 0
		for _, v := range values {
			if v != nil {
				n++
			}
		}
		return scalarResult(n)
	case "head":
		n := intArg(arg, 10)
		if n > len(values) {
			n = len(values)
		}
		return seriesResult(values[:n])
	case "sum", "mean", "median", "max", "min", "std":
		nums := numericValues(values)
		if len(nums) == 0 {
			return execError(fmt.Errorf("coluna %q não é numérica", column))
		}
		return scalarResult(applyAggregate(name, nums))
	default:
		return execError(fmt.Errorf("operação %q não suportada em colunas", name))
	}
}

// ============================================================================
// Condition parsing: `col op literal` terms joined by and/or, no grouping.
// ============================================================================

type comparison struct {
	column  string
	op      string
	literal interface{}
}

type condition struct {
	terms []comparison
	// joiners[i] connects terms[i] and terms[i+1]; "and" or "or".
	joiners []string
}

var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

func parseCondition(expr string) (*condition, error) {
	cond := &condition{}
	remaining := strings.TrimSpace(expr)
	for remaining != "" {
		term, joiner, rest := splitNextTerm(remaining)
		cmp, err := parseComparison(term)
		if err != nil {
			return nil, err
		}
		cond.terms = append(cond.terms, cmp)
		if joiner == "" {
			break
		}
		cond.joiners = append(cond.joiners, joiner)
		remaining = rest
	}
	if len(cond.terms) == 0 {
		return nil, fmt.Errorf("condição vazia")
	}
	return cond, nil
}

// splitNextTerm finds the first ` and `/` or ` outside quotes.
func splitNextTerm(expr string) (term, joiner, rest string) {
	inQuote := byte(0)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			inQuote = c
			continue
		}
		lower := strings.ToLower(expr[i:])
		if strings.HasPrefix(lower, " and ") {
			return strings.TrimSpace(expr[:i]), "and", strings.TrimSpace(expr[i+5:])
		}
		if strings.HasPrefix(lower, " or ") {
			return strings.TrimSpace(expr[:i]), "or", strings.TrimSpace(expr[i+4:])
		}
	}
	return strings.TrimSpace(expr), "", ""
}

func parseComparison(term string) (comparison, error) {
	for _, op := range comparisonOps {
		idx := strings.Index(term, op)
		if idx < 0 {
			continue
		}
		column := strings.TrimSpace(term[:idx])
		column = unquote(strings.TrimSuffix(strings.TrimPrefix(column, "df["), "]"))
		raw := strings.TrimSpace(term[idx+len(op):])
		return comparison{column: column, op: op, literal: literalArg(raw)}, nil
	}
	return comparison{}, fmt.Errorf("condição inválida: %q", term)
}

// parseBracketCondition handles the df[df['col'] > 10] inner expression.
func parseBracketCondition(inner string) (*condition, error) {
	return parseCondition(inner)
}

func filterFrame(f *Frame, cond *condition) (*Frame, error) {
	for _, t := range cond.terms {
		if f.ColumnIndex(t.column) < 0 {
			return nil, fmt.Errorf("coluna %q não encontrada", t.column)
		}
	}
	out := &Frame{Columns: f.Columns}
	for _, row := range f.Rows {
		keep := evalComparison(f, row, cond.terms[0])
		for i, joiner := range cond.joiners {
			next := evalComparison(f, row, cond.terms[i+1])
			if joiner == "and" {
				keep = keep && next
			} else {
				keep = keep || next
			}
		}
		if keep {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func evalComparison(f *Frame, row []interface{}, cmp comparison) bool {
	v := row[f.ColumnIndex(cmp.column)]
	if v == nil {
		return cmp.op == "!=" && cmp.literal != nil
	}

	if ln, ok := toFloat(cmp.literal); ok {
		vn, ok := toFloat(v)
		if !ok {
			return false
		}
		switch cmp.op {
		case "==":
			return vn == ln
		case "!=":
			return vn != ln
		case ">":
			return vn > ln
		case ">=":
			return vn >= ln
		case "<":
			return vn < ln
		case "<=":
			return vn <= ln
		}
		return false
	}

	vs := fmt.Sprintf("%v", v)
	ls := fmt.Sprintf("%v", cmp.literal)
	switch cmp.op {
	case "==":
		return vs == ls
	case "!=":
		return vs != ls
	case ">":
		return vs > ls
	case ">=":
		return vs >= ls
	case "<":
		return vs < ls
	case "<=":
		return vs <= ls
	}
	return false
}

// ============================================================================
// Frame operations
// ============================================================================

func describe(f *Frame) *Frame {
	var numeric []string
	for col, dtype := range f.Dtypes() {
		if dtype == "int64" || dtype == "float64" {
			numeric = append(numeric, col)
		}
	}
	sort.Strings(numeric)

	out := &Frame{Columns: append([]string{"statistic"}, numeric...)}
	for _, stat := range []string{"count", "mean", "std", "min", "50%", "max"} {
		row := make([]interface{}, len(out.Columns))
		row[0] = stat
		for i, col := range numeric {
			values, _ := f.Select(col)
			nums := numericValues(values)
			switch stat {
			case "count":
				row[i+1] = float64(len(nums))
			case "mean":
				row[i+1] = applyAggregate("mean", nums)
			case "std":
				row[i+1] = applyAggregate("std", nums)
			case "min":
				row[i+1] = applyAggregate("min", nums)
			case "50%":
				row[i+1] = applyAggregate("median", nums)
			case "max":
				row[i+1] = applyAggregate("max", nums)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

func infoString(f *Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d entries, %d columns\n", f.NumRows(), len(f.Columns))
	dtypes := f.Dtypes()
	counts := countNonNull(f)
	for _, col := range f.Columns {
		fmt.Fprintf(&b, "%s: %d non-null, %s\n", col, counts[col], dtypes[col])
	}
	return strings.TrimRight(b.String(), "\n")
}

func countNonNull(f *Frame) map[string]int {
	out := make(map[string]int, len(f.Columns))
	for i, col := range f.Columns {
		n := 0
		for _, row := range f.Rows {
			if row[i] != nil {
				n++
			}
		}
		out[col] = n
	}
	return out
}

func countUnique(f *Frame) map[string]int {
	out := make(map[string]int, len(f.Columns))
	for i, col := range f.Columns {
		seen := make(map[string]bool)
		for _, row := range f.Rows {
			if row[i] != nil {
				seen[fmt.Sprintf("%v", row[i])] = true
			}
		}
		out[col] = len(seen)
	}
	return out
}

func aggregateNumeric(f *Frame, fn string) map[string]float64 {
	out := make(map[string]float64)
	for col, dtype := range f.Dtypes() {
		if dtype != "int64" && dtype != "float64" {
			continue
		}
		values, _ := f.Select(col)
		nums := numericValues(values)
		if len(nums) == 0 {
			continue
		}
		out[col] = applyAggregate(fn, nums)
	}
	return out
}

func applyAggregate(fn string, nums []float64) float64 {
	switch fn {
	case "sum":
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total
	case "mean":
		return applyAggregate("sum", nums) / float64(len(nums))
	case "median":
		sorted := append([]float64(nil), nums...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid]
		}
		return (sorted[mid-1] + sorted[mid]) / 2
	case "max":
		best := nums[0]
		for _, n := range nums[1:] {
			if n > best {
				best = n
			}
		}
		return best
	case "min":
		best := nums[0]
		for _, n := range nums[1:] {
			if n < best {
				best = n
			}
		}
		return best
	case "std":
		if len(nums) < 2 {
			return 0
		}
		mean := applyAggregate("mean", nums)
		sum := 0.0
		for _, n := range nums {
			sum += (n - mean) * (n - mean)
		}
		return math.Sqrt(sum / float64(len(nums)-1))
	}
	return 0
}

func dropNA(f *Frame) *Frame {
	out := &Frame{Columns: f.Columns}
	for _, row := range f.Rows {
		full := true
		for _, v := range row {
			if v == nil {
				full = false
				break
			}
		}
		if full {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func fillNA(f *Frame, value interface{}) *Frame {
	out := &Frame{Columns: f.Columns}
	for _, row := range f.Rows {
		filled := make([]interface{}, len(row))
		for i, v := range row {
			if v == nil {
				filled[i] = value
			} else {
				filled[i] = v
			}
		}
		out.Rows = append(out.Rows, filled)
	}
	return out
}

func maskNA(f *Frame, isNA bool) *Frame {
	out := &Frame{Columns: f.Columns}
	for _, row := range f.Rows {
		mask := make([]interface{}, len(row))
		for i, v := range row {
			mask[i] = (v == nil) == isNA
		}
		out.Rows = append(out.Rows, mask)
	}
	return out
}

func evalSortValues(f *Frame, arg string) Result {
	column := ""
	ascending := true
	for _, part := range strings.Split(arg, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "by="):
			column = unquote(strings.TrimPrefix(part, "by="))
		case strings.HasPrefix(strings.ToLower(part), "ascending="):
			ascending = !strings.EqualFold(strings.TrimPrefix(part, "ascending="), "false")
		case part != "" && column == "":
			column = unquote(part)
		}
	}
	idx := f.ColumnIndex(column)
	if idx < 0 {
		return execError(fmt.Errorf("coluna %q não encontrada", column))
	}

	out := &Frame{Columns: f.Columns, Rows: append([][]interface{}(nil), f.Rows...)}
	sort.SliceStable(out.Rows, func(i, j int) bool {
		less := cellLess(out.Rows[i][idx], out.Rows[j][idx])
		if ascending {
			return less
		}
		return cellLess(out.Rows[j][idx], out.Rows[i][idx])
	})
	return frameResult(out)
}

// cellLess orders nil first, numbers numerically, everything else as text.
func cellLess(a, b interface{}) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		return an < bn
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func selectColumns(f *Frame, names []string) (*Frame, error) {
	indexes := make([]int, 0, len(names))
	for _, name := range names {
		idx := f.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("coluna %q não encontrada", name)
		}
		indexes = append(indexes, idx)
	}
	out := &Frame{Columns: names}
	for _, row := range f.Rows {
		sub := make([]interface{}, len(indexes))
		for i, idx := range indexes {
			sub[i] = row[idx]
		}
		out.Rows = append(out.Rows, sub)
	}
	return out, nil
}

func uniqueValues(values []interface{}) []interface{} {
	seen := make(map[string]bool)
	var out []interface{}
	for _, v := range values {
		if v == nil {
			continue
		}
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

func valueCounts(values []interface{}) map[string]int {
	out := make(map[string]int)
	for _, v := range values {
		if v == nil {
			continue
		}
		out[fmt.Sprintf("%v", v)]++
	}
	return out
}

// ============================================================================
// Small parsing helpers
// ============================================================================

func intArg(arg string, def int) int {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return def
	}
	if n, err := strconv.Atoi(arg); err == nil {
		return n
	}
	return def
}

func literalArg(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	case "none", "null", "nan":
		return nil
	}
	return unquote(raw)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func splitQuotedList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if name := unquote(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func numericValues(values []interface{}) []float64 {
	var out []float64
	for _, v := range values {
		if n, ok := toFloat(v); ok {
			out = append(out, n)
		}
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	}
	return 0, false
}
