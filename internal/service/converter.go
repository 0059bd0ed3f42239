package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"sqlinx/internal/core"
	"sqlinx/internal/data"
)

// DefaultTableName is used when neither the caller nor the file name yields a table name.
const DefaultTableName = "data"

// PreviewRows is the number of rows returned by Preview.
const PreviewRows = 5

// Converter loads CSV, JSON and XLSX uploads into SQLite tables.
type Converter struct {
	logger *slog.Logger
}

func NewConverter(logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{logger: logger}
}

// Convert parses the whole upload, keeps the first spec.SampleLimit rows and writes
// them into spec.TargetTable of the SQLite file at dbPath. Values that do not fit the
// inferred column type are stored as NULL and counted in the result's warnings.
func (c *Converter) Convert(ctx context.Context, r io.Reader, spec core.ConversionSpec, dbPath string) (*core.ConversionResult, error) {
	t, err := decodeTable(r, spec)
	if err != nil {
		return nil, err
	}
	if len(t.header) == 0 {
		return nil, &core.ParseError{Source: spec.SourceName, Err: core.ErrNoHeader}
	}

	tableName := resolveTableName(spec)
	names := core.CleanColumnNames(t.header)

	sourceRows := len(t.rows)
	rows := t.rows
	if spec.SampleLimit > 0 && len(rows) > spec.SampleLimit {
		rows = rows[:spec.SampleLimit]
	}

	types := InferColumnTypes(rows, len(names))
	for i, name := range names {
		if ov, ok := override(spec.TypeOverrides, name, t.header[i]); ok {
			types[i] = ov
		}
	}

	db, err := data.OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer db.Close()

	existing, err := tableColumnNames(ctx, db, tableName)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 && !sameColumns(existing, names) {
		return nil, &core.SchemaError{
			Table: tableName,
			Err:   fmt.Errorf("existing columns (%s) differ from upload columns (%s)", strings.Join(existing, ", "), strings.Join(names, ", ")),
		}
	}

	warnings, err := c.insert(ctx, db, tableName, names, types, rows, len(existing) == 0)
	if err != nil {
		return nil, err
	}
	warnings += t.ragged

	cols := make([]core.Column, len(names))
	for i, name := range names {
		ct := types[i]
		if ct == core.TypeNull {
			ct = core.TypeString
		}
		cols[i] = core.Column{Name: name, Type: ct}
	}

	c.logger.Info("file converted",
		"source", spec.SourceName,
		"table", tableName,
		"rows", len(rows),
		"source_rows", sourceRows,
		"warnings", warnings)

	return &core.ConversionResult{
		TableName:      tableName,
		RowCount:       len(rows),
		SourceRowCount: sourceRows,
		Columns:        cols,
		Warnings:       warnings,
		DatabasePath:   dbPath,
	}, nil
}

// Preview decodes the upload and returns its shape, inferred columns and first rows.
func (c *Converter) Preview(r io.Reader, spec core.ConversionSpec) (*core.FilePreview, error) {
	t, err := decodeTable(r, spec)
	if err != nil {
		return nil, err
	}

	format := spec.Format
	if format == "" {
		format, _ = DetectFormat(spec.SourceName)
	}
	names := core.CleanColumnNames(t.header)
	types := InferColumnTypes(t.rows, len(names))

	preview := &core.FilePreview{
		Format:   format,
		RowCount: len(t.rows),
		Columns:  make([]core.Column, len(names)),
		Rows:     t.rows[:min(PreviewRows, len(t.rows))],
	}
	for i, name := range names {
		preview.Columns[i] = core.Column{Name: name, Type: types[i]}
	}
	return preview, nil
}

func (c *Converter) insert(ctx context.Context, db *sql.DB, table string, names []string, types []core.ColumnType, rows [][]any, create bool) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if create {
		if _, err := tx.ExecContext(ctx, createTableSQL(table, names, types)); err != nil {
			return 0, fmt.Errorf("create table %s: %w", table, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(table, names))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	warnings := 0
	args := make([]any, len(names))
	for _, row := range rows {
		for i := range names {
			v, ok := coerce(row[i], types[i])
			if !ok {
				warnings++
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return warnings, nil
}

func createTableSQL(table string, names []string, types []core.ColumnType) string {
	defs := make([]string, len(names))
	for i, name := range names {
		defs[i] = core.QuoteIdentifier(name) + " " + types[i].SQLiteType()
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", core.QuoteIdentifier(table), strings.Join(defs, ", "))
}

func insertSQL(table string, names []string) string {
	quoted := make([]string, len(names))
	marks := make([]string, len(names))
	for i, name := range names {
		quoted[i] = core.QuoteIdentifier(name)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", core.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

func tableColumnNames(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func resolveTableName(spec core.ConversionSpec) string {
	if name := core.CleanIdentifier(spec.TargetTable); name != "" {
		return name
	}
	if name := TableNameFromFile(spec.SourceName); name != "" {
		return name
	}
	return DefaultTableName
}

func override(overrides map[string]core.ColumnType, names ...string) (core.ColumnType, bool) {
	for _, n := range names {
		if t, ok := overrides[n]; ok {
			return t, true
		}
	}
	return "", false
}

// nullTokens are read as missing values rather than text.
var nullTokens = map[string]bool{
	"": true, "null": true, "NULL": true, "Null": true, "NaN": true, "nan": true,
	"NA": true, "N/A": true, "n/a": true, "#N/A": true, "None": true,
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006",
	"2.1.2006 15:04:05",
	"2.1.2006",
}

func parseDatetime(s string) (time.Time, string, bool) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout, true
		}
	}
	return time.Time{}, "", false
}

// classify reports the narrowest type a single cell fits.
func classify(v any) core.ColumnType {
	switch x := v.(type) {
	case nil:
		return core.TypeNull
	case bool:
		return core.TypeBool
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return core.TypeInt
		}
		return core.TypeFloat
	case string:
		s := strings.TrimSpace(x)
		if nullTokens[s] {
			return core.TypeNull
		}
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return core.TypeInt
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return core.TypeFloat
		}
		if strings.EqualFold(s, "true") || strings.EqualFold(s, "false") {
			return core.TypeBool
		}
		if _, _, ok := parseDatetime(s); ok {
			return core.TypeDatetime
		}
	}
	return core.TypeString
}

// votePriority breaks ties in favour of the more general type.
var votePriority = []core.ColumnType{core.TypeString, core.TypeFloat, core.TypeInt, core.TypeDatetime, core.TypeBool}

// InferColumnTypes runs a majority vote per column over the non-null cells.
// Integer cells vote for float whenever float cells are present and the numeric
// cells together carry the vote. All-null columns are TypeNull.
func InferColumnTypes(rows [][]any, width int) []core.ColumnType {
	types := make([]core.ColumnType, width)
	for col := 0; col < width; col++ {
		votes := map[core.ColumnType]int{}
		for _, row := range rows {
			if t := classify(row[col]); t != core.TypeNull {
				votes[t]++
			}
		}
		if len(votes) == 0 {
			types[col] = core.TypeNull
			continue
		}

		if votes[core.TypeFloat] > 0 && votes[core.TypeInt] > 0 {
			votes[core.TypeFloat] += votes[core.TypeInt]
			delete(votes, core.TypeInt)
		}

		best, bestVotes := core.TypeString, -1
		for _, t := range votePriority {
			if votes[t] > bestVotes {
				best, bestVotes = t, votes[t]
			}
		}
		types[col] = best
	}
	return types
}

// coerce converts a cell to the storage value of column type t. ok is false when
// a non-empty value had to be dropped to NULL.
func coerce(v any, t core.ColumnType) (any, bool) {
	if classify(v) == core.TypeNull {
		return nil, true
	}

	s := ""
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case json.Number:
		s = x.String()
	case bool:
		s = strconv.FormatBool(x)
	default:
		s = fmt.Sprint(x)
	}

	switch t {
	case core.TypeInt:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), true
		}
		return nil, false
	case core.TypeFloat:
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f, true
		}
		return nil, false
	case core.TypeBool:
		if b, err := strconv.ParseBool(s); err == nil {
			if b {
				return int64(1), true
			}
			return int64(0), true
		}
		return nil, false
	case core.TypeDatetime:
		if ts, layout, ok := parseDatetime(s); ok {
			if layout == "2006-01-02" || layout == "1/2/2006" || layout == "2.1.2006" {
				return ts.Format("2006-01-02"), true
			}
			return ts.Format("2006-01-02 15:04:05"), true
		}
		return nil, false
	}

	if x, ok := v.(string); ok {
		return x, true
	}
	return s, true
}
